package crawler

import (
	"sync"
	"time"
)

// Gate enforces per-domain politeness: a minimum delay between consecutive
// request completions, an exclusive in-flight slot per domain, and a shared
// backoff window armed by 429 responses. The mutex is held only across map
// updates, never across I/O.
type Gate struct {
	mu       sync.Mutex
	minDelay time.Duration
	last     map[string]time.Time // completion time of the previous request
	backoff  map[string]time.Time // backoff deadline
	inflight map[string]struct{}
}

func NewGate(minDelay time.Duration) *Gate {
	return &Gate{
		minDelay: minDelay,
		last:     make(map[string]time.Time),
		backoff:  make(map[string]time.Time),
		inflight: make(map[string]struct{}),
	}
}

// BackoffRemaining reports how long the domain stays off-limits, zero when it
// may be contacted.
func (g *Gate) BackoffRemaining(domain string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.backoff[domain]
	if !ok {
		return 0
	}
	if d := time.Until(until); d > 0 {
		return d
	}
	delete(g.backoff, domain)
	return 0
}

// SetBackoff arms the domain's backoff window.
func (g *Gate) SetBackoff(domain string, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.backoff[domain] = time.Now().Add(d)
}

// TryAcquire claims the domain's single in-flight slot. Callers that get the
// slot must call Done once the request completes; callers that do not must
// requeue and move on.
func (g *Gate) TryAcquire(domain string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[domain]; busy {
		return false
	}
	g.inflight[domain] = struct{}{}
	return true
}

// DelayBefore returns how long the holder of the in-flight slot must still
// wait so the previous completion is at least minDelay old.
func (g *Gate) DelayBefore(domain string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.last[domain]
	if !ok {
		return 0
	}
	if d := g.minDelay - time.Since(last); d > 0 {
		return d
	}
	return 0
}

// Done records the request completion, whatever the outcome, and frees the
// in-flight slot. Rate limiting applies to attempts, not just successes.
func (g *Gate) Done(domain string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last[domain] = time.Now()
	delete(g.inflight, domain)
}

// Release frees the slot without recording a completion, for claims that
// never issued a request.
func (g *Gate) Release(domain string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, domain)
}
