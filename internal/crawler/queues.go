package crawler

import "sync"

// SiteQueues holds one pending-URL FIFO per site and serves workers
// round-robin so no site starves the others. A URL stays in the queued set
// from enqueue until the fetch resolves, which blocks duplicate enqueues
// while it is pending or in flight.
type SiteQueues struct {
	mu      sync.Mutex
	order   []string
	cursor  int
	pending map[string][]string
	queued  map[string]map[string]struct{}
	ready   map[string]bool
	deleted map[string]struct{}
}

func NewSiteQueues() *SiteQueues {
	return &SiteQueues{
		pending: make(map[string][]string),
		queued:  make(map[string]map[string]struct{}),
		ready:   make(map[string]bool),
		deleted: make(map[string]struct{}),
	}
}

// Enqueue adds a URL to the site's queue unless the site is deleted or the
// URL is already pending or in flight. Reports whether it was added.
func (q *SiteQueues) Enqueue(site, url string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, gone := q.deleted[site]; gone {
		return false
	}
	q.ensureSite(site)
	if _, dup := q.queued[site][url]; dup {
		return false
	}
	q.queued[site][url] = struct{}{}
	q.pending[site] = append(q.pending[site], url)
	return true
}

// Requeue appends a popped URL back to the tail of its site's queue, keeping
// its queued-set claim. Requeued URLs never jump ahead of newer ones.
func (q *SiteQueues) Requeue(site, url string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, gone := q.deleted[site]; gone {
		return
	}
	q.ensureSite(site)
	q.queued[site][url] = struct{}{}
	q.pending[site] = append(q.pending[site], url)
}

// Next pops the next URL in round-robin order, skipping deleted sites, sites
// whose sitemap expansion has not finished, and empty queues.
func (q *SiteQueues) Next() (site, url string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.order)
	for i := 0; i < n; i++ {
		idx := (q.cursor + i) % n
		s := q.order[idx]
		if _, gone := q.deleted[s]; gone {
			continue
		}
		if !q.ready[s] {
			continue
		}
		queue := q.pending[s]
		if len(queue) == 0 {
			continue
		}
		u := queue[0]
		q.pending[s] = queue[1:]
		q.cursor = (idx + 1) % n
		return s, u, true
	}
	return "", "", false
}

// Resolve releases a URL's queued-set claim once its fetch has concluded, so
// the watcher can enqueue it again if its artifacts are still missing.
func (q *SiteQueues) Resolve(site, url string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if set, ok := q.queued[site]; ok {
		delete(set, url)
	}
}

// SetReady flips the sitemap-phase gate for a site. URLs of a site are only
// dispatched once its expansion has finished.
func (q *SiteQueues) SetReady(site string, ready bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, gone := q.deleted[site]; gone {
		return
	}
	q.ensureSite(site)
	q.ready[site] = ready
}

// MarkDeleted drops the site's queue and blocks further enqueues so workers
// skip any of its in-flight URLs.
func (q *SiteQueues) MarkDeleted(site string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deleted[site] = struct{}{}
	delete(q.pending, site)
	delete(q.queued, site)
	delete(q.ready, site)
	for i, s := range q.order {
		if s == site {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	if len(q.order) > 0 {
		q.cursor %= len(q.order)
	} else {
		q.cursor = 0
	}
}

// Revive clears the deleted mark so a re-registered site can crawl again.
func (q *SiteQueues) Revive(site string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.deleted, site)
}

// IsDeleted reports whether the site is marked deleted.
func (q *SiteQueues) IsDeleted(site string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, gone := q.deleted[site]
	return gone
}

// Len reports how many URLs are pending for a site.
func (q *SiteQueues) Len(site string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[site])
}

// ensureSite registers the site with the round-robin order. Callers hold the
// mutex.
func (q *SiteQueues) ensureSite(site string) {
	if _, ok := q.pending[site]; ok {
		return
	}
	q.pending[site] = nil
	q.queued[site] = make(map[string]struct{})
	q.order = append(q.order, site)
}
