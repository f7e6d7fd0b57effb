package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oidebrett/crawler/internal/cache"
	"github.com/oidebrett/crawler/internal/extractor"
	"github.com/oidebrett/crawler/internal/store"
	"github.com/oidebrett/crawler/pkg/logger"
)

// idleWait is how long a worker sleeps when it has nothing useful to do:
// empty queues, paused sites, or a domain still in backoff.
const idleWait = time.Second

// busyWait is the beat between attempts when the only available work sits
// on a domain another worker currently occupies.
const busyWait = 100 * time.Millisecond

// Fetcher runs the page download pool. Workers pull URLs round-robin
// across sites, honor the per-domain gate, store raw HTML and hand the
// page to JSON-LD extraction.
type Fetcher struct {
	store     *store.Store
	queues    *SiteQueues
	gate      *Gate
	extractor *extractor.Extractor
	fetched   *cache.FetchedFilter
	client    *http.Client
	userAgent string
	backoff   func() time.Duration
	running   atomic.Bool
}

func NewFetcher(st *store.Store, queues *SiteQueues, gate *Gate, ex *extractor.Extractor, fetched *cache.FetchedFilter, timeout time.Duration, userAgent string) *Fetcher {
	jar, _ := cookiejar.New(nil)
	return &Fetcher{
		store:     st,
		queues:    queues,
		gate:      gate,
		extractor: ex,
		fetched:   fetched,
		client: &http.Client{
			Timeout: timeout,
			Jar:     jar,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: userAgent,
		backoff:   rateLimitBackoff,
	}
}

// rateLimitBackoff picks how long a domain rests after answering 429.
func rateLimitBackoff() time.Duration {
	return time.Duration((3 + rand.Float64()*4) * float64(time.Second))
}

// Running reports whether the pool is currently live.
func (f *Fetcher) Running() bool {
	return f.running.Load()
}

// Run starts a single worker and blocks until the context ends.
func (f *Fetcher) Run(ctx context.Context) error {
	return f.RunPool(ctx, 1)
}

// RunPool starts n workers and blocks until the context ends.
func (f *Fetcher) RunPool(ctx context.Context, n int) error {
	log := logger.Log

	if n < 1 {
		n = 1
	}
	f.running.Store(true)
	defer f.running.Store(false)
	log.Info().Int("workers", n).Msg("starting fetch pool")

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.worker(ctx)
		}()
	}
	wg.Wait()
	log.Info().Msg("fetch pool stopped")
	return ctx.Err()
}

func (f *Fetcher) worker(ctx context.Context) {
	for ctx.Err() == nil {
		site, pageURL, ok := f.queues.Next()
		if !ok {
			sleep(ctx, idleWait)
			continue
		}
		f.process(ctx, site, pageURL)
	}
}

// process drives one URL through the gate and the fetch. The URL stays
// claimed in its queue until it either concludes (Resolve) or is put back
// (Requeue), so no two workers ever hold the same URL.
func (f *Fetcher) process(ctx context.Context, site, pageURL string) {
	log := logger.Log

	if f.queues.IsDeleted(site) {
		return
	}

	st, err := f.store.ReadStatus(site)
	if err != nil {
		log.Error().Err(err).Str("site", site).Msg("read status failed")
		f.queues.Requeue(site, pageURL)
		sleep(ctx, idleWait)
		return
	}
	if st.Paused {
		f.queues.Requeue(site, pageURL)
		sleep(ctx, idleWait)
		return
	}

	if f.store.HasDoc(site, pageURL) {
		f.fetched.Add(pageURL)
		f.queues.Resolve(site, pageURL)
		return
	}

	domain := domainOf(pageURL)
	if domain == "" {
		f.countError(site, "ERROR")
		log.Error().Msg(fmt.Sprintf("ERROR | %s | %s | unparseable url", site, pageURL))
		f.queues.Resolve(site, pageURL)
		return
	}

	if !f.gate.TryAcquire(domain) {
		// Another worker is on this domain; move on to other sites.
		f.queues.Requeue(site, pageURL)
		sleep(ctx, busyWait)
		return
	}

	if rem := f.gate.BackoffRemaining(domain); rem > 0 {
		f.gate.Release(domain)
		f.queues.Requeue(site, pageURL)
		sleep(ctx, min(rem, idleWait))
		return
	}

	if d := f.gate.DelayBefore(domain); d > 0 {
		if !sleep(ctx, d) {
			f.gate.Release(domain)
			f.queues.Requeue(site, pageURL)
			return
		}
	}

	status, body, err := f.get(ctx, pageURL)
	f.gate.Done(domain)

	switch {
	case err != nil:
		f.queues.Resolve(site, pageURL)
		if errors.Is(err, context.Canceled) {
			return
		}
		if isTimeout(err) {
			f.countError(site, "TIMEOUT")
			log.Error().Msg(fmt.Sprintf("TIMEOUT | %s | %s", site, pageURL))
			return
		}
		f.countError(site, "ERROR")
		log.Error().Msg(fmt.Sprintf("ERROR | %s | %s | %v", site, pageURL, err))

	case status == http.StatusOK:
		f.queues.Resolve(site, pageURL)
		f.succeed(site, pageURL, body)

	case status == http.StatusTooManyRequests:
		d := f.backoff()
		f.gate.SetBackoff(domain, d)
		f.queues.Requeue(site, pageURL)
		f.countError(site, "429")
		log.Error().Msg(fmt.Sprintf("HTTP 429 | %s | %s", site, pageURL))
		log.Info().Str("domain", domain).Dur("backoff", d).Msg("rate limited, backing off")

	default:
		f.queues.Resolve(site, pageURL)
		f.countError(site, strconv.Itoa(status))
		log.Error().Msg(fmt.Sprintf("HTTP %d | %s | %s", status, site, pageURL))
	}
}

func (f *Fetcher) succeed(site, pageURL string, body []byte) {
	log := logger.Log

	if err := f.store.WriteDoc(site, pageURL, body); err != nil {
		f.countError(site, "ERROR")
		log.Error().Err(err).Str("site", site).Str("url", pageURL).Msg("write doc failed")
		return
	}
	f.fetched.Add(pageURL)

	if err := f.extractor.Process(site, pageURL, body); err != nil {
		log.Error().Err(err).Str("site", site).Str("url", pageURL).Msg("extraction failed")
	}

	if err := f.store.UpdateStatus(site, func(st *store.Status) {
		st.CrawledURLs = f.store.CountDocs(site)
	}); err != nil {
		log.Error().Err(err).Str("site", site).Msg("update status failed")
	}

	log.Info().Str("url", pageURL).Int("status", http.StatusOK).Int("bytes", len(body)).Msg("fetched")
}

func (f *Fetcher) get(ctx context.Context, pageURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func (f *Fetcher) countError(site, code string) {
	if err := f.store.UpdateStatus(site, func(st *store.Status) {
		st.Errors[code]++
	}); err != nil {
		logger.Log.Error().Err(err).Str("site", site).Msg("update status failed")
	}
}

// domainOf keys the politeness gate: host including port, so sites sharing
// a hostname share one budget.
func domainOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// sleep waits d unless the context ends first. Reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
