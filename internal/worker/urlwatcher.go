package worker

import (
	"context"
	"sync"
	"time"

	"github.com/oidebrett/crawler/internal/cache"
	"github.com/oidebrett/crawler/internal/crawler"
	"github.com/oidebrett/crawler/internal/store"
	"github.com/oidebrett/crawler/pkg/logger"
)

// DocumentDeleter removes a site's documents for specific URLs from the
// vector database.
type DocumentDeleter interface {
	DeleteByURLs(ctx context.Context, site string, urls []string) error
}

// PermissionRevoker revokes access tuples for removed URLs. Revocation
// failures never block the pipeline.
type PermissionRevoker interface {
	DeleteURLs(ctx context.Context, site string, urls []string) error
}

// URLWatcher reacts to urls/<site>.txt changes: URLs that disappeared are
// purged from every downstream artifact and the external database, URLs
// that appeared are queued for fetching. The watcher is also what flips a
// site's queue readiness once its sitemap expansion finishes.
type URLWatcher struct {
	store   *store.Store
	queues  *crawler.SiteQueues
	fetched *cache.FetchedFilter
	vector  DocumentDeleter
	fga     PermissionRevoker

	mu     sync.Mutex
	mtimes map[string]time.Time
}

func NewURLWatcher(st *store.Store, queues *crawler.SiteQueues, fetched *cache.FetchedFilter, deleter DocumentDeleter, revoker PermissionRevoker) *URLWatcher {
	return &URLWatcher{
		store:   st,
		queues:  queues,
		fetched: fetched,
		vector:  deleter,
		fga:     revoker,
	}
}

// Tick runs one pass over every known site.
func (w *URLWatcher) Tick(ctx context.Context) {
	log := logger.Log

	sites, err := w.store.Sites()
	if err != nil {
		log.Error().Err(err).Msg("list sites failed")
		return
	}

	for _, site := range sites {
		if ctx.Err() != nil {
			return
		}
		if w.queues.IsDeleted(site) {
			w.forget(site)
			continue
		}

		st, err := w.store.ReadStatus(site)
		if err != nil {
			log.Error().Err(err).Str("site", site).Msg("read status failed")
			continue
		}
		w.queues.SetReady(site, st.SitemapProcessed)
		if !st.SitemapProcessed {
			// Leave the cursor untouched; the list is re-examined once
			// expansion finishes.
			continue
		}

		mt, ok := w.store.URLsMTime(site)
		if !ok || !w.changed(site, mt) {
			continue
		}

		urls, err := w.store.ReadURLs(site)
		if err != nil {
			log.Error().Err(err).Str("site", site).Msg("read urls failed")
			w.reset(site)
			continue
		}

		if err := w.reconcile(ctx, site, urls); err != nil {
			log.Error().Err(err).Str("site", site).Msg("reconcile failed")
			w.reset(site)
			continue
		}
		w.enqueue(site, urls)
	}
}

// reconcile removes everything downstream for URLs no longer on the list,
// then recounts the site's status from what is actually on disk.
func (w *URLWatcher) reconcile(ctx context.Context, site string, urls []string) error {
	log := logger.Log

	current := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		current[u] = struct{}{}
	}

	recs, err := w.store.ReadRecords(site)
	if err != nil {
		return err
	}

	var deleted []string
	seen := make(map[string]struct{})
	for _, rec := range recs {
		u := rec.URL()
		if u == "" {
			continue
		}
		if _, ok := current[u]; ok {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		deleted = append(deleted, u)
	}

	kept := recs
	if len(deleted) > 0 {
		log.Info().Str("site", site).Int("urls", len(deleted)).Msg("removing deleted urls")

		kept, err = w.store.RemoveURLs(site, deleted)
		if err != nil {
			return err
		}
		if err := w.vector.DeleteByURLs(ctx, site, deleted); err != nil {
			log.Error().Err(err).Str("site", site).Msg("vector delete failed")
		}
		if err := w.fga.DeleteURLs(ctx, site, deleted); err != nil {
			log.Warn().Err(err).Str("site", site).Msg("permission revoke failed")
		}
	}

	return w.store.UpdateStatus(site, func(st *store.Status) {
		st.TotalURLs = len(urls)
		st.CrawledURLs = w.store.CountDocs(site)
		st.JSONStats = jsonStatsOf(kept)
	})
}

// enqueue queues every URL that has no stored document. The bloom filter
// answers the common already-fetched case without touching disk.
func (w *URLWatcher) enqueue(site string, urls []string) {
	log := logger.Log

	queued := 0
	for _, u := range urls {
		if w.fetched.MayContain(u) && w.store.HasDoc(site, u) {
			continue
		}
		if w.queues.Enqueue(site, u) {
			queued++
		}
	}
	if queued > 0 {
		log.Info().Str("site", site).Int("urls", queued).Msg("urls queued for fetching")
	}
}

func jsonStatsOf(recs []store.Record) store.JSONStats {
	counts := make(map[string]int)
	for _, rec := range recs {
		for _, t := range rec.Types() {
			counts[t]++
		}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return store.JSONStats{TotalObjects: total, TypeCounts: counts}
}

func (w *URLWatcher) changed(site string, mt time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mtimes == nil {
		w.mtimes = make(map[string]time.Time)
	}
	if prev, ok := w.mtimes[site]; ok && !mt.After(prev) {
		return false
	}
	w.mtimes[site] = mt
	return true
}

func (w *URLWatcher) reset(site string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.mtimes, site)
}

func (w *URLWatcher) forget(site string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.mtimes, site)
}
