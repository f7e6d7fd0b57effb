// Package watcher wires every periodic loop onto one gocron scheduler: the
// URL-list watcher, the two stage scans and the sitemap refresh. Jobs only
// diff files and post work into the stage queues; the stage workers do the
// heavy lifting.
package watcher

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/oidebrett/crawler/internal/service"
	"github.com/oidebrett/crawler/internal/worker"
	"github.com/oidebrett/crawler/pkg/logger"
)

// Intervals configures how often each loop fires.
type Intervals struct {
	URLList        time.Duration
	Records        time.Duration
	Embeddings     time.Duration
	SitemapRefresh time.Duration // zero disables periodic refresh
}

type Watcher struct {
	urls      *worker.URLWatcher
	embeds    *worker.EmbeddingStage
	uploads   *worker.DatabaseStage
	sites     *service.Sites
	intervals Intervals
	scheduler gocron.Scheduler
}

func New(urls *worker.URLWatcher, embeds *worker.EmbeddingStage, uploads *worker.DatabaseStage, sites *service.Sites, intervals Intervals) (*Watcher, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		urls:      urls,
		embeds:    embeds,
		uploads:   uploads,
		sites:     sites,
		intervals: intervals,
		scheduler: s,
	}, nil
}

func (w *Watcher) Start(ctx context.Context) error {
	log := logger.Log

	_, err := w.scheduler.NewJob(
		gocron.DurationJob(w.intervals.URLList),
		gocron.NewTask(func() {
			w.urls.Tick(ctx)
		}),
	)
	if err != nil {
		return err
	}

	_, err = w.scheduler.NewJob(
		gocron.DurationJob(w.intervals.Records),
		gocron.NewTask(func() {
			w.embeds.Scan(ctx)
		}),
	)
	if err != nil {
		return err
	}

	_, err = w.scheduler.NewJob(
		gocron.DurationJob(w.intervals.Embeddings),
		gocron.NewTask(func() {
			w.uploads.Scan(ctx)
		}),
	)
	if err != nil {
		return err
	}

	if w.intervals.SitemapRefresh > 0 {
		_, err = w.scheduler.NewJob(
			gocron.DurationJob(w.intervals.SitemapRefresh),
			gocron.NewTask(func() {
				w.sites.RefreshAll(ctx)
			}),
		)
		if err != nil {
			return err
		}
	}

	w.scheduler.Start()
	log.Info().
		Dur("urls", w.intervals.URLList).
		Dur("records", w.intervals.Records).
		Dur("embeddings", w.intervals.Embeddings).
		Msg("watchers started")

	// First pass right away so a restart resumes without waiting a tick.
	go w.urls.Tick(ctx)
	go w.embeds.Scan(ctx)
	go w.uploads.Scan(ctx)

	return nil
}

func (w *Watcher) Stop() {
	if err := w.scheduler.Shutdown(); err != nil {
		logger.Log.Error().Err(err).Msg("watcher shutdown error")
	}
}
