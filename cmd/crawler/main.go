package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/oidebrett/crawler/internal/cache"
	"github.com/oidebrett/crawler/internal/config"
	"github.com/oidebrett/crawler/internal/crawler"
	"github.com/oidebrett/crawler/internal/extractor"
	"github.com/oidebrett/crawler/internal/handler"
	"github.com/oidebrett/crawler/internal/queue"
	"github.com/oidebrett/crawler/internal/service"
	"github.com/oidebrett/crawler/internal/store"
	"github.com/oidebrett/crawler/internal/watcher"
	"github.com/oidebrett/crawler/internal/worker"
	"github.com/oidebrett/crawler/pkg/embeddings"
	"github.com/oidebrett/crawler/pkg/fga"
	"github.com/oidebrett/crawler/pkg/logger"
	"github.com/oidebrett/crawler/pkg/vector"
)

const (
	batchQueueDepth    = 100
	fetchedFilterSize  = 1_000_000
	fetchedFilterFPMax = 0.001
)

func main() {
	cfg := config.Load()

	if err := logger.Init(logger.IsDev(), cfg.LogsDir); err != nil {
		_ = logger.Init(logger.IsDev(), "")
		logger.Log.Fatal().Err(err).Msg("failed to open log files")
	}
	log := logger.Log

	st := store.New(cfg.DataDir)
	if err := st.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("failed to prepare data directories")
	}

	vectorClient, err := vector.New(cfg.MeiliURL, cfg.MeiliKey, cfg.MeiliIndex)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to meilisearch")
	}
	log.Info().Str("url", cfg.MeiliURL).Str("index", cfg.MeiliIndex).Msg("meilisearch connected")

	embeddingClient := embeddings.New(cfg.EmbeddingAPIURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel, cfg.EmbeddingRPS)

	fgaClient := fga.New(cfg.FGAAPIURL, cfg.FGAStoreID, cfg.FGAAPIToken)
	if fgaClient.Enabled() {
		log.Info().Str("url", cfg.FGAAPIURL).Msg("fga authorization enabled")
	}

	fetched := cache.NewFetchedFilter(fetchedFilterSize, fetchedFilterFPMax)
	seedFetchedFilter(st, fetched)

	queues := crawler.NewSiteQueues()
	gate := crawler.NewGate(cfg.MinDomainDelay)
	progress := crawler.NewProgress()
	expander := crawler.NewExpander(st, progress, cfg.SitemapTimeout, cfg.UserAgent)
	recordExtractor := extractor.New(st)
	fetcher := crawler.NewFetcher(st, queues, gate, recordExtractor, fetched, cfg.FetchTimeout, cfg.UserAgent)

	batches := queue.New(batchQueueDepth)
	embedStage := worker.NewEmbeddingStage(st, queues, embeddingClient, batches, cfg.EmbedBatchSize)
	uploadStage := worker.NewDatabaseStage(st, queues, vectorClient, fgaClient, batches, cfg.UploadBatchSize)
	urlWatcher := worker.NewURLWatcher(st, queues, fetched, vectorClient, fgaClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sites := service.NewSites(ctx, st, expander, queues, progress, vectorClient, fgaClient)

	siteHandler := handler.NewSiteHandler(sites, st, progress)
	logHandler := handler.NewLogHandler(cfg.LogsDir)
	systemHandler := handler.NewSystemHandler(fetcher)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.Error().Err(err).Str("path", c.Path()).Msg("request error")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})
	app.Use(cors.New())

	app.Post("/process", siteHandler.Process)
	app.Post("/process_multiple", siteHandler.ProcessMultiple)
	app.Post("/toggle_pause/:site", siteHandler.TogglePause)
	app.Post("/delete_site/:site", siteHandler.Delete)
	app.Post("/restart_crawl/:site", siteHandler.Restart)
	app.Get("/status/:site", siteHandler.Status)
	app.Get("/sites", siteHandler.List)
	app.Get("/processing_status/:site", siteHandler.ProcessingStatus)
	app.Get("/log", logHandler.CrawlerLog)
	app.Get("/error_log", logHandler.ErrorLog)
	app.Get("/crawler_status", systemHandler.CrawlerStatus)
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	w, err := watcher.New(urlWatcher, embedStage, uploadStage, sites, watcher.Intervals{
		URLList:        cfg.URLWatchInterval,
		Records:        cfg.JSONWatchInterval,
		Embeddings:     cfg.EmbeddingsWatchInterval,
		SitemapRefresh: cfg.SitemapRefreshInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create watcher")
	}
	if err := w.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start watcher")
	}
	defer w.Stop()

	go func() {
		if err := fetcher.RunPool(ctx, cfg.FetchWorkers); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("fetch pool error")
		}
	}()
	go func() {
		if err := embedStage.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("embedding worker error")
		}
	}()
	go func() {
		if err := uploadStage.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("database worker error")
		}
	}()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
		if err := app.Shutdown(); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	log.Info().Str("port", cfg.Port).Int("workers", cfg.FetchWorkers).Msg("crawler started")
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

// seedFetchedFilter reloads the fetched-URL filter from documents already on
// disk so a restarted process does not re-stat the whole corpus on its first
// watcher pass.
func seedFetchedFilter(st *store.Store, fetched *cache.FetchedFilter) {
	sites, err := st.Sites()
	if err != nil {
		logger.Log.Error().Err(err).Msg("failed to list sites for filter seed")
		return
	}

	total := 0
	for _, site := range sites {
		urls, err := st.FetchedURLs(site)
		if err != nil {
			logger.Log.Error().Err(err).Str("site", site).Msg("failed to seed fetched filter")
			continue
		}
		fetched.LoadBatch(urls)
		total += len(urls)
	}

	if total > 0 {
		logger.Log.Info().Int("urls", total).Msg("fetched filter seeded")
	}
}
