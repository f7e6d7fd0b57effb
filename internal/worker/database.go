package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oidebrett/crawler/internal/crawler"
	"github.com/oidebrett/crawler/internal/queue"
	"github.com/oidebrett/crawler/internal/store"
	"github.com/oidebrett/crawler/pkg/logger"
	"github.com/oidebrett/crawler/pkg/vector"
)

// DocumentUploader is the database stage's view of the vector database.
type DocumentUploader interface {
	UploadDocuments(ctx context.Context, docs []vector.Document) (int, error)
}

// PermissionGranter grants read access to uploaded documents. Grant
// failures never block the pipeline.
type PermissionGranter interface {
	AddDocPermissions(ctx context.Context, user, site string, urls []string) error
}

// DatabaseStage watches embeddings/<site>.json files and uploads records
// that have not reached the vector database yet. Run is the single
// consumer and the sole writer to the external database and the
// processed-keys files.
type DatabaseStage struct {
	store     *store.Store
	queues    *crawler.SiteQueues
	vector    DocumentUploader
	fga       PermissionGranter
	batches   *queue.Queues
	batchSize int

	mu        sync.Mutex
	mtimes    map[string]time.Time
	processed map[string]map[string]struct{}
}

func NewDatabaseStage(st *store.Store, queues *crawler.SiteQueues, uploader DocumentUploader, fga PermissionGranter, batches *queue.Queues, batchSize int) *DatabaseStage {
	if batchSize < 1 {
		batchSize = 1
	}
	return &DatabaseStage{
		store:     st,
		queues:    queues,
		vector:    uploader,
		fga:       fga,
		batches:   batches,
		batchSize: batchSize,
	}
}

// Scan enqueues unprocessed embeddings for every site whose embeddings
// file changed since the last pass.
func (s *DatabaseStage) Scan(ctx context.Context) {
	log := logger.Log

	sites, err := s.store.Sites()
	if err != nil {
		log.Error().Err(err).Msg("list sites failed")
		return
	}

	for _, site := range sites {
		if ctx.Err() != nil {
			return
		}
		if s.queues.IsDeleted(site) {
			s.forget(site)
			continue
		}
		mt, ok := s.store.EmbeddingsMTime(site)
		if !ok || !s.changed(site, mt) {
			continue
		}

		pending, err := s.pendingEmbeddings(site)
		if err != nil {
			log.Error().Err(err).Str("site", site).Msg("scan embeddings failed")
			s.reset(site)
			continue
		}
		if len(pending) == 0 {
			continue
		}

		for start := 0; start < len(pending); start += s.batchSize {
			end := min(start+s.batchSize, len(pending))
			batch := queue.UploadBatch{ID: uuid.NewString(), Site: site, Records: pending[start:end]}
			select {
			case s.batches.Upload <- batch:
			case <-ctx.Done():
				s.reset(site)
				return
			}
		}
		log.Info().Str("site", site).Int("records", len(pending)).Msg("embeddings queued for upload")
	}
}

func (s *DatabaseStage) pendingEmbeddings(site string) ([]store.EmbeddingRecord, error) {
	done, err := s.processedSet(site)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ReadEmbeddings(site)
	if err != nil {
		return nil, err
	}

	var pending []store.EmbeddingRecord
	for _, rec := range recs {
		if _, ok := done[rec.Key]; ok {
			continue
		}
		pending = append(pending, rec)
	}
	return pending, nil
}

// Run consumes upload batches until the context ends.
func (s *DatabaseStage) Run(ctx context.Context) error {
	log := logger.Log
	log.Info().Msg("database worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("database worker stopped")
			return ctx.Err()
		case batch := <-s.batches.Upload:
			s.processBatch(ctx, batch)
		}
	}
}

// processBatch uploads one batch. On upload failure the batch is abandoned
// and the site's scan cursor dropped so the next pass retries; keys are
// marked processed only after the database accepted them.
func (s *DatabaseStage) processBatch(ctx context.Context, batch queue.UploadBatch) {
	log := logger.Log

	if s.queues.IsDeleted(batch.Site) {
		return
	}

	docs := make([]vector.Document, 0, len(batch.Records))
	keys := make([]string, 0, len(batch.Records))
	for _, rec := range batch.Records {
		docs = append(docs, transformDocument(batch.Site, rec))
		keys = append(keys, rec.Key)
	}

	count, err := s.vector.UploadDocuments(ctx, docs)
	if err != nil {
		log.Error().Err(err).Str("batch", batch.ID).Str("site", batch.Site).Msg("upload failed, batch abandoned")
		s.reset(batch.Site)
		return
	}

	if err := s.fga.AddDocPermissions(ctx, "*", batch.Site, keys); err != nil {
		log.Warn().Err(err).Str("site", batch.Site).Msg("permission grant failed")
	}

	if err := s.store.AppendProcessedKeys(batch.Site, keys); err != nil {
		log.Error().Err(err).Str("site", batch.Site).Msg("append processed keys failed")
		s.reset(batch.Site)
		return
	}
	s.markProcessed(batch.Site, keys)
	log.Info().Str("site", batch.Site).Int("documents", count).Msg("documents uploaded")
}

// transformDocument shapes one embedding record for the vector database.
// The site lands inside metadata too so filtered queries see it.
func transformDocument(site string, rec store.EmbeddingRecord) vector.Document {
	md := make(map[string]any, len(rec.Metadata)+1)
	for k, v := range rec.Metadata {
		md[k] = v
	}
	md["site"] = site

	schema := rec.SchemaJSON
	if schema == nil {
		schema = rec.Metadata
	}

	return vector.Document{
		ID:         vector.DocumentID(rec.Key),
		URL:        rec.Key,
		Embedding:  rec.Embedding,
		Timestamp:  rec.Timestamp,
		Site:       site,
		Metadata:   md,
		SchemaJSON: schema,
	}
}

func (s *DatabaseStage) processedSet(site string) (map[string]struct{}, error) {
	s.mu.Lock()
	if set, ok := s.processed[site]; ok {
		s.mu.Unlock()
		return set, nil
	}
	s.mu.Unlock()

	set, err := s.store.ReadProcessedKeys(site)
	if err != nil {
		return nil, err
	}
	if set == nil {
		set = make(map[string]struct{})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed == nil {
		s.processed = make(map[string]map[string]struct{})
	}
	s.processed[site] = set
	return set, nil
}

func (s *DatabaseStage) markProcessed(site string, keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed == nil {
		s.processed = make(map[string]map[string]struct{})
	}
	set, ok := s.processed[site]
	if !ok {
		set = make(map[string]struct{})
		s.processed[site] = set
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
}

func (s *DatabaseStage) changed(site string, mt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mtimes == nil {
		s.mtimes = make(map[string]time.Time)
	}
	if prev, ok := s.mtimes[site]; ok && !mt.After(prev) {
		return false
	}
	s.mtimes[site] = mt
	return true
}

func (s *DatabaseStage) reset(site string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mtimes, site)
}

func (s *DatabaseStage) forget(site string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mtimes, site)
	delete(s.processed, site)
}
