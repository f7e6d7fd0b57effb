// Package worker holds the pipeline stages behind the fetch pool: embedding
// generation, vector database upload, and URL-list reconciliation. Each stage
// is driven by a periodic scan over the data directory and an in-process
// queue, so a restart resumes from the files alone.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oidebrett/crawler/internal/crawler"
	"github.com/oidebrett/crawler/internal/queue"
	"github.com/oidebrett/crawler/internal/store"
	"github.com/oidebrett/crawler/pkg/logger"
)

// EmbeddingProvider turns one descriptor text into a vector.
type EmbeddingProvider interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingStage watches json/<site>.json files and embeds records that
// have no vector yet. Scan runs on a schedule; Run is the single consumer,
// so embeddings/<site>.json has one writer.
type EmbeddingStage struct {
	store     *store.Store
	queues    *crawler.SiteQueues
	provider  EmbeddingProvider
	batches   *queue.Queues
	batchSize int

	mu       sync.Mutex
	mtimes   map[string]time.Time
	embedded map[string]map[string]struct{}
}

func NewEmbeddingStage(st *store.Store, queues *crawler.SiteQueues, provider EmbeddingProvider, batches *queue.Queues, batchSize int) *EmbeddingStage {
	if batchSize < 1 {
		batchSize = 1
	}
	return &EmbeddingStage{
		store:     st,
		queues:    queues,
		provider:  provider,
		batches:   batches,
		batchSize: batchSize,
	}
}

// Scan enqueues pending records for every site whose records file changed
// since the last pass.
func (s *EmbeddingStage) Scan(ctx context.Context) {
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
		mt, ok := s.store.RecordsMTime(site)
		if !ok || !s.changed(site, mt) {
			continue
		}

		pending, err := s.pendingRecords(site)
		if err != nil {
			log.Error().Err(err).Str("site", site).Msg("scan records failed")
			s.reset(site)
			continue
		}
		if len(pending) == 0 {
			continue
		}

		for start := 0; start < len(pending); start += s.batchSize {
			end := min(start+s.batchSize, len(pending))
			batch := queue.EmbedBatch{ID: uuid.NewString(), Site: site, Records: pending[start:end]}
			select {
			case s.batches.Embed <- batch:
			case <-ctx.Done():
				s.reset(site)
				return
			}
		}
		log.Info().Str("site", site).Int("records", len(pending)).Msg("records queued for embedding")
	}
}

// pendingRecords returns records whose URL has no embedding yet, one per
// URL. Later records for an already-listed URL never replace the first.
func (s *EmbeddingStage) pendingRecords(site string) ([]store.Record, error) {
	done, err := s.embeddedSet(site)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.ReadRecords(site)
	if err != nil {
		return nil, err
	}

	var pending []store.Record
	batched := make(map[string]struct{})
	for _, rec := range recs {
		u := rec.URL()
		if u == "" {
			continue
		}
		if _, ok := done[u]; ok {
			continue
		}
		if _, ok := batched[u]; ok {
			continue
		}
		batched[u] = struct{}{}
		pending = append(pending, rec)
	}
	return pending, nil
}

// Run consumes embed batches until the context ends.
func (s *EmbeddingStage) Run(ctx context.Context) error {
	log := logger.Log
	log.Info().Msg("embedding worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("embedding worker stopped")
			return ctx.Err()
		case batch := <-s.batches.Embed:
			s.processBatch(ctx, batch)
		}
	}
}

// processBatch embeds every record or abandons the whole batch. Abandoning
// also drops the site's scan cursor so the next pass re-enqueues what was
// lost.
func (s *EmbeddingStage) processBatch(ctx context.Context, batch queue.EmbedBatch) {
	log := logger.Log

	if s.queues.IsDeleted(batch.Site) {
		return
	}

	recs := make([]store.EmbeddingRecord, 0, len(batch.Records))
	for _, rec := range batch.Records {
		vec, err := s.provider.GetEmbedding(ctx, descriptorText(rec))
		if err != nil {
			log.Error().Err(err).Str("batch", batch.ID).Str("site", batch.Site).Msg("embedding failed, batch abandoned")
			s.reset(batch.Site)
			return
		}
		recs = append(recs, store.EmbeddingRecord{
			Key:        rec.URL(),
			Embedding:  vec,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			Metadata:   embeddingMetadata(rec),
			SchemaJSON: rec,
		})
	}

	if err := s.store.AppendEmbeddings(batch.Site, recs); err != nil {
		log.Error().Err(err).Str("site", batch.Site).Msg("append embeddings failed")
		s.reset(batch.Site)
		return
	}
	s.markEmbedded(batch.Site, recs)
	log.Info().Str("site", batch.Site).Int("records", len(recs)).Msg("embeddings stored")
}

// descriptorText assembles the text sent to the embedding provider from the
// fields that carry meaning for retrieval.
func descriptorText(rec store.Record) string {
	p := rec.Payload()
	var parts []string

	if types := store.TypesOf(p); len(types) > 0 {
		parts = append(parts, "Type: "+strings.Join(types, ", "))
	}
	if name, ok := stringField(p, "name"); ok {
		parts = append(parts, "Name: "+name)
	} else if headline, ok := stringField(p, "headline"); ok {
		parts = append(parts, "Headline: "+headline)
	}
	if desc, ok := stringField(p, "description"); ok {
		parts = append(parts, "Description: "+desc)
	}
	if raw, ok := p["recipeIngredient"].([]any); ok {
		var ingredients []string
		for _, v := range raw {
			if s, ok := v.(string); ok {
				ingredients = append(ingredients, s)
			}
			if len(ingredients) == 10 {
				break
			}
		}
		if len(ingredients) > 0 {
			parts = append(parts, "Ingredients: "+strings.Join(ingredients, ", "))
		}
	}
	if body, ok := stringField(p, "articleBody"); ok {
		if len(body) > 500 {
			body = body[:500]
		}
		parts = append(parts, "Content: "+body)
	}

	return strings.Join(parts, "\n")
}

// embeddingMetadata is the filter/display payload stored alongside the
// vector: type, name, url and description always, plus every other
// top-level primitive of the payload.
func embeddingMetadata(rec store.Record) map[string]any {
	p := rec.Payload()
	md := make(map[string]any)

	for k, v := range p {
		switch v.(type) {
		case string, float64, bool, int:
			md[k] = v
		}
	}

	if types := store.TypesOf(p); len(types) > 0 {
		if len(types) == 1 {
			md["@type"] = types[0]
		} else {
			md["@type"] = types
		}
	}
	name, ok := stringField(p, "name")
	if !ok {
		name, ok = stringField(p, "headline")
	}
	if !ok {
		name = rec.URL()
	}
	md["name"] = name
	md["url"] = rec.URL()
	if _, ok := md["description"]; !ok {
		md["description"] = ""
	}
	return md
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, s != ""
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func (s *EmbeddingStage) embeddedSet(site string) (map[string]struct{}, error) {
	s.mu.Lock()
	if set, ok := s.embedded[site]; ok {
		s.mu.Unlock()
		return set, nil
	}
	s.mu.Unlock()

	recs, err := s.store.ReadEmbeddings(site)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		set[r.Key] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.embedded == nil {
		s.embedded = make(map[string]map[string]struct{})
	}
	s.embedded[site] = set
	return set, nil
}

func (s *EmbeddingStage) markEmbedded(site string, recs []store.EmbeddingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.embedded == nil {
		s.embedded = make(map[string]map[string]struct{})
	}
	set, ok := s.embedded[site]
	if !ok {
		set = make(map[string]struct{})
		s.embedded[site] = set
	}
	for _, r := range recs {
		set[r.Key] = struct{}{}
	}
}

// changed records mt as the new cursor when it moved past the stored one.
func (s *EmbeddingStage) changed(site string, mt time.Time) bool {
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

// reset drops the scan cursor so the next pass re-reads the site.
func (s *EmbeddingStage) reset(site string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mtimes, site)
}

// forget drops all in-memory state for a deleted site.
func (s *EmbeddingStage) forget(site string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mtimes, site)
	delete(s.embedded, site)
}
