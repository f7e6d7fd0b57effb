package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oidebrett/crawler/internal/crawler"
	"github.com/oidebrett/crawler/internal/queue"
	"github.com/oidebrett/crawler/internal/store"
)

type fakeProvider struct {
	mu    sync.Mutex
	texts []string
	fail  bool
}

func (p *fakeProvider) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, errors.New("provider unavailable")
	}
	p.texts = append(p.texts, text)
	return []float32{float32(len(text)), 0.5}, nil
}

func (p *fakeProvider) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

type embeddingFixture struct {
	stage    *EmbeddingStage
	store    *store.Store
	provider *fakeProvider
	batches  *queue.Queues
	queues   *crawler.SiteQueues
}

func newEmbeddingFixture(t *testing.T, batchSize int) *embeddingFixture {
	t.Helper()
	st := store.New(t.TempDir())
	if err := st.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	provider := &fakeProvider{}
	batches := queue.New(16)
	queues := crawler.NewSiteQueues()
	return &embeddingFixture{
		stage:    NewEmbeddingStage(st, queues, provider, batches, batchSize),
		store:    st,
		provider: provider,
		batches:  batches,
		queues:   queues,
	}
}

// registerSite creates the status file that makes a site visible to scans.
func registerSite(t *testing.T, st *store.Store, site string) {
	t.Helper()
	if err := st.UpdateStatus(site, func(s *store.Status) {}); err != nil {
		t.Fatal(err)
	}
}

func recvEmbedBatch(t *testing.T, ch <-chan queue.EmbedBatch) queue.EmbedBatch {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(time.Second):
		t.Fatal("no embed batch arrived")
		return queue.EmbedBatch{}
	}
}

func expectNoEmbedBatch(t *testing.T, ch <-chan queue.EmbedBatch) {
	t.Helper()
	select {
	case b := <-ch:
		t.Fatalf("unexpected embed batch for site %s with %d records", b.Site, len(b.Records))
	default:
	}
}

func TestEmbeddingScanQueuesPendingRecords(t *testing.T) {
	fx := newEmbeddingFixture(t, 100)
	registerSite(t, fx.store, "x_test")

	recs := []store.Record{
		{"url": "https://x.test/a", "timestamp": "2026-01-02T03:04:05Z", "@type": "Product", "name": "A"},
		{"url": "https://x.test/b", "timestamp": "2026-01-02T03:04:05Z", "@type": "Product", "name": "B"},
	}
	if err := fx.store.AppendRecords("x_test", recs); err != nil {
		t.Fatal(err)
	}
	// One URL already has its vector.
	if err := fx.store.AppendEmbeddings("x_test", []store.EmbeddingRecord{
		{Key: "https://x.test/a", Embedding: []float32{1}, Timestamp: "2026-01-02T03:04:05Z"},
	}); err != nil {
		t.Fatal(err)
	}

	fx.stage.Scan(context.Background())

	batch := recvEmbedBatch(t, fx.batches.Embed)
	if batch.Site != "x_test" {
		t.Errorf("batch.Site = %q, want x_test", batch.Site)
	}
	if len(batch.Records) != 1 {
		t.Fatalf("batch has %d records, want 1", len(batch.Records))
	}
	if got := batch.Records[0].URL(); got != "https://x.test/b" {
		t.Errorf("pending record url = %q, want the unembedded one", got)
	}
	if batch.ID == "" {
		t.Error("batch.ID is empty")
	}

	// Nothing changed since, so the next scan enqueues nothing.
	fx.stage.Scan(context.Background())
	expectNoEmbedBatch(t, fx.batches.Embed)
}

func TestEmbeddingScanChunksBatches(t *testing.T) {
	fx := newEmbeddingFixture(t, 2)
	registerSite(t, fx.store, "x_test")

	var recs []store.Record
	for _, p := range []string{"a", "b", "c", "d", "e"} {
		recs = append(recs, store.Record{"url": "https://x.test/" + p, "timestamp": "2026-01-02T03:04:05Z", "@type": "WebPage"})
	}
	if err := fx.store.AppendRecords("x_test", recs); err != nil {
		t.Fatal(err)
	}

	fx.stage.Scan(context.Background())

	sizes := []int{
		len(recvEmbedBatch(t, fx.batches.Embed).Records),
		len(recvEmbedBatch(t, fx.batches.Embed).Records),
		len(recvEmbedBatch(t, fx.batches.Embed).Records),
	}
	expectNoEmbedBatch(t, fx.batches.Embed)

	total := 0
	for _, n := range sizes {
		if n > 2 {
			t.Errorf("batch size %d exceeds the limit of 2", n)
		}
		total += n
	}
	if total != 5 {
		t.Errorf("batches carried %d records in total, want 5", total)
	}
}

func TestEmbeddingScanOneRecordPerURL(t *testing.T) {
	fx := newEmbeddingFixture(t, 100)
	registerSite(t, fx.store, "x_test")

	recs := []store.Record{
		{"url": "https://x.test/a", "timestamp": "2026-01-02T03:04:05Z", "@type": "Product", "name": "first"},
		{"url": "https://x.test/a", "timestamp": "2026-01-02T03:05:05Z", "@type": "Offer", "name": "second"},
		{"url": "https://x.test/b", "timestamp": "2026-01-02T03:04:05Z", "@type": "WebPage"},
	}
	if err := fx.store.AppendRecords("x_test", recs); err != nil {
		t.Fatal(err)
	}

	fx.stage.Scan(context.Background())
	batch := recvEmbedBatch(t, fx.batches.Embed)
	if len(batch.Records) != 2 {
		t.Fatalf("batch has %d records, want 2 (one per URL)", len(batch.Records))
	}
	if name, _ := batch.Records[0].Payload()["name"].(string); name != "first" {
		t.Errorf("kept record name = %q, want the first record for the URL", name)
	}
}

func TestEmbeddingProcessBatchStoresVectors(t *testing.T) {
	fx := newEmbeddingFixture(t, 100)
	registerSite(t, fx.store, "x_test")

	rec := store.Record{"url": "https://x.test/w", "timestamp": "2026-01-02T03:04:05Z", "@type": "Product", "name": "Widget"}
	if err := fx.store.AppendRecords("x_test", []store.Record{rec}); err != nil {
		t.Fatal(err)
	}

	fx.stage.Scan(context.Background())
	batch := recvEmbedBatch(t, fx.batches.Embed)
	fx.stage.processBatch(context.Background(), batch)

	stored, err := fx.store.ReadEmbeddings("x_test")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 {
		t.Fatalf("ReadEmbeddings() returned %d records, want 1", len(stored))
	}
	got := stored[0]
	if got.Key != "https://x.test/w" {
		t.Errorf("embedding key = %q, want the record URL", got.Key)
	}
	if len(got.Embedding) != 2 {
		t.Errorf("embedding has %d dimensions, want 2", len(got.Embedding))
	}
	if got.Metadata["name"] != "Widget" || got.Metadata["url"] != "https://x.test/w" {
		t.Errorf("embedding metadata = %v", got.Metadata)
	}
	if got.SchemaJSON["name"] != "Widget" {
		t.Errorf("embedding schema_json = %v, want the source record", got.SchemaJSON)
	}

	fx.provider.mu.Lock()
	texts := append([]string(nil), fx.provider.texts...)
	fx.provider.mu.Unlock()
	if len(texts) != 1 || texts[0] != "Type: Product\nName: Widget" {
		t.Errorf("provider received %q", texts)
	}
}

// A provider failure abandons the whole batch and drops the scan cursor, so
// the next pass re-enqueues the same records.
func TestEmbeddingBatchAbandonedOnProviderError(t *testing.T) {
	fx := newEmbeddingFixture(t, 100)
	registerSite(t, fx.store, "x_test")

	rec := store.Record{"url": "https://x.test/w", "timestamp": "2026-01-02T03:04:05Z", "@type": "Product", "name": "Widget"}
	if err := fx.store.AppendRecords("x_test", []store.Record{rec}); err != nil {
		t.Fatal(err)
	}

	fx.provider.setFail(true)
	fx.stage.Scan(context.Background())
	batch := recvEmbedBatch(t, fx.batches.Embed)
	fx.stage.processBatch(context.Background(), batch)

	if stored, _ := fx.store.ReadEmbeddings("x_test"); len(stored) != 0 {
		t.Fatalf("ReadEmbeddings() returned %d records after a failed batch, want 0", len(stored))
	}

	// Recovery: the next scan re-enqueues, the retry succeeds.
	fx.provider.setFail(false)
	fx.stage.Scan(context.Background())
	retry := recvEmbedBatch(t, fx.batches.Embed)
	fx.stage.processBatch(context.Background(), retry)

	stored, _ := fx.store.ReadEmbeddings("x_test")
	if len(stored) != 1 {
		t.Errorf("ReadEmbeddings() returned %d records after the retry, want 1", len(stored))
	}
}

func TestEmbeddingScanSkipsDeletedSites(t *testing.T) {
	fx := newEmbeddingFixture(t, 100)
	registerSite(t, fx.store, "x_test")

	rec := store.Record{"url": "https://x.test/w", "timestamp": "2026-01-02T03:04:05Z", "@type": "Product"}
	if err := fx.store.AppendRecords("x_test", []store.Record{rec}); err != nil {
		t.Fatal(err)
	}

	fx.queues.MarkDeleted("x_test")
	fx.stage.Scan(context.Background())
	expectNoEmbedBatch(t, fx.batches.Embed)
}

func TestDescriptorText(t *testing.T) {
	tests := []struct {
		name string
		rec  store.Record
		want string
	}{
		{
			name: "recipe keeps first ten ingredients",
			rec: store.Record{
				"url": "https://x.test/r", "@type": "Recipe", "name": "Stew",
				"description":      "Hearty.",
				"recipeIngredient": []any{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"},
			},
			want: "Type: Recipe\nName: Stew\nDescription: Hearty.\nIngredients: a, b, c, d, e, f, g, h, i, j",
		},
		{
			name: "article falls back to headline and trims the body",
			rec: store.Record{
				"url": "https://x.test/p", "@type": "BlogPosting", "headline": "Title",
				"articleBody": strings.Repeat("x", 600),
			},
			want: "Type: BlogPosting\nHeadline: Title\nContent: " + strings.Repeat("x", 500),
		},
		{
			name: "schema envelope payload",
			rec: store.Record{
				"url": "https://x.test/w", "timestamp": "2026-01-02T03:04:05Z",
				"schema": map[string]any{"@type": "Product", "name": "Widget"},
			},
			want: "Type: Product\nName: Widget",
		},
		{
			name: "type array",
			rec: store.Record{
				"url": "https://x.test/w", "@type": []any{"Product", "Thing"}, "name": "W",
			},
			want: "Type: Product, Thing\nName: W",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := descriptorText(tt.rec); got != tt.want {
				t.Errorf("descriptorText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEmbeddingMetadata(t *testing.T) {
	rec := store.Record{
		"url": "https://x.test/w", "timestamp": "2026-01-02T03:04:05Z",
		"schema": map[string]any{
			"@type":   "Product",
			"name":    "Widget",
			"price":   9.99,
			"inStock": true,
			"offers":  map[string]any{"price": 1.0},
		},
	}

	md := embeddingMetadata(rec)
	if md["@type"] != "Product" || md["name"] != "Widget" || md["url"] != "https://x.test/w" {
		t.Errorf("metadata core fields = %v", md)
	}
	if md["price"] != 9.99 || md["inStock"] != true {
		t.Errorf("metadata primitives = %v", md)
	}
	if _, ok := md["offers"]; ok {
		t.Error("metadata kept a nested object")
	}
	if md["description"] != "" {
		t.Errorf("metadata description = %v, want empty default", md["description"])
	}

	// Name falls back to headline, then to the record URL.
	withHeadline := store.Record{"url": "https://x.test/p", "@type": "BlogPosting", "headline": "Headline"}
	if md := embeddingMetadata(withHeadline); md["name"] != "Headline" {
		t.Errorf("name fallback = %v, want the headline", md["name"])
	}
	bare := store.Record{"url": "https://x.test/b", "@type": "WebPage"}
	if md := embeddingMetadata(bare); md["name"] != "https://x.test/b" {
		t.Errorf("name fallback = %v, want the URL", md["name"])
	}
}
