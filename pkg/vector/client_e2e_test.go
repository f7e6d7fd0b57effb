//go:build e2e
// +build e2e

package vector_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/oidebrett/crawler/pkg/vector"
)

const testIndex = "web_records_test"

func setupMeilisearch(t *testing.T, ctx context.Context) (*vector.Client, meilisearch.ServiceManager, func()) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "getmeili/meilisearch:v1.12",
		ExposedPorts: []string{"7700/tcp"},
		Env: map[string]string{
			"MEILI_MASTER_KEY": "testMasterKey",
			"MEILI_ENV":        "development",
		},
		WaitingFor: wait.ForHTTP("/health").WithPort("7700/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start meilisearch container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "7700")
	require.NoError(t, err)

	url := fmt.Sprintf("http://%s:%s", host, port.Port())

	client, err := vector.New(url, "testMasterKey", testIndex)
	require.NoError(t, err, "failed to create vector client")

	raw := meilisearch.New(url, meilisearch.WithAPIKey("testMasterKey"))

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return client, raw, cleanup
}

func countDocs(t *testing.T, raw meilisearch.ServiceManager, filter string) int {
	t.Helper()

	res, err := raw.Index(testIndex).Search("", &meilisearch.SearchRequest{
		Limit:  100,
		Filter: filter,
	})
	require.NoError(t, err)
	return len(res.Hits)
}

func TestUploadAndDelete_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client, raw, cleanup := setupMeilisearch(t, ctx)
	defer cleanup()

	docs := []vector.Document{
		{
			ID:        vector.DocumentID("https://site-a.test/p1"),
			URL:       "https://site-a.test/p1",
			Embedding: []float32{0.1, 0.2, 0.3},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Site:      "site_a_test",
			Metadata:  map[string]any{"@type": "Article", "name": "P1", "url": "https://site-a.test/p1"},
			SchemaJSON: map[string]any{
				"@type":    "Article",
				"headline": "P1",
			},
		},
		{
			ID:        vector.DocumentID("https://site-a.test/p2"),
			URL:       "https://site-a.test/p2",
			Embedding: []float32{0.4, 0.5, 0.6},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Site:      "site_a_test",
			Metadata:  map[string]any{"@type": "WebPage", "name": "P2", "url": "https://site-a.test/p2"},
		},
		{
			ID:        vector.DocumentID("https://site-b.test/p1"),
			URL:       "https://site-b.test/p1",
			Embedding: []float32{0.7, 0.8, 0.9},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Site:      "site_b_test",
			Metadata:  map[string]any{"@type": "Product", "name": "B1", "url": "https://site-b.test/p1"},
		},
	}

	n, err := client.UploadDocuments(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	time.Sleep(1 * time.Second)
	assert.Equal(t, 3, countDocs(t, raw, ""))

	// Re-uploading the same URLs must overwrite, not duplicate.
	_, err = client.UploadDocuments(ctx, docs)
	require.NoError(t, err)
	time.Sleep(1 * time.Second)
	assert.Equal(t, 3, countDocs(t, raw, ""))

	err = client.DeleteByURLs(ctx, "site_a_test", []string{"https://site-a.test/p1"})
	require.NoError(t, err)
	time.Sleep(1 * time.Second)
	assert.Equal(t, 1, countDocs(t, raw, `site = "site_a_test"`))
	assert.Equal(t, 2, countDocs(t, raw, ""))

	err = client.DeleteBySite(ctx, "site_a_test")
	require.NoError(t, err)
	time.Sleep(1 * time.Second)
	assert.Equal(t, 0, countDocs(t, raw, `site = "site_a_test"`))
	assert.Equal(t, 1, countDocs(t, raw, `site = "site_b_test"`))
}
