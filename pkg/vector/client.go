package vector

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/meilisearch/meilisearch-go"

	"github.com/oidebrett/crawler/pkg/logger"
)

// Document is the shape uploaded to the vector database. ID is the primary
// key, the md5 of the URL, so repeated uploads of the same URL overwrite
// instead of duplicating.
type Document struct {
	ID         string         `json:"id"`
	URL        string         `json:"url"`
	Embedding  []float32      `json:"embedding"`
	Timestamp  string         `json:"timestamp"`
	Site       string         `json:"site"`
	Metadata   map[string]any `json:"metadata"`
	SchemaJSON map[string]any `json:"schema_json"`
}

// DocumentID returns the primary key for a record key (URL).
func DocumentID(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Client wraps the meilisearch-go client for the crawler's single index.
type Client struct {
	client meilisearch.ServiceManager
	index  string
}

// New connects, verifies health and makes sure the index exists with the
// site/url filters the deletion paths rely on.
func New(url, apiKey, index string) (*Client, error) {
	client := meilisearch.New(url, meilisearch.WithAPIKey(apiKey))

	if _, err := client.Health(); err != nil {
		return nil, fmt.Errorf("meilisearch health: %w", err)
	}

	c := &Client{client: client, index: index}
	if err := c.setupIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) setupIndex() error {
	log := logger.Log

	_, err := c.client.CreateIndex(&meilisearch.IndexConfig{
		Uid:        c.index,
		PrimaryKey: "id",
	})
	if err != nil {
		log.Debug().Str("index", c.index).Msg("index already exists")
	} else {
		log.Info().Str("index", c.index).Msg("index created")
	}

	idx := c.client.Index(c.index)

	filterable := []string{"site", "url"}
	current, err := idx.GetSettings()
	if err == nil && stringSlicesEqual(current.FilterableAttributes, filterable) {
		return nil
	}

	filterableIface := make([]interface{}, len(filterable))
	for i, v := range filterable {
		filterableIface[i] = v
	}
	if _, err := idx.UpdateFilterableAttributes(&filterableIface); err != nil {
		return fmt.Errorf("update filterable attributes: %w", err)
	}
	log.Info().Strs("attrs", filterable).Str("index", c.index).Msg("filterable attributes updated")
	return nil
}

// UploadDocuments pushes a batch and returns how many documents were sent.
// Uploads are idempotent on the id primary key.
func (c *Client) UploadDocuments(ctx context.Context, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	maps := make([]map[string]interface{}, 0, len(docs))
	for i := range docs {
		m, err := docToMap(&docs[i])
		if err != nil {
			return 0, err
		}
		maps = append(maps, m)
	}
	pk := "id"
	if _, err := c.client.Index(c.index).AddDocuments(maps, &pk); err != nil {
		return 0, fmt.Errorf("add documents: %w", err)
	}
	return len(docs), nil
}

// DeleteByURLs removes a site's documents for the given URLs.
func (c *Client) DeleteByURLs(ctx context.Context, site string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	if _, err := c.client.Index(c.index).DeleteDocumentsByFilter(urlsFilter(site, urls)); err != nil {
		return fmt.Errorf("delete documents by urls: %w", err)
	}
	return nil
}

// DeleteBySite removes every document the site ever uploaded.
func (c *Client) DeleteBySite(ctx context.Context, site string) error {
	if _, err := c.client.Index(c.index).DeleteDocumentsByFilter("site = " + strconv.Quote(site)); err != nil {
		return fmt.Errorf("delete documents by site: %w", err)
	}
	return nil
}

func urlsFilter(site string, urls []string) string {
	quoted := make([]string, len(urls))
	for i, u := range urls {
		quoted[i] = strconv.Quote(u)
	}
	return "site = " + strconv.Quote(site) + " AND url IN [" + strings.Join(quoted, ", ") + "]"
}

// docToMap converts a document through a JSON round trip so nested metadata
// keeps its wire shape.
func docToMap(doc *Document) (map[string]interface{}, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return m, nil
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
