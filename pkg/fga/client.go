package fga

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oidebrett/crawler/pkg/logger"
)

// OpenFGA caps writes and deletes at 100 tuples per request.
const writeBatchSize = 100

const docRelation = "viewer"

type tupleKey struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

type tupleKeys struct {
	TupleKeys []tupleKey `json:"tuple_keys"`
}

type writeRequest struct {
	Writes  *tupleKeys `json:"writes,omitempty"`
	Deletes *tupleKeys `json:"deletes,omitempty"`
}

type readRequest struct {
	TupleKey          *readTupleKey `json:"tuple_key,omitempty"`
	PageSize          int           `json:"page_size,omitempty"`
	ContinuationToken string        `json:"continuation_token,omitempty"`
}

type readTupleKey struct {
	User     string `json:"user,omitempty"`
	Relation string `json:"relation,omitempty"`
	Object   string `json:"object,omitempty"`
}

type readResponse struct {
	Tuples []struct {
		Key tupleKey `json:"key"`
	} `json:"tuples"`
	ContinuationToken string `json:"continuation_token"`
}

// Client manages per-document access tuples in an OpenFGA-compatible
// store. With an empty API URL the client is disabled and every method
// is a no-op, so callers never need to branch on configuration.
type Client struct {
	httpClient *http.Client
	apiURL     string
	storeID    string
	token      string
	enabled    bool
}

func New(apiURL, storeID, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		storeID:    storeID,
		token:      token,
		enabled:    apiURL != "",
	}
}

func (c *Client) Enabled() bool {
	return c.enabled
}

// DocObject returns the tuple object for one crawled URL. The site prefix
// lets DeleteSite find everything a site ever granted.
func DocObject(site, url string) string {
	sum := md5.Sum([]byte(url))
	return "doc:" + site + "/" + hex.EncodeToString(sum[:])
}

// AddDocPermissions grants user access to the given URLs' documents.
func (c *Client) AddDocPermissions(ctx context.Context, user, site string, urls []string) error {
	if !c.enabled || len(urls) == 0 {
		return nil
	}
	tuples := make([]tupleKey, len(urls))
	for i, u := range urls {
		tuples[i] = tupleKey{User: "user:" + user, Relation: docRelation, Object: DocObject(site, u)}
	}
	return c.writeBatched(ctx, tuples, nil)
}

// DeleteURLs revokes the tuples for URLs removed from a site.
func (c *Client) DeleteURLs(ctx context.Context, site string, urls []string) error {
	if !c.enabled || len(urls) == 0 {
		return nil
	}
	tuples := make([]tupleKey, len(urls))
	for i, u := range urls {
		tuples[i] = tupleKey{User: "user:*", Relation: docRelation, Object: DocObject(site, u)}
	}
	return c.writeBatched(ctx, nil, tuples)
}

// DeleteSite revokes every tuple under the site's doc namespace. Tuples
// are discovered through the paginated read API.
func (c *Client) DeleteSite(ctx context.Context, site string) error {
	if !c.enabled {
		return nil
	}
	log := logger.Log

	prefix := "doc:" + site + "/"
	var stale []tupleKey
	token := ""
	for {
		page, err := c.readPage(ctx, token)
		if err != nil {
			return err
		}
		for _, t := range page.Tuples {
			if strings.HasPrefix(t.Key.Object, prefix) {
				stale = append(stale, t.Key)
			}
		}
		token = page.ContinuationToken
		if token == "" {
			break
		}
	}
	if len(stale) == 0 {
		return nil
	}

	log.Info().Int("tuples", len(stale)).Str("site", site).Msg("revoking site permissions")
	return c.writeBatched(ctx, nil, stale)
}

func (c *Client) writeBatched(ctx context.Context, writes, deletes []tupleKey) error {
	for start := 0; start < len(writes); start += writeBatchSize {
		end := min(start+writeBatchSize, len(writes))
		if err := c.write(ctx, writeRequest{Writes: &tupleKeys{TupleKeys: writes[start:end]}}); err != nil {
			return err
		}
	}
	for start := 0; start < len(deletes); start += writeBatchSize {
		end := min(start+writeBatchSize, len(deletes))
		if err := c.write(ctx, writeRequest{Deletes: &tupleKeys{TupleKeys: deletes[start:end]}}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) write(ctx context.Context, req writeRequest) error {
	return c.post(ctx, "/write", req, nil)
}

func (c *Client) readPage(ctx context.Context, token string) (*readResponse, error) {
	req := readRequest{
		TupleKey: &readTupleKey{Object: "doc:"},
		PageSize: 100,
	}
	if token != "" {
		req.ContinuationToken = token
	}
	var resp readResponse
	if err := c.post(ctx, "/read", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("fga: marshal request: %w", err)
	}

	url := c.apiURL + "/stores/" + c.storeID + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("fga: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fga: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("fga: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fga: %s: status %d: %s", endpoint, resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("fga: parse response: %w", err)
		}
	}
	return nil
}
