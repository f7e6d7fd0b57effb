package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// JSONStats summarizes the structured records captured for a site.
type JSONStats struct {
	TotalObjects int            `json:"total_objects"`
	TypeCounts   map[string]int `json:"type_counts"`
}

// Status is the per-site progress snapshot under status/<site>.json. It is
// updated by the expander, the fetch workers, and the reconciler.
type Status struct {
	TotalURLs        int            `json:"total_urls"`
	CrawledURLs      int            `json:"crawled_urls"`
	Paused           bool           `json:"paused"`
	Processing       bool           `json:"processing"`
	SitemapProcessed bool           `json:"sitemap_processed"`
	OriginalURL      string         `json:"original_url"`
	Filter           string         `json:"filter,omitempty"`
	Errors           map[string]int `json:"errors"`
	JSONStats        JSONStats      `json:"json_stats"`
	LastUpdated      string         `json:"last_updated"`
	Error            string         `json:"error,omitempty"`
}

// defaultStatus is what a missing status file reads as. Sites created before
// the sitemap_processed flag existed must stay eligible for fetching.
func defaultStatus() Status {
	return Status{
		SitemapProcessed: true,
		Errors:           map[string]int{},
		JSONStats:        JSONStats{TypeCounts: map[string]int{}},
	}
}

func (s *Store) HasStatus(site string) bool {
	_, err := os.Stat(s.statusPath(site))
	return err == nil
}

// ReadStatus loads the site status, returning defaults when no file exists.
func (s *Store) ReadStatus(site string) (Status, error) {
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()
	return s.readStatus(site)
}

func (s *Store) readStatus(site string) (Status, error) {
	data, err := os.ReadFile(s.statusPath(site))
	if err != nil {
		if os.IsNotExist(err) {
			return defaultStatus(), nil
		}
		return Status{}, fmt.Errorf("read status: %w", err)
	}
	st := defaultStatus()
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	if st.Errors == nil {
		st.Errors = map[string]int{}
	}
	if st.JSONStats.TypeCounts == nil {
		st.JSONStats.TypeCounts = map[string]int{}
	}
	return st, nil
}

// UpdateStatus applies fn to the current status under the site lock and
// persists the result with a fresh last_updated stamp.
func (s *Store) UpdateStatus(site string, fn func(*Status)) error {
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()

	st, err := s.readStatus(site)
	if err != nil {
		return err
	}
	fn(&st)
	return s.writeStatus(site, st)
}

func (s *Store) writeStatus(site string, st Status) error {
	st.LastUpdated = time.Now().Format(time.RFC3339)
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.statusPath(site)), 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	if err := os.WriteFile(s.statusPath(site), data, 0o644); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}
