package store

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store owns every on-disk artifact a site produces and is the sole
// persistence layer. Mutating operations on a site's files serialize through
// one per-site mutex so read-modify-write cycles that span files (records,
// keys, status) stay consistent.
type Store struct {
	dataDir string
	locks   sync.Map // site -> *sync.Mutex

	seenMu sync.Mutex
	seen   map[string]map[string]struct{} // lazily loaded seen-key sets
}

func New(dataDir string) *Store {
	return &Store{
		dataDir: dataDir,
		seen:    make(map[string]map[string]struct{}),
	}
}

var artifactDirs = []string{"urls", "docs", "json", "keys", "embeddings", "deletions", "status"}

func (s *Store) EnsureDirs() error {
	for _, dir := range artifactDirs {
		if err := os.MkdirAll(filepath.Join(s.dataDir, dir), 0o755); err != nil {
			return fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	return nil
}

func (s *Store) siteLock(site string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(site, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// URLHash is the document filename stem for a URL.
func URLHash(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

func (s *Store) urlsPath(site string) string   { return filepath.Join(s.dataDir, "urls", site+".txt") }
func (s *Store) docsDir(site string) string    { return filepath.Join(s.dataDir, "docs", site) }
func (s *Store) statusPath(site string) string { return filepath.Join(s.dataDir, "status", site+".json") }

func (s *Store) docPath(site, url string) string {
	return filepath.Join(s.docsDir(site), URLHash(url)+".html")
}

func (s *Store) recordsPath(site string) string {
	return filepath.Join(s.dataDir, "json", site+".json")
}

func (s *Store) seenKeysPath(site string) string {
	return filepath.Join(s.dataDir, "keys", site+".txt")
}

func (s *Store) processedKeysPath(site string) string {
	return filepath.Join(s.dataDir, "keys", site+".json")
}

func (s *Store) embeddingsPath(site string) string {
	return filepath.Join(s.dataDir, "embeddings", site+".json")
}

func (s *Store) deletionsPath(site string) string {
	return filepath.Join(s.dataDir, "deletions", site+".json")
}

// Sites lists every registered site, derived from the status directory.
func (s *Store) Sites() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "status"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read status dir: %w", err)
	}
	var sites []string
	for _, e := range entries {
		if name := e.Name(); strings.HasSuffix(name, ".json") {
			sites = append(sites, strings.TrimSuffix(name, ".json"))
		}
	}
	sort.Strings(sites)
	return sites, nil
}

// HasSite reports whether the site was ever registered. The URL list is
// written first during registration, so its presence is the existence check.
func (s *Store) HasSite(site string) bool {
	_, err := os.Stat(s.urlsPath(site))
	return err == nil
}

// DeleteSite removes every artifact the site owns.
func (s *Store) DeleteSite(site string) error {
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()

	s.seenMu.Lock()
	delete(s.seen, site)
	s.seenMu.Unlock()

	paths := []string{
		s.urlsPath(site),
		s.recordsPath(site),
		s.seenKeysPath(site),
		s.processedKeysPath(site),
		s.embeddingsPath(site),
		s.deletionsPath(site),
		s.statusPath(site),
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	if err := os.RemoveAll(s.docsDir(site)); err != nil {
		return fmt.Errorf("remove docs dir: %w", err)
	}
	return nil
}

// ReadURLs returns the site's current URL list, empty when none exists.
func (s *Store) ReadURLs(site string) ([]string, error) {
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()
	return s.readURLs(site)
}

func (s *Store) readURLs(site string) ([]string, error) {
	data, err := os.ReadFile(s.urlsPath(site))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read urls: %w", err)
	}
	var urls []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			urls = append(urls, line)
		}
	}
	return urls, nil
}

// MergeURLs unions the given URLs into the site's list, written back sorted,
// and returns the merged total.
func (s *Store) MergeURLs(site string, urls []string) (int, error) {
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readURLs(site)
	if err != nil {
		return 0, err
	}
	set := make(map[string]struct{}, len(existing)+len(urls))
	for _, u := range existing {
		set[u] = struct{}{}
	}
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			set[u] = struct{}{}
		}
	}
	if err := s.writeURLs(site, set); err != nil {
		return 0, err
	}
	return len(set), nil
}

// ReplaceURLs overwrites the site's list with a fresh set, written sorted.
// Used by sitemap refresh so URLs dropped upstream disappear from the list.
func (s *Store) ReplaceURLs(site string, urls []string) (int, error) {
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()

	set := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			set[u] = struct{}{}
		}
	}
	if err := s.writeURLs(site, set); err != nil {
		return 0, err
	}
	return len(set), nil
}

func (s *Store) writeURLs(site string, set map[string]struct{}) error {
	sorted := make([]string, 0, len(set))
	for u := range set {
		sorted = append(sorted, u)
	}
	sort.Strings(sorted)
	var b strings.Builder
	for _, u := range sorted {
		b.WriteString(u)
		b.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(s.urlsPath(site)), 0o755); err != nil {
		return fmt.Errorf("create urls dir: %w", err)
	}
	if err := os.WriteFile(s.urlsPath(site), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write urls: %w", err)
	}
	return nil
}

// URLsMTime reports the URL list's modification time for change detection.
func (s *Store) URLsMTime(site string) (time.Time, bool) {
	return mtime(s.urlsPath(site))
}

// RecordsMTime reports the records file's modification time.
func (s *Store) RecordsMTime(site string) (time.Time, bool) {
	return mtime(s.recordsPath(site))
}

// EmbeddingsMTime reports the embeddings file's modification time.
func (s *Store) EmbeddingsMTime(site string) (time.Time, bool) {
	return mtime(s.embeddingsPath(site))
}

func mtime(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// WriteDoc stores the raw body fetched for a URL. Presence of the file is the
// ground truth for "this URL has been fetched".
func (s *Store) WriteDoc(site, url string, body []byte) error {
	if err := os.MkdirAll(s.docsDir(site), 0o755); err != nil {
		return fmt.Errorf("create docs dir: %w", err)
	}
	if err := os.WriteFile(s.docPath(site, url), body, 0o644); err != nil {
		return fmt.Errorf("write doc: %w", err)
	}
	return nil
}

func (s *Store) HasDoc(site, url string) bool {
	_, err := os.Stat(s.docPath(site, url))
	return err == nil
}

func (s *Store) DeleteDoc(site, url string) error {
	if err := os.Remove(s.docPath(site, url)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove doc: %w", err)
	}
	return nil
}

// CountDocs counts the raw documents stored for a site.
func (s *Store) CountDocs(site string) int {
	entries, err := os.ReadDir(s.docsDir(site))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".html") {
			n++
		}
	}
	return n
}

// FetchedURLs returns the subset of the site's URL list whose raw documents
// exist on disk. Used to seed the fetched-URL filter at startup.
func (s *Store) FetchedURLs(site string) ([]string, error) {
	urls, err := s.ReadURLs(site)
	if err != nil {
		return nil, err
	}
	var fetched []string
	for _, u := range urls {
		if s.HasDoc(site, u) {
			fetched = append(fetched, u)
		}
	}
	return fetched, nil
}
