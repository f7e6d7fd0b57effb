package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is one entry of json/<site>.json. Shapes vary across corpus
// generations: flattened {url, timestamp, ...fields}, multi-item
// {url, timestamp, items: [...]}, and the older envelopes
// {schema: {...}, url, timestamp} / {data: {...}, url, timestamp}.
// Readers tolerate all of them; writers emit the flattened and items shapes
// plus the schema envelope for plain keyed objects.
type Record map[string]any

func (r Record) URL() string {
	u, _ := r["url"].(string)
	return u
}

func (r Record) Timestamp() string {
	t, _ := r["timestamp"].(string)
	return t
}

// Items returns the multi-item payload, nil for single-object records.
func (r Record) Items() []Record {
	raw, ok := r["items"].([]any)
	if !ok {
		return nil
	}
	items := make([]Record, 0, len(raw))
	for _, it := range raw {
		if m, ok := it.(map[string]any); ok {
			items = append(items, Record(m))
		}
	}
	return items
}

// Payload unwraps the schema/data envelopes, returning the record itself for
// flattened shapes.
func (r Record) Payload() Record {
	for _, k := range []string{"schema", "data"} {
		if m, ok := r[k].(map[string]any); ok {
			return Record(m)
		}
	}
	return r
}

// Types lists every @type the record carries, descending into items and
// envelopes. An @type array contributes one entry per element.
func (r Record) Types() []string {
	if items := r.Items(); items != nil {
		var types []string
		for _, it := range items {
			types = append(types, TypesOf(it.Payload())...)
		}
		return types
	}
	return TypesOf(r.Payload())
}

// TypesOf normalizes a JSON-LD @type value to a list of type names.
func TypesOf(m map[string]any) []string {
	switch t := m["@type"].(type) {
	case string:
		return []string{t}
	case []any:
		var types []string
		for _, v := range t {
			if s, ok := v.(string); ok {
				types = append(types, s)
			}
		}
		return types
	}
	return nil
}

// ReadRecords loads the site's structured records, empty when none exist.
func (s *Store) ReadRecords(site string) ([]Record, error) {
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()
	return s.readRecords(site)
}

func (s *Store) readRecords(site string) ([]Record, error) {
	data, err := os.ReadFile(s.recordsPath(site))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read records: %w", err)
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return recs, nil
}

// AppendRecords appends structured records to json/<site>.json.
func (s *Store) AppendRecords(site string, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readRecords(site)
	if err != nil {
		return err
	}
	return s.writeRecords(site, append(existing, recs...))
}

func (s *Store) writeRecords(site string, recs []Record) error {
	if recs == nil {
		recs = []Record{}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.recordsPath(site)), 0o755); err != nil {
		return fmt.Errorf("create json dir: %w", err)
	}
	if err := os.WriteFile(s.recordsPath(site), data, 0o644); err != nil {
		return fmt.Errorf("write records: %w", err)
	}
	return nil
}

// ClaimSeenKeys marks the not-yet-seen subset of keys as seen and returns it.
// The set is seeded lazily from keys/<site>.txt and the file is appended
// before the caller persists any dependent record, so on a crash the keys
// file can only run ahead of the records file, never behind.
func (s *Store) ClaimSeenKeys(site string, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()

	set, err := s.seenSet(site)
	if err != nil {
		return nil, err
	}
	var claimed []string
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := set[k]; ok {
			continue
		}
		set[k] = struct{}{}
		claimed = append(claimed, k)
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	if err := s.appendSeenKeyLines(site, claimed); err != nil {
		return nil, err
	}
	return claimed, nil
}

// HasSeenKey reports whether a JSON-LD identifier was already captured.
func (s *Store) HasSeenKey(site, key string) (bool, error) {
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()

	set, err := s.seenSet(site)
	if err != nil {
		return false, err
	}
	_, ok := set[key]
	return ok, nil
}

// seenSet returns the in-memory seen-key set, loading it from disk once.
// Callers hold the site lock.
func (s *Store) seenSet(site string) (map[string]struct{}, error) {
	s.seenMu.Lock()
	if set, ok := s.seen[site]; ok {
		s.seenMu.Unlock()
		return set, nil
	}
	s.seenMu.Unlock()

	set := make(map[string]struct{})
	data, err := os.ReadFile(s.seenKeysPath(site))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read seen keys: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			set[line] = struct{}{}
		}
	}

	s.seenMu.Lock()
	s.seen[site] = set
	s.seenMu.Unlock()
	return set, nil
}

func (s *Store) appendSeenKeyLines(site string, keys []string) error {
	if err := os.MkdirAll(filepath.Dir(s.seenKeysPath(site)), 0o755); err != nil {
		return fmt.Errorf("create keys dir: %w", err)
	}
	f, err := os.OpenFile(s.seenKeysPath(site), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open seen keys: %w", err)
	}
	defer f.Close()
	for _, k := range keys {
		if _, err := f.WriteString(k + "\n"); err != nil {
			return fmt.Errorf("append seen key: %w", err)
		}
	}
	return nil
}

// ReadSeenKeys returns a copy of the seen-key set.
func (s *Store) ReadSeenKeys(site string) (map[string]struct{}, error) {
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()

	set, err := s.seenSet(site)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out, nil
}

// EmbeddingRecord is one entry of embeddings/<site>.json. Key is the source
// record's URL; at most one embedding exists per key.
type EmbeddingRecord struct {
	Key        string         `json:"key"`
	Embedding  []float32      `json:"embedding"`
	Timestamp  string         `json:"timestamp"`
	Metadata   map[string]any `json:"metadata"`
	SchemaJSON map[string]any `json:"schema_json,omitempty"`
}

// ReadEmbeddings loads the site's embedding records, empty when none exist.
func (s *Store) ReadEmbeddings(site string) ([]EmbeddingRecord, error) {
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()
	return s.readEmbeddings(site)
}

func (s *Store) readEmbeddings(site string) ([]EmbeddingRecord, error) {
	data, err := os.ReadFile(s.embeddingsPath(site))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read embeddings: %w", err)
	}
	var recs []EmbeddingRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	return recs, nil
}

// AppendEmbeddings merges new embedding records into embeddings/<site>.json,
// dropping any whose key is already present.
func (s *Store) AppendEmbeddings(site string, recs []EmbeddingRecord) error {
	if len(recs) == 0 {
		return nil
	}
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readEmbeddings(site)
	if err != nil {
		return err
	}
	keys := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		keys[r.Key] = struct{}{}
	}
	merged := existing
	for _, r := range recs {
		if _, ok := keys[r.Key]; ok {
			continue
		}
		keys[r.Key] = struct{}{}
		merged = append(merged, r)
	}
	return s.writeEmbeddings(site, merged)
}

func (s *Store) writeEmbeddings(site string, recs []EmbeddingRecord) error {
	if recs == nil {
		recs = []EmbeddingRecord{}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode embeddings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.embeddingsPath(site)), 0o755); err != nil {
		return fmt.Errorf("create embeddings dir: %w", err)
	}
	if err := os.WriteFile(s.embeddingsPath(site), data, 0o644); err != nil {
		return fmt.Errorf("write embeddings: %w", err)
	}
	return nil
}

// ReadProcessedKeys returns the set of keys acknowledged as uploaded to the
// external vector database.
func (s *Store) ReadProcessedKeys(site string) (map[string]struct{}, error) {
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()
	return s.readProcessedKeys(site)
}

func (s *Store) readProcessedKeys(site string) (map[string]struct{}, error) {
	data, err := os.ReadFile(s.processedKeysPath(site))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("read processed keys: %w", err)
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode processed keys: %w", err)
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, nil
}

// AppendProcessedKeys records keys acknowledged by the vector database.
func (s *Store) AppendProcessedKeys(site string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()

	set, err := s.readProcessedKeys(site)
	if err != nil {
		return err
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return s.writeProcessedKeys(site, set)
}

func (s *Store) writeProcessedKeys(site string, set map[string]struct{}) error {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("encode processed keys: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.processedKeysPath(site)), 0o755); err != nil {
		return fmt.Errorf("create keys dir: %w", err)
	}
	if err := os.WriteFile(s.processedKeysPath(site), data, 0o644); err != nil {
		return fmt.Errorf("write processed keys: %w", err)
	}
	return nil
}

// DeletionRecord is an audit entry for a URL removed by reconciliation.
type DeletionRecord struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	DeletedAt string `json:"deleted_at"`
}

// ReadDeletions returns the site's deletion audit log.
func (s *Store) ReadDeletions(site string) ([]DeletionRecord, error) {
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()
	return s.readDeletions(site)
}

func (s *Store) readDeletions(site string) ([]DeletionRecord, error) {
	data, err := os.ReadFile(s.deletionsPath(site))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read deletions: %w", err)
	}
	var recs []DeletionRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode deletions: %w", err)
	}
	return recs, nil
}

func (s *Store) appendDeletions(site string, urls []string) error {
	existing, err := s.readDeletions(site)
	if err != nil {
		return err
	}
	now := time.Now().Format(time.RFC3339)
	for _, u := range urls {
		existing = append(existing, DeletionRecord{
			ID:        uuid.NewString(),
			URL:       u,
			DeletedAt: now,
		})
	}
	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("encode deletions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.deletionsPath(site)), 0o755); err != nil {
		return fmt.Errorf("create deletions dir: %w", err)
	}
	if err := os.WriteFile(s.deletionsPath(site), data, 0o644); err != nil {
		return fmt.Errorf("write deletions: %w", err)
	}
	return nil
}

// RemoveURLs propagates URL deletions through every local artifact: raw docs,
// json records, embeddings, processed keys, url-keyed seen keys, plus the
// deletion audit log. Returns the records that remain.
func (s *Store) RemoveURLs(site string, urls []string) ([]Record, error) {
	if len(urls) == 0 {
		return s.ReadRecords(site)
	}
	lock := s.siteLock(site)
	lock.Lock()
	defer lock.Unlock()

	deleted := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		deleted[u] = struct{}{}
	}

	for _, u := range urls {
		if err := s.DeleteDoc(site, u); err != nil {
			return nil, err
		}
	}

	recs, err := s.readRecords(site)
	if err != nil {
		return nil, err
	}
	kept := make([]Record, 0, len(recs))
	for _, r := range recs {
		if _, gone := deleted[r.URL()]; !gone {
			kept = append(kept, r)
		}
	}
	if err := s.writeRecords(site, kept); err != nil {
		return nil, err
	}

	embs, err := s.readEmbeddings(site)
	if err != nil {
		return nil, err
	}
	keptEmbs := make([]EmbeddingRecord, 0, len(embs))
	for _, e := range embs {
		if _, gone := deleted[e.Key]; !gone {
			keptEmbs = append(keptEmbs, e)
		}
	}
	if err := s.writeEmbeddings(site, keptEmbs); err != nil {
		return nil, err
	}

	processed, err := s.readProcessedKeys(site)
	if err != nil {
		return nil, err
	}
	for u := range deleted {
		delete(processed, u)
	}
	if err := s.writeProcessedKeys(site, processed); err != nil {
		return nil, err
	}

	if err := s.removeSeenKeys(site, deleted); err != nil {
		return nil, err
	}

	if err := s.appendDeletions(site, urls); err != nil {
		return nil, err
	}
	return kept, nil
}

// removeSeenKeys drops seen keys equal to a deleted URL so a URL that
// reappears later can be captured again. Identifier keys from other pages are
// left alone. Callers hold the site lock.
func (s *Store) removeSeenKeys(site string, deleted map[string]struct{}) error {
	set, err := s.seenSet(site)
	if err != nil {
		return err
	}
	changed := false
	for u := range deleted {
		if _, ok := set[u]; ok {
			delete(set, u)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(s.seenKeysPath(site), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("rewrite seen keys: %w", err)
	}
	return nil
}
