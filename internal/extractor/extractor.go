package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/oidebrett/crawler/internal/store"
)

// Extractor turns fetched pages into structured records. JSON-LD script
// blocks are captured with cross-page dedup by identifier; pages without any
// JSON-LD get a record synthesized from meta and OpenGraph tags.
type Extractor struct {
	store *store.Store
}

func New(st *store.Store) *Extractor {
	return &Extractor{store: st}
}

// Process extracts records from one fetched page and persists them together
// with the new seen keys and updated type counts. A page may contribute 0..N
// records; malformed JSON-LD blocks are skipped.
func (e *Extractor) Process(site, pageURL string, html []byte) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}

	var blocks []string
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		blocks = append(blocks, sel.Text())
	})

	var records []store.Record
	for _, block := range blocks {
		recs, err := e.extractBlock(site, pageURL, block)
		if err != nil {
			return err
		}
		records = append(records, recs...)
	}

	if len(records) == 0 {
		records = append(records, Synthesize(doc, pageURL))
	}

	if err := e.store.AppendRecords(site, records); err != nil {
		return err
	}
	return e.updateStats(site, records)
}

// extractBlock decodes one JSON-LD block and emits records for its new
// content. Three shapes are handled: array of objects, object with @graph,
// and plain object. Malformed JSON yields no records and no error.
func (e *Extractor) extractBlock(site, pageURL, raw string) ([]store.Record, error) {
	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, nil
	}

	ts := time.Now().Format(time.RFC3339)

	switch v := data.(type) {
	case []any:
		items, err := e.claimNew(site, objects(v))
		if err != nil || len(items) == 0 {
			return nil, err
		}
		if len(items) >= 2 {
			rec := store.Record{"url": pageURL, "timestamp": ts, "items": anySlice(items)}
			return []store.Record{rec}, nil
		}
		return []store.Record{flatten(pageURL, ts, items[0])}, nil

	case map[string]any:
		if graph, ok := v["@graph"].([]any); ok {
			items, err := e.claimNew(site, objects(graph))
			if err != nil {
				return nil, err
			}
			recs := make([]store.Record, 0, len(items))
			for _, it := range items {
				recs = append(recs, flatten(pageURL, ts, it))
			}
			return recs, nil
		}
		items, err := e.claimNew(site, []map[string]any{v})
		if err != nil || len(items) == 0 {
			return nil, err
		}
		return []store.Record{{"url": pageURL, "timestamp": ts, "schema": items[0]}}, nil
	}
	return nil, nil
}

// claimNew filters elements down to those not captured before. Keyed elements
// claim their identifier atomically so two pages carrying the same object
// cannot both emit it; unkeyed elements always pass.
func (e *Extractor) claimNew(site string, items []map[string]any) ([]map[string]any, error) {
	var keys []string
	for _, it := range items {
		if k := keyOf(it); k != "" {
			keys = append(keys, k)
		}
	}
	claimed, err := e.store.ClaimSeenKeys(site, keys)
	if err != nil {
		return nil, err
	}
	avail := make(map[string]bool, len(claimed))
	for _, k := range claimed {
		avail[k] = true
	}
	var kept []map[string]any
	for _, it := range items {
		k := keyOf(it)
		if k == "" {
			kept = append(kept, it)
			continue
		}
		if avail[k] {
			avail[k] = false
			kept = append(kept, it)
		}
	}
	return kept, nil
}

// keyOf returns the element's JSON-LD identifier: @id, else its url field.
func keyOf(m map[string]any) string {
	if id, ok := m["@id"].(string); ok && id != "" {
		return id
	}
	if u, ok := m["url"].(string); ok && u != "" {
		return u
	}
	return ""
}

// flatten merges an element over the {url, timestamp} base. Element fields
// win on collision, so an element carrying its own url keeps it.
func flatten(pageURL, ts string, item map[string]any) store.Record {
	rec := store.Record{"url": pageURL, "timestamp": ts}
	for k, v := range item {
		rec[k] = v
	}
	return rec
}

func objects(raw []any) []map[string]any {
	var items []map[string]any
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}

func anySlice(items []map[string]any) []any {
	out := make([]any, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

// updateStats folds the new records' types into json_stats. total_objects is
// the sum of all type counts, matching how the corpus has always been
// reported.
func (e *Extractor) updateStats(site string, recs []store.Record) error {
	counts := map[string]int{}
	for _, r := range recs {
		for _, t := range r.Types() {
			counts[t]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	return e.store.UpdateStatus(site, func(st *store.Status) {
		for t, n := range counts {
			st.JSONStats.TypeCounts[t] += n
		}
		total := 0
		for _, n := range st.JSONStats.TypeCounts {
			total += n
		}
		st.JSONStats.TotalObjects = total
	})
}
