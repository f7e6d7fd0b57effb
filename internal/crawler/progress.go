package crawler

import "sync"

// ProgressNote is the in-memory expansion progress surfaced by the control
// API while a site's sitemaps are being walked.
type ProgressNote struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	URLsFound int    `json:"urls_found,omitempty"`
	TotalURLs int    `json:"total_urls,omitempty"`
}

// Progress tracks per-site expansion notes. Notes are transient: they exist
// from registration until the operator has had a chance to observe the
// completed or failed expansion.
type Progress struct {
	mu    sync.RWMutex
	notes map[string]ProgressNote
}

func NewProgress() *Progress {
	return &Progress{notes: make(map[string]ProgressNote)}
}

func (p *Progress) Set(site string, note ProgressNote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes[site] = note
}

func (p *Progress) Get(site string) (ProgressNote, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	note, ok := p.notes[site]
	return note, ok
}

func (p *Progress) Clear(site string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.notes, site)
}
