package cache

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// FetchedFilter is a Bloom filter over already-fetched URLs. The URL watcher
// consults it before stat'ing document files; a positive answer must still be
// confirmed against the store since the filter can report false positives.
type FetchedFilter struct {
	filter *bloom.BloomFilter
	mu     sync.RWMutex
}

// NewFetchedFilter sizes the filter for the expected corpus.
// expectedItems: expected number of URLs (e.g., 1_000_000)
// fpRate: false positive rate (e.g., 0.001 = 0.1%)
func NewFetchedFilter(expectedItems uint, fpRate float64) *FetchedFilter {
	return &FetchedFilter{
		filter: bloom.NewWithEstimates(expectedItems, fpRate),
	}
}

func (f *FetchedFilter) Add(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.AddString(url)
}

func (f *FetchedFilter) MayContain(url string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.TestString(url)
}

// LoadBatch seeds the filter, used at startup with the URLs whose documents
// already exist on disk.
func (f *FetchedFilter) LoadBatch(urls []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, url := range urls {
		f.filter.AddString(url)
	}
}

func (f *FetchedFilter) Count() uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter.ApproximatedSize()
}
