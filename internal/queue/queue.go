package queue

import (
	"github.com/oidebrett/crawler/internal/store"
)

// EmbedBatch is one chunk of JSON-LD records awaiting embeddings.
type EmbedBatch struct {
	ID      string
	Site    string
	Records []store.Record
}

// UploadBatch is one chunk of embedding records awaiting upload to the
// vector database.
type UploadBatch struct {
	ID      string
	Site    string
	Records []store.EmbeddingRecord
}

// Queues connects the file-watching scans to the stage workers. Scans
// block on a full queue, which naturally throttles re-reading the data
// directory while a stage is behind.
type Queues struct {
	Embed  chan EmbedBatch
	Upload chan UploadBatch
}

func New(buffer int) *Queues {
	if buffer < 1 {
		buffer = 1
	}
	return &Queues{
		Embed:  make(chan EmbedBatch, buffer),
		Upload: make(chan UploadBatch, buffer),
	}
}
