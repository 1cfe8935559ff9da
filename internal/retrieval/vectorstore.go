package retrieval

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no vector exists under the requested id.
var ErrNotFound = errors.New("vector not found")

// Metadata is the denormalized view of a confirmed case stored next to its
// embedding. Detail lookups read this, not the ledger, so it must carry
// everything the review UI shows.
type Metadata struct {
	Filename string `json:"filename,omitempty"`
	DocType  string `json:"docType,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	Preview  string `json:"preview,omitempty"`
}

// Record is one retrieval unit in the semantic store.
type Record struct {
	ID        string
	Embedding []float32
	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

// VectorStore is the semantic store contract: upsert, fetch by id,
// nearest-neighbor query, delete. The default implementation is SQLite with
// brute-force cosine similarity; an ANN-backed service would implement the
// same interface.
type VectorStore interface {
	// Upsert inserts the record or fully overwrites the existing one
	// (embedding and metadata both).
	Upsert(ctx context.Context, rec Record) error

	// Fetch returns the record with the given id, or ErrNotFound.
	Fetch(ctx context.Context, id string) (Record, error)

	// Query returns the topK records most similar to vector, best first.
	Query(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error)

	// Delete removes the record with the given id, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error
}
