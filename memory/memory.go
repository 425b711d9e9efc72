package memory

import "context"

// Record is the vector-indexed counterpart of a persisted message. It is a
// derived, rebuildable index entry: losing it degrades retrieval quality but
// never corrupts the conversation store. The ID always equals the message ID.
type Record struct {
	ID        string
	Embedding []float32
	Metadata  Metadata
}

// Metadata scopes a record and carries the original text so retrieval does
// not need to read the conversation store.
type Metadata struct {
	UserID string `json:"userID"`
	ChatID string `json:"chatID"`
	Text   string `json:"text"`
}

// Filter narrows a query to matching metadata. UserID is mandatory: a query
// must never cross user boundaries.
type Filter struct {
	UserID string
}

// Match is one query result, most similar first.
type Match struct {
	ID       string
	Score    float32
	Metadata Metadata
}

// Store is the vector storage backend consumed by the engine.
//
// Upsert is idempotent by ID: a repeat call with the same ID overwrites the
// stored vector and metadata. Query returns up to topK matches sorted by
// descending similarity; an empty store simply returns no matches.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Query(ctx context.Context, embedding []float32, topK int, filter Filter) ([]Match, error)
	Close() error
}

// Embedder converts text to a fixed-length vector.
// Implementations: gemini (production), mock (tests).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}
