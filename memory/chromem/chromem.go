// Package chromem implements memory.Store on chromem-go, a pure Go
// embedded vector database.
package chromem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/nebulachat/nebula/logger"
	"github.com/nebulachat/nebula/memory"
)

// Store keeps one chromem collection per user. The per-user collection is
// the primary isolation mechanism; the metadata filter on every query is a
// second guard against records landing in the wrong collection.
type Store struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// New creates an in-memory store.
func New() (*Store, error) {
	return &Store{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// NewPersistent creates a store that persists collections under dir.
func NewPersistent(dir string) (*Store, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return &Store{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (s *Store) collection(userID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[userID]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[userID]; ok {
		return col, nil
	}

	// Embeddings are always supplied by the caller, so no embedding func;
	// default cosine similarity.
	col, err := s.db.GetOrCreateCollection("user_"+userID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[userID] = col
	return col, nil
}

// Upsert stores a record, overwriting any existing record with the same ID.
func (s *Store) Upsert(ctx context.Context, rec memory.Record) error {
	if rec.Metadata.UserID == "" {
		return fmt.Errorf("chromem: record %s has no owning user", rec.ID)
	}
	col, err := s.collection(rec.Metadata.UserID)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Metadata.Text,
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			"userID": rec.Metadata.UserID,
			"chatID": rec.Metadata.ChatID,
		},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	logger.Log.Debug("memory_upserted",
		zap.String("id", rec.ID),
		zap.String("user", rec.Metadata.UserID))
	return nil
}

// Query returns up to topK records nearest to the embedding, scoped to the
// filter's user. An empty collection yields no matches, not an error.
func (s *Store) Query(ctx context.Context, embedding []float32, topK int, filter memory.Filter) ([]memory.Match, error) {
	if filter.UserID == "" {
		return nil, fmt.Errorf("chromem: query requires a user filter")
	}
	col, err := s.collection(filter.UserID)
	if err != nil {
		return nil, err
	}

	where := map[string]string{"userID": filter.UserID}

	// chromem rejects nResults larger than the collection; shrink until the
	// query fits, down to an empty result for an empty collection.
	var results []chromem.Result
	for limit := topK; limit >= 1; limit-- {
		results, err = col.QueryEmbedding(ctx, embedding, limit, where, nil)
		if err == nil {
			break
		}
		if !isTooFewDocsError(err) {
			return nil, fmt.Errorf("chromem query: %w", err)
		}
		if limit == 1 {
			return nil, nil
		}
	}

	matches := make([]memory.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, memory.Match{
			ID:    r.ID,
			Score: r.Similarity,
			Metadata: memory.Metadata{
				UserID: r.Metadata["userID"],
				ChatID: r.Metadata["chatID"],
				Text:   r.Content,
			},
		})
	}
	return matches, nil
}

// Close releases resources. In-memory collections have nothing to release.
func (s *Store) Close() error {
	return nil
}

func isTooFewDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
