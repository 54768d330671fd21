package memory

import (
	"context"
	"fmt"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"

	"mimo/internal/gateway"
)

// ANNIndex is the approximate-nearest-neighbour stage used once the corpus
// outgrows exact scanning. It indexes only default-visible engrams; rows are
// removed on supersession and deletion.
type ANNIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewANNIndex opens (or creates) the vector index. An empty persistPath keeps
// the index in memory.
func NewANNIndex(persistPath, collection string, embedder gateway.Embedder) (*ANNIndex, error) {
	if collection == "" {
		collection = "engrams"
	}

	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(persistPath, "ann.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open ann index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	col, err := db.GetOrCreateCollection(collection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create ann collection: %w", err)
	}
	return &ANNIndex{db: db, collection: col}, nil
}

// Add indexes one engram.
func (a *ANNIndex) Add(ctx context.Context, e *Engram) error {
	return a.collection.AddDocument(ctx, chromem.Document{
		ID:        e.ID,
		Content:   e.Content,
		Embedding: e.Embedding,
		Metadata:  map[string]string{"category": string(e.Category)},
	})
}

// Remove drops an engram from the index.
func (a *ANNIndex) Remove(ctx context.Context, id string) error {
	return a.collection.Delete(ctx, nil, nil, id)
}

// Count reports indexed documents.
func (a *ANNIndex) Count() int { return a.collection.Count() }

// annHit is a candidate id from the approximate stage, rescored exactly by
// the searcher.
type annHit struct {
	ID         string
	Similarity float64
}

// Query returns approximate candidates for the query text.
func (a *ANNIndex) Query(ctx context.Context, query string, topK int) ([]annHit, error) {
	if topK <= 0 {
		topK = 5
	}
	if count := a.collection.Count(); count < topK {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}
	results, err := a.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("ann query: %w", err)
	}
	hits := make([]annHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, annHit{ID: r.ID, Similarity: float64(r.Similarity)})
	}
	return hits, nil
}
