package memory

import (
	"context"
	"sort"

	"mimo/internal/gateway"
	"mimo/internal/logging"
)

// Corpus-size thresholds that pick the retrieval strategy.
const (
	exactScanBelow = 500
	twoStageBelow  = 1000
	prefilterRatio = 10
)

// Searcher runs corpus-size-aware similarity retrieval. All strategies share
// one contract: (engram, similarity) pairs for the query, best first.
type Searcher struct {
	store    *Store
	embedder gateway.Embedder
	ann      *ANNIndex // nil when the approximate index is disabled
	logger   logging.Logger
}

// NewSearcher wires retrieval over the store; ann may be nil.
func NewSearcher(store *Store, embedder gateway.Embedder, ann *ANNIndex) *Searcher {
	return &Searcher{
		store:    store,
		embedder: embedder,
		ann:      ann,
		logger:   logging.NewComponentLogger("Searcher"),
	}
}

// SearchOptions narrow a retrieval pass.
type SearchOptions struct {
	Limit             int
	IncludeSuperseded bool
	Category          Category
}

// Search embeds the query and picks the strategy for the current corpus size.
func (s *Searcher) Search(ctx context.Context, query string, opts SearchOptions) ([]Scored, error) {
	if opts.Limit <= 0 {
		opts.Limit = 5
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindDependencyUnavailable, err)
	}

	n := s.store.Count()
	switch {
	case n < exactScanBelow || opts.IncludeSuperseded:
		// History-inclusive searches always take the exact path: superseded
		// rows are not present in the quantised or approximate stages.
		return s.exactScan(ctx, qvec, opts)
	case n < twoStageBelow || s.ann == nil:
		return s.twoStage(ctx, qvec, opts)
	default:
		results, err := s.approximate(ctx, query, qvec, opts)
		if err != nil {
			// Approximate-index misses fall back to exact scan, never surfaced.
			s.logger.Warn("ann stage failed, falling back to exact scan: %v", err)
			return s.exactScan(ctx, qvec, opts)
		}
		return results, nil
	}
}

// exactScan scores every candidate over the full float vector.
func (s *Searcher) exactScan(ctx context.Context, qvec []float32, opts SearchOptions) ([]Scored, error) {
	var results []Scored
	filter := StreamFilter{IncludeSuperseded: opts.IncludeSuperseded, Category: opts.Category}
	err := s.store.Stream(ctx, filter, 0, func(e *Engram) error {
		results = append(results, Scored{Engram: cloneEngram(e), Similarity: CosineSimilarity(qvec, e.Embedding)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return topK(results, opts.Limit), nil
}

// twoStage prefilters by Hamming distance on binary embeddings, keeping
// roughly 10x the requested count, then rescores those with the full vector.
func (s *Searcher) twoStage(ctx context.Context, qvec []float32, opts SearchOptions) ([]Scored, error) {
	qbits := QuantizeBits(qvec)
	keep := opts.Limit * prefilterRatio

	type hammed struct {
		engram *Engram
		dist   int
	}
	var coarse []hammed
	filter := StreamFilter{IncludeSuperseded: false, Category: opts.Category}
	err := s.store.Stream(ctx, filter, 0, func(e *Engram) error {
		bits := e.EmbeddingBits
		if len(bits) == 0 {
			bits = QuantizeBits(e.Embedding)
		}
		coarse = append(coarse, hammed{engram: cloneEngram(e), dist: Hamming(qbits, bits)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(coarse, func(i, j int) bool { return coarse[i].dist < coarse[j].dist })
	if len(coarse) > keep {
		coarse = coarse[:keep]
	}

	results := make([]Scored, 0, len(coarse))
	for _, c := range coarse {
		sim := 0.0
		if len(c.engram.Embedding) > 0 {
			sim = CosineSimilarity(qvec, c.engram.Embedding)
		} else if len(c.engram.EmbeddingInt8) > 0 {
			sim = CosineSimilarityInt8(c.engram.EmbeddingInt8, qvec)
		}
		results = append(results, Scored{Engram: c.engram, Similarity: sim})
	}
	return topK(results, opts.Limit), nil
}

// approximate asks the ANN index for candidates and rescores them exactly
// against the stored float vectors.
func (s *Searcher) approximate(ctx context.Context, query string, qvec []float32, opts SearchOptions) ([]Scored, error) {
	hits, err := s.ann.Query(ctx, query, opts.Limit*prefilterRatio)
	if err != nil {
		return nil, err
	}
	results := make([]Scored, 0, len(hits))
	for _, hit := range hits {
		e, err := s.store.Get(hit.ID)
		if err != nil {
			// Index can lag deletions; skip ghosts.
			continue
		}
		if e.Superseded() {
			continue
		}
		if opts.Category != "" && e.Category != opts.Category {
			continue
		}
		results = append(results, Scored{Engram: e, Similarity: CosineSimilarity(qvec, e.Embedding)})
	}
	return topK(results, opts.Limit), nil
}

func topK(results []Scored, k int) []Scored {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Engram.ID > results[j].Engram.ID
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

// cloneEngram detaches a row from the stream so callers may retain it.
func cloneEngram(e *Engram) *Engram {
	cp := *e
	return &cp
}
