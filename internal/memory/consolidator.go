package memory

import (
	"context"
	"time"

	"github.com/segmentio/ksuid"

	"mimo/internal/gateway"
	"mimo/internal/logging"
)

const consolidationBatchSize = 50

// Consolidator promotes qualifying working-memory items into the long-term
// store, attaching embeddings on the way. Batches commit independently, so a
// failed batch rolls back only itself.
type Consolidator struct {
	working   *WorkingBuffer
	store     *Store
	embedder  gateway.Embedder
	ann       *ANNIndex
	threshold float64
	logger    logging.Logger
	now       func() time.Time
}

// NewConsolidator wires the consolidation loop.
func NewConsolidator(working *WorkingBuffer, store *Store, embedder gateway.Embedder, ann *ANNIndex, threshold float64) *Consolidator {
	if threshold <= 0 {
		threshold = 0.7
	}
	return &Consolidator{
		working:   working,
		store:     store,
		embedder:  embedder,
		ann:       ann,
		threshold: threshold,
		logger:    logging.NewComponentLogger("Consolidator"),
		now:       time.Now,
	}
}

// Run consolidates on every tick until ctx is cancelled.
func (c *Consolidator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			moved, err := c.Pass(ctx)
			if err != nil {
				c.logger.Error("consolidation pass failed: %v", err)
				continue
			}
			if moved > 0 {
				c.logger.Info("consolidated %d working-memory items", moved)
			}
		}
	}
}

// Pass consolidates every qualifying item currently in the buffer.
func (c *Consolidator) Pass(ctx context.Context) (int, error) {
	items := c.working.Snapshot()
	var qualifying []WorkingItem
	for _, item := range items {
		if item.Importance >= c.threshold {
			qualifying = append(qualifying, item)
		}
	}
	if len(qualifying) == 0 {
		return 0, nil
	}

	moved := 0
	for start := 0; start < len(qualifying); start += consolidationBatchSize {
		end := start + consolidationBatchSize
		if end > len(qualifying) {
			end = len(qualifying)
		}
		batch := qualifying[start:end]
		n, err := c.consolidateBatch(ctx, batch)
		moved += n
		if err != nil {
			// This batch rolled back; later batches still get their chance.
			c.logger.Warn("consolidation batch failed: %v", err)
		}
	}
	return moved, nil
}

func (c *Consolidator) consolidateBatch(ctx context.Context, batch []WorkingItem) (int, error) {
	engrams := make([]*Engram, 0, len(batch))
	for _, item := range batch {
		vec, err := c.embedder.Embed(ctx, item.Content)
		if err != nil {
			return 0, err
		}
		int8Vec, scale := QuantizeInt8(vec)
		now := c.now()
		engrams = append(engrams, &Engram{
			ID:             ksuid.New().String(),
			Content:        item.Content,
			Category:       item.Category,
			Importance:     item.Importance,
			CreatedAt:      now,
			LastAccessedAt: now,
			DecayRate:      1,
			Metadata:       map[string]any{"source": "consolidated"},
			Embedding:      vec,
			EmbeddingInt8:  int8Vec,
			Int8Scale:      scale,
			EmbeddingBits:  QuantizeBits(vec),
		})
	}

	if err := c.store.InsertBatch(engrams); err != nil {
		return 0, err
	}
	for i, e := range engrams {
		c.working.Remove(batch[i].ID)
		if c.ann != nil {
			if err := c.ann.Add(ctx, e); err != nil {
				c.logger.Warn("ann index add for %s failed: %v", e.ID, err)
			}
		}
	}
	return len(engrams), nil
}
