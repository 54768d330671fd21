package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsolidatorPromotesAboveThreshold(t *testing.T) {
	s := newTestStore(t)
	working := NewWorkingBuffer(time.Minute)
	embedder := NewHashEmbedder(32)
	c := NewConsolidator(working, s, embedder, nil, 0.7)

	_, err := working.Put(WorkingItem{Content: "keep this", Importance: 0.9})
	require.NoError(t, err)
	low, err := working.Put(WorkingItem{Content: "let this lapse", Importance: 0.3})
	require.NoError(t, err)

	moved, err := c.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, int64(1), s.Count())

	// The promoted item leaves the buffer; the low-importance one stays.
	assert.Equal(t, 1, working.Len())
	_, ok := working.Get(low.ID)
	assert.True(t, ok)

	var promoted *Engram
	require.NoError(t, s.Stream(context.Background(), StreamFilter{}, 0, func(e *Engram) error {
		cp := *e
		promoted = &cp
		return nil
	}))
	require.NotNil(t, promoted)
	assert.Equal(t, "keep this", promoted.Content)
	assert.Equal(t, 0.9, promoted.Importance)
	assert.Equal(t, "consolidated", promoted.Metadata["source"])
	assert.NotEmpty(t, promoted.Embedding)
	assert.NotEmpty(t, promoted.EmbeddingBits)
}

func TestConsolidatorNothingQualifying(t *testing.T) {
	s := newTestStore(t)
	working := NewWorkingBuffer(time.Minute)
	c := NewConsolidator(working, s, NewHashEmbedder(32), nil, 0.7)

	_, err := working.Put(WorkingItem{Content: "idle", Importance: 0.1})
	require.NoError(t, err)

	moved, err := c.Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	assert.Equal(t, int64(0), s.Count())
}

func TestSnapshotAndPrune(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert(testEngram("e1", "backed up")))

	dir := t.TempDir()
	path, err := s.Snapshot(dir)
	require.NoError(t, err)
	assert.FileExists(t, path)

	// Fresh snapshots survive pruning.
	removed, err := PruneSnapshots(dir, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	// With the cutoff pushed past now, everything is stale.
	removed, err = PruneSnapshots(dir, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = PruneSnapshots(dir+"/missing", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
