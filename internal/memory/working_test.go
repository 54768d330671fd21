package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mimo/internal/gateway"
)

func TestWorkingBufferPutAndGet(t *testing.T) {
	b := NewWorkingBuffer(time.Minute)

	item, err := b.Put(WorkingItem{Content: "draft thought", Importance: 0.4})
	require.NoError(t, err)
	require.NotEmpty(t, item.ID)
	assert.Equal(t, CategoryObservation, item.Category)

	got, ok := b.Get(item.ID)
	require.True(t, ok)
	assert.Equal(t, "draft thought", got.Content)
}

func TestWorkingBufferValidation(t *testing.T) {
	b := NewWorkingBuffer(time.Minute)

	_, err := b.Put(WorkingItem{Content: ""})
	assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err))

	_, err = b.Put(WorkingItem{Content: "x", Importance: 1.5})
	assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err))
}

func TestWorkingBufferLastWriterWins(t *testing.T) {
	b := NewWorkingBuffer(time.Minute)

	first, err := b.Put(WorkingItem{ID: "w1", Content: "v1"})
	require.NoError(t, err)
	_, err = b.Put(WorkingItem{ID: "w1", Content: "v2"})
	require.NoError(t, err)

	got, ok := b.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, "v2", got.Content)
	assert.Equal(t, 1, b.Len())
}

func TestWorkingBufferTTLExpiry(t *testing.T) {
	b := NewWorkingBuffer(time.Minute)
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	now := base
	b.now = func() time.Time { return now }

	item, err := b.Put(WorkingItem{Content: "perishable"})
	require.NoError(t, err)

	now = base.Add(59 * time.Second)
	_, ok := b.Get(item.ID)
	assert.True(t, ok)

	now = base.Add(61 * time.Second)
	_, ok = b.Get(item.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len())

	// The row is only logically dead until a sweep reclaims it.
	assert.Equal(t, 1, b.sweep())
	assert.Equal(t, 0, b.sweep())
}

func TestWorkingBufferRemove(t *testing.T) {
	b := NewWorkingBuffer(time.Minute)
	item, err := b.Put(WorkingItem{Content: "consolidated"})
	require.NoError(t, err)

	b.Remove(item.ID)
	_, ok := b.Get(item.ID)
	assert.False(t, ok)
}
