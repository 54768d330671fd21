package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mimo/internal/gateway"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEngram(id, content string) *Engram {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	return &Engram{
		ID:             id,
		Content:        content,
		Category:       CategoryObservation,
		Importance:     0.5,
		DecayRate:      1,
		CreatedAt:      now,
		LastAccessedAt: now,
		Embedding:      []float32{1, 0, 0, 0},
	}
}

func TestStoreInsertGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	e := testEngram("e1", "user prefers dark mode")
	e.Metadata = map[string]any{"source": "session"}
	require.NoError(t, s.Insert(e))

	got, err := s.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, "user prefers dark mode", got.Content)
	assert.Equal(t, CategoryObservation, got.Category)
	assert.Equal(t, "session", got.Metadata["source"])
	assert.Equal(t, int64(1), s.Count())
	assert.Equal(t, int64(1), s.Total())
}

func TestStoreInsertDuplicateConflicts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert(testEngram("e1", "once")))
	err := s.Insert(testEngram("e1", "twice"))
	assert.Equal(t, gateway.KindConflict, gateway.KindOf(err))
	assert.Equal(t, int64(1), s.Total())
}

func TestStoreGetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("nope")
	assert.Equal(t, gateway.KindNotFound, gateway.KindOf(err))
	assert.Equal(t, gateway.KindNotFound, gateway.KindOf(s.Delete("nope")))
}

func TestStoreContentBoundary(t *testing.T) {
	s := newTestStore(t)

	atCap := testEngram("big", strings.Repeat("a", MaxContentBytes))
	require.NoError(t, s.Insert(atCap))

	over := testEngram("bigger", strings.Repeat("a", MaxContentBytes+1))
	err := s.Insert(over)
	assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err))
}

func TestStoreUpdateAccessMonotonic(t *testing.T) {
	s := newTestStore(t)
	e := testEngram("e1", "content")
	require.NoError(t, s.Insert(e))

	later := e.LastAccessedAt.Add(time.Hour)
	require.NoError(t, s.UpdateAccess("e1", later))
	// A stale clock must not move last_accessed_at backwards.
	require.NoError(t, s.UpdateAccess("e1", later.Add(-2*time.Hour)))

	got, err := s.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AccessCount)
	assert.True(t, got.LastAccessedAt.Equal(later))
}

func TestStoreMutateRejectsAccessDecrease(t *testing.T) {
	s := newTestStore(t)
	e := testEngram("e1", "content")
	e.AccessCount = 3
	require.NoError(t, s.Insert(e))

	_, err := s.Mutate("e1", func(e *Engram) error {
		e.AccessCount = 1
		return nil
	})
	assert.Equal(t, gateway.KindInvalidArguments, gateway.KindOf(err))

	got, err := s.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.AccessCount)
}

func TestStoreSupersedeVisibility(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert(testEngram("old", "v1")))
	require.NoError(t, s.Insert(testEngram("new", "v2")))
	require.NoError(t, s.Supersede("old", "new", SupersedeCorrection))

	old, err := s.Get("old")
	require.NoError(t, err)
	assert.Equal(t, "new", old.SupersededBy)
	assert.True(t, old.Superseded())

	latest, err := s.Get("new")
	require.NoError(t, err)
	assert.Equal(t, "old", latest.Supersedes)
	assert.Equal(t, SupersedeCorrection, latest.SupersedeKind)

	assert.Equal(t, int64(1), s.Count())
	assert.Equal(t, int64(2), s.Total())

	var visible []string
	require.NoError(t, s.Stream(context.Background(), StreamFilter{}, 0, func(e *Engram) error {
		visible = append(visible, e.ID)
		return nil
	}))
	assert.Equal(t, []string{"new"}, visible)

	var all []string
	require.NoError(t, s.Stream(context.Background(), StreamFilter{IncludeSuperseded: true}, 0, func(e *Engram) error {
		all = append(all, e.ID)
		return nil
	}))
	assert.ElementsMatch(t, []string{"old", "new"}, all)
}

func TestStoreSupersedeTwiceConflicts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert(testEngram("old", "v1")))
	require.NoError(t, s.Insert(testEngram("a", "v2")))
	require.NoError(t, s.Insert(testEngram("b", "v3")))
	require.NoError(t, s.Supersede("old", "a", SupersedeUpdate))

	err := s.Supersede("old", "b", SupersedeUpdate)
	assert.Equal(t, gateway.KindConflict, gateway.KindOf(err))
}

func TestStoreStreamCategoryFilterAndStop(t *testing.T) {
	s := newTestStore(t)
	for i, cat := range []Category{CategoryFact, CategoryAction, CategoryFact} {
		e := testEngram(string(rune('a'+i)), "content")
		e.Category = cat
		require.NoError(t, s.Insert(e))
	}

	var facts int
	require.NoError(t, s.Stream(context.Background(), StreamFilter{Category: CategoryFact}, 0, func(e *Engram) error {
		facts++
		return nil
	}))
	assert.Equal(t, 2, facts)

	var seen int
	require.NoError(t, s.Stream(context.Background(), StreamFilter{}, 1, func(e *Engram) error {
		seen++
		return ErrStopStream
	}))
	assert.Equal(t, 1, seen)
}

func TestStoreDeleteAdjustsCounters(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Insert(testEngram("e1", "content")))
	require.NoError(t, s.Delete("e1"))
	assert.Equal(t, int64(0), s.Count())
	assert.Equal(t, int64(0), s.Total())
}

func TestStoreActiveDaysRoundTrip(t *testing.T) {
	s := newTestStore(t)

	days, err := s.LoadActiveDays()
	require.NoError(t, err)
	assert.Empty(t, days)

	require.NoError(t, s.SaveActiveDays([]string{"2026-08-24", "2026-08-25"}))
	days, err = s.LoadActiveDays()
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-08-24", "2026-08-25"}, days)
}
