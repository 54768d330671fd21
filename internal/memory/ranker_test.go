package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresetWeights(t *testing.T) {
	assert.Equal(t, presets["balanced"], PresetWeights(""))
	assert.Equal(t, presets["balanced"], PresetWeights("no-such-preset"))
	assert.Equal(t, Weights{0.85, 0.05, 0.05, 0.05}, PresetWeights("semantic"))
}

// With the semantic preset, a strict similarity order must survive ranking
// whatever the recency, importance, and popularity signals say: the secondary
// signals together weigh 0.15 and can shift a score by at most that much.
func TestRankSemanticPresetPreservesStrictOrder(t *testing.T) {
	candidates := []Scored{
		{Engram: &Engram{ID: "a", Importance: 0.0, AccessCount: 0}, Similarity: 0.9},
		{Engram: &Engram{ID: "b", Importance: 1.0, AccessCount: 500}, Similarity: 0.6},
		{Engram: &Engram{ID: "c", Importance: 1.0, AccessCount: 500}, Similarity: 0.3},
	}
	ranked := Rank(candidates, PresetWeights("semantic"), nil, 0)
	require.Len(t, ranked, 3)
	assert.Equal(t, "a", ranked[0].Engram.ID)
	assert.Equal(t, "b", ranked[1].Engram.ID)
	assert.Equal(t, "c", ranked[2].Engram.ID)
}

func TestRankTieBreaksByDescendingID(t *testing.T) {
	// Identical signals everywhere; ids are time-sortable, newest wins.
	var candidates []Scored
	for _, id := range []string{"0001", "0003", "0002"} {
		candidates = append(candidates, Scored{
			Engram:     &Engram{ID: id, Importance: 0.5},
			Similarity: 0.7,
		})
	}
	ranked := Rank(candidates, PresetWeights("balanced"), nil, 0)
	require.Len(t, ranked, 3)
	assert.Equal(t, "0003", ranked[0].Engram.ID)
	assert.Equal(t, "0002", ranked[1].Engram.ID)
	assert.Equal(t, "0001", ranked[2].Engram.ID)
}

func TestRankTruncatesToK(t *testing.T) {
	var candidates []Scored
	for i := 0; i < 10; i++ {
		candidates = append(candidates, Scored{
			Engram:     &Engram{ID: fmt.Sprintf("%04d", i)},
			Similarity: float64(i) / 10,
		})
	}
	ranked := Rank(candidates, PresetWeights("semantic"), nil, 3)
	require.Len(t, ranked, 3)
	assert.Equal(t, "0009", ranked[0].Engram.ID)
}

func TestRankSkipsNilEngrams(t *testing.T) {
	ranked := Rank([]Scored{{Engram: nil, Similarity: 1}}, PresetWeights("balanced"), nil, 0)
	assert.Empty(t, ranked)
}

func TestRecencyScore(t *testing.T) {
	assert.InDelta(t, 1.0, RecencyScore(0), 1e-9)
	assert.InDelta(t, 1.0, RecencyScore(-3), 1e-9)
	assert.Greater(t, RecencyScore(1), RecencyScore(7))
	assert.InDelta(t, 0.3679, RecencyScore(7), 1e-4)
}

func TestPopularityScore(t *testing.T) {
	assert.Equal(t, 0.0, PopularityScore(0))
	assert.Equal(t, 0.0, PopularityScore(-5))
	assert.Greater(t, PopularityScore(100), PopularityScore(10))
}
