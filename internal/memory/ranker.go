package memory

import (
	"math"
	"sort"
)

// Weights combine the four ranking signals. They are expected to sum to 1.
type Weights struct {
	Similarity float64
	Recency    float64
	Importance float64
	Popularity float64
}

// Fixed weight presets. Conflicting figures elsewhere in older notes are
// superseded by this table.
var presets = map[string]Weights{
	"balanced":  {0.45, 0.25, 0.20, 0.10},
	"semantic":  {0.85, 0.05, 0.05, 0.05},
	"recent":    {0.20, 0.55, 0.15, 0.10},
	"important": {0.20, 0.10, 0.60, 0.10},
	"popular":   {0.20, 0.10, 0.10, 0.60},
}

// PresetWeights resolves a preset name, defaulting to balanced.
func PresetWeights(name string) Weights {
	if w, ok := presets[name]; ok {
		return w
	}
	return presets["balanced"]
}

// Ranked is a candidate with its combined score.
type Ranked struct {
	Engram     *Engram
	Similarity float64
	Score      float64
}

// RecencyScore decays with age over active days: exp(-ageDays/7).
func RecencyScore(ageDays float64) float64 {
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / 7)
}

// PopularityScore grows logarithmically with access count.
func PopularityScore(accessCount int64) float64 {
	if accessCount < 0 {
		accessCount = 0
	}
	return math.Log(1+float64(accessCount)) * 0.1
}

// Rank combines similarity, recency, importance, and popularity into one
// score per candidate and returns the top k, best first. Ties break by
// descending id, i.e. newest first (ids are time-sortable).
func Rank(candidates []Scored, weights Weights, clock *ActiveDayClock, k int) []Ranked {
	ranked := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		if c.Engram == nil {
			continue
		}
		age := 0.0
		if clock != nil {
			age = clock.AgeDays(c.Engram.LastAccessedAt)
		}
		score := weights.Similarity*c.Similarity +
			weights.Recency*RecencyScore(age) +
			weights.Importance*c.Engram.Importance +
			weights.Popularity*PopularityScore(c.Engram.AccessCount)
		ranked = append(ranked, Ranked{Engram: c.Engram, Similarity: c.Similarity, Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Engram.ID > ranked[j].Engram.ID
	})
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}
