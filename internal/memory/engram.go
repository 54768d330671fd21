// Package memory implements the persistent memory subsystem: a short-lived
// working buffer, a long-term store with three embedding representations,
// corpus-size-aware retrieval, a hybrid ranker, and the consolidation and
// decay background loops.
package memory

import (
	"fmt"
	"time"

	"mimo/internal/gateway"
)

// MaxContentBytes is the hard limit on engram content size.
const MaxContentBytes = 100 * 1024

// Category classifies what kind of memory an engram holds.
type Category string

const (
	CategoryFact        Category = "fact"
	CategoryObservation Category = "observation"
	CategoryAction      Category = "action"
	CategoryPlan        Category = "plan"
)

// ParseCategory validates a category string, defaulting to observation.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryFact, CategoryObservation, CategoryAction, CategoryPlan:
		return Category(s), nil
	case "":
		return CategoryObservation, nil
	default:
		return "", gateway.Errorf(gateway.KindInvalidArguments, "unknown category %q", s)
	}
}

// SupersedeKind describes why one engram replaces another.
type SupersedeKind string

const (
	SupersedeUpdate     SupersedeKind = "update"
	SupersedeCorrection SupersedeKind = "correction"
	SupersedeRefinement SupersedeKind = "refinement"
)

// ParseSupersedeKind validates a supersession kind string.
func ParseSupersedeKind(s string) (SupersedeKind, error) {
	switch SupersedeKind(s) {
	case SupersedeUpdate, SupersedeCorrection, SupersedeRefinement:
		return SupersedeKind(s), nil
	case "":
		return SupersedeUpdate, nil
	default:
		return "", gateway.Errorf(gateway.KindInvalidArguments, "unknown supersede kind %q", s)
	}
}

// Engram is a single persisted memory record.
type Engram struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Category       Category       `json:"category"`
	Importance     float64        `json:"importance"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	AccessCount    int64          `json:"access_count"`
	DecayRate      float64        `json:"decay_rate"`
	Protected      bool           `json:"protected"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// Embedding representations. Every persisted engram carries at least the
	// full float form; the quantised forms are derived at insert time.
	Embedding     []float32 `json:"embedding,omitempty"`
	EmbeddingInt8 []int8    `json:"embedding_int8,omitempty"`
	Int8Scale     float32   `json:"int8_scale,omitempty"`
	EmbeddingBits []uint64  `json:"embedding_bits,omitempty"`

	Supersedes    string        `json:"supersedes,omitempty"`
	SupersededBy  string        `json:"superseded_by,omitempty"`
	SupersedeKind SupersedeKind `json:"supersede_kind,omitempty"`
}

// Superseded reports whether a newer engram replaces this one.
func (e *Engram) Superseded() bool { return e.SupersededBy != "" }

// Validate checks the write invariants before persistence.
func (e *Engram) Validate() error {
	if e.Content == "" {
		return gateway.Errorf(gateway.KindInvalidArguments, "content is required")
	}
	if len(e.Content) > MaxContentBytes {
		return gateway.Errorf(gateway.KindInvalidArguments,
			"content exceeds %d bytes (got %d)", MaxContentBytes, len(e.Content))
	}
	if e.Importance < 0 || e.Importance > 1 {
		return gateway.Errorf(gateway.KindInvalidArguments,
			"importance %v outside [0,1]", e.Importance)
	}
	if e.AccessCount < 0 {
		return gateway.Errorf(gateway.KindInvalidArguments, "access_count must be non-negative")
	}
	if _, err := ParseCategory(string(e.Category)); err != nil {
		return err
	}
	return nil
}

func (e *Engram) String() string {
	return fmt.Sprintf("engram %s [%s] imp=%.2f acc=%d", e.ID, e.Category, e.Importance, e.AccessCount)
}

// Scored pairs an engram with its similarity to a query. All retrieval tiers
// produce this contract.
type Scored struct {
	Engram     *Engram
	Similarity float64
}
