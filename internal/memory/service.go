package memory

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	"mimo/internal/gateway"
	"mimo/internal/logging"
)

// Supersession classification bands.
const (
	redundantAbove = 0.95
	ambiguousAbove = 0.80
)

// Service is the memory subsystem facade used by tool handlers and the
// router: store with supersession chains, ranked search, access tracking,
// and aggregate stats.
type Service struct {
	store    *Store
	working  *WorkingBuffer
	searcher *Searcher
	embedder gateway.Embedder
	ann      *ANNIndex
	clock    *ActiveDayClock
	tracker  *AccessTracker
	analyzer gateway.Analyzer
	reaper   *Reaper

	temporalChains bool
	logger         logging.Logger
	now            func() time.Time
}

// ServiceDeps collects the collaborators a Service is built from.
type ServiceDeps struct {
	Store          *Store
	Working        *WorkingBuffer
	Searcher       *Searcher
	Embedder       gateway.Embedder
	ANN            *ANNIndex
	Clock          *ActiveDayClock
	Tracker        *AccessTracker
	Analyzer       gateway.Analyzer
	Reaper         *Reaper
	TemporalChains bool
}

// NewService assembles the memory facade.
func NewService(deps ServiceDeps) *Service {
	return &Service{
		store:          deps.Store,
		working:        deps.Working,
		searcher:       deps.Searcher,
		embedder:       deps.Embedder,
		ann:            deps.ANN,
		clock:          deps.Clock,
		tracker:        deps.Tracker,
		analyzer:       deps.Analyzer,
		reaper:         deps.Reaper,
		temporalChains: deps.TemporalChains,
		logger:         logging.NewComponentLogger("MemoryService"),
		now:            time.Now,
	}
}

// Store returns the underlying long-term store (health and meta surfaces).
func (s *Service) Store() *Store { return s.store }

// Working returns the working-memory buffer.
func (s *Service) Working() *WorkingBuffer { return s.working }

// Clock returns the active-day clock.
func (s *Service) Clock() *ActiveDayClock { return s.clock }

// StoreRequest is a request to persist a new memory.
type StoreRequest struct {
	Content    string
	Category   Category
	Importance float64
	Protected  bool
	DecayRate  float64
	Metadata   map[string]any
	Supersedes string
	SessionTag string
	AgentType  string
}

// StoreResult reports the outcome of a store, including supersession chains.
type StoreResult struct {
	ID         string `json:"id"`
	Redundant  bool   `json:"redundant,omitempty"`
	Superseded string `json:"superseded,omitempty"`
	Kind       string `json:"supersede_kind,omitempty"`
}

// StoreMemory persists content as a new engram. With temporal chains enabled
// it first classifies the new memory against its nearest neighbours:
// near-duplicates are not stored, updates supersede their predecessor.
func (s *Service) StoreMemory(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	category, err := ParseCategory(string(req.Category))
	if err != nil {
		return nil, err
	}
	importance := req.Importance
	if importance == 0 {
		importance = 0.5
	}
	decayRate := req.DecayRate
	if decayRate == 0 {
		decayRate = 1
	}

	e := &Engram{
		Content:    req.Content,
		Category:   category,
		Importance: importance,
		Protected:  req.Protected,
		DecayRate:  decayRate,
		Metadata:   req.Metadata,
	}
	if req.SessionTag != "" || req.AgentType != "" {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		if req.SessionTag != "" {
			e.Metadata["session_tag"] = req.SessionTag
		}
		if req.AgentType != "" {
			e.Metadata["agent_type"] = req.AgentType
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	vec, err := s.embedder.Embed(ctx, req.Content)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindDependencyUnavailable, err)
	}
	e.Embedding = vec
	e.EmbeddingInt8, e.Int8Scale = QuantizeInt8(vec)
	e.EmbeddingBits = QuantizeBits(vec)

	supersedes := strings.TrimSpace(req.Supersedes)
	kind := SupersedeUpdate

	if supersedes == "" && s.temporalChains {
		chain, redundantID, err := s.classifyChain(ctx, req.Content)
		if err != nil {
			s.logger.Warn("supersession classification skipped: %v", err)
		} else if redundantID != "" {
			// Near-duplicate: bump the existing row instead of storing.
			if s.tracker != nil {
				s.tracker.OnSearchHit(redundantID)
			}
			return &StoreResult{ID: redundantID, Redundant: true}, nil
		} else if chain != nil {
			supersedes = chain.oldID
			kind = chain.kind
		}
	}

	now := s.now()
	e.ID = ksuid.New().String()
	e.CreatedAt = now
	e.LastAccessedAt = now

	// Make room before insert so a store at cap evicts exactly one row.
	if s.reaper != nil {
		if _, err := s.reaper.EnforceCap(ctx, 1); err != nil {
			return nil, err
		}
	}

	if err := s.store.Insert(e); err != nil {
		return nil, err
	}
	if s.ann != nil {
		if err := s.ann.Add(ctx, e); err != nil {
			s.logger.Warn("ann index add for %s failed: %v", e.ID, err)
		}
	}

	result := &StoreResult{ID: e.ID}
	if supersedes != "" {
		if err := s.Supersede(ctx, supersedes, e.ID, kind); err != nil {
			return nil, err
		}
		result.Superseded = supersedes
		result.Kind = string(kind)
	}
	return result, nil
}

type chainDecision struct {
	oldID string
	kind  SupersedeKind
}

// classifyChain inspects the nearest existing memories. Returns a redundant
// id when the best match is a near-duplicate, or a chain decision when the
// analyzer classifies the new content as a replacement.
func (s *Service) classifyChain(ctx context.Context, content string) (*chainDecision, string, error) {
	matches, err := s.searcher.Search(ctx, content, SearchOptions{Limit: 5})
	if err != nil || len(matches) == 0 {
		return nil, "", err
	}
	best := matches[0]
	switch {
	case best.Similarity >= redundantAbove:
		return nil, best.Engram.ID, nil
	case best.Similarity >= ambiguousAbove:
		if s.analyzer == nil {
			return nil, "", nil // ambiguous without an analyzer: store as new
		}
		verdict, err := s.analyzer.Analyze(ctx, supersessionPrompt(best.Engram.Content, content))
		if err != nil {
			return nil, "", nil // analyzer failure: heuristic outcome stands
		}
		rel, _ := verdict["relationship"].(string)
		kind, err := ParseSupersedeKind(rel)
		if err != nil || rel == "" || rel == "new" {
			return nil, "", nil
		}
		return &chainDecision{oldID: best.Engram.ID, kind: kind}, "", nil
	default:
		return nil, "", nil
	}
}

func supersessionPrompt(existing, incoming string) string {
	var b strings.Builder
	b.WriteString("Classify the relationship of the new statement to the existing memory as one of: update, correction, refinement, new.\n")
	b.WriteString("Existing: ")
	b.WriteString(existing)
	b.WriteString("\nNew: ")
	b.WriteString(incoming)
	return b.String()
}

// Supersede links old -> new and removes old from default search and the
// approximate index.
func (s *Service) Supersede(ctx context.Context, oldID, newID string, kind SupersedeKind) error {
	if err := s.store.Supersede(oldID, newID, kind); err != nil {
		return err
	}
	if s.ann != nil {
		_ = s.ann.Remove(ctx, oldID)
	}
	return nil
}

// SearchRequest narrows a ranked search.
type SearchRequest struct {
	Query             string
	Limit             int
	Preset            string
	Category          Category
	IncludeSuperseded bool
	MinSimilarity     float64
}

// SearchMemory retrieves candidates and ranks them with the hybrid scorer.
// Hits feed the access tracker asynchronously; this call scores against the
// pre-update access state.
func (s *Service) SearchMemory(ctx context.Context, req SearchRequest) ([]Ranked, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, gateway.Errorf(gateway.KindInvalidArguments, "query is required")
	}
	candidates, err := s.searcher.Search(ctx, req.Query, SearchOptions{
		Limit:             req.Limit,
		IncludeSuperseded: req.IncludeSuperseded,
		Category:          req.Category,
	})
	if err != nil {
		return nil, err
	}
	if req.MinSimilarity > 0 {
		filtered := candidates[:0]
		for _, c := range candidates {
			if c.Similarity >= req.MinSimilarity {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	ranked := Rank(candidates, PresetWeights(req.Preset), s.clock, req.Limit)
	if s.tracker != nil {
		for _, r := range ranked {
			s.tracker.OnSearchHit(r.Engram.ID)
		}
	}
	return ranked, nil
}

// GetMemory loads one engram and records the access.
func (s *Service) GetMemory(_ context.Context, id string) (*Engram, error) {
	e, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if s.tracker != nil {
		s.tracker.OnSearchHit(id)
	}
	return e, nil
}

// DeleteMemory removes an engram permanently.
func (s *Service) DeleteMemory(ctx context.Context, id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}
	if s.ann != nil {
		_ = s.ann.Remove(ctx, id)
	}
	return nil
}

// UpdateImportance sets a new importance, clamped writes rejected upstream.
func (s *Service) UpdateImportance(_ context.Context, id string, importance float64) (*Engram, error) {
	if importance < 0 || importance > 1 {
		return nil, gateway.Errorf(gateway.KindInvalidArguments, "importance %v outside [0,1]", importance)
	}
	return s.store.Mutate(id, func(e *Engram) error {
		e.Importance = importance
		return nil
	})
}

// Protect toggles decay exemption for an engram.
func (s *Service) Protect(_ context.Context, id string, protected bool) (*Engram, error) {
	return s.store.Mutate(id, func(e *Engram) error {
		e.Protected = protected
		return nil
	})
}

// Stats summarises the memory corpus.
type Stats struct {
	Total      int64            `json:"total"`
	Active     int64            `json:"active"`
	Working    int              `json:"working"`
	ByCategory map[string]int64 `json:"by_category"`
	Protected  int64            `json:"protected"`
	ActiveDays int              `json:"active_days"`
}

// MemoryStats aggregates counts across the stores.
func (s *Service) MemoryStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Total:      s.store.Total(),
		Active:     s.store.Count(),
		Working:    s.working.Len(),
		ByCategory: make(map[string]int64),
		ActiveDays: len(s.clock.Days()),
	}
	err := s.store.Stream(ctx, StreamFilter{}, 0, func(e *Engram) error {
		stats.ByCategory[string(e.Category)]++
		if e.Protected {
			stats.Protected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// CountByCategory answers aggregation queries ("how many observations").
func (s *Service) CountByCategory(ctx context.Context, category Category) (int64, error) {
	if category == "" {
		return s.store.Count(), nil
	}
	var n int64
	err := s.store.Stream(ctx, StreamFilter{Category: category}, 0, func(*Engram) error {
		n++
		return nil
	})
	return n, err
}
