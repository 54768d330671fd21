// Package router classifies free-form queries into routing decisions: which
// memory surface to ask first, with what confidence, and whether the answer
// needs synthesis.
package router

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"mimo/internal/feedback"
	"mimo/internal/gateway"
	"mimo/internal/logging"
)

// Store names the routable surfaces.
type Store string

const (
	StoreSemantic    Store = "semantic"
	StoreEpisodic    Store = "episodic"
	StoreProcedural  Store = "procedural"
	StoreAggregation Store = "aggregation"
)

// primaryOnlyThreshold: above it, no secondary stores are consulted.
const primaryOnlyThreshold = 0.8

const decisionCacheSize = 1024

// TimeFilter bounds a query to a wall-clock range.
type TimeFilter struct {
	Label string    `json:"label"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
}

// Decision is the routing outcome.
type Decision struct {
	PrimaryStore      Store       `json:"primary_store"`
	SecondaryStores   []Store     `json:"secondary_stores,omitempty"`
	Confidence        float64     `json:"confidence"`
	RawConfidence     float64     `json:"raw_confidence"`
	RequiresSynthesis bool        `json:"requires_synthesis"`
	QueryType         string      `json:"query_type"`
	TimeFilter        *TimeFilter `json:"time_filter,omitempty"`
	Aggregation       string      `json:"aggregation,omitempty"`
	Intent            string      `json:"intent,omitempty"`
	Entities          []string    `json:"entities,omitempty"`
}

// Router performs two-stage classification with feedback adjustment.
type Router struct {
	analyzer gateway.Analyzer
	loop     *feedback.Loop
	cache    *lru.Cache[string, Decision]
	logger   logging.Logger
	now      func() time.Time
}

// New builds a router. analyzer and loop may be nil.
func New(analyzer gateway.Analyzer, loop *feedback.Loop) *Router {
	cache, _ := lru.New[string, Decision](decisionCacheSize)
	return &Router{
		analyzer: analyzer,
		loop:     loop,
		cache:    cache,
		logger:   logging.NewComponentLogger("Router"),
		now:      time.Now,
	}
}

// Route classifies one query. It never fails: analyzer errors fall back to
// the heuristic decision, and an unrecognised query routes to semantic with
// low confidence.
func (r *Router) Route(ctx context.Context, query string) Decision {
	key := normalize(query)
	if cached, ok := r.cache.Get(key); ok {
		return r.adjust(cached)
	}

	decision := r.heuristic(key)
	if r.analyzer != nil {
		r.refine(ctx, query, &decision)
	}
	r.cache.Add(key, decision)
	return r.adjust(decision)
}

// InvalidateCache drops all cached decisions; the healer calls this.
func (r *Router) InvalidateCache() {
	r.cache.Purge()
}

func normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Token-level patterns, checked in order; the first hit wins.
var heuristicRules = []struct {
	queryType string
	store     Store
	conf      float64
	match     func(string) bool
}{
	{"aggregation", StoreAggregation, 0.85, func(q string) bool {
		return strings.Contains(q, "how many") || strings.HasPrefix(q, "count")
	}},
	{"procedural", StoreProcedural, 0.8, func(q string) bool {
		return strings.Contains(q, "how do i") || strings.Contains(q, "how to") || strings.Contains(q, "steps to")
	}},
	{"episodic", StoreEpisodic, 0.8, func(q string) bool {
		return strings.Contains(q, "remember") || strings.Contains(q, "recall") ||
			strings.Contains(q, "last time") || strings.Contains(q, "did i")
	}},
	{"factual", StoreSemantic, 0.75, func(q string) bool {
		return strings.HasPrefix(q, "who ") || strings.HasPrefix(q, "what ") ||
			strings.HasPrefix(q, "where ") || strings.HasPrefix(q, "when ")
	}},
	{"explanatory", StoreSemantic, 0.65, func(q string) bool {
		return strings.HasPrefix(q, "why ") || strings.HasPrefix(q, "explain")
	}},
}

func (r *Router) heuristic(q string) Decision {
	d := Decision{PrimaryStore: StoreSemantic, QueryType: "general", RawConfidence: 0.5}
	for _, rule := range heuristicRules {
		if rule.match(q) {
			d.PrimaryStore = rule.store
			d.QueryType = rule.queryType
			d.RawConfidence = rule.conf
			break
		}
	}
	if d.QueryType == "aggregation" {
		d.Aggregation = aggregationTarget(q)
	}
	if tf := timeFilter(q, r.now()); tf != nil {
		d.TimeFilter = tf
		// Time anchoring implies the user is asking about past events.
		if d.PrimaryStore == StoreSemantic {
			d.PrimaryStore = StoreEpisodic
			d.QueryType = "episodic"
			if d.RawConfidence < 0.7 {
				d.RawConfidence = 0.7
			}
		}
	}
	return d
}

// aggregationTarget extracts the counted category when one is named.
func aggregationTarget(q string) string {
	for _, category := range []string{"fact", "observation", "action", "plan"} {
		if strings.Contains(q, category) {
			return category
		}
	}
	return ""
}

func timeFilter(q string, now time.Time) *TimeFilter {
	day := 24 * time.Hour
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch {
	case strings.Contains(q, "yesterday"):
		return &TimeFilter{Label: "yesterday", From: midnight.Add(-day), To: midnight}
	case strings.Contains(q, "last week"):
		return &TimeFilter{Label: "last_week", From: midnight.Add(-7 * day), To: now}
	case strings.Contains(q, "today"):
		return &TimeFilter{Label: "today", From: midnight, To: now}
	}
	return nil
}

// refine lets the analyzer overwrite query type, intent, entities, and
// confidence. Any analyzer failure leaves the heuristic decision standing.
func (r *Router) refine(ctx context.Context, query string, d *Decision) {
	verdict, err := r.analyzer.Analyze(ctx, routePrompt(query))
	if err != nil {
		r.logger.Debug("analyzer refinement skipped: %v", err)
		return
	}
	if qt, ok := verdict["query_type"].(string); ok && qt != "" {
		d.QueryType = qt
	}
	if intent, ok := verdict["intent"].(string); ok {
		d.Intent = intent
	}
	if entities, ok := verdict["entities"].([]any); ok {
		for _, e := range entities {
			if s, ok := e.(string); ok {
				d.Entities = append(d.Entities, s)
			}
		}
	}
	if conf, ok := verdict["confidence"].(float64); ok && conf > 0 && conf <= 1 {
		d.RawConfidence = conf
	}
	if store, ok := verdict["primary_store"].(string); ok {
		switch Store(store) {
		case StoreSemantic, StoreEpisodic, StoreProcedural, StoreAggregation:
			d.PrimaryStore = Store(store)
		}
	}
}

func routePrompt(query string) string {
	var b strings.Builder
	b.WriteString("Classify the query. Respond with JSON fields query_type, intent, entities, confidence, primary_store (semantic|episodic|procedural|aggregation).\n")
	b.WriteString("Query: ")
	b.WriteString(query)
	return b.String()
}

// adjust applies the feedback boost and derives the dependent fields. This
// runs on every call, cached or not, so boosts track current accuracy.
func (r *Router) adjust(d Decision) Decision {
	d.Confidence = d.RawConfidence
	if r.loop != nil {
		d.Confidence += r.loop.RouterBoost(string(d.PrimaryStore))
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}

	d.SecondaryStores = nil
	if d.Confidence < primaryOnlyThreshold {
		for _, store := range []Store{StoreSemantic, StoreEpisodic, StoreProcedural} {
			if store != d.PrimaryStore {
				d.SecondaryStores = append(d.SecondaryStores, store)
			}
		}
	}
	// Provisional: the ask frontend settles the final value against what the
	// stores actually return.
	d.RequiresSynthesis = len(d.SecondaryStores) > 0 || d.QueryType == "explanatory"
	return d
}
