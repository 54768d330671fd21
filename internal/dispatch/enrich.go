package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"mimo/internal/feedback"
	"mimo/internal/gateway"
	"mimo/internal/logging"
	"mimo/internal/memory"
)

const (
	// minExperienceExecs gates experience enrichment until a tool has history.
	minExperienceExecs = 5
	// injectionLimit caps how many memories ride along on a result.
	injectionLimit = 3
	// injectionCacheSize bounds the query -> injections cache.
	injectionCacheSize = 512
)

// injection is one memory attached to a tool result.
type injection struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// enricher decorates successful tool results with experience context and
// relevant memories. Enrichment is advisory: failures degrade to a plain
// result, never to a call failure.
type enricher struct {
	loop      *feedback.Loop
	mem       *memory.Service
	threshold float64
	cache     *lru.Cache[string, []injection]
	logger    logging.Logger
}

func newEnricher(loop *feedback.Loop, mem *memory.Service, threshold float64) *enricher {
	cache, _ := lru.New[string, []injection](injectionCacheSize)
	return &enricher{
		loop:      loop,
		mem:       mem,
		threshold: threshold,
		cache:     cache,
		logger:    logging.NewComponentLogger("Enricher"),
	}
}

// enrich attaches metadata to a successful result in place.
func (e *enricher) enrich(ctx context.Context, call gateway.ToolCall, result *gateway.ToolResult) {
	if e.loop != nil {
		if exp := e.loop.ExperienceFor(call.Name, minExperienceExecs); exp != nil {
			result.SetMeta("_experience_context", exp)
		}
	}
	if e.mem == nil || e.threshold <= 0 {
		return
	}
	query := injectionQuery(call)
	if query == "" {
		return
	}
	if hits, ok := e.cache.Get(query); ok {
		if len(hits) > 0 {
			result.SetMeta("_knowledge_injection", hits)
		}
		return
	}
	ranked, err := e.mem.SearchMemory(ctx, memory.SearchRequest{
		Query:         query,
		Limit:         injectionLimit,
		MinSimilarity: e.threshold,
	})
	if err != nil {
		e.logger.Debug("knowledge injection skipped: %v", err)
		return
	}
	hits := make([]injection, 0, len(ranked))
	for _, r := range ranked {
		hits = append(hits, injection{ID: r.Engram.ID, Content: r.Engram.Content, Similarity: r.Similarity})
	}
	e.cache.Add(query, hits)
	if len(hits) > 0 {
		result.SetMeta("_knowledge_injection", hits)
	}
}

// invalidate clears the injection cache; the healer calls this when retrieval
// quality degrades.
func (e *enricher) invalidate() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

// injectionQuery renders a call into searchable text: the tool name plus its
// short string arguments in key order, so identical calls hit the cache.
// Long blobs are skipped so stored file contents do not dominate the query.
func injectionQuery(call gateway.ToolCall) string {
	keys := make([]string, 0, len(call.Arguments))
	for key := range call.Arguments {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(call.Name)
	for _, key := range keys {
		s, ok := call.Arguments[key].(string)
		if !ok || len(s) > 200 {
			continue
		}
		fmt.Fprintf(&b, " %s=%s", key, s)
	}
	return b.String()
}
