package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mimo/internal/gateway"
	"mimo/internal/memory"
	"mimo/internal/router"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	triples, _ := s.graph.Count(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime_s": time.Since(s.startedAt).Seconds(),
		"memories": s.memory.Store().Count(),
		"triples":  triples,
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	expose := s.opts.ExposeDeprecated || r.URL.Query().Get("include_deprecated") == "1"
	listings := s.registry.List(expose)
	tools := make([]map[string]any, 0, len(listings))
	for _, l := range listings {
		tools = append(tools, map[string]any{
			"name":        l.Descriptor.Name,
			"description": l.Descriptor.Description,
			"schema":      json.RawMessage(l.Descriptor.Schema),
			"owner":       string(l.Owner),
			"deprecated":  l.Deprecated,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// toolRequest is the /v1/tool body.
type toolRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	TimeoutMS int            `json:"timeout_ms"`
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req toolRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, start)
		return
	}
	if req.Tool == "" {
		writeError(w, r, gateway.Errorf(gateway.KindInvalidArguments, "tool is required"), start)
		return
	}

	cc := gateway.CallContext{
		Sandbox:    s.sandboxed(r),
		SessionTag: r.Header.Get("X-Session-Tag"),
		AgentType:  r.Header.Get("X-Agent-Type"),
	}
	if req.TimeoutMS > 0 {
		cc.Deadline = time.Now().Add(time.Duration(req.TimeoutMS) * time.Millisecond)
	}
	result, err := s.dispatcher.Dispatch(r.Context(), gateway.ToolCall{
		ID:        uuid.NewString(),
		Name:      req.Tool,
		Arguments: req.Arguments,
		Context:   cc,
	})
	if err != nil {
		writeError(w, r, err, start)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"data":       result.Data,
		"metadata":   result.Metadata,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}

// askRequest is the /v1/ask body.
type askRequest struct {
	Query     string `json:"query"`
	ContextID string `json:"context_id"`
	TimeoutMS int    `json:"timeout_ms"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req askRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err, start)
		return
	}
	if req.Query == "" {
		writeError(w, r, gateway.Errorf(gateway.KindInvalidArguments, "query is required"), start)
		return
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	decision := s.router.Route(ctx, req.Query)
	stores := append([]router.Store{decision.PrimaryStore}, decision.SecondaryStores...)

	var (
		mu       sync.Mutex
		results  = make(map[string][]searchHit, len(stores))
		count    *int64
		warnings []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, store := range stores {
		g.Go(func() error {
			if store == router.StoreAggregation {
				n, err := s.memory.CountByCategory(gctx, memory.Category(decision.Aggregation))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					warnings = append(warnings, "aggregation: "+err.Error())
					return nil
				}
				count = &n
				return nil
			}
			hits, err := s.queryStore(gctx, store, req.Query)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				warnings = append(warnings, string(store)+": "+err.Error())
				results[string(store)] = []searchHit{}
				return nil
			}
			results[string(store)] = hits
			return nil
		})
	}
	_ = g.Wait()

	if len(warnings) == len(stores) {
		writeError(w, r, gateway.Errorf(gateway.KindDependencyUnavailable, "all stores failed: %v", warnings), start)
		return
	}

	// The router's flag is a pre-retrieval prediction; the reported value is
	// settled by what the stores actually returned.
	nonEmpty := 0
	for _, hits := range results {
		if len(hits) > 0 {
			nonEmpty++
		}
	}
	decision.RequiresSynthesis = nonEmpty > 1 || decision.QueryType == "explanatory"

	body := map[string]any{
		"query":           req.Query,
		"router_decision": decision,
		"results":         results,
		"latency_ms":      time.Since(start).Milliseconds(),
	}
	if req.ContextID != "" {
		body["context_id"] = req.ContextID
	}
	if count != nil {
		body["count"] = *count
	}
	if len(warnings) > 0 {
		body["warnings"] = warnings
	}
	if decision.RequiresSynthesis && s.completer != nil && count == nil {
		if answer, err := s.synthesize(ctx, req.Query, results); err == nil && answer != "" {
			body["answer"] = answer
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// searchHit is one row in an ask response.
type searchHit struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

// storePresets maps a routing store onto a search configuration.
var storePresets = map[router.Store]memory.SearchRequest{
	router.StoreSemantic:   {Preset: "semantic"},
	router.StoreEpisodic:   {Preset: "recent"},
	router.StoreProcedural: {Preset: "balanced", Category: memory.CategoryAction},
}

func (s *Server) queryStore(ctx context.Context, store router.Store, query string) ([]searchHit, error) {
	req, ok := storePresets[store]
	if !ok {
		req = memory.SearchRequest{Preset: "balanced"}
	}
	req.Query = query
	req.Limit = 5
	ranked, err := s.memory.SearchMemory(ctx, req)
	if err != nil {
		return nil, err
	}
	hits := make([]searchHit, 0, len(ranked))
	for _, r := range ranked {
		hits = append(hits, searchHit{
			ID:         r.Engram.ID,
			Content:    r.Engram.Content,
			Similarity: r.Similarity,
			Score:      r.Score,
		})
	}
	return hits, nil
}

func (s *Server) synthesize(ctx context.Context, query string, results map[string][]searchHit) (string, error) {
	var snippets []string
	for _, hits := range results {
		for _, hit := range hits {
			snippets = append(snippets, hit.Content)
		}
	}
	if len(snippets) == 0 {
		return "", nil
	}
	return s.completer.Complete(ctx, synthesisPrompt(query, snippets))
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       "mimo-gateway",
			"object":   "model",
			"created":  s.startedAt.Unix(),
			"owned_by": "mimo",
		}},
	})
}
