package tools

import (
	"context"

	"mimo/internal/gateway"
	"mimo/internal/memory"
)

func memoryTool(deps Deps) *tool {
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "memory",
			Description: "Persistent memory: store, search, and manage engrams across sessions.",
			Schema: opSchema(
				[]string{"store", "search", "get", "delete", "update_importance", "protect", "forget", "stats", "working_store", "working_get"},
				map[string]any{
					"content":            strProp("Content to remember (store, working_store)."),
					"query":              strProp("Search query (search)."),
					"id":                 strProp("Engram id (get, delete, update_importance, protect, forget, working_get)."),
					"category":           strProp("One of fact, observation, action, plan."),
					"importance":         numProp("Importance in [0,1]; default 0.5."),
					"limit":              numProp("Maximum results (search); default 10."),
					"preset":             strProp("Ranking preset: balanced, semantic, recent, important, popular."),
					"min_similarity":     numProp("Drop results below this similarity (search)."),
					"include_superseded": boolProp("Include superseded history (search)."),
					"supersedes":         strProp("Id of the memory this one replaces (store)."),
					"protected":          boolProp("Exempt from decay (store, protect)."),
					"decay_rate":         numProp("Decay multiplier; default 1."),
				},
			),
		},
	}
	m := deps.Memory
	t.ops = map[string]opHandler{
		"store": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			if err := denySandboxed(ctx, "memory.store"); err != nil {
				return nil, err
			}
			content, err := requireString(call, "content")
			if err != nil {
				return nil, err
			}
			importance, _ := argFloat(call, "importance")
			decayRate, _ := argFloat(call, "decay_rate")
			cc, _ := gateway.CallContextFrom(ctx)
			category := argString(call, "category")
			if category == "" {
				category = string(memory.CategoryObservation)
			}
			return m.StoreMemory(ctx, memory.StoreRequest{
				Content:    content,
				Category:   memory.Category(category),
				Importance: importance,
				Protected:  argBool(call, "protected"),
				DecayRate:  decayRate,
				Supersedes: argString(call, "supersedes"),
				SessionTag: cc.SessionTag,
				AgentType:  cc.AgentType,
			})
		},
		"search": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			query, err := requireString(call, "query")
			if err != nil {
				return nil, err
			}
			limit, ok := argInt(call, "limit")
			if !ok || limit <= 0 {
				limit = 10
			}
			minSim, _ := argFloat(call, "min_similarity")
			ranked, err := m.SearchMemory(ctx, memory.SearchRequest{
				Query:             query,
				Limit:             limit,
				Preset:            argString(call, "preset"),
				Category:          memory.Category(argString(call, "category")),
				IncludeSuperseded: argBool(call, "include_superseded"),
				MinSimilarity:     minSim,
			})
			if err != nil {
				return nil, err
			}
			return searchRows(ranked), nil
		},
		"get": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			id, err := requireString(call, "id")
			if err != nil {
				return nil, err
			}
			return m.GetMemory(ctx, id)
		},
		"delete": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			if err := denySandboxed(ctx, "memory.delete"); err != nil {
				return nil, err
			}
			id, err := requireString(call, "id")
			if err != nil {
				return nil, err
			}
			if err := m.DeleteMemory(ctx, id); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": id}, nil
		},
		"update_importance": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			id, err := requireString(call, "id")
			if err != nil {
				return nil, err
			}
			importance, ok := argFloat(call, "importance")
			if !ok {
				return nil, gateway.Errorf(gateway.KindInvalidArguments, "memory: importance is required")
			}
			return m.UpdateImportance(ctx, id, importance)
		},
		"protect": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			id, err := requireString(call, "id")
			if err != nil {
				return nil, err
			}
			protected := true
			if _, has := call.Arguments["protected"]; has {
				protected = argBool(call, "protected")
			}
			return m.Protect(ctx, id, protected)
		},
		// forget is the tolerant sibling of delete: removing a memory that is
		// already gone succeeds, so agents can forget without a lookup first.
		"forget": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			if err := denySandboxed(ctx, "memory.delete"); err != nil {
				return nil, err
			}
			id, err := requireString(call, "id")
			if err != nil {
				return nil, err
			}
			err = m.DeleteMemory(ctx, id)
			if err != nil && gateway.KindOf(err) != gateway.KindNotFound {
				return nil, err
			}
			return map[string]any{"forgotten": id, "existed": err == nil}, nil
		},
		"stats": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			return m.MemoryStats(ctx)
		},
		"working_store": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			content, err := requireString(call, "content")
			if err != nil {
				return nil, err
			}
			importance, ok := argFloat(call, "importance")
			if !ok {
				importance = 0.5
			}
			item, err := m.Working().Put(memory.WorkingItem{
				Content:    content,
				Category:   memory.Category(argString(call, "category")),
				Importance: importance,
			})
			if err != nil {
				return nil, err
			}
			return item, nil
		},
		"working_get": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			id, err := requireString(call, "id")
			if err != nil {
				return nil, err
			}
			item, ok := m.Working().Get(id)
			if !ok {
				return nil, gateway.Errorf(gateway.KindNotFound, "working item %s not found or expired", id)
			}
			return item, nil
		},
	}
	return t
}

// searchRow is the public shape of one search hit.
type searchRow struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Importance float64 `json:"importance"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
	Superseded bool    `json:"superseded,omitempty"`
}

func searchRows(ranked []memory.Ranked) []searchRow {
	rows := make([]searchRow, 0, len(ranked))
	for _, r := range ranked {
		rows = append(rows, searchRow{
			ID:         r.Engram.ID,
			Content:    r.Engram.Content,
			Category:   string(r.Engram.Category),
			Importance: r.Engram.Importance,
			Similarity: r.Similarity,
			Score:      r.Score,
			Superseded: r.Engram.SupersededBy != "",
		})
	}
	return rows
}
