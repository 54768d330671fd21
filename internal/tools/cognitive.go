package tools

import (
	"context"
	"fmt"
	"strings"

	"mimo/internal/gateway"
	"mimo/internal/memory"
)

func cognitiveTool(deps Deps) *tool {
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "cognitive",
			Description: "Meta-cognition: expose routing decisions and synthesize retrieved results.",
			Schema: opSchema(
				[]string{"route", "synthesize"},
				map[string]any{
					"query":   strProp("Query to classify (route) or synthesize an answer for (synthesize)."),
					"results": map[string]any{"type": "array", "description": "Retrieved snippets to synthesize from."},
				},
			),
		},
	}
	t.ops = map[string]opHandler{
		"route": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			query, err := requireString(call, "query")
			if err != nil {
				return nil, err
			}
			return deps.Router.Route(ctx, query), nil
		},
		"synthesize": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			query, err := requireString(call, "query")
			if err != nil {
				return nil, err
			}
			snippets, err := synthesisInputs(ctx, deps, call, query)
			if err != nil {
				return nil, err
			}
			if len(snippets) == 0 {
				return map[string]any{"answer": "", "sources": 0}, nil
			}
			if deps.Completer == nil {
				return nil, gateway.Errorf(gateway.KindDependencyUnavailable, "synthesis requires a completion backend")
			}
			answer, err := deps.Completer.Complete(ctx, synthesisPrompt(query, snippets))
			if err != nil {
				return nil, gateway.Wrap(gateway.KindDependencyUnavailable, err)
			}
			return map[string]any{"answer": answer, "sources": len(snippets)}, nil
		},
	}
	return t
}

// synthesisInputs uses caller-provided results when present, otherwise
// retrieves fresh candidates for the query.
func synthesisInputs(ctx context.Context, deps Deps, call gateway.ToolCall, query string) ([]string, error) {
	if raw, ok := call.Arguments["results"].([]any); ok && len(raw) > 0 {
		snippets := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok && s != "" {
				snippets = append(snippets, s)
			}
		}
		return snippets, nil
	}
	ranked, err := deps.Memory.SearchMemory(ctx, memory.SearchRequest{Query: query, Limit: 5})
	if err != nil {
		return nil, err
	}
	snippets := make([]string, 0, len(ranked))
	for _, r := range ranked {
		snippets = append(snippets, r.Engram.Content)
	}
	return snippets, nil
}

func synthesisPrompt(query string, snippets []string) string {
	var b strings.Builder
	b.WriteString("Synthesize a direct answer from the numbered sources. Do not invent facts.\n")
	fmt.Fprintf(&b, "Question: %s\n", query)
	for i, s := range snippets {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return b.String()
}
