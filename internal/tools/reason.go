package tools

import (
	"context"
	"fmt"
	"strings"

	"mimo/internal/gateway"
	"mimo/internal/memory"
)

func reasonTool(deps Deps) *tool {
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "reason",
			Description: "Structured reasoning: record thoughts and build grounded reasoning chains.",
			Schema: opSchema(
				[]string{"think", "chain"},
				map[string]any{
					"thought":    strProp("One reasoning step (think)."),
					"question":   strProp("Question to reason about (chain)."),
					"importance": numProp("Importance of the recorded thought; default 0.3."),
					"steps":      numProp("Number of chain steps to assemble; default 3."),
				},
			),
		},
	}
	t.ops = map[string]opHandler{
		// think parks a reasoning step in working memory so consolidation can
		// promote the important ones.
		"think": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			thought, err := requireString(call, "thought")
			if err != nil {
				return nil, err
			}
			importance, ok := argFloat(call, "importance")
			if !ok {
				importance = 0.3
			}
			item, err := deps.Memory.Working().Put(memory.WorkingItem{
				Content:    thought,
				Category:   memory.CategoryPlan,
				Importance: importance,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": item.ID, "recorded": true}, nil
		},
		// chain grounds each step in memory search; with a completer
		// configured the steps are synthesised, otherwise the retrieved
		// evidence itself forms the chain.
		"chain": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			question, err := requireString(call, "question")
			if err != nil {
				return nil, err
			}
			steps, ok := argInt(call, "steps")
			if !ok || steps <= 0 {
				steps = 3
			}
			if steps > 10 {
				steps = 10
			}
			evidence, err := deps.Memory.SearchMemory(ctx, memory.SearchRequest{Query: question, Limit: steps})
			if err != nil {
				return nil, err
			}
			chain := make([]map[string]any, 0, len(evidence))
			for i, e := range evidence {
				chain = append(chain, map[string]any{
					"step":       i + 1,
					"basis_id":   e.Engram.ID,
					"statement":  e.Engram.Content,
					"similarity": e.Similarity,
				})
			}
			result := map[string]any{"question": question, "chain": chain}
			if deps.Completer != nil && len(chain) > 0 {
				conclusion, err := deps.Completer.Complete(ctx, chainPrompt(question, evidence))
				if err == nil {
					result["conclusion"] = conclusion
				}
			}
			return result, nil
		},
	}
	return t
}

func chainPrompt(question string, evidence []memory.Ranked) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the numbered evidence.\n")
	fmt.Fprintf(&b, "Question: %s\n", question)
	for i, e := range evidence {
		fmt.Fprintf(&b, "%d. %s\n", i+1, e.Engram.Content)
	}
	return b.String()
}
