package tools

import (
	"context"
	"time"

	"mimo/internal/gateway"
)

func awakeningStatusTool(deps Deps) *tool {
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "awakening_status",
			Description: "Gateway status summary: uptime, corpus counts, and feature flags.",
			Schema:      opSchema([]string{"status"}, map[string]any{}),
		},
	}
	t.ops = map[string]opHandler{
		"status": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			stats, err := deps.Memory.MemoryStats(ctx)
			if err != nil {
				return nil, err
			}
			triples, err := deps.Graph.Count(ctx)
			if err != nil {
				return nil, err
			}
			internal, skill := deps.Registry.Count()
			return map[string]any{
				"uptime_s":       time.Since(deps.StartedAt).Seconds(),
				"memories":       stats.Active,
				"working_items":  stats.Working,
				"triples":        triples,
				"internal_tools": internal,
				"skill_tools":    skill,
				"active_days":    stats.ActiveDays,
				"feature_flags":  deps.FeatureFlags,
			}, nil
		},
	}
	return t
}
