package tools

import (
	"context"

	"mimo/internal/gateway"
)

func toolUsageTool(deps Deps) *tool {
	loop := deps.Feedback
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "tool_usage",
			Description: "Feedback surface: per-tool execution counts, success rates, and trends.",
			Schema: opSchema(
				[]string{"stats", "trend"},
				map[string]any{
					"tool": strProp("Tool name to report on."),
				},
			),
		},
	}
	t.ops = map[string]opHandler{
		"stats": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			name, err := requireString(call, "tool")
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"tool":         name,
				"executions":   loop.Executions(name),
				"success_rate": loop.SuccessRate(name),
			}, nil
		},
		"trend": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			name, err := requireString(call, "tool")
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"tool":  name,
				"trend": loop.ToolTrend(name),
			}, nil
		},
	}
	return t
}
