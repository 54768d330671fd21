package tools

import (
	"context"

	"mimo/internal/gateway"
)

// Procedures are a collaborator: the gateway exposes the execution surface
// but ships no built-in procedures. Unknown names are not_found by contract.
func orchestrateTool(deps Deps) *tool {
	t := &tool{
		desc: gateway.ToolDescriptor{
			Name:        "orchestrate",
			Description: "Run a named multi-step procedure provided by a collaborator.",
			Schema: opSchema(
				[]string{"run_procedure"},
				map[string]any{
					"procedure": strProp("Name of the procedure to run."),
				},
			),
		},
	}
	t.ops = map[string]opHandler{
		"run_procedure": func(ctx context.Context, call gateway.ToolCall) (any, error) {
			name, err := requireString(call, "procedure")
			if err != nil {
				return nil, err
			}
			return nil, gateway.Errorf(gateway.KindNotFound, "procedure %q not found", name)
		},
	}
	return t
}
