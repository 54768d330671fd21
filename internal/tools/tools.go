// Package tools implements the gateway's internal tool surface: fourteen
// canonical tools, each an operation-keyed dispatch table registered with the
// registry at startup.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"mimo/internal/feedback"
	"mimo/internal/gateway"
	"mimo/internal/knowledge"
	"mimo/internal/logging"
	"mimo/internal/memory"
	"mimo/internal/registry"
	"mimo/internal/router"
)

// Deps collects every collaborator the internal tools reach.
type Deps struct {
	Memory    *memory.Service
	Graph     *knowledge.Graph
	Router    *router.Router
	Feedback  *feedback.Loop
	Registry  *registry.Registry
	Completer gateway.Completer
	DB        *badger.DB

	// HealthSnapshot and ReloadSkills are late-bound to avoid import cycles
	// with the health and config packages.
	HealthSnapshot func(ctx context.Context) (any, error)
	ReloadSkills   func() error
	SnapshotDir    string

	SandboxRoot      string
	TerminalAllow    []string
	FeatureFlags     map[string]bool
	ExposeDeprecated bool
	StartedAt        time.Time
}

// opHandler executes one operation of a multi-op tool.
type opHandler func(ctx context.Context, call gateway.ToolCall) (any, error)

// tool binds a descriptor to its operation table.
type tool struct {
	desc gateway.ToolDescriptor
	ops  map[string]opHandler
}

// handler adapts the operation table to the registry's Handler contract.
func (t *tool) handler(ctx context.Context, call gateway.ToolCall) (*gateway.ToolResult, error) {
	op := call.Operation()
	if op == "" {
		return nil, gateway.Errorf(gateway.KindInvalidArguments, "%s: operation is required", t.desc.Name)
	}
	fn, ok := t.ops[op]
	if !ok {
		return nil, gateway.Errorf(gateway.KindInvalidArguments, "%s: unknown operation %q", t.desc.Name, op)
	}
	data, err := fn(ctx, call)
	if err != nil {
		return nil, err
	}
	return &gateway.ToolResult{Data: data}, nil
}

// RegisterAll builds the fourteen internal tools and registers them.
func RegisterAll(reg *registry.Registry, deps Deps) error {
	logger := logging.NewComponentLogger("Tools")
	all := []*tool{
		memoryTool(deps),
		fileTool(deps),
		terminalTool(deps),
		webTool(deps),
		codeTool(deps),
		reasonTool(deps),
		cognitiveTool(deps),
		metaTool(deps),
		knowledgeTool(deps),
		onboardTool(deps),
		autonomousTool(deps),
		orchestrateTool(deps),
		awakeningStatusTool(deps),
		toolUsageTool(deps),
	}
	for _, t := range all {
		if err := reg.RegisterInternal(t.desc, t.handler); err != nil {
			return err
		}
	}
	logger.Info("registered %d internal tools", len(all))
	return nil
}

// opSchema builds the uniform argument schema: an operation enum plus the
// tool's named properties. Unknown extra properties are allowed so skills and
// clients can pass advisory fields.
func opSchema(ops []string, props map[string]any) json.RawMessage {
	properties := map[string]any{
		"operation": map[string]any{"type": "string", "enum": ops},
	}
	for name, schema := range props {
		properties[name] = schema
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             []string{"operation"},
		"additionalProperties": true,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("tool schema marshal: %v", err))
	}
	return raw
}

func strProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func numProp(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

func boolProp(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

// argString reads an optional string argument.
func argString(call gateway.ToolCall, key string) string {
	s, _ := call.Arguments[key].(string)
	return s
}

// requireString reads a mandatory string argument.
func requireString(call gateway.ToolCall, key string) (string, error) {
	s := argString(call, key)
	if s == "" {
		return "", gateway.Errorf(gateway.KindInvalidArguments, "%s: %q is required", call.Name, key)
	}
	return s, nil
}

// argFloat reads an optional numeric argument; JSON numbers decode as float64.
func argFloat(call gateway.ToolCall, key string) (float64, bool) {
	f, ok := call.Arguments[key].(float64)
	return f, ok
}

// argInt reads an optional integer argument.
func argInt(call gateway.ToolCall, key string) (int, bool) {
	f, ok := call.Arguments[key].(float64)
	return int(f), ok
}

// argBool reads an optional boolean argument.
func argBool(call gateway.ToolCall, key string) bool {
	b, _ := call.Arguments[key].(bool)
	return b
}

// denySandboxed rejects write-side operations when the call is sandboxed.
func denySandboxed(ctx context.Context, what string) error {
	if cc, ok := gateway.CallContextFrom(ctx); ok && cc.Sandbox {
		return gateway.Errorf(gateway.KindToolDisabledInSandbox, "%s is disabled in sandbox mode", what)
	}
	return nil
}
