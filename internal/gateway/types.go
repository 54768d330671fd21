package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// CallContext carries per-call metadata from a frontend to the handlers.
type CallContext struct {
	SessionTag string
	AgentType  string
	Sandbox    bool
	Deadline   time.Time
}

type callContextKey struct{}

// WithCallContext attaches a call context for handlers that need it.
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom returns the call context attached to ctx, if any.
func CallContextFrom(ctx context.Context) (CallContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(CallContext)
	return cc, ok
}

// ToolCall is a request to execute a public tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Context   CallContext    `json:"-"`
}

// Operation returns the second-level verb of a multi-op tool call.
func (c ToolCall) Operation() string {
	op, _ := c.Arguments["operation"].(string)
	return op
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	CallID   string         `json:"call_id"`
	Data     any            `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SetMeta adds an enrichment entry, allocating the map lazily.
func (r *ToolResult) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

// Handler executes one tool call. Handlers are pure functions of
// (ctx, call) with no shared mutable state beyond explicit collaborators.
type Handler func(ctx context.Context, call ToolCall) (*ToolResult, error)

// ToolDescriptor describes a public tool for listing and validation.
// DeprecatedAlias, when set, names a legacy alias that still resolves to
// this tool but is hidden from default listings.
type ToolDescriptor struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Schema          json.RawMessage `json:"inputSchema"`
	DeprecatedAlias string          `json:"-"`
}

// SkillConfig declares an external skill subprocess.
type SkillConfig struct {
	ID      string            `yaml:"id" json:"id"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	Env     map[string]string `yaml:"env" json:"env"`
	Tools   []ToolDescriptor  `yaml:"-" json:"tools,omitempty"`
}

// Embedder turns text into a dense vector of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Completer produces a synthesis from a prompt. The gateway never generates
// free-form text itself; synthesis is delegated through this seam.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Analyzer refines router decisions and supersession classification.
// All callers must tolerate its absence.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (map[string]any, error)
}
