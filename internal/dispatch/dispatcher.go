// Package dispatch routes validated tool calls to their owners: in-process
// handlers or skill subprocesses. It is the single choke point where
// validation, deadlines, telemetry, feedback, and enrichment happen.
package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mimo/internal/feedback"
	"mimo/internal/gateway"
	"mimo/internal/logging"
	"mimo/internal/memory"
	"mimo/internal/registry"
	"mimo/internal/skills"
)

// legacyAliases maps retired tool names onto their replacement tool and
// operation. The alias is accepted but the result is tagged deprecated.
var legacyAliases = map[string]struct{ tool, operation string }{
	"fetch":        {tool: "web", operation: "fetch"},
	"browser":      {tool: "web", operation: "browser"},
	"code_symbols": {tool: "code", operation: "symbols"},
}

// Options tunes the dispatcher.
type Options struct {
	DefaultTimeout     time.Duration
	SandboxRoot        string
	EnvAllowlist       []string
	InjectionThreshold float64
}

// Dispatcher executes tool calls.
type Dispatcher struct {
	registry  *registry.Registry
	sup       *skills.Supervisor
	loop      *feedback.Loop
	clock     *memory.ActiveDayClock
	validator *validator
	enricher  *enricher
	metrics   *metrics
	latencies *latencySampler
	opts      Options
	logger    logging.Logger
}

// New assembles a dispatcher. sup, loop, mem, and clock may be nil in tests.
func New(reg *registry.Registry, sup *skills.Supervisor, loop *feedback.Loop, mem *memory.Service, clock *memory.ActiveDayClock, promReg prometheus.Registerer, opts Options) *Dispatcher {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		registry:  reg,
		sup:       sup,
		loop:      loop,
		clock:     clock,
		validator: newValidator(),
		enricher:  newEnricher(loop, mem, opts.InjectionThreshold),
		metrics:   newMetrics(promReg),
		latencies: newLatencySampler(256),
		opts:      opts,
		logger:    logging.NewComponentLogger("Dispatcher"),
	}
}

// Dispatch validates and executes one tool call.
func (d *Dispatcher) Dispatch(ctx context.Context, call gateway.ToolCall) (*gateway.ToolResult, error) {
	start := time.Now()
	if d.clock != nil {
		d.clock.MarkActive()
	}

	deprecated := ""
	if alias, ok := legacyAliases[call.Name]; ok {
		deprecated = call.Name
		call.Name = alias.tool
		if call.Arguments == nil {
			call.Arguments = make(map[string]any)
		}
		if _, has := call.Arguments["operation"]; !has {
			call.Arguments["operation"] = alias.operation
		}
	}

	res, err := d.registry.Lookup(call.Name)
	if err != nil {
		d.metrics.observe(call.Name, "unknown", string(gateway.KindUnknownTool), time.Since(start).Seconds())
		return nil, err
	}
	if res.Alias != "" {
		deprecated = res.Alias
		call.Name = res.Descriptor.Name
	}

	if err := d.validator.Validate(res.Descriptor, call.Arguments); err != nil {
		d.record(call.Name, res.Owner, start, err)
		return nil, err
	}
	if call.Context.Sandbox {
		if err := scanArguments(call.Arguments, d.opts.SandboxRoot, d.opts.EnvAllowlist); err != nil {
			d.record(call.Name, res.Owner, start, err)
			return nil, err
		}
	}

	execCtx, cancel, err := d.deadline(ctx, call)
	if err != nil {
		d.record(call.Name, res.Owner, start, err)
		return nil, err
	}
	defer cancel()
	execCtx = gateway.WithCallContext(execCtx, call.Context)

	result, err := d.execute(execCtx, res, call)
	d.record(call.Name, res.Owner, start, err)
	if err != nil {
		return nil, err
	}

	if result == nil {
		result = &gateway.ToolResult{}
	}
	result.CallID = call.ID
	if deprecated != "" {
		result.SetMeta("_deprecated_alias", deprecated)
	}
	d.enricher.enrich(execCtx, call, result)
	return result, nil
}

// deadline derives the execution context. A deadline already in the past is
// rejected up front as a timeout rather than racing a zero-length context.
func (d *Dispatcher) deadline(ctx context.Context, call gateway.ToolCall) (context.Context, context.CancelFunc, error) {
	if dl := call.Context.Deadline; !dl.IsZero() {
		if !dl.After(time.Now()) {
			return nil, nil, gateway.Errorf(gateway.KindTimeout, "deadline for call %s already passed", call.ID)
		}
		execCtx, cancel := context.WithDeadline(ctx, dl)
		return execCtx, cancel, nil
	}
	execCtx, cancel := context.WithTimeout(ctx, d.opts.DefaultTimeout)
	return execCtx, cancel, nil
}

// execute runs the call against its owner. Skill tools spawn lazily; a call
// that finds a freshly dead process gets exactly one respawn attempt.
func (d *Dispatcher) execute(ctx context.Context, res *registry.Resolution, call gateway.ToolCall) (*gateway.ToolResult, error) {
	switch res.Owner {
	case registry.OwnerInternal:
		return res.Handler(ctx, call)

	case registry.OwnerSkillLazy, registry.OwnerSkillRunning:
		if d.sup == nil {
			return nil, gateway.Errorf(gateway.KindSkillUnavailable, "no skill supervisor configured")
		}
		if err := d.sup.EnsureStarted(ctx, res.SkillID); err != nil {
			return nil, err
		}
		raw, err := d.sup.Call(ctx, res.SkillID, call.Name, call.Arguments)
		if err != nil && gateway.KindOf(err) == gateway.KindSkillUnavailable {
			d.logger.Warn("skill %s dropped mid-call, respawning once", res.SkillID)
			if err := d.sup.EnsureStarted(ctx, res.SkillID); err != nil {
				return nil, err
			}
			raw, err = d.sup.Call(ctx, res.SkillID, call.Name, call.Arguments)
		}
		if err != nil {
			return nil, err
		}
		return &gateway.ToolResult{Data: json.RawMessage(raw)}, nil

	default:
		return nil, gateway.Errorf(gateway.KindInternal, "tool %s has unknown owner %q", call.Name, res.Owner)
	}
}

// record emits telemetry and feedback for one completed call.
func (d *Dispatcher) record(tool string, owner registry.Owner, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = string(gateway.KindOf(err))
	}
	d.metrics.observe(tool, string(owner), outcome, elapsed.Seconds())
	d.latencies.observe(elapsed)
	if d.loop != nil {
		d.loop.RecordOutcome(tool, err == nil)
	}
}

// InvalidateCaches clears advisory caches; the healer uses this.
func (d *Dispatcher) InvalidateCaches() {
	d.enricher.invalidate()
}

// LatencyQuantiles reports rolling p50/p95 dispatch latency.
func (d *Dispatcher) LatencyQuantiles() (p50, p95 time.Duration) {
	return d.latencies.quantiles()
}

// latencySampler keeps a bounded ring of recent call latencies.
type latencySampler struct {
	mu     sync.Mutex
	ring   []time.Duration
	head   int
	filled int
}

func newLatencySampler(size int) *latencySampler {
	return &latencySampler{ring: make([]time.Duration, size)}
}

func (s *latencySampler) observe(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.head] = d
	s.head = (s.head + 1) % len(s.ring)
	if s.filled < len(s.ring) {
		s.filled++
	}
}

func (s *latencySampler) quantiles() (p50, p95 time.Duration) {
	s.mu.Lock()
	sample := make([]time.Duration, s.filled)
	start := (s.head - s.filled + len(s.ring)) % len(s.ring)
	for i := 0; i < s.filled; i++ {
		sample[i] = s.ring[(start+i)%len(s.ring)]
	}
	s.mu.Unlock()
	if len(sample) == 0 {
		return 0, 0
	}
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
	idx := func(q float64) int {
		i := int(q * float64(len(sample)-1))
		return i
	}
	return sample[idx(0.50)], sample[idx(0.95)]
}
