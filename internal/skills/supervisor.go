package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mimo/internal/gateway"
	"mimo/internal/logging"
)

const (
	// timeoutBurst kills a skill that times out this many times inside
	// timeoutBurstWindow; a wedged child holds pipe slots hostage.
	timeoutBurst       = 5
	timeoutBurstWindow = 30 * time.Second

	defaultGrace = 5 * time.Second
	deathsBuffer = 64
)

// Options tunes the supervisor.
type Options struct {
	MaxProcesses  int // global running-subprocess cap
	MaxInFlight   int // per-skill concurrent call cap
	Whitelist     []string
	StartTimeout  time.Duration
	ShutdownGrace time.Duration
}

// skillProc is one managed skill: its config, process, and pipe client.
type skillProc struct {
	cfg    gateway.SkillConfig
	proc   *process
	client *client

	mu       sync.Mutex
	timeouts []time.Time
}

// recordTimeout notes a timeout and reports whether the burst limit tripped.
func (sp *skillProc) recordTimeout(now time.Time) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	cutoff := now.Add(-timeoutBurstWindow)
	kept := sp.timeouts[:0]
	for _, t := range sp.timeouts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	sp.timeouts = append(kept, now)
	return len(sp.timeouts) >= timeoutBurst
}

// Supervisor owns every skill subprocess: lazy spawning, liveness, call
// routing, and teardown. Deaths are published to the registry through a
// buffered channel so tool ownership flips back to lazy without polling.
type Supervisor struct {
	opts   Options
	logger logging.Logger

	mu      sync.RWMutex
	configs map[string]gateway.SkillConfig
	running map[string]*skillProc

	spawns singleflight.Group
	deaths chan string
	now    func() time.Time
}

// NewSupervisor builds a supervisor over the given skill configs.
func NewSupervisor(configs []gateway.SkillConfig, opts Options) *Supervisor {
	if opts.MaxProcesses <= 0 {
		opts.MaxProcesses = 32
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 16
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultGrace
	}
	s := &Supervisor{
		opts:    opts,
		logger:  logging.NewComponentLogger("SkillSupervisor"),
		configs: make(map[string]gateway.SkillConfig, len(configs)),
		running: make(map[string]*skillProc),
		deaths:  make(chan string, deathsBuffer),
		now:     time.Now,
	}
	for _, cfg := range configs {
		s.configs[cfg.ID] = cfg
	}
	return s
}

// Deaths exposes skill ids whose subprocess exited unexpectedly.
func (s *Supervisor) Deaths() <-chan string { return s.deaths }

// Configs returns the current skill configs, for catalog registration.
func (s *Supervisor) Configs() []gateway.SkillConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]gateway.SkillConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	return out
}

// Known reports whether a skill id exists in the manifest.
func (s *Supervisor) Known(skillID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.configs[skillID]
	return ok
}

// Alive reports whether a skill currently has a live subprocess.
func (s *Supervisor) Alive(skillID string) bool {
	s.mu.RLock()
	sp := s.running[skillID]
	s.mu.RUnlock()
	return sp != nil && sp.proc.alive()
}

// RunningCount reports live subprocesses.
func (s *Supervisor) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sp := range s.running {
		if sp.proc.alive() {
			n++
		}
	}
	return n
}

// EnsureStarted spawns the skill's subprocess if it is not already live.
// Concurrent calls for the same skill coalesce into one spawn.
func (s *Supervisor) EnsureStarted(ctx context.Context, skillID string) error {
	if s.Alive(skillID) {
		return nil
	}
	_, err, _ := s.spawns.Do(skillID, func() (any, error) {
		if s.Alive(skillID) {
			return nil, nil
		}
		return nil, s.spawn(ctx, skillID)
	})
	return err
}

func (s *Supervisor) spawn(ctx context.Context, skillID string) error {
	s.mu.Lock()
	cfg, ok := s.configs[skillID]
	if !ok {
		s.mu.Unlock()
		return gateway.Errorf(gateway.KindNotFound, "unknown skill %q", skillID)
	}
	live := 0
	for _, sp := range s.running {
		if sp.proc.alive() {
			live++
		}
	}
	if live >= s.opts.MaxProcesses {
		s.mu.Unlock()
		return gateway.Errorf(gateway.KindRateLimited, "skill process cap %d reached", s.opts.MaxProcesses)
	}
	s.mu.Unlock()

	if err := ValidateCommand(cfg.Command, cfg.Args, s.opts.Whitelist); err != nil {
		return gateway.Wrap(gateway.KindForbidden, err)
	}

	sp := &skillProc{cfg: cfg}
	sp.proc = newProcess(skillID, cfg.Command, cfg.Args, cfg.Env, func(error) {
		s.onDeath(skillID, sp)
	})
	if err := sp.proc.start(); err != nil {
		return gateway.Wrap(gateway.KindSkillUnavailable, err)
	}
	sp.client = newClient(skillID, sp.proc, s.opts.MaxInFlight)
	sp.client.run()

	initCtx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()
	if _, err := sp.client.initialize(initCtx); err != nil {
		sp.proc.kill()
		return gateway.Errorf(gateway.KindSkillUnavailable, "skill %s failed initialize: %v", skillID, err)
	}

	s.mu.Lock()
	s.running[skillID] = sp
	s.mu.Unlock()
	s.logger.Info("skill %s started", skillID)
	return nil
}

// onDeath clears the running entry and notifies the registry. The channel is
// buffered; if the consumer lags the notification is dropped and liveness
// checks catch the dead owner on the next lookup.
func (s *Supervisor) onDeath(skillID string, sp *skillProc) {
	s.mu.Lock()
	if s.running[skillID] == sp {
		delete(s.running, skillID)
	}
	s.mu.Unlock()
	select {
	case s.deaths <- skillID:
	default:
		s.logger.Warn("death notification for %s dropped", skillID)
	}
}

// Call routes a tool invocation to a live skill. The subprocess must already
// be running; lazy spawn is the dispatcher's decision, not a side effect of
// lookup.
func (s *Supervisor) Call(ctx context.Context, skillID, tool string, args map[string]any) (json.RawMessage, error) {
	s.mu.RLock()
	sp := s.running[skillID]
	s.mu.RUnlock()
	if sp == nil || !sp.proc.alive() {
		return nil, gateway.Errorf(gateway.KindSkillUnavailable, "skill %s is not running", skillID)
	}

	result, err := sp.client.callTool(ctx, tool, args)
	if err != nil && gateway.KindOf(err) == gateway.KindTimeout {
		if sp.recordTimeout(s.now()) {
			s.logger.Error("skill %s hit %d timeouts in %s, killing", skillID, timeoutBurst, timeoutBurstWindow)
			sp.proc.kill()
		}
	}
	if err != nil && gateway.KindOf(err) == gateway.KindInternal {
		if tail := sp.proc.recentStderr(); len(tail) > 0 {
			s.logger.Debug("skill %s stderr tail: %s", skillID, tail[len(tail)-1])
		}
	}
	return result, err
}

// Shutdown stops one skill with the configured grace period.
func (s *Supervisor) Shutdown(skillID string) {
	s.mu.Lock()
	sp := s.running[skillID]
	delete(s.running, skillID)
	s.mu.Unlock()
	if sp == nil {
		return
	}
	sp.client.shutdown()
	sp.proc.stop(s.opts.ShutdownGrace)
}

// ShutdownAll stops every running skill; used on gateway exit.
func (s *Supervisor) ShutdownAll() {
	s.mu.Lock()
	procs := make(map[string]*skillProc, len(s.running))
	for id, sp := range s.running {
		procs[id] = sp
	}
	s.running = make(map[string]*skillProc)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for id, sp := range procs {
		wg.Add(1)
		go func(id string, sp *skillProc) {
			defer wg.Done()
			sp.client.shutdown()
			sp.proc.stop(s.opts.ShutdownGrace)
		}(id, sp)
	}
	wg.Wait()
}

// Reconfigure swaps the manifest: new skills become available lazily,
// removed skills are shut down, changed commands take effect on next spawn.
func (s *Supervisor) Reconfigure(configs []gateway.SkillConfig) {
	next := make(map[string]gateway.SkillConfig, len(configs))
	for _, cfg := range configs {
		next[cfg.ID] = cfg
	}

	s.mu.Lock()
	var stop []string
	for id := range s.running {
		if _, keep := next[id]; !keep {
			stop = append(stop, id)
		}
	}
	s.configs = next
	s.mu.Unlock()

	for _, id := range stop {
		s.logger.Info("skill %s removed from manifest, stopping", id)
		s.Shutdown(id)
	}
}

// String is a debugging aid for health snapshots.
func (s *Supervisor) String() string {
	return fmt.Sprintf("skills(known=%d running=%d)", len(s.Configs()), s.RunningCount())
}
