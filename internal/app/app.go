// Package app assembles the gateway: storage, memory services, skills,
// registry, dispatcher, router, feedback, and health, plus the background
// loops that keep them running.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mimo/internal/async"
	"mimo/internal/config"
	"mimo/internal/dispatch"
	"mimo/internal/feedback"
	"mimo/internal/gateway"
	"mimo/internal/health"
	"mimo/internal/knowledge"
	"mimo/internal/llm"
	"mimo/internal/logging"
	"mimo/internal/memory"
	"mimo/internal/registry"
	"mimo/internal/router"
	"mimo/internal/skills"
	"mimo/internal/tools"
)

// App owns every long-lived component of the gateway.
type App struct {
	Config     *config.Config
	Memory     *memory.Service
	Graph      *knowledge.Graph
	Feedback   *feedback.Loop
	Router     *router.Router
	Registry   *registry.Registry
	Supervisor *skills.Supervisor
	Dispatcher *dispatch.Dispatcher
	Health     *health.Monitor
	Completer  gateway.Completer
	Prometheus *prometheus.Registry

	store        *memory.Store
	working      *memory.WorkingBuffer
	clock        *memory.ActiveDayClock
	tracker      *memory.AccessTracker
	reaper       *memory.Reaper
	consolidator *memory.Consolidator
	embedder     *memory.GuardedEmbedder
	watcher      *config.SkillsWatcher

	cancel context.CancelFunc
	logger logging.Logger
}

// New wires the gateway from configuration. Errors here are fatal: the
// caller exits rather than serving with a partially built gateway.
func New(cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, logger: logging.NewComponentLogger("App")}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := memory.OpenStore(filepath.Join(cfg.DataDir, "store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store

	// Embeddings: remote when configured, guarded by a breaker that falls
	// back to the deterministic hash embedder of the same dimension.
	var primary gateway.Embedder = memory.NewHashEmbedder(cfg.EmbeddingDim)
	if cfg.EmbeddingURL != "" {
		primary = memory.NewHTTPEmbedder(cfg.EmbeddingURL, cfg.EmbeddingDim)
	}
	a.embedder = memory.NewGuardedEmbedder(primary, cfg.EmbeddingDim)

	var ann *memory.ANNIndex
	if cfg.FeatureFlags.ApproximateIndex {
		ann, err = memory.NewANNIndex(filepath.Join(cfg.DataDir, "ann"), "engrams", a.embedder)
		if err != nil {
			return nil, fmt.Errorf("open ann index: %w", err)
		}
	}

	restored, err := store.LoadActiveDays()
	if err != nil {
		return nil, fmt.Errorf("load active days: %w", err)
	}
	a.clock = memory.NewActiveDayClock(restored, func(days []string) {
		if err := store.SaveActiveDays(days); err != nil {
			a.logger.Warn("persist active days: %v", err)
		}
	})

	a.working = memory.NewWorkingBuffer(config.DefaultWorkingMemoryTTL)
	a.tracker = memory.NewAccessTracker(store)
	a.reaper = memory.NewReaper(store, ann, a.clock, memory.DefaultPruneThreshold, cfg.MemoryCap)
	a.consolidator = memory.NewConsolidator(a.working, store, a.embedder, ann, cfg.ConsolidationThreshold)

	if cfg.CompletionURL != "" {
		a.Completer = llm.NewHTTPCompleter(cfg.CompletionURL)
	}
	var analyzer gateway.Analyzer
	if cfg.FeatureFlags.Analyzer && a.Completer != nil {
		analyzer = llm.NewJSONAnalyzer(a.Completer)
	}

	a.Memory = memory.NewService(memory.ServiceDeps{
		Store:          store,
		Working:        a.working,
		Searcher:       memory.NewSearcher(store, a.embedder, ann),
		Embedder:       a.embedder,
		ANN:            ann,
		Clock:          a.clock,
		Tracker:        a.tracker,
		Analyzer:       analyzer,
		Reaper:         a.reaper,
		TemporalChains: cfg.FeatureFlags.TemporalChains,
	})
	a.Graph = knowledge.NewGraph(store.DB())
	a.Feedback = feedback.NewLoop(store.DB(), a.clock)
	a.Router = router.New(analyzer, a.Feedback)

	var skillConfigs []gateway.SkillConfig
	if cfg.SkillsFile != "" {
		skillConfigs, err = config.LoadSkills(cfg.SkillsFile, cfg.SkillCommandWhitelist)
		if err != nil {
			return nil, fmt.Errorf("load skills: %w", err)
		}
	}
	a.Supervisor = skills.NewSupervisor(skillConfigs, skills.Options{
		MaxProcesses: cfg.MaxSkillProcesses,
		MaxInFlight:  cfg.MaxInFlightPerSkill,
		Whitelist:    cfg.SkillCommandWhitelist,
	})
	a.Registry = registry.New(a.Supervisor)
	for _, sc := range skillConfigs {
		if err := a.Registry.RegisterSkillTools(sc.ID, sc.Tools); err != nil {
			return nil, fmt.Errorf("register skill %s: %w", sc.ID, err)
		}
	}

	a.Prometheus = prometheus.NewRegistry()
	a.Prometheus.MustRegister(collectors.NewGoCollector())
	a.Dispatcher = dispatch.New(a.Registry, a.Supervisor, a.Feedback, a.Memory, a.clock, a.Prometheus, dispatch.Options{
		DefaultTimeout:     cfg.IOTimeout,
		SandboxRoot:        cfg.SandboxRoot,
		EnvAllowlist:       cfg.EnvAllowlist,
		InjectionThreshold: cfg.KnowledgeInjectionThreshold,
	})

	a.Health = health.NewMonitor(health.Probes{
		MemoryCount: store.Count,
		TripleCount: a.Graph.Count,
		Latency:     a.Dispatcher.LatencyQuantiles,
		SkillCounts: func() (int, int) {
			return a.Supervisor.RunningCount(), len(a.Supervisor.Configs())
		},
	}, a.healers(), cfg.HealthInterval)

	if err := tools.RegisterAll(a.Registry, tools.Deps{
		Memory:    a.Memory,
		Graph:     a.Graph,
		Router:    a.Router,
		Feedback:  a.Feedback,
		Registry:  a.Registry,
		Completer: a.Completer,
		DB:        store.DB(),
		HealthSnapshot: func(ctx context.Context) (any, error) {
			return a.Health.Snapshot(ctx), nil
		},
		ReloadSkills: a.reloadSkills,
		SnapshotDir:  filepath.Join(cfg.DataDir, "snapshots"),
		SandboxRoot:  cfg.SandboxRoot,
		TerminalAllow: append([]string(nil),
			cfg.TerminalCommandWhitelist...),
		FeatureFlags: map[string]bool{
			"approximate_index": cfg.FeatureFlags.ApproximateIndex,
			"temporal_chains":   cfg.FeatureFlags.TemporalChains,
			"emergence":         cfg.FeatureFlags.Emergence,
			"analyzer":          cfg.FeatureFlags.Analyzer,
		},
		ExposeDeprecated: cfg.ExposeDeprecated,
		StartedAt:        time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	if cfg.SkillsFile != "" {
		a.watcher, err = config.NewSkillsWatcher(cfg.SkillsFile, cfg.SkillCommandWhitelist, func(configs []gateway.SkillConfig) {
			if err := a.Registry.ReloadSkills(configs); err != nil {
				a.logger.Error("hot reload rejected: %v", err)
			}
		})
		if err != nil {
			a.logger.Warn("skills watcher unavailable: %v", err)
		}
	}

	return a, nil
}

// reloadSkills re-reads the manifest and swaps the skill catalog.
func (a *App) reloadSkills() error {
	if a.Config.SkillsFile == "" {
		return gateway.Errorf(gateway.KindInvalidArguments, "no skills manifest configured")
	}
	configs, err := config.LoadSkills(a.Config.SkillsFile, a.Config.SkillCommandWhitelist)
	if err != nil {
		return gateway.Wrap(gateway.KindInvalidArguments, err)
	}
	return a.Registry.ReloadSkills(configs)
}

// healers are the low-risk actions the health monitor may apply.
func (a *App) healers() []health.Healer {
	return []health.Healer{
		{
			Name: "clear_caches",
			Run: func(context.Context) error {
				a.Dispatcher.InvalidateCaches()
				a.Router.InvalidateCache()
				return nil
			},
		},
		{
			Name: "reset_embedder_breaker",
			Run: func(context.Context) error {
				a.embedder.ResetBreaker()
				return nil
			},
		},
		{
			Name: "maintenance_consolidation",
			Run: func(ctx context.Context) error {
				_, err := a.consolidator.Pass(ctx)
				return err
			},
		},
	}
}

// Start launches the background loops. They run until Close.
func (a *App) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	cfg := a.Config

	async.Go(a.logger, "working.cleaner", func() { a.working.RunCleaner(ctx, cfg.CleanupInterval) })
	async.Go(a.logger, "consolidator", func() { a.consolidator.Run(ctx, cfg.ConsolidationInterval) })
	async.Go(a.logger, "reaper", func() { a.reaper.Run(ctx, cfg.DecayInterval) })
	async.Go(a.logger, "access.tracker", func() { a.tracker.Run(ctx) })
	async.Go(a.logger, "feedback", func() { a.Feedback.Run(ctx) })
	async.Go(a.logger, "health", func() { a.Health.Run(ctx) })
	async.Go(a.logger, "registry.deaths", func() { a.Registry.WatchDeaths(ctx) })
	if a.watcher != nil {
		async.Go(a.logger, "skills.watcher", func() { a.watcher.Run(ctx) })
	}
	if days := cfg.SnapshotRetentionDays; days > 0 {
		dir := filepath.Join(cfg.DataDir, "snapshots")
		if _, err := memory.PruneSnapshots(dir, time.Duration(days)*24*time.Hour); err != nil {
			a.logger.Debug("snapshot pruning skipped: %v", err)
		}
	}
}

// Close stops background loops, skills, and storage.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.Supervisor.ShutdownAll()
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store: %v", err)
	}
}
