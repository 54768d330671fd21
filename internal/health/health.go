// Package health watches the gateway's vital signs and applies low-risk
// healing when they degrade.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"mimo/internal/logging"
)

const (
	windowLength    = 12
	logDropRatio    = 0.8 // 20% below window median
	healDropRatio   = 0.6 // 40% below window median
	defaultInterval = 5 * time.Minute
	defaultCooldown = 30 * time.Minute
)

// Snapshot is one health observation.
type Snapshot struct {
	At            time.Time     `json:"at"`
	MemoryCount   int64         `json:"memory_count"`
	TripleCount   int64         `json:"triple_count"`
	LatencyP50    time.Duration `json:"latency_p50"`
	LatencyP95    time.Duration `json:"latency_p95"`
	SkillsKnown   int           `json:"skills_known"`
	SkillsRunning int           `json:"skills_running"`
	Score         float64       `json:"score"`
}

// Probes supply the raw signals. All are required; triple count errors are
// tolerated and reported as zero.
type Probes struct {
	MemoryCount func() int64
	TripleCount func(ctx context.Context) (int64, error)
	Latency     func() (p50, p95 time.Duration)
	SkillCounts func() (running, known int)
}

// Healer is one low-risk recovery action with its own cooldown.
type Healer struct {
	Name     string
	Cooldown time.Duration
	Run      func(ctx context.Context) error
}

// Monitor takes periodic snapshots and heals on sustained degradation.
type Monitor struct {
	probes   Probes
	healers  []Healer
	interval time.Duration
	logger   logging.Logger

	mu      sync.Mutex
	window  []Snapshot
	lastRun map[string]time.Time
	now     func() time.Time
}

// NewMonitor builds a monitor. interval <= 0 selects the 5-minute default.
func NewMonitor(probes Probes, healers []Healer, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	for i := range healers {
		if healers[i].Cooldown <= 0 {
			healers[i].Cooldown = defaultCooldown
		}
	}
	return &Monitor{
		probes:   probes,
		healers:  healers,
		interval: interval,
		logger:   logging.NewComponentLogger("Health"),
		lastRun:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// Run snapshots on the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Snapshot takes a fresh observation on demand (the meta tool's surface).
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	snap := m.observe(ctx)
	m.mu.Lock()
	m.push(snap)
	m.mu.Unlock()
	return snap
}

// Window returns the retained snapshots, oldest first.
func (m *Monitor) Window() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.window))
	copy(out, m.window)
	return out
}

func (m *Monitor) tick(ctx context.Context) {
	snap := m.observe(ctx)

	m.mu.Lock()
	median := medianScore(m.window)
	m.push(snap)
	m.mu.Unlock()

	if median <= 0 {
		return
	}
	switch {
	case snap.Score < median*healDropRatio:
		m.logger.Error("health score %.3f is 40%%+ below window median %.3f, healing", snap.Score, median)
		m.heal(ctx)
	case snap.Score < median*logDropRatio:
		m.logger.Warn("health score %.3f is 20%%+ below window median %.3f", snap.Score, median)
	}
}

func (m *Monitor) observe(ctx context.Context) Snapshot {
	snap := Snapshot{At: m.now()}
	if m.probes.MemoryCount != nil {
		snap.MemoryCount = m.probes.MemoryCount()
	}
	if m.probes.TripleCount != nil {
		n, err := m.probes.TripleCount(ctx)
		if err != nil {
			m.logger.Warn("triple count probe failed: %v", err)
		} else {
			snap.TripleCount = n
		}
	}
	if m.probes.Latency != nil {
		snap.LatencyP50, snap.LatencyP95 = m.probes.Latency()
	}
	if m.probes.SkillCounts != nil {
		snap.SkillsRunning, snap.SkillsKnown = m.probes.SkillCounts()
	}
	snap.Score = score(snap)
	return snap
}

// score folds the signals into [0,1]: latency dominates, skill liveness
// second, store reachability third.
func score(s Snapshot) float64 {
	latency := 1.0 / (1.0 + s.LatencyP95.Seconds())
	skills := 1.0
	if s.SkillsKnown > 0 {
		skills = float64(s.SkillsRunning+1) / float64(s.SkillsKnown+1)
	}
	store := 1.0
	if s.MemoryCount == 0 && s.TripleCount == 0 {
		store = 0.8
	}
	return latency*0.5 + skills*0.3 + store*0.2
}

func (m *Monitor) push(snap Snapshot) {
	m.window = append(m.window, snap)
	if len(m.window) > windowLength {
		m.window = m.window[len(m.window)-windowLength:]
	}
}

func medianScore(window []Snapshot) float64 {
	if len(window) == 0 {
		return 0
	}
	scores := make([]float64, len(window))
	for i, s := range window {
		scores[i] = s.Score
	}
	sort.Float64s(scores)
	return scores[len(scores)/2]
}

// heal runs every healer whose cooldown has elapsed.
func (m *Monitor) heal(ctx context.Context) {
	now := m.now()
	for _, healer := range m.healers {
		m.mu.Lock()
		last, ran := m.lastRun[healer.Name]
		cooling := ran && now.Sub(last) < healer.Cooldown
		if !cooling {
			m.lastRun[healer.Name] = now
		}
		m.mu.Unlock()
		if cooling {
			continue
		}
		if err := healer.Run(ctx); err != nil {
			m.logger.Warn("healer %s failed: %v", healer.Name, err)
			continue
		}
		m.logger.Info("healer %s applied", healer.Name)
	}
}
