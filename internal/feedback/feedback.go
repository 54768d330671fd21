// Package feedback tracks per-tool outcomes and derives the metrics the
// dispatcher and router consume: success rates, trends, router boosts, and
// confidence calibration. All updates are asynchronous and bounded.
package feedback

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"mimo/internal/logging"
)

const (
	windowSize       = 100
	windowActiveDays = 7.0
	maxRouterBoost   = 0.2
	queueSize        = 4096
	persistEvery     = time.Minute
)

// Trend labels how a tool's success rate is moving.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// ActiveAger measures age in active days (satisfied by memory.ActiveDayClock).
type ActiveAger interface {
	AgeDays(t time.Time) float64
}

// outcome is one recorded execution.
type outcome struct {
	success bool
	at      time.Time
}

// toolStats is a bounded ring of the most recent outcomes plus lifetime totals.
type toolStats struct {
	ring    [windowSize]outcome
	head    int
	filled  int
	total   int64
	success int64
}

func (t *toolStats) push(o outcome) {
	t.ring[t.head] = o
	t.head = (t.head + 1) % windowSize
	if t.filled < windowSize {
		t.filled++
	}
	t.total++
	if o.success {
		t.success++
	}
}

// recent returns the windowed outcomes, oldest first.
func (t *toolStats) recent() []outcome {
	out := make([]outcome, 0, t.filled)
	start := (t.head - t.filled + windowSize) % windowSize
	for i := 0; i < t.filled; i++ {
		out = append(out, t.ring[(start+i)%windowSize])
	}
	return out
}

type routeStats struct {
	total   int64
	correct int64
}

type calibrationBucket struct {
	total   int64
	success int64
}

// event is the unit flowing through the bounded update queue.
type event struct {
	kind      string // "tool", "route", "calibration"
	name      string
	success   bool
	predicted float64
	at        time.Time
}

// Loop is the feedback tracker.
type Loop struct {
	mu     sync.RWMutex
	tools  map[string]*toolStats
	routes map[string]*routeStats
	// calibration buckets: category -> decile(0..9) -> counts
	calibration map[string]*[10]calibrationBucket

	queue  chan event
	ager   ActiveAger
	db     *badger.DB // optional usage persistence
	logger logging.Logger
	now    func() time.Time
}

// NewLoop constructs the tracker. db may be nil in tests; ager may be nil,
// in which case the window is purely count-based.
func NewLoop(db *badger.DB, ager ActiveAger) *Loop {
	return &Loop{
		tools:       make(map[string]*toolStats),
		routes:      make(map[string]*routeStats),
		calibration: make(map[string]*[10]calibrationBucket),
		queue:       make(chan event, queueSize),
		ager:        ager,
		db:          db,
		logger:      logging.NewComponentLogger("Feedback"),
		now:         time.Now,
	}
}

// RecordOutcome enqueues a tool execution outcome; never blocks.
func (l *Loop) RecordOutcome(tool string, success bool) {
	l.enqueue(event{kind: "tool", name: tool, success: success, at: l.now()})
}

// RecordRouting enqueues a routing accuracy observation for a store.
func (l *Loop) RecordRouting(store string, correct bool) {
	l.enqueue(event{kind: "route", name: store, success: correct, at: l.now()})
}

// RecordPrediction enqueues a calibration sample for a confidence prediction.
func (l *Loop) RecordPrediction(category string, predicted float64, success bool) {
	l.enqueue(event{kind: "calibration", name: category, predicted: predicted, success: success, at: l.now()})
}

func (l *Loop) enqueue(e event) {
	select {
	case l.queue <- e:
	default:
		// Bounded by design: drop under pressure rather than block a call.
	}
}

// Run drains the queue and periodically persists usage counters.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(persistEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.persistUsage()
			return
		case e := <-l.queue:
			l.apply(e)
		case <-ticker.C:
			l.persistUsage()
		}
	}
}

// Drain applies all queued events synchronously; used by tests.
func (l *Loop) Drain() {
	for {
		select {
		case e := <-l.queue:
			l.apply(e)
		default:
			return
		}
	}
}

func (l *Loop) apply(e event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch e.kind {
	case "tool":
		stats := l.tools[e.name]
		if stats == nil {
			stats = &toolStats{}
			l.tools[e.name] = stats
		}
		stats.push(outcome{success: e.success, at: e.at})
	case "route":
		stats := l.routes[e.name]
		if stats == nil {
			stats = &routeStats{}
			l.routes[e.name] = stats
		}
		stats.total++
		if e.success {
			stats.correct++
		}
	case "calibration":
		buckets := l.calibration[e.name]
		if buckets == nil {
			buckets = &[10]calibrationBucket{}
			l.calibration[e.name] = buckets
		}
		d := decile(e.predicted)
		buckets[d].total++
		if e.success {
			buckets[d].success++
		}
	}
}

func decile(p float64) int {
	if p < 0 {
		p = 0
	}
	if p >= 1 {
		return 9
	}
	return int(p * 10)
}

// window returns the outcomes inside the sliding window: the last 100
// executions or the last 7 active days, whichever is shorter.
func (l *Loop) window(stats *toolStats) []outcome {
	recent := stats.recent()
	if l.ager == nil {
		return recent
	}
	cut := 0
	for i, o := range recent {
		if l.ager.AgeDays(o.at) <= windowActiveDays {
			cut = i
			break
		}
		cut = i + 1
	}
	return recent[cut:]
}

// Executions reports the lifetime execution count for a tool.
func (l *Loop) Executions(tool string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if stats := l.tools[tool]; stats != nil {
		return stats.total
	}
	return 0
}

// SuccessRate reports the windowed success rate for a tool.
func (l *Loop) SuccessRate(tool string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats := l.tools[tool]
	if stats == nil || stats.filled == 0 {
		return 0
	}
	window := l.window(stats)
	if len(window) == 0 {
		return 0
	}
	ok := 0
	for _, o := range window {
		if o.success {
			ok++
		}
	}
	return float64(ok) / float64(len(window))
}

// ToolTrend compares the last quarter of the window against the prior quarter.
func (l *Loop) ToolTrend(tool string) Trend {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats := l.tools[tool]
	if stats == nil {
		return TrendStable
	}
	window := l.window(stats)
	quarter := len(window) / 4
	if quarter == 0 {
		return TrendStable
	}
	rate := func(chunk []outcome) float64 {
		ok := 0
		for _, o := range chunk {
			if o.success {
				ok++
			}
		}
		return float64(ok) / float64(len(chunk))
	}
	last := rate(window[len(window)-quarter:])
	prior := rate(window[len(window)-2*quarter : len(window)-quarter])
	switch {
	case last-prior > 0.1:
		return TrendImproving
	case prior-last > 0.1:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// RouterBoost maps observed routing accuracy for a store into [-0.2, 0.2].
func (l *Loop) RouterBoost(store string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats := l.routes[store]
	if stats == nil || stats.total < 5 {
		return 0
	}
	accuracy := float64(stats.correct) / float64(stats.total)
	boost := (accuracy - 0.5) * 2 * maxRouterBoost
	return math.Max(-maxRouterBoost, math.Min(maxRouterBoost, boost))
}

// CalibrationFactor adjusts a predicted confidence by the observed success
// rate in its decile. A factor of 1 means well calibrated.
func (l *Loop) CalibrationFactor(category string, predicted float64) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	buckets := l.calibration[category]
	if buckets == nil {
		return 1
	}
	d := decile(predicted)
	bucket := buckets[d]
	if bucket.total < 10 {
		return 1
	}
	observed := float64(bucket.success) / float64(bucket.total)
	midpoint := (float64(d) + 0.5) / 10
	if midpoint == 0 {
		return 1
	}
	return observed / midpoint
}

// Experience is the enrichment attached to tool results with enough history.
type Experience struct {
	Executions  int64   `json:"executions"`
	SuccessRate float64 `json:"success_rate"`
	Trend       Trend   `json:"trend"`
}

// ExperienceFor returns enrichment data once a tool has at least minExecs
// recorded executions, else nil.
func (l *Loop) ExperienceFor(tool string, minExecs int64) *Experience {
	if l.Executions(tool) < minExecs {
		return nil
	}
	return &Experience{
		Executions:  l.Executions(tool),
		SuccessRate: l.SuccessRate(tool),
		Trend:       l.ToolTrend(tool),
	}
}

// usageRow is the persisted per-tool counter shape.
type usageRow struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
}

var usagePrefix = []byte("usage/")

func (l *Loop) persistUsage() {
	if l.db == nil {
		return
	}
	l.mu.RLock()
	rows := make(map[string]usageRow, len(l.tools))
	for name, stats := range l.tools {
		rows[name] = usageRow{Total: stats.total, Success: stats.success}
	}
	l.mu.RUnlock()

	err := l.db.Update(func(txn *badger.Txn) error {
		for name, row := range rows {
			payload, err := json.Marshal(row)
			if err != nil {
				return err
			}
			if err := txn.Set(append(append([]byte{}, usagePrefix...), name...), payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.logger.Warn("usage persistence failed: %v", err)
	}
}
