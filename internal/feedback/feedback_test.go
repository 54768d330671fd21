package feedback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopSuccessRateAndExecutions(t *testing.T) {
	l := NewLoop(nil, nil)
	for i := 0; i < 8; i++ {
		l.RecordOutcome("web", i%2 == 0)
	}
	l.Drain()

	assert.Equal(t, int64(8), l.Executions("web"))
	assert.InDelta(t, 0.5, l.SuccessRate("web"), 1e-9)
	assert.Equal(t, int64(0), l.Executions("unknown"))
	assert.Equal(t, 0.0, l.SuccessRate("unknown"))
}

func TestLoopWindowBoundedAtHundred(t *testing.T) {
	l := NewLoop(nil, nil)
	// 50 failures, then 100 successes: the failures age out of the window.
	for i := 0; i < 50; i++ {
		l.RecordOutcome("file", false)
	}
	for i := 0; i < 100; i++ {
		l.RecordOutcome("file", true)
	}
	l.Drain()

	assert.Equal(t, int64(150), l.Executions("file"))
	assert.InDelta(t, 1.0, l.SuccessRate("file"), 1e-9)
}

func TestLoopTrend(t *testing.T) {
	l := NewLoop(nil, nil)

	// Prior quarter all failures, last quarter all successes.
	for i := 0; i < 60; i++ {
		l.RecordOutcome("up", false)
	}
	for i := 0; i < 20; i++ {
		l.RecordOutcome("up", true)
	}
	l.Drain()
	assert.Equal(t, TrendImproving, l.ToolTrend("up"))

	for i := 0; i < 60; i++ {
		l.RecordOutcome("down", true)
	}
	for i := 0; i < 20; i++ {
		l.RecordOutcome("down", false)
	}
	l.Drain()
	assert.Equal(t, TrendDeclining, l.ToolTrend("down"))

	for i := 0; i < 80; i++ {
		l.RecordOutcome("flat", true)
	}
	l.Drain()
	assert.Equal(t, TrendStable, l.ToolTrend("flat"))

	assert.Equal(t, TrendStable, l.ToolTrend("never-seen"))
}

func TestRouterBoostBounds(t *testing.T) {
	l := NewLoop(nil, nil)

	// Below five observations the boost stays neutral.
	for i := 0; i < 4; i++ {
		l.RecordRouting("semantic", true)
	}
	l.Drain()
	assert.Equal(t, 0.0, l.RouterBoost("semantic"))

	l.RecordRouting("semantic", true)
	l.Drain()
	assert.InDelta(t, 0.2, l.RouterBoost("semantic"), 1e-9)

	for i := 0; i < 10; i++ {
		l.RecordRouting("episodic", false)
	}
	l.Drain()
	assert.InDelta(t, -0.2, l.RouterBoost("episodic"), 1e-9)

	assert.Equal(t, 0.0, l.RouterBoost("procedural"))
}

func TestCalibrationFactor(t *testing.T) {
	l := NewLoop(nil, nil)

	// Fewer than ten samples in the decile: calibrated by assumption.
	assert.Equal(t, 1.0, l.CalibrationFactor("route", 0.75))

	// 20 predictions at ~0.75 that succeed only half the time: the factor
	// reports overconfidence (observed 0.5 against midpoint 0.75).
	for i := 0; i < 20; i++ {
		l.RecordPrediction("route", 0.75, i%2 == 0)
	}
	l.Drain()
	assert.InDelta(t, 0.5/0.75, l.CalibrationFactor("route", 0.78), 1e-9)

	// Other deciles are unaffected.
	assert.Equal(t, 1.0, l.CalibrationFactor("route", 0.25))
}

func TestDecileEdges(t *testing.T) {
	assert.Equal(t, 0, decile(-0.3))
	assert.Equal(t, 0, decile(0))
	assert.Equal(t, 9, decile(0.999))
	assert.Equal(t, 9, decile(1))
	assert.Equal(t, 9, decile(1.7))
	assert.Equal(t, 4, decile(0.45))
}

func TestExperienceForThreshold(t *testing.T) {
	l := NewLoop(nil, nil)
	for i := 0; i < 4; i++ {
		l.RecordOutcome("terminal", true)
	}
	l.Drain()
	assert.Nil(t, l.ExperienceFor("terminal", 5))

	l.RecordOutcome("terminal", true)
	l.Drain()
	exp := l.ExperienceFor("terminal", 5)
	require.NotNil(t, exp)
	assert.Equal(t, int64(5), exp.Executions)
	assert.InDelta(t, 1.0, exp.SuccessRate, 1e-9)
	assert.Equal(t, TrendStable, exp.Trend)
}

type fixedAger struct{ age float64 }

func (f fixedAger) AgeDays(time.Time) float64 { return f.age }

func TestWindowDropsStaleOutcomes(t *testing.T) {
	l := NewLoop(nil, fixedAger{age: 10})
	l.RecordOutcome("stale", true)
	l.RecordOutcome("stale", true)
	l.Drain()

	// Everything in the window is older than seven active days.
	assert.Equal(t, 0.0, l.SuccessRate("stale"))
	assert.Equal(t, int64(2), l.Executions("stale"))
}
