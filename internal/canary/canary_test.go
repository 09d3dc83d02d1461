package canary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	assert.Equal(t, time.Duration(100), percentile(sorted, 0.95))
	assert.Equal(t, time.Duration(100), percentile(sorted, 0.99))
	assert.Equal(t, time.Duration(50), percentile(sorted, 0.50))
	assert.Equal(t, time.Duration(10), percentile(sorted, 0.01))
	assert.Equal(t, time.Duration(0), percentile(nil, 0.95))
	assert.Equal(t, time.Duration(7), percentile([]time.Duration{7}, 0.99))
}

func TestBurnRate(t *testing.T) {
	assert.InDelta(t, 1.0, BurnRate(MaxErrorRate), 1e-9)
	assert.InDelta(t, 50.0, BurnRate(0.5), 1e-9)
	assert.InDelta(t, 0.0, BurnRate(0), 1e-9)
}

func TestWindowSnapshot(t *testing.T) {
	w := NewWindow(time.Minute)
	for i := 0; i < 98; i++ {
		w.Observe(100*time.Millisecond, false)
	}
	w.Observe(3*time.Second, true)
	w.Observe(4*time.Second, true)

	snap := w.Snapshot()
	assert.Equal(t, 100, snap.Requests)
	assert.Equal(t, 2, snap.Errors)
	assert.InDelta(t, 0.02, snap.ErrorRate, 1e-9)
	assert.Equal(t, 100*time.Millisecond, snap.P95)
	assert.Equal(t, 3*time.Second, snap.P99, "the slowest pair lands at p99 of 100 samples")
}

func TestWindowPrunesOldSamples(t *testing.T) {
	w := NewWindow(30 * time.Millisecond)
	w.Observe(time.Millisecond, true)
	time.Sleep(60 * time.Millisecond)
	w.Observe(time.Millisecond, false)

	snap := w.Snapshot()
	assert.Equal(t, 1, snap.Requests)
	assert.Equal(t, 0, snap.Errors)
}

func TestGateEmptyWindowsPromote(t *testing.T) {
	g := NewGate(nil)
	assert.Equal(t, VerdictPromote, g.Evaluate(context.Background()))
}

func TestGateSmokeFailureRollsBack(t *testing.T) {
	g := NewGate(func(ctx context.Context) error { return errors.New("no answer") })
	g.Observe(10*time.Millisecond, false)
	assert.Equal(t, VerdictRollback, g.Evaluate(context.Background()))
}

func TestGateFastBurnRollsBack(t *testing.T) {
	g := NewGate(nil)
	// 20% errors: burn rate 20, far past the fast threshold.
	for i := 0; i < 10; i++ {
		g.Observe(10*time.Millisecond, i < 2)
	}
	assert.Equal(t, VerdictRollback, g.Evaluate(context.Background()))
}

func TestGateSlowBurnHolds(t *testing.T) {
	g := NewGate(nil)
	// 10% errors in the slow window only: burn rate 10 — past the slow
	// threshold but short of the fast one.
	for i := 0; i < 10; i++ {
		g.Slow.Observe(10*time.Millisecond, i == 0)
	}
	for i := 0; i < 100; i++ {
		g.Fast.Observe(10*time.Millisecond, false)
	}
	assert.Equal(t, VerdictHold, g.Evaluate(context.Background()))
}

func TestGateLatencyBreachHolds(t *testing.T) {
	g := NewGate(nil)
	for i := 0; i < 100; i++ {
		g.Observe(5*time.Second, false)
	}
	assert.Equal(t, VerdictHold, g.Evaluate(context.Background()))
}

func TestGateHealthyPromotes(t *testing.T) {
	g := NewGate(func(ctx context.Context) error { return nil })
	for i := 0; i < 100; i++ {
		g.Observe(50*time.Millisecond, false)
	}
	assert.Equal(t, VerdictPromote, g.Evaluate(context.Background()))
}
