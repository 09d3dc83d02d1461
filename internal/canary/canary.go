// Package canary evaluates rollout health: a rolling SLO window over
// pipeline requests plus a synthetic smoke check, combined into a
// promote/hold/rollback verdict for deploy tooling.
package canary

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SLO thresholds for the request pipeline.
const (
	MaxErrorRate = 0.01
	MaxP95       = 1 * time.Second
	MaxP99       = 2 * time.Second

	// Multi-window burn rates per the standard fast/slow alert pair:
	// the fast window catches outages, the slow window catches slow
	// bleeds that would exhaust the error budget within days.
	FastBurnThreshold = 14.4
	SlowBurnThreshold = 6.0
)

// Verdict is the gate decision.
type Verdict string

const (
	VerdictPromote  Verdict = "promote"
	VerdictHold     Verdict = "hold"
	VerdictRollback Verdict = "rollback"
)

type sample struct {
	at       time.Time
	duration time.Duration
	failed   bool
}

// Window is a rolling observation window of request outcomes.
type Window struct {
	mu      sync.Mutex
	span    time.Duration
	samples []sample
}

func NewWindow(span time.Duration) *Window {
	if span <= 0 {
		span = 5 * time.Minute
	}
	return &Window{span: span}
}

// Observe records one request outcome.
func (w *Window) Observe(duration time.Duration, failed bool) {
	now := time.Now()
	w.mu.Lock()
	w.samples = append(w.samples, sample{at: now, duration: duration, failed: failed})
	w.prune(now)
	w.mu.Unlock()
}

// prune requires the lock to be held.
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// Snapshot summarizes the current window.
type Snapshot struct {
	Requests  int           `json:"requests"`
	Errors    int           `json:"errors"`
	ErrorRate float64       `json:"error_rate"`
	P95       time.Duration `json:"p95_ns"`
	P99       time.Duration `json:"p99_ns"`
}

func (w *Window) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(time.Now())

	snap := Snapshot{Requests: len(w.samples)}
	if snap.Requests == 0 {
		return snap
	}

	durations := make([]time.Duration, 0, len(w.samples))
	for _, s := range w.samples {
		if s.failed {
			snap.Errors++
		}
		durations = append(durations, s.duration)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	snap.ErrorRate = float64(snap.Errors) / float64(snap.Requests)
	snap.P95 = percentile(durations, 0.95)
	snap.P99 = percentile(durations, 0.99)
	return snap
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// BurnRate is the observed error rate divided by the SLO budget rate.
// A burn rate of 1.0 spends the budget exactly at its allotted pace.
func BurnRate(errorRate float64) float64 {
	return errorRate / MaxErrorRate
}

// SmokeFunc runs one synthetic end-to-end request and reports whether
// the pipeline answered correctly.
type SmokeFunc func(ctx context.Context) error

// Gate combines fast and slow SLO windows with a smoke check.
type Gate struct {
	Fast  *Window
	Slow  *Window
	smoke SmokeFunc
}

func NewGate(smoke SmokeFunc) *Gate {
	return &Gate{
		Fast:  NewWindow(5 * time.Minute),
		Slow:  NewWindow(1 * time.Hour),
		smoke: smoke,
	}
}

// Observe feeds both windows.
func (g *Gate) Observe(duration time.Duration, failed bool) {
	g.Fast.Observe(duration, failed)
	g.Slow.Observe(duration, failed)
}

// Evaluate renders the gate verdict. A failing smoke check or a fast
// burn is an immediate rollback; a slow burn or latency breach holds;
// otherwise the rollout may promote.
func (g *Gate) Evaluate(ctx context.Context) Verdict {
	if g.smoke != nil {
		if err := g.smoke(ctx); err != nil {
			log.Error().Err(err).Msg("smoke check failed")
			return VerdictRollback
		}
	}

	fast := g.Fast.Snapshot()
	slow := g.Slow.Snapshot()

	if fast.Requests > 0 && BurnRate(fast.ErrorRate) >= FastBurnThreshold {
		log.Error().Float64("burn_rate", BurnRate(fast.ErrorRate)).Msg("fast error budget burn")
		return VerdictRollback
	}
	if slow.Requests > 0 && BurnRate(slow.ErrorRate) >= SlowBurnThreshold {
		log.Warn().Float64("burn_rate", BurnRate(slow.ErrorRate)).Msg("slow error budget burn")
		return VerdictHold
	}
	if fast.Requests > 0 && (fast.P95 > MaxP95 || fast.P99 > MaxP99) {
		log.Warn().
			Dur("p95", fast.P95).
			Dur("p99", fast.P99).
			Msg("latency objective breached")
		return VerdictHold
	}
	return VerdictPromote
}
