package engine

import (
	"time"

	"github.com/andresmejia3/hardhat/internal/types"
)

// DefaultFPSWindow is the number of frames per frames-per-second sample.
const DefaultFPSWindow = 30

// Totals is the running view handed to the presentation layer after each frame.
type Totals struct {
	// Counts for the most recent frame.
	Compliant    int
	NonCompliant int

	Frames           int
	CompliantSeen    int
	NonCompliantSeen int
	CriticalAlerts   int
	SessionStart     time.Time
}

// FrameAggregator keeps per-session counters. It resets only when a new
// session starts.
type FrameAggregator struct {
	totals Totals
}

// NewFrameAggregator starts a session at start.
func NewFrameAggregator(start time.Time) *FrameAggregator {
	return &FrameAggregator{totals: Totals{SessionStart: start}}
}

// Update records one frame's counts and returns the current totals.
func (a *FrameAggregator) Update(compliant, nonCompliant int) Totals {
	a.totals.Compliant = compliant
	a.totals.NonCompliant = nonCompliant
	a.totals.Frames++
	a.totals.CompliantSeen += compliant
	a.totals.NonCompliantSeen += nonCompliant
	return a.totals
}

// RecordAlerts counts critical alerts toward the session total.
func (a *FrameAggregator) RecordAlerts(alerts []types.AlertEvent) Totals {
	for _, ev := range alerts {
		if ev.Severity == types.SeverityCritical {
			a.totals.CriticalAlerts++
		}
	}
	return a.totals
}

// Totals returns the current totals.
func (a *FrameAggregator) Totals() Totals { return a.totals }

// Elapsed returns the session duration at now.
func (a *FrameAggregator) Elapsed(now time.Time) time.Duration {
	return now.Sub(a.totals.SessionStart)
}

// Reset starts a new session at now.
func (a *FrameAggregator) Reset(now time.Time) {
	a.totals = Totals{SessionStart: now}
}

// RateEstimator samples frames-per-second over fixed windows of frames.
type RateEstimator struct {
	window      int
	count       int
	windowStart time.Time
}

// NewRateEstimator returns an estimator that reports once every window ticks.
// A non-positive window falls back to DefaultFPSWindow.
func NewRateEstimator(window int) *RateEstimator {
	if window <= 0 {
		window = DefaultFPSWindow
	}
	return &RateEstimator{window: window}
}

// Start sets the beginning of the first window.
func (r *RateEstimator) Start(now time.Time) {
	r.count = 0
	r.windowStart = now
}

// Tick counts one processed frame. Every window-th call it returns the rate
// over the window that just closed and opens a new one.
func (r *RateEstimator) Tick(now time.Time) (fps float64, ok bool) {
	if r.windowStart.IsZero() {
		r.windowStart = now
	}
	r.count++
	if r.count%r.window != 0 {
		return 0, false
	}
	elapsed := now.Sub(r.windowStart)
	r.windowStart = now
	if elapsed <= 0 {
		return 0, false
	}
	return float64(r.window) / elapsed.Seconds(), true
}
