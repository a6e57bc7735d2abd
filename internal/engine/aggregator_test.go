package engine

import (
	"testing"
	"time"

	"github.com/andresmejia3/hardhat/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestFrameAggregator_Update(t *testing.T) {
	agg := NewFrameAggregator(at(0))

	agg.Update(2, 1)
	got := agg.Update(0, 3)

	assert.Equal(t, 0, got.Compliant)
	assert.Equal(t, 3, got.NonCompliant)
	assert.Equal(t, 2, got.Frames)
	assert.Equal(t, 2, got.CompliantSeen)
	assert.Equal(t, 4, got.NonCompliantSeen)
	assert.Equal(t, at(0), got.SessionStart)
}

func TestFrameAggregator_CountsCriticalAlertsOnly(t *testing.T) {
	agg := NewFrameAggregator(at(0))
	agg.RecordAlerts([]types.AlertEvent{
		{Severity: types.SeverityCritical},
		{Severity: types.SeverityInfo},
		{Severity: types.SeverityWarning},
	})
	got := agg.RecordAlerts([]types.AlertEvent{{Severity: types.SeverityCritical}})
	assert.Equal(t, 2, got.CriticalAlerts)
	assert.Equal(t, 2, agg.Totals().CriticalAlerts)
}

func TestFrameAggregator_ElapsedAndReset(t *testing.T) {
	agg := NewFrameAggregator(at(0))
	agg.Update(1, 1)
	agg.RecordAlerts([]types.AlertEvent{{Severity: types.SeverityCritical}})

	assert.Equal(t, 90*time.Second, agg.Elapsed(at(90)))

	agg.Reset(at(100))
	assert.Equal(t, Totals{SessionStart: at(100)}, agg.Totals())
	assert.Equal(t, time.Duration(0), agg.Elapsed(at(100)))
}

func TestRateEstimator_ReportsOncePerWindow(t *testing.T) {
	r := NewRateEstimator(DefaultFPSWindow)
	r.Start(at(0))

	var reports []float64
	now := at(0)
	for i := 1; i <= 90; i++ {
		// 20 fps for the first 60 frames, 10 fps afterwards.
		step := 50 * time.Millisecond
		if i > 60 {
			step = 100 * time.Millisecond
		}
		now = now.Add(step)
		if fps, ok := r.Tick(now); ok {
			reports = append(reports, fps)
		}
	}

	if assert.Len(t, reports, 3) {
		assert.InDelta(t, 20.0, reports[0], 1e-6)
		assert.InDelta(t, 20.0, reports[1], 1e-6)
		assert.InDelta(t, 10.0, reports[2], 1e-6)
	}
}

func TestRateEstimator_DefaultWindow(t *testing.T) {
	r := NewRateEstimator(0)
	r.Start(at(0))
	n := 0
	for i := 1; i <= 29; i++ {
		if _, ok := r.Tick(at(float64(i))); ok {
			n++
		}
	}
	assert.Zero(t, n)
	fps, ok := r.Tick(at(30))
	assert.True(t, ok)
	assert.InDelta(t, 1.0, fps, 1e-9)
}
