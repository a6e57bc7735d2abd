// Package monitor runs the per-source frame loop: pull a frame, detect,
// associate helmets with persons, advance the violation tracker and publish
// alerts and counters. One Monitor serves exactly one video source.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/hardhat/internal/engine"
	"github.com/andresmejia3/hardhat/internal/monitoring"
	"github.com/andresmejia3/hardhat/internal/types"
)

// FrameSource yields encoded frames in order. It returns io.EOF when the stream ends.
type FrameSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// Detector runs detection and tracking for both classes on one frame.
type Detector interface {
	Detect(ctx context.Context, frame []byte) (persons, helmets []types.Detection, err error)
}

// AlertSink receives alerts in emission order.
type AlertSink interface {
	Alert(ctx context.Context, ev types.AlertEvent) error
}

// FrameReport is published after every successfully processed frame.
type FrameReport struct {
	Source      string
	Index       int
	Time        time.Time
	Association *engine.Association
	Alerts      []types.AlertEvent
	Totals      engine.Totals
}

// Config tunes a Monitor. Zero values fall back to the engine defaults.
type Config struct {
	TopFraction      float64
	Timeout          time.Duration
	FPSWindow        int
	SkipFailedFrames bool
	// MaxFailedFrames stops a skipping monitor after that many consecutive
	// failed frames. Defaults to DefaultMaxFailedFrames.
	MaxFailedFrames int

	// Now is the clock used for violation timing. Defaults to time.Now.
	Now func() time.Time
	// OnFrame and OnFPS are called from the monitor goroutine.
	OnFrame func(FrameReport)
	OnFPS   func(fps float64)
}

// DefaultMaxFailedFrames bounds consecutive skipped frames. A dead detector
// fails every frame and a camera stream never ends.
const DefaultMaxFailedFrames = 25

func (c Config) withDefaults() Config {
	if c.TopFraction == 0 {
		c.TopFraction = engine.DefaultTopFraction
	}
	if c.Timeout == 0 {
		c.Timeout = engine.DefaultViolationTimeout
	}
	if c.FPSWindow <= 0 {
		c.FPSWindow = engine.DefaultFPSWindow
	}
	if c.MaxFailedFrames <= 0 {
		c.MaxFailedFrames = DefaultMaxFailedFrames
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Monitor owns the violation state for one source. Run must be called at most once.
type Monitor struct {
	name  string
	src   FrameSource
	det   Detector
	sinks []AlertSink
	cfg   Config

	tracker *engine.ViolationTracker
	agg     *engine.FrameAggregator
	rate    *engine.RateEstimator

	stopping atomic.Bool
	done     chan struct{}
	err      error
	ended    time.Time
}

// New wires a monitor for one source.
func New(name string, src FrameSource, det Detector, cfg Config, sinks ...AlertSink) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		name:    name,
		src:     src,
		det:     det,
		sinks:   sinks,
		cfg:     cfg,
		tracker: engine.NewViolationTracker(),
		agg:     engine.NewFrameAggregator(cfg.Now()),
		rate:    engine.NewRateEstimator(cfg.FPSWindow),
		done:    make(chan struct{}),
	}
}

// Start runs the monitor on its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	go func() { _ = m.Run(ctx) }()
}

// Stop requests a cooperative stop. The current frame is finished first.
func (m *Monitor) Stop() { m.stopping.Store(true) }

// Done is closed once Run has returned.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Wait blocks until Run returns and reports its error. The frame source may
// be released only after Wait returns.
func (m *Monitor) Wait() error {
	<-m.done
	return m.err
}

// Totals returns the session counters. Only safe to call after Wait.
func (m *Monitor) Totals() engine.Totals { return m.agg.Totals() }

// Elapsed is the session duration up to the moment Run returned. Only safe to call after Wait.
func (m *Monitor) Elapsed() time.Duration { return m.agg.Elapsed(m.ended) }

// Run processes frames until the source ends, Stop is called or ctx is
// cancelled. A stop request or end of stream returns nil.
func (m *Monitor) Run(ctx context.Context) (err error) {
	defer func() {
		m.ended = m.cfg.Now()
		m.err = err
		close(m.done)
	}()

	start := m.cfg.Now()
	m.agg.Reset(start)
	m.rate.Start(start)
	m.lifecycle(ctx, types.SeverityInfo, "monitoring started")
	defer m.lifecycle(ctx, types.SeverityInfo, "monitoring stopped")

	index, failed := 0, 0
	for {
		// Stop and cancellation are only honoured between frames.
		if m.stopping.Load() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, err := m.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			m.lifecycle(ctx, types.SeverityWarning, "video stream ended")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.lifecycle(ctx, types.SeverityError, fmt.Sprintf("frame source failed: %v", err))
			return fmt.Errorf("read frame %d: %w", index+1, err)
		}
		index++

		if err := m.process(ctx, index, frame); err != nil {
			// A detector killed on shutdown fails mid-frame; that is still a stop.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.lifecycle(ctx, types.SeverityError, err.Error())
			if !m.cfg.SkipFailedFrames {
				return err
			}
			failed++
			if failed >= m.cfg.MaxFailedFrames {
				return fmt.Errorf("%d consecutive frames failed: %w", failed, err)
			}
			monitoring.Logf("%s: skipping frame %d: %v", m.name, index, err)
			continue
		}
		failed = 0
	}
}

// process is local-fatal: on error nothing from this frame reaches the tracker.
func (m *Monitor) process(ctx context.Context, index int, frame []byte) error {
	persons, helmets, err := m.det.Detect(ctx, frame)
	if err != nil {
		return fmt.Errorf("frame %d: detect: %w", index, err)
	}
	assoc, err := engine.Associate(persons, helmets, m.cfg.TopFraction)
	if err != nil {
		return fmt.Errorf("frame %d: associate: %w", index, err)
	}

	now := m.cfg.Now()
	alerts := m.tracker.Tick(now, assoc.NonCompliantIDs(), m.cfg.Timeout)
	m.agg.Update(assoc.CompliantCount(), assoc.NonCompliantCount())
	totals := m.agg.RecordAlerts(alerts)

	if fps, ok := m.rate.Tick(now); ok && m.cfg.OnFPS != nil {
		m.cfg.OnFPS(fps)
	}

	for i := range alerts {
		alerts[i].Source = m.name
		m.publish(ctx, alerts[i])
	}

	if m.cfg.OnFrame != nil {
		m.cfg.OnFrame(FrameReport{
			Source:      m.name,
			Index:       index,
			Time:        now,
			Association: assoc,
			Alerts:      alerts,
			Totals:      totals,
		})
	}
	return nil
}

func (m *Monitor) lifecycle(ctx context.Context, sev types.Severity, msg string) {
	m.publish(ctx, types.AlertEvent{
		Kind:     types.AlertLifecycle,
		Severity: sev,
		Message:  msg,
		Time:     m.cfg.Now(),
		Source:   m.name,
	})
}

// publish delivers to every sink. Sinks still receive the final lifecycle
// alerts after ctx is cancelled.
func (m *Monitor) publish(ctx context.Context, ev types.AlertEvent) {
	ctx = context.WithoutCancel(ctx)
	for _, s := range m.sinks {
		if err := s.Alert(ctx, ev); err != nil {
			monitoring.Logf("%s: alert sink failed: %v", m.name, err)
		}
	}
}
