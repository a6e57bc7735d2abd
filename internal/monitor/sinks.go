package monitor

import (
	"context"
	"io"
	"sync"

	"github.com/andresmejia3/hardhat/internal/types"
	"github.com/rs/zerolog"
)

// SinkFunc adapts a plain function to AlertSink.
type SinkFunc func(ctx context.Context, ev types.AlertEvent) error

// Alert calls f.
func (f SinkFunc) Alert(ctx context.Context, ev types.AlertEvent) error { return f(ctx, ev) }

// LogSink appends alerts to a log as JSON lines. Several monitors may share
// one LogSink.
type LogSink struct {
	mu  sync.Mutex
	log zerolog.Logger
}

// NewLogSink writes to w. The caller owns w.
func NewLogSink(w io.Writer) *LogSink {
	return &LogSink{log: zerolog.New(w)}
}

// Alert writes one line. Critical alerts are logged at error level with the
// exact severity kept in the "severity" field.
func (s *LogSink) Alert(_ context.Context, ev types.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.log.WithLevel(zerologLevel(ev.Severity)).
		Time(zerolog.TimestampFieldName, ev.Time).
		Str("severity", ev.Severity.String()).
		Str("kind", string(ev.Kind))
	if ev.Source != "" {
		e = e.Str("source", ev.Source)
	}
	if ev.HasPerson() {
		e = e.Int("person_id", int(ev.PersonID)).Dur("elapsed", ev.Elapsed)
	}
	e.Msg(ev.Message)
	return nil
}

func zerologLevel(sev types.Severity) zerolog.Level {
	switch sev {
	case types.SeverityWarning:
		return zerolog.WarnLevel
	case types.SeverityError, types.SeverityCritical:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
