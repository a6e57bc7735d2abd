package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andresmejia3/hardhat/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the addressed row does not exist.
var ErrNotFound = errors.New("not found")

// Store manages the PostgreSQL pool. It is safe for concurrent use, one
// monitor goroutine per source writes through the same Store.
type Store struct {
	pool *pgxpool.Pool
}

// Session is one monitoring run over one source.
type Session struct {
	ID             uuid.UUID
	Source         string
	SourceID       string
	StartedAt      time.Time
	EndedAt        *time.Time
	Frames         int
	CriticalAlerts int
}

// Alert is a persisted alert.
type Alert struct {
	ID           int64
	SessionID    uuid.UUID
	Source       string
	Severity     types.Severity
	Kind         types.AlertKind
	PersonID     *int
	Message      string
	Elapsed      time.Duration
	RaisedAt     time.Time
	Acknowledged bool
}

// AlertFilter narrows ListAlerts. Zero values match everything.
type AlertFilter struct {
	SessionID      uuid.UUID
	MinSeverity    types.Severity
	Unacknowledged bool
	Limit          int
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS monitor_sessions (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			source_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			frames INT NOT NULL DEFAULT 0,
			critical_alerts INT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES monitor_sessions(id) ON DELETE CASCADE,
			severity TEXT NOT NULL,
			level SMALLINT NOT NULL,
			kind TEXT NOT NULL,
			person_id INT,
			message TEXT NOT NULL,
			elapsed_ms BIGINT NOT NULL DEFAULT 0,
			raised_at TIMESTAMPTZ NOT NULL,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS alerts_session_id_idx ON alerts (session_id);
		CREATE INDEX IF NOT EXISTS alerts_raised_at_idx ON alerts (raised_at);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateSession registers a new monitoring run and returns its id.
func (s *Store) CreateSession(ctx context.Context, source, sourceID string, startedAt time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO monitor_sessions (id, source, source_id, started_at)
		VALUES ($1::uuid, $2, $3, $4)
	`, id.String(), source, sourceID, startedAt)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// FinishSession records the end of a run with its final counters.
func (s *Store) FinishSession(ctx context.Context, id uuid.UUID, endedAt time.Time, frames, criticalAlerts int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE monitor_sessions SET ended_at = $2, frames = $3, critical_alerts = $4
		WHERE id = $1::uuid
	`, id.String(), endedAt, frames, criticalAlerts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// InsertAlert stores one alert for a session and returns its id.
func (s *Store) InsertAlert(ctx context.Context, sessionID uuid.UUID, ev types.AlertEvent) (int64, error) {
	var personID *int
	if ev.HasPerson() {
		p := int(ev.PersonID)
		personID = &p
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO alerts (session_id, severity, level, kind, person_id, message, elapsed_ms, raised_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, sessionID.String(), ev.Severity.String(), int16(ev.Severity), string(ev.Kind), personID,
		ev.Message, ev.Elapsed.Milliseconds(), ev.Time).Scan(&id)
	return id, err
}

// ListAlerts returns alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.SessionID != uuid.Nil {
		args = append(args, f.SessionID.String())
		where = append(where, fmt.Sprintf("a.session_id = $%d::uuid", len(args)))
	}
	if f.MinSeverity > types.SeverityInfo {
		args = append(args, int16(f.MinSeverity))
		where = append(where, fmt.Sprintf("a.level >= $%d", len(args)))
	}
	if f.Unacknowledged {
		where = append(where, "NOT a.acknowledged")
	}

	query := `
		SELECT a.id, a.session_id::text, m.source, a.level, a.kind, a.person_id,
		       a.message, a.elapsed_ms, a.raised_at, a.acknowledged
		FROM alerts a JOIN monitor_sessions m ON m.id = a.session_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY a.raised_at DESC, a.id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var (
			a         Alert
			sessionID string
			level     int16
			kind      string
			elapsedMs int64
		)
		if err := rows.Scan(&a.ID, &sessionID, &a.Source, &level, &kind, &a.PersonID,
			&a.Message, &elapsedMs, &a.RaisedAt, &a.Acknowledged); err != nil {
			return nil, err
		}
		if a.SessionID, err = uuid.Parse(sessionID); err != nil {
			return nil, fmt.Errorf("alert %d: %w", a.ID, err)
		}
		a.Severity = types.Severity(level)
		a.Kind = types.AlertKind(kind)
		a.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

const sessionColumns = "id::text, source, source_id, started_at, ended_at, frames, critical_alerts"

func scanSession(row pgx.Row) (Session, error) {
	var (
		sess Session
		id   string
	)
	if err := row.Scan(&id, &sess.Source, &sess.SourceID, &sess.StartedAt, &sess.EndedAt,
		&sess.Frames, &sess.CriticalAlerts); err != nil {
		return Session{}, err
	}
	var err error
	sess.ID, err = uuid.Parse(id)
	return sess, err
}

// ListSessions returns every session, most recent first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+sessionColumns+" FROM monitor_sessions ORDER BY started_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ErrBadPrefix is returned for session prefixes that cannot be part of a UUID.
var ErrBadPrefix = errors.New("session prefix must be 1-36 hex digits or dashes")

func validSessionPrefix(p string) bool {
	if p == "" || len(p) > 36 {
		return false
	}
	for _, r := range p {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r == '-':
		default:
			return false
		}
	}
	return true
}

// GetSession looks up one session by id or by a unique id prefix.
func (s *Store) GetSession(ctx context.Context, idOrPrefix string) (Session, error) {
	idOrPrefix = strings.ToLower(idOrPrefix)
	if !validSessionPrefix(idOrPrefix) {
		return Session{}, fmt.Errorf("%q: %w", idOrPrefix, ErrBadPrefix)
	}
	rows, err := s.pool.Query(ctx, "SELECT "+sessionColumns+
		" FROM monitor_sessions WHERE id::text LIKE $1 || '%' LIMIT 2", idOrPrefix)
	if err != nil {
		return Session{}, err
	}
	defer rows.Close()

	var found []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return Session{}, err
		}
		found = append(found, sess)
	}
	if err := rows.Err(); err != nil {
		return Session{}, err
	}
	switch len(found) {
	case 0:
		return Session{}, fmt.Errorf("session %q: %w", idOrPrefix, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return Session{}, fmt.Errorf("session prefix %q is ambiguous", idOrPrefix)
	}
}

// AcknowledgeAlert marks an alert as handled by an operator.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, "UPDATE alerts SET acknowledged = TRUE WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %d: %w", id, ErrNotFound)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS alerts CASCADE;
		DROP TABLE IF EXISTS monitor_sessions CASCADE;
	`)
	return err
}

// SessionSink persists the alerts of one session. It satisfies the monitor's
// alert sink interface.
type SessionSink struct {
	store     *Store
	sessionID uuid.UUID
}

// Sink returns an alert sink bound to a session.
func (s *Store) Sink(sessionID uuid.UUID) *SessionSink {
	return &SessionSink{store: s, sessionID: sessionID}
}

// Alert inserts ev.
func (k *SessionSink) Alert(ctx context.Context, ev types.AlertEvent) error {
	_, err := k.store.InsertAlert(ctx, k.sessionID, ev)
	return err
}
