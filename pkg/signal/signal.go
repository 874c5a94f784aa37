// Package signal implements the append-only per-token signal event log.
//
// Events are never mutated or deleted; the readiness evaluator derives all of
// its trailing-window metrics fresh from this log on every run.
package signal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the signal event kind.
type Kind string

const (
	KindSeen            Kind = "SEEN"
	KindConfirmed       Kind = "CONFIRMED"
	KindPromotedToWatch Kind = "PROMOTED_TO_WATCH"
	KindExpired         Kind = "EXPIRED"
	KindDemoted         Kind = "DEMOTED"
)

var ErrInvalidKind = errors.New("invalid signal event kind")

// Event is a single immutable observation about a token.
type Event struct {
	ID        string         `json:"id"`
	Token     string         `json:"token"`
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Facts     map[string]any `json:"facts,omitempty"`
}

// Metrics are the trailing-window aggregates behind Gates A and C.
type Metrics struct {
	Token        string
	Seen7d       int
	SeenDays7d   int
	Confirmed30d int
	Expired30d   int
	LastSeenAt   time.Time
	HasSeenEver  bool
}

// Store is the SQLite-backed signal event log.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens the store and ensures its schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS signal_events (
		id     TEXT PRIMARY KEY,
		token  TEXT NOT NULL,
		kind   TEXT NOT NULL,
		ts     TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		facts  TEXT
	);
	CREATE INDEX IF NOT EXISTS signal_events_token_ts_idx ON signal_events (token, ts);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func validKind(k Kind) bool {
	switch k {
	case KindSeen, KindConfirmed, KindPromotedToWatch, KindExpired, KindDemoted:
		return true
	}
	return false
}

// Append records an event. The timestamp defaults to now if zero.
func (s *Store) Append(ctx context.Context, token string, kind Kind, ts time.Time, source string, facts map[string]any) (*Event, error) {
	if token == "" {
		return nil, errors.New("signal: token is required")
	}
	if !validKind(kind) {
		return nil, fmt.Errorf("signal: %w: %q", ErrInvalidKind, kind)
	}
	if ts.IsZero() {
		ts = s.now()
	}
	ev := &Event{
		ID:        uuid.New().String(),
		Token:     token,
		Kind:      kind,
		Timestamp: ts.UTC(),
		Source:    source,
		Facts:     facts,
	}

	factsJSON, _ := json.Marshal(ev.Facts)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signal_events (id, token, kind, ts, source, facts) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Token, string(ev.Kind), ev.Timestamp.Format(time.RFC3339Nano), ev.Source, string(factsJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert signal event: %w", err)
	}
	return ev, nil
}

// Tokens returns every token that has at least one event.
func (s *Store) Tokens(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT token FROM signal_events ORDER BY token`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// MetricsFor computes the trailing-window aggregates for a token at asOf.
// Calendar days are UTC days.
func (s *Store) MetricsFor(ctx context.Context, token string, asOf time.Time) (*Metrics, error) {
	asOf = asOf.UTC()
	cut7 := asOf.AddDate(0, 0, -7).Format(time.RFC3339Nano)
	cut30 := asOf.AddDate(0, 0, -30).Format(time.RFC3339Nano)
	upper := asOf.Format(time.RFC3339Nano)

	m := &Metrics{Token: token}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN kind = 'SEEN' AND ts >= ? AND ts <= ? THEN 1 END),
			COUNT(DISTINCT CASE WHEN kind = 'SEEN' AND ts >= ? AND ts <= ? THEN substr(ts, 1, 10) END),
			COUNT(CASE WHEN kind = 'CONFIRMED' AND ts >= ? AND ts <= ? THEN 1 END),
			COUNT(CASE WHEN kind = 'EXPIRED' AND ts >= ? AND ts <= ? THEN 1 END),
			COALESCE(MAX(CASE WHEN kind = 'SEEN' THEN ts END), '')
		FROM signal_events
		WHERE token = ?`,
		cut7, upper, cut7, upper, cut30, upper, cut30, upper, token,
	)
	var lastSeen string
	if err := row.Scan(&m.Seen7d, &m.SeenDays7d, &m.Confirmed30d, &m.Expired30d, &lastSeen); err != nil {
		return nil, fmt.Errorf("signal metrics for %s: %w", token, err)
	}
	if lastSeen != "" {
		t, err := time.Parse(time.RFC3339Nano, lastSeen)
		if err != nil {
			return nil, fmt.Errorf("signal: corrupt timestamp %q: %w", lastSeen, err)
		}
		m.LastSeenAt = t
		m.HasSeenEver = true
	}
	return m, nil
}

// Recent returns up to limit events for a token, newest first.
func (s *Store) Recent(ctx context.Context, token string, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token, kind, ts, source, facts
		FROM signal_events
		WHERE token = ?
		ORDER BY ts DESC
		LIMIT ?`, token, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var ev Event
		var kind, ts, factsJSON string
		if err := rows.Scan(&ev.ID, &ev.Token, &kind, &ts, &ev.Source, &factsJSON); err != nil {
			return nil, err
		}
		ev.Kind = Kind(kind)
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("signal: corrupt timestamp %q: %w", ts, err)
		}
		ev.Timestamp = parsed
		if factsJSON != "" && factsJSON != "null" {
			_ = json.Unmarshal([]byte(factsJSON), &ev.Facts)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
