// Package proposal classifies readiness gates into immutable, deduplicated
// trade proposals.
//
// Proposals are append-only: at most one row exists per (token, action, UTC
// calendar day), enforced by a content hash, and rows are never updated or
// deleted. Re-running the generator mid-day is always safe.
package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/novatrade/alphapipe/pkg/canonicalize"
	"github.com/novatrade/alphapipe/pkg/readiness"
)

// Action is the classified recommendation for a token.
type Action string

const (
	ActionWouldTrade Action = "WOULD_TRADE"
	ActionWouldWatch Action = "WOULD_WATCH"
	ActionWouldSkip  Action = "WOULD_SKIP"
)

var ErrNotFound = errors.New("proposal not found")

// Proposal is one immutable classified recommendation.
type Proposal struct {
	ID          string           `json:"proposal_id"`
	CreatedAt   time.Time        `json:"ts"`
	AgentID     string           `json:"agent_id"`
	Token       string           `json:"token"`
	Venue       string           `json:"venue,omitempty"`
	Symbol      string           `json:"symbol,omitempty"`
	Action      Action           `json:"action"`
	NotionalUSD float64          `json:"notional_usd,omitempty"`
	Confidence  float64          `json:"confidence"`
	Rationale   string           `json:"rationale"`
	Gates       *readiness.Gates `json:"gates"`
	Payload     json.RawMessage  `json:"payload"`
	Hash        string           `json:"proposal_hash"`
}

// computeHash keys the dedup hash by (token, action, UTC day). A venue or
// symbol remap mid-day therefore does not mint a second proposal for the
// same decision.
func computeHash(token string, action Action, day string) (string, error) {
	return canonicalize.CanonicalHash(map[string]string{
		"token":   token,
		"action":  string(action),
		"utc_day": day,
	})
}

// Classify maps gate results to an action: all four clear trades, A as the
// sole failing gate watches, everything else skips.
func Classify(g *readiness.Gates) Action {
	if g.AllClear() {
		return ActionWouldTrade
	}
	if !g.MemoryMaturity && g.VenueFeasible && g.FreshEnough && g.PolicyClear {
		return ActionWouldWatch
	}
	return ActionWouldSkip
}

// Rationale builds the operator-facing one-liner for an action.
func Rationale(action Action, blockers []string) string {
	switch action {
	case ActionWouldTrade:
		return "CLEAR: all gates pass (A-D)."
	case ActionWouldWatch:
		if len(blockers) == 0 {
			return "WATCH: needs review"
		}
		return "WATCH: " + strings.Join(blockers, ",")
	default:
		if len(blockers) == 0 {
			return "SKIP: blocked"
		}
		return "SKIP: " + strings.Join(blockers, ",")
	}
}

// Store is the SQLite-backed proposal table.
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
	CREATE TABLE IF NOT EXISTS proposals (
		id            TEXT PRIMARY KEY,
		created_at    TEXT NOT NULL,
		agent_id      TEXT NOT NULL,
		token         TEXT NOT NULL,
		venue         TEXT NOT NULL DEFAULT '',
		symbol        TEXT NOT NULL DEFAULT '',
		action        TEXT NOT NULL,
		notional_usd  REAL,
		confidence    REAL,
		rationale     TEXT NOT NULL DEFAULT '',
		gates         TEXT,
		payload       TEXT,
		proposal_hash TEXT NOT NULL UNIQUE
	);
	CREATE INDEX IF NOT EXISTS proposals_token_idx ON proposals (token, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Insert writes p unless a proposal with the same hash already exists.
// Returns true when a new row was created.
func (s *Store) Insert(ctx context.Context, p *Proposal) (bool, error) {
	gatesJSON, err := json.Marshal(p.Gates)
	if err != nil {
		return false, fmt.Errorf("proposal: marshal gates: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, created_at, agent_id, token, venue, symbol, action,
		                       notional_usd, confidence, rationale, gates, payload, proposal_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (proposal_hash) DO NOTHING`,
		p.ID, p.CreatedAt.UTC().Format(time.RFC3339Nano), p.AgentID, p.Token, p.Venue, p.Symbol,
		string(p.Action), p.NotionalUSD, p.Confidence, p.Rationale,
		string(gatesJSON), string(p.Payload), p.Hash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns one proposal by id.
func (s *Store) Get(ctx context.Context, id string) (*Proposal, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanProposal(rows)
}

// List returns up to limit proposals, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*Proposal, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const selectColumns = `
	SELECT id, created_at, agent_id, token, venue, symbol, action,
	       notional_usd, confidence, rationale, gates, payload, proposal_hash
	FROM proposals`

func scanProposal(rows *sql.Rows) (*Proposal, error) {
	var (
		p         Proposal
		createdAt string
		action    string
		notional  sql.NullFloat64
		conf      sql.NullFloat64
		gatesJSON sql.NullString
		payload   sql.NullString
	)
	if err := rows.Scan(&p.ID, &createdAt, &p.AgentID, &p.Token, &p.Venue, &p.Symbol, &action,
		&notional, &conf, &p.Rationale, &gatesJSON, &payload, &p.Hash); err != nil {
		return nil, err
	}
	p.Action = Action(action)
	p.NotionalUSD = notional.Float64
	p.Confidence = conf.Float64

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("proposal: corrupt created_at %q: %w", createdAt, err)
	}
	p.CreatedAt = t

	if gatesJSON.Valid && gatesJSON.String != "" {
		var g readiness.Gates
		if err := json.Unmarshal([]byte(gatesJSON.String), &g); err == nil {
			p.Gates = &g
		}
	}
	if payload.Valid {
		p.Payload = json.RawMessage(payload.String)
	}
	return &p, nil
}
