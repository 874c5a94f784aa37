// Package approval ingests human decisions about proposals.
//
// Rows arrive from an external channel and are append-only; idempotency is a
// unique row hash, so re-ingesting the same source rows is a no-op. "Latest
// decision" is a derived read, never a stored mutation.
package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/novatrade/alphapipe/pkg/canonicalize"
)

// Decision is a normalized human decision.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionDeny    Decision = "DENY"
	DecisionHold    Decision = "HOLD"
)

var ErrInvalidDecision = errors.New("invalid approval decision")

// NormalizeDecision maps friendly inputs onto the canonical decisions.
func NormalizeDecision(raw string) (Decision, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	switch v {
	case "APPROVED", "YES", "Y":
		v = "APPROVE"
	case "DENIED", "NO", "N":
		v = "DENY"
	case "WAIT":
		v = "HOLD"
	}
	switch Decision(v) {
	case DecisionApprove, DecisionDeny, DecisionHold:
		return Decision(v), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDecision, raw)
}

// Approval is one ingested decision row.
type Approval struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"ts"`
	AgentID      string    `json:"agent_id"`
	ProposalID   string    `json:"proposal_id,omitempty"`
	ProposalHash string    `json:"proposal_hash,omitempty"`
	Token        string    `json:"token,omitempty"`
	Decision     Decision  `json:"decision"`
	Actor        string    `json:"actor"`
	Note         string    `json:"note,omitempty"`
	Source       string    `json:"source,omitempty"`
	RowHash      string    `json:"row_hash"`
}

// Ref identifies a proposal for approval lookups. Matching preference is
// hash, then id, then token — first non-empty key wins.
type Ref struct {
	ProposalID   string
	ProposalHash string
	Token        string
}

// Registry is the SQLite-backed approval store.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// NewRegistry opens the registry and ensures its schema exists.
func NewRegistry(db *sql.DB) (*Registry, error) {
	r := &Registry{db: db, now: time.Now}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func (r *Registry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS approvals (
		id            TEXT PRIMARY KEY,
		created_at    TEXT NOT NULL,
		agent_id      TEXT NOT NULL DEFAULT '',
		proposal_id   TEXT NOT NULL DEFAULT '',
		proposal_hash TEXT NOT NULL DEFAULT '',
		token         TEXT NOT NULL DEFAULT '',
		decision      TEXT NOT NULL,
		actor         TEXT NOT NULL DEFAULT 'human',
		note          TEXT NOT NULL DEFAULT '',
		source        TEXT NOT NULL DEFAULT '',
		row_hash      TEXT NOT NULL UNIQUE
	);
	CREATE INDEX IF NOT EXISTS approvals_proposal_idx ON approvals (proposal_id, created_at);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

// RowHash derives the idempotency key for one source row.
func RowHash(ref Ref, decision Decision, actor, note string) (string, error) {
	return canonicalize.CanonicalHash(map[string]string{
		"proposal_id":   ref.ProposalID,
		"proposal_hash": ref.ProposalHash,
		"token":         ref.Token,
		"decision":      string(decision),
		"actor":         actor,
		"note":          note,
	})
}

// Record inserts a decision row unless its row hash already exists.
// Returns the stored approval and whether a new row was created.
func (r *Registry) Record(ctx context.Context, agentID string, ref Ref, decision Decision, actor, note, source string) (*Approval, bool, error) {
	switch decision {
	case DecisionApprove, DecisionDeny, DecisionHold:
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	if actor == "" {
		actor = "human"
	}

	rowHash, err := RowHash(ref, decision, actor, note)
	if err != nil {
		return nil, false, fmt.Errorf("approval row hash: %w", err)
	}

	a := &Approval{
		ID:           uuid.New().String(),
		CreatedAt:    r.now().UTC(),
		AgentID:      agentID,
		ProposalID:   ref.ProposalID,
		ProposalHash: ref.ProposalHash,
		Token:        ref.Token,
		Decision:     decision,
		Actor:        actor,
		Note:         note,
		Source:       source,
		RowHash:      rowHash,
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO approvals (id, created_at, agent_id, proposal_id, proposal_hash, token,
		                       decision, actor, note, source, row_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (row_hash) DO NOTHING`,
		a.ID, a.CreatedAt.Format(time.RFC3339Nano), a.AgentID, a.ProposalID, a.ProposalHash,
		a.Token, string(a.Decision), a.Actor, a.Note, a.Source, a.RowHash,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		existing, err := r.byRowHash(ctx, rowHash)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return a, true, nil
}

// Latest returns the most recent decision matching ref, or nil when none
// exists. The hash key is tried first, then the proposal id, then the token;
// a key with no matching row falls through to the next, so a decision
// recorded under a weaker key is still found.
func (r *Registry) Latest(ctx context.Context, ref Ref) (*Approval, error) {
	type key struct{ column, value string }
	keys := []key{
		{"proposal_hash", ref.ProposalHash},
		{"proposal_id", ref.ProposalID},
		{"token", ref.Token},
	}
	for _, k := range keys {
		if k.value == "" {
			continue
		}
		a, err := r.queryOne(ctx, fmt.Sprintf(`
			SELECT id, created_at, agent_id, proposal_id, proposal_hash, token,
			       decision, actor, note, source, row_hash
			FROM approvals
			WHERE %s = ?
			ORDER BY created_at DESC
			LIMIT 1`, k.column), k.value)
		if err != nil {
			return nil, err
		}
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

func (r *Registry) byRowHash(ctx context.Context, rowHash string) (*Approval, error) {
	return r.queryOne(ctx, `
		SELECT id, created_at, agent_id, proposal_id, proposal_hash, token,
		       decision, actor, note, source, row_hash
		FROM approvals
		WHERE row_hash = ?`, rowHash)
}

func (r *Registry) queryOne(ctx context.Context, query string, arg any) (*Approval, error) {
	row := r.db.QueryRowContext(ctx, query, arg)
	var (
		a         Approval
		createdAt string
		decision  string
	)
	err := row.Scan(&a.ID, &createdAt, &a.AgentID, &a.ProposalID, &a.ProposalHash, &a.Token,
		&decision, &a.Actor, &a.Note, &a.Source, &a.RowHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.Decision = Decision(decision)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("approval: corrupt created_at %q: %w", createdAt, err)
	}
	a.CreatedAt = t
	return &a, nil
}
