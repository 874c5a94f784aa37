// Package translation converts approved proposals into non-executable
// command-preview artifacts.
//
// A translation row is keyed by (proposal, approval decision state): re-running
// the stage after an unchanged approval is a no-op, a changed decision
// produces a new row, and reads expose only the newest row per proposal.
package translation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/novatrade/alphapipe/pkg/approval"
	"github.com/novatrade/alphapipe/pkg/canonicalize"
	"github.com/novatrade/alphapipe/pkg/proposal"
)

// Preview command types.
const (
	PreviewTrade = "TRADE_INTENT_PREVIEW"
	PreviewWatch = "WATCH_INTENT_PREVIEW"
	PreviewNoop  = "NOOP_PREVIEW"
)

// Translation is one append-only command preview.
type Translation struct {
	ID               string            `json:"translation_id"`
	CreatedAt        time.Time         `json:"ts"`
	ProposalID       string            `json:"proposal_id"`
	ProposalHash     string            `json:"proposal_hash"`
	ApprovalDecision approval.Decision `json:"approval_decision"`
	ApprovalActor    string            `json:"approval_actor"`
	ApprovalNote     string            `json:"approval_note,omitempty"`
	AgentID          string            `json:"agent_id"`
	Token            string            `json:"token"`
	Venue            string            `json:"venue,omitempty"`
	Symbol           string            `json:"symbol,omitempty"`
	Action           proposal.Action   `json:"action"`
	NotionalUSD      float64           `json:"notional_usd,omitempty"`
	Confidence       float64           `json:"confidence"`
	Rationale        string            `json:"rationale,omitempty"`
	CommandPreview   json.RawMessage   `json:"command_preview"`
	RowHash          string            `json:"row_hash"`
}

// previewCommand is the action-specific, intentionally non-executable command
// shape inside the preview document.
type previewCommand struct {
	Type        string  `json:"type"`
	Venue       string  `json:"venue,omitempty"`
	Symbol      string  `json:"symbol,omitempty"`
	Token       string  `json:"token,omitempty"`
	Side        string  `json:"side,omitempty"`
	NotionalUSD float64 `json:"notional_usd,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// BuildPreview maps a proposal action to its preview command: a trade yields
// a dry-run order-placement intent, a watch yields a note intent.
func BuildPreview(p *proposal.Proposal, a *approval.Approval) (json.RawMessage, string, error) {
	var cmd previewCommand
	switch p.Action {
	case proposal.ActionWouldTrade:
		cmd = previewCommand{
			Type:        PreviewTrade,
			Venue:       p.Venue,
			Symbol:      p.Symbol,
			Side:        "BUY",
			NotionalUSD: p.NotionalUSD,
		}
	case proposal.ActionWouldWatch:
		cmd = previewCommand{
			Type:   PreviewWatch,
			Venue:  p.Venue,
			Symbol: p.Symbol,
			Token:  p.Token,
		}
	default:
		cmd = previewCommand{Type: PreviewNoop, Reason: "action=" + string(p.Action)}
	}

	doc := map[string]any{
		"schema":            "alpha.translation.v1",
		"mode":              "translation_preview_only",
		"execution_allowed": 0,
		"blocked_by":        []string{"translation_preview_only"},
		"source": map[string]any{
			"proposal_id":   p.ID,
			"proposal_hash": p.Hash,
			"proposal_ts":   p.CreatedAt.UTC().Format(time.RFC3339),
			"token":         p.Token,
		},
		"approval": map[string]any{
			"decision": a.Decision,
			"actor":    a.Actor,
			"note":     a.Note,
			"ts":       a.CreatedAt.UTC().Format(time.RFC3339),
		},
		"command":    cmd,
		"confidence": p.Confidence,
		"rationale":  p.Rationale,
		"gates":      p.Gates,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("translation: marshal preview: %w", err)
	}
	return raw, cmd.Type, nil
}

// rowHash keys a translation by the proposal and the approval decision state
// (decision + actor + UTC day bucket of the approval), so an unchanged
// approval never re-translates and a re-approval does.
func rowHash(p *proposal.Proposal, a *approval.Approval, commandType string) (string, error) {
	return canonicalize.CanonicalHash(map[string]string{
		"proposal_id":       p.ID,
		"proposal_hash":     p.Hash,
		"approval_decision": string(a.Decision),
		"approval_actor":    a.Actor,
		"action":            string(p.Action),
		"utc_day":           a.CreatedAt.UTC().Format("2006-01-02"),
		"command_type":      commandType,
	})
}

// Store is the SQLite-backed translation table.
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
	CREATE TABLE IF NOT EXISTS translations (
		id                TEXT PRIMARY KEY,
		created_at        TEXT NOT NULL,
		proposal_id       TEXT NOT NULL,
		proposal_hash     TEXT NOT NULL DEFAULT '',
		approval_decision TEXT NOT NULL,
		approval_actor    TEXT NOT NULL DEFAULT '',
		approval_note     TEXT NOT NULL DEFAULT '',
		agent_id          TEXT NOT NULL DEFAULT '',
		token             TEXT NOT NULL,
		venue             TEXT NOT NULL DEFAULT '',
		symbol            TEXT NOT NULL DEFAULT '',
		action            TEXT NOT NULL,
		notional_usd      REAL,
		confidence        REAL,
		rationale         TEXT NOT NULL DEFAULT '',
		command_preview   TEXT,
		row_hash          TEXT NOT NULL UNIQUE
	);
	CREATE INDEX IF NOT EXISTS translations_proposal_idx ON translations (proposal_id, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Translate builds and inserts the translation for an approved proposal.
// Returns (translation, created); created is false when the row hash already
// existed.
func (s *Store) Translate(ctx context.Context, p *proposal.Proposal, a *approval.Approval) (*Translation, bool, error) {
	preview, cmdType, err := BuildPreview(p, a)
	if err != nil {
		return nil, false, err
	}
	hash, err := rowHash(p, a, cmdType)
	if err != nil {
		return nil, false, fmt.Errorf("translation row hash: %w", err)
	}

	tr := &Translation{
		ID:               uuid.New().String(),
		CreatedAt:        s.now().UTC(),
		ProposalID:       p.ID,
		ProposalHash:     p.Hash,
		ApprovalDecision: a.Decision,
		ApprovalActor:    a.Actor,
		ApprovalNote:     a.Note,
		AgentID:          p.AgentID,
		Token:            p.Token,
		Venue:            p.Venue,
		Symbol:           p.Symbol,
		Action:           p.Action,
		NotionalUSD:      p.NotionalUSD,
		Confidence:       p.Confidence,
		Rationale:        p.Rationale,
		CommandPreview:   preview,
		RowHash:          hash,
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO translations (id, created_at, proposal_id, proposal_hash, approval_decision,
		                          approval_actor, approval_note, agent_id, token, venue, symbol,
		                          action, notional_usd, confidence, rationale, command_preview, row_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (row_hash) DO NOTHING`,
		tr.ID, tr.CreatedAt.Format(time.RFC3339Nano), tr.ProposalID, tr.ProposalHash,
		string(tr.ApprovalDecision), tr.ApprovalActor, tr.ApprovalNote, tr.AgentID,
		tr.Token, tr.Venue, tr.Symbol, string(tr.Action), tr.NotionalUSD, tr.Confidence,
		tr.Rationale, string(tr.CommandPreview), tr.RowHash,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert translation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		existing, err := s.byRowHash(ctx, hash)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return tr, true, nil
}

// LatestFor returns the newest translation for a proposal, or nil.
func (s *Store) LatestFor(ctx context.Context, proposalID string) (*Translation, error) {
	return s.queryOne(ctx, selectTranslation+`
		WHERE proposal_id = ?
		ORDER BY created_at DESC
		LIMIT 1`, proposalID)
}

// LatestPerProposal returns the newest translation for every proposal.
func (s *Store) LatestPerProposal(ctx context.Context) ([]*Translation, error) {
	rows, err := s.db.QueryContext(ctx, selectTranslation+`
		WHERE id IN (
			SELECT id FROM translations t1
			WHERE created_at = (
				SELECT MAX(created_at) FROM translations t2 WHERE t2.proposal_id = t1.proposal_id
			)
		)
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Translation
	for rows.Next() {
		tr, err := scanTranslation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *Store) byRowHash(ctx context.Context, hash string) (*Translation, error) {
	return s.queryOne(ctx, selectTranslation+` WHERE row_hash = ?`, hash)
}

const selectTranslation = `
	SELECT id, created_at, proposal_id, proposal_hash, approval_decision, approval_actor,
	       approval_note, agent_id, token, venue, symbol, action, notional_usd, confidence,
	       rationale, command_preview, row_hash
	FROM translations`

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*Translation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return scanTranslation(rows)
}

func scanTranslation(rows *sql.Rows) (*Translation, error) {
	var (
		tr        Translation
		createdAt string
		decision  string
		action    string
		notional  sql.NullFloat64
		conf      sql.NullFloat64
		preview   sql.NullString
	)
	if err := rows.Scan(&tr.ID, &createdAt, &tr.ProposalID, &tr.ProposalHash, &decision,
		&tr.ApprovalActor, &tr.ApprovalNote, &tr.AgentID, &tr.Token, &tr.Venue, &tr.Symbol,
		&action, &notional, &conf, &tr.Rationale, &preview, &tr.RowHash); err != nil {
		return nil, err
	}
	tr.ApprovalDecision = approval.Decision(decision)
	tr.Action = proposal.Action(action)
	tr.NotionalUSD = notional.Float64
	tr.Confidence = conf.Float64
	if preview.Valid {
		tr.CommandPreview = json.RawMessage(preview.String)
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("translation: corrupt created_at %q: %w", createdAt, err)
	}
	tr.CreatedAt = t
	return &tr, nil
}
