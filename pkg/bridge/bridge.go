// Package bridge converts translations into dry-run outbox commands,
// at most one command per translation ever.
//
// The guarantee rests on a unique translation_id column in the enqueue
// record table: however many times the pass re-runs, and however many
// runners race, only one record (and therefore one linked command) survives.
package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/novatrade/alphapipe/pkg/outbox"
	"github.com/novatrade/alphapipe/pkg/proposal"
	"github.com/novatrade/alphapipe/pkg/translation"
)

// Record links one translation to the command it produced.
type Record struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	TranslationID string    `json:"translation_id"`
	ProposalID    string    `json:"proposal_id"`
	Token         string    `json:"token"`
	Venue         string    `json:"venue,omitempty"`
	Symbol        string    `json:"symbol,omitempty"`
	Side          string    `json:"side,omitempty"`
	CommandID     string    `json:"command_id"`
	IntentHash    string    `json:"intent_hash"`
	Note          string    `json:"note,omitempty"`
}

// Bridge is the batch pass feeding the outbox from translations.
type Bridge struct {
	db           *sql.DB
	translations *translation.Store
	commands     outbox.CommandStore
	agentID      string
	dedupTTL     int
	logger       *slog.Logger
	now          func() time.Time
}

// New wires the bridge and ensures its record schema exists.
func New(db *sql.DB, translations *translation.Store, commands outbox.CommandStore, agentID string, dedupTTLSeconds int) (*Bridge, error) {
	b := &Bridge{
		db:           db,
		translations: translations,
		commands:     commands,
		agentID:      agentID,
		dedupTTL:     dedupTTLSeconds,
		logger:       slog.Default().With("component", "dryrun_bridge"),
		now:          time.Now,
	}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

// WithClock overrides the clock for testing.
func (b *Bridge) WithClock(now func() time.Time) *Bridge {
	b.now = now
	return b
}

func (b *Bridge) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS dryrun_enqueues (
		id             TEXT PRIMARY KEY,
		created_at     TEXT NOT NULL,
		translation_id TEXT NOT NULL UNIQUE,
		proposal_id    TEXT NOT NULL,
		token          TEXT NOT NULL DEFAULT '',
		venue          TEXT NOT NULL DEFAULT '',
		symbol         TEXT NOT NULL DEFAULT '',
		side           TEXT NOT NULL DEFAULT '',
		command_id     TEXT NOT NULL,
		intent_hash    TEXT NOT NULL,
		note           TEXT NOT NULL DEFAULT ''
	);`
	_, err := b.db.ExecContext(context.Background(), query)
	return err
}

// buildIntent shapes the dry-run intent enqueued for a translation. The
// translation id inside the payload makes the intent hash unique per
// translation, so outbox dedup and bridge dedup agree.
func buildIntent(tr *translation.Translation) (outbox.Intent, string) {
	side := ""
	if tr.Action == proposal.ActionWouldTrade {
		side = "BUY"
	}
	intent := outbox.Intent{
		"type":   "note",
		"venue":  tr.Venue,
		"symbol": tr.Symbol,
		"payload": map[string]any{
			"dry_run":        true,
			"mode":           "dryrun",
			"token":          tr.Token,
			"venue":          tr.Venue,
			"symbol":         tr.Symbol,
			"side":           side,
			"action":         string(tr.Action),
			"translation_id": tr.ID,
			"proposal_id":    tr.ProposalID,
		},
	}
	return intent, side
}

// Run enqueues a dry-run command for every translation that has no enqueue
// record yet. Returns (processed, enqueued).
func (b *Bridge) Run(ctx context.Context) (int, int, error) {
	translations, err := b.translations.LatestPerProposal(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("bridge: list translations: %w", err)
	}

	processed := 0
	enqueued := 0
	for _, tr := range translations {
		processed++

		done, err := b.alreadyEnqueued(ctx, tr.ID)
		if err != nil {
			return processed, enqueued, err
		}
		if done {
			continue
		}

		intent, side := buildIntent(tr)
		res, err := b.commands.Enqueue(ctx, b.agentID, intent, b.dedupTTL)
		if err != nil {
			return processed, enqueued, fmt.Errorf("bridge: enqueue for translation %s: %w", tr.ID, err)
		}

		created, err := b.record(ctx, &Record{
			ID:            uuid.New().String(),
			CreatedAt:     b.now().UTC(),
			TranslationID: tr.ID,
			ProposalID:    tr.ProposalID,
			Token:         tr.Token,
			Venue:         tr.Venue,
			Symbol:        tr.Symbol,
			Side:          side,
			CommandID:     res.Command.ID,
			IntentHash:    res.Command.IntentHash,
			Note:          "dryrun from approval, proposal_id=" + tr.ProposalID,
		})
		if err != nil {
			return processed, enqueued, err
		}
		if created {
			enqueued++
			b.logger.InfoContext(ctx, "translation bridged to outbox",
				"translation_id", tr.ID, "command_id", res.Command.ID, "token", tr.Token)
		}
	}
	return processed, enqueued, nil
}

func (b *Bridge) alreadyEnqueued(ctx context.Context, translationID string) (bool, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT 1 FROM dryrun_enqueues WHERE translation_id = ? LIMIT 1`, translationID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *Bridge) record(ctx context.Context, rec *Record) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO dryrun_enqueues (id, created_at, translation_id, proposal_id, token, venue,
		                             symbol, side, command_id, intent_hash, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (translation_id) DO NOTHING`,
		rec.ID, rec.CreatedAt.Format(time.RFC3339Nano), rec.TranslationID, rec.ProposalID,
		rec.Token, rec.Venue, rec.Symbol, rec.Side, rec.CommandID, rec.IntentHash, rec.Note,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert enqueue record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Records returns up to limit enqueue records, newest first.
func (b *Bridge) Records(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, created_at, translation_id, proposal_id, token, venue, symbol, side,
		       command_id, intent_hash, note
		FROM dryrun_enqueues
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var rec Record
		var createdAt string
		if err := rows.Scan(&rec.ID, &createdAt, &rec.TranslationID, &rec.ProposalID, &rec.Token,
			&rec.Venue, &rec.Symbol, &rec.Side, &rec.CommandID, &rec.IntentHash, &rec.Note); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("bridge: corrupt created_at %q: %w", createdAt, err)
		}
		rec.CreatedAt = t
		out = append(out, &rec)
	}
	return out, rows.Err()
}
