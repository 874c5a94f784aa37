package bridge

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/novatrade/alphapipe/pkg/approval"
	"github.com/novatrade/alphapipe/pkg/outbox"
	"github.com/novatrade/alphapipe/pkg/proposal"
	"github.com/novatrade/alphapipe/pkg/translation"
)

type fixture struct {
	db           *sql.DB
	translations *translation.Store
	commands     *outbox.SQLiteCommandStore
	bridge       *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	translations, err := translation.NewStore(db)
	if err != nil {
		t.Fatalf("translation store: %v", err)
	}
	commands, err := outbox.NewSQLiteCommandStore(db)
	if err != nil {
		t.Fatalf("command store: %v", err)
	}
	b, err := New(db, translations, commands, "edge-primary", 900)
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	return &fixture{db: db, translations: translations, commands: commands, bridge: b}
}

func (f *fixture) translate(t *testing.T, token string, action proposal.Action) *translation.Translation {
	t.Helper()
	p := &proposal.Proposal{
		ID:          uuid.New().String(),
		CreatedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		AgentID:     "edge-primary",
		Token:       token,
		Venue:       "COINBASE",
		Symbol:      token + "-USD",
		Action:      action,
		NotionalUSD: 25,
		Confidence:  0.10,
		Hash:        "hash-" + token,
	}
	a := &approval.Approval{
		ID:           uuid.New().String(),
		CreatedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ProposalID:   p.ID,
		ProposalHash: p.Hash,
		Token:        token,
		Decision:     approval.DecisionApprove,
		Actor:        "alex",
	}
	tr, _, err := f.translations.Translate(context.Background(), p, a)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	return tr
}

func TestRunEnqueuesOncePerTranslation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.translate(t, "ABC", proposal.ActionWouldTrade)

	processed, enqueued, err := f.bridge.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if processed != 1 || enqueued != 1 {
		t.Fatalf("run = (%d, %d), want (1, 1)", processed, enqueued)
	}

	// Second pass: the translation already has its command.
	processed, enqueued, err = f.bridge.Run(ctx)
	if err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if processed != 1 || enqueued != 0 {
		t.Fatalf("re-run = (%d, %d), want (1, 0)", processed, enqueued)
	}

	cmds, err := f.commands.Peek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("commands = %d, want exactly one", len(cmds))
	}
}

func TestDryRunIntentShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.translate(t, "ABC", proposal.ActionWouldTrade)

	if _, _, err := f.bridge.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	cmds, err := f.commands.Peek(ctx, 1)
	if err != nil || len(cmds) != 1 {
		t.Fatalf("peek = %v, %v", cmds, err)
	}
	intent := cmds[0].Intent
	if intent.Type() != "note" {
		t.Fatalf("intent type = %s, want note", intent.Type())
	}
	payload := intent["payload"].(map[string]any)
	if payload["dry_run"] != true || payload["mode"] != "dryrun" {
		t.Fatalf("payload = %v, want dry_run marker", payload)
	}
	if payload["side"] != "BUY" {
		t.Fatalf("side = %v, want BUY for a trade translation", payload["side"])
	}
	if payload["translation_id"] != tr.ID {
		t.Fatalf("translation_id = %v, want %s", payload["translation_id"], tr.ID)
	}
}

func TestWatchTranslationHasNoSide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.translate(t, "XYZ", proposal.ActionWouldWatch)

	if _, _, err := f.bridge.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	cmds, err := f.commands.Peek(ctx, 1)
	if err != nil || len(cmds) != 1 {
		t.Fatalf("peek = %v, %v", cmds, err)
	}
	payload := cmds[0].Intent["payload"].(map[string]any)
	if payload["side"] != "" {
		t.Fatalf("side = %v, want empty for a watch translation", payload["side"])
	}
}

func TestRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.translate(t, "ABC", proposal.ActionWouldTrade)

	if _, _, err := f.bridge.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	records, err := f.bridge.Records(ctx, 10)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.TranslationID != tr.ID || rec.Token != "ABC" || rec.CommandID == "" {
		t.Fatalf("record = %+v, want linked translation and command", rec)
	}
}
