// Package pipeline runs one full pass of the dry-run pipeline: gate
// evaluation into proposals, approved proposals into translations,
// translations into outbox commands. Every stage is idempotent, so a tick
// can be repeated or interleaved with other runners without duplicates.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/novatrade/alphapipe/pkg/bridge"
	"github.com/novatrade/alphapipe/pkg/metrics"
	"github.com/novatrade/alphapipe/pkg/proposal"
	"github.com/novatrade/alphapipe/pkg/translation"
)

// ErrUpstreamMissing means a table the pipeline reads from does not exist.
// A tick against a half-provisioned database must fail before writing
// anything, not emit WOULD_SKIP proposals for a universe it cannot see.
var ErrUpstreamMissing = errors.New("pipeline: upstream table missing")

// upstreamTables are the read-side tables a tick depends on.
var upstreamTables = []string{"signal_events", "venue_symbols", "policy_blocks"}

// TickResult summarizes one pass.
type TickResult struct {
	Evaluated             int `json:"evaluated"`
	ProposalsInserted     int `json:"proposals_inserted"`
	ApprovalsProcessed    int `json:"approvals_processed"`
	TranslationsInserted  int `json:"translations_inserted"`
	TranslationsProcessed int `json:"translations_processed"`
	CommandsEnqueued      int `json:"commands_enqueued"`
}

// Pipeline sequences the three batch passes.
type Pipeline struct {
	db        *sql.DB
	generator *proposal.Generator
	stage     *translation.Stage
	bridge    *bridge.Bridge
	logger    *slog.Logger
}

// New wires a pipeline over its stages.
func New(db *sql.DB, generator *proposal.Generator, stage *translation.Stage, br *bridge.Bridge) *Pipeline {
	return &Pipeline{
		db:        db,
		generator: generator,
		stage:     stage,
		bridge:    br,
		logger:    slog.Default().With("component", "pipeline"),
	}
}

// checkUpstream probes each upstream table with a read. Probing by query
// keeps the check portable across sqlite and postgres.
func (p *Pipeline) checkUpstream(ctx context.Context) error {
	for _, table := range upstreamTables {
		q := fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", table)
		row := p.db.QueryRowContext(ctx, q)
		var one int
		err := row.Scan(&one)
		if err == nil || errors.Is(err, sql.ErrNoRows) {
			continue
		}
		return fmt.Errorf("%w: %s: %v", ErrUpstreamMissing, table, err)
	}
	return nil
}

// Tick runs one full pass. Stages run in order and a stage error aborts the
// tick; work already inserted stays, and the next tick picks up where this
// one stopped.
func (p *Pipeline) Tick(ctx context.Context) (*TickResult, error) {
	if err := p.checkUpstream(ctx); err != nil {
		metrics.StageFailures.WithLabelValues("precondition").Inc()
		return nil, err
	}

	res := &TickResult{}

	evaluated, inserted, err := p.generator.Run(ctx)
	res.Evaluated = evaluated
	res.ProposalsInserted = inserted
	if err != nil {
		metrics.StageFailures.WithLabelValues("generator").Inc()
		return res, err
	}

	processed, inserted, err := p.stage.Run(ctx)
	res.ApprovalsProcessed = processed
	res.TranslationsInserted = inserted
	metrics.Translations.Add(float64(inserted))
	if err != nil {
		metrics.StageFailures.WithLabelValues("translation").Inc()
		return res, err
	}

	processed, enqueued, err := p.bridge.Run(ctx)
	res.TranslationsProcessed = processed
	res.CommandsEnqueued = enqueued
	metrics.BridgeEnqueues.Add(float64(enqueued))
	if err != nil {
		metrics.StageFailures.WithLabelValues("bridge").Inc()
		return res, err
	}

	p.logger.InfoContext(ctx, "tick complete",
		"evaluated", res.Evaluated,
		"proposals_inserted", res.ProposalsInserted,
		"translations_inserted", res.TranslationsInserted,
		"commands_enqueued", res.CommandsEnqueued)
	return res, nil
}
