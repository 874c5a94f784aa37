package proposal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/novatrade/alphapipe/pkg/config"
	"github.com/novatrade/alphapipe/pkg/metrics"
	"github.com/novatrade/alphapipe/pkg/readiness"
)

// Generator is the batch pass that turns gate evaluations into proposals.
// It is idempotent: the proposal hash makes a mid-day re-run a pure
// insert-or-skip over the same universe.
type Generator struct {
	evaluator *readiness.Evaluator
	store     *Store
	cfg       *config.Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewGenerator wires a generator over the evaluator and proposal store.
func NewGenerator(evaluator *readiness.Evaluator, store *Store, cfg *config.Config) *Generator {
	return &Generator{
		evaluator: evaluator,
		store:     store,
		cfg:       cfg,
		logger:    slog.Default().With("component", "proposal_generator"),
		now:       time.Now,
	}
}

// WithClock overrides the clock for testing.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// evaluationPayload is the full evaluation record attached to each proposal,
// so an operator can always answer "why did (or didn't) anything happen".
type evaluationPayload struct {
	Schema    string            `json:"schema"`
	Timestamp string            `json:"ts"`
	AgentID   string            `json:"agent_id"`
	Token     string            `json:"token"`
	Action    Action            `json:"action"`
	Blockers  []string          `json:"blocked_by"`
	Notes     map[string]string `json:"notes,omitempty"`
	Gates     *readiness.Gates  `json:"gates"`
}

// Run evaluates every token in signal memory and inserts any proposals whose
// hash is not yet present. Returns (evaluated, inserted).
func (g *Generator) Run(ctx context.Context) (int, int, error) {
	gates, err := g.evaluator.EvaluateAll(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("proposal generator: %w", err)
	}

	now := g.now().UTC()
	day := now.Format("2006-01-02")
	inserted := 0

	for _, gt := range gates {
		p, err := g.build(gt, now, day)
		if err != nil {
			return len(gates), inserted, err
		}
		created, err := g.store.Insert(ctx, p)
		if err != nil {
			return len(gates), inserted, err
		}
		if created {
			inserted++
			metrics.Proposals.WithLabelValues(string(p.Action)).Inc()
			g.logger.InfoContext(ctx, "proposal recorded",
				"token", p.Token, "action", string(p.Action), "primary_blocker", gt.PrimaryBlocker)
		}
	}
	return len(gates), inserted, nil
}

func (g *Generator) build(gt *readiness.Gates, now time.Time, day string) (*Proposal, error) {
	action := Classify(gt)

	hash, err := computeHash(gt.Token, action, day)
	if err != nil {
		return nil, fmt.Errorf("proposal hash for %s: %w", gt.Token, err)
	}

	var notional float64
	confidence := g.cfg.DefaultWatchConfidence
	if action == ActionWouldTrade {
		notional = g.cfg.DefaultTradeNotionalUSD
		confidence = g.cfg.DefaultTradeConfidence
	}
	if confidence > g.cfg.ConfidenceCap {
		confidence = g.cfg.ConfidenceCap
	}

	payload, err := json.Marshal(evaluationPayload{
		Schema:    "alpha.proposal.v1",
		Timestamp: now.Format(time.RFC3339),
		AgentID:   g.cfg.AgentID,
		Token:     gt.Token,
		Action:    action,
		Blockers:  gt.Blockers,
		Notes:     gt.Notes,
		Gates:     gt,
	})
	if err != nil {
		return nil, fmt.Errorf("proposal payload for %s: %w", gt.Token, err)
	}

	return &Proposal{
		ID:          uuid.New().String(),
		CreatedAt:   now,
		AgentID:     g.cfg.AgentID,
		Token:       gt.Token,
		Venue:       gt.Venue,
		Symbol:      gt.Symbol,
		Action:      action,
		NotionalUSD: notional,
		Confidence:  confidence,
		Rationale:   Rationale(action, gt.Blockers),
		Gates:       gt,
		Payload:     payload,
		Hash:        hash,
	}, nil
}
