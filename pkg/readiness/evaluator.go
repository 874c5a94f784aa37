package readiness

import (
	"context"
	"fmt"
	"time"

	"github.com/novatrade/alphapipe/pkg/config"
	"github.com/novatrade/alphapipe/pkg/feasibility"
	"github.com/novatrade/alphapipe/pkg/policy"
	"github.com/novatrade/alphapipe/pkg/signal"
)

// Evaluator assembles per-token snapshots from the durable stores and runs
// Evaluate over them. It holds no state between runs.
type Evaluator struct {
	signals *signal.Store
	venues  *feasibility.Store
	blocks  *policy.Registry
	cfg     *config.Config
	now     func() time.Time
}

// NewEvaluator wires an evaluator over the three upstream stores.
func NewEvaluator(signals *signal.Store, venues *feasibility.Store, blocks *policy.Registry, cfg *config.Config) *Evaluator {
	return &Evaluator{signals: signals, venues: venues, blocks: blocks, cfg: cfg, now: time.Now}
}

// WithClock overrides the clock for testing.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// SnapshotFor loads the evaluation inputs for one token.
func (e *Evaluator) SnapshotFor(ctx context.Context, token string) (Snapshot, error) {
	asOf := e.now().UTC()

	metrics, err := e.signals.MetricsFor(ctx, token, asOf)
	if err != nil {
		return Snapshot{}, fmt.Errorf("readiness: signal metrics: %w", err)
	}
	mappings, err := e.venues.MappingsFor(ctx, token)
	if err != nil {
		return Snapshot{}, fmt.Errorf("readiness: mappings: %w", err)
	}
	blocks, err := e.blocks.ActiveBlocksFor(ctx, token)
	if err != nil {
		return Snapshot{}, fmt.Errorf("readiness: active blocks: %w", err)
	}

	return Snapshot{
		Token:    token,
		Metrics:  *metrics,
		Mappings: mappings,
		Blocks:   blocks,
		AsOf:     asOf,
	}, nil
}

// EvaluateToken evaluates one token fresh from durable state.
func (e *Evaluator) EvaluateToken(ctx context.Context, token string) (*Gates, error) {
	snap, err := e.SnapshotFor(ctx, token)
	if err != nil {
		return nil, err
	}
	return Evaluate(snap, e.cfg), nil
}

// EvaluateAll evaluates every token present in signal memory.
func (e *Evaluator) EvaluateAll(ctx context.Context) ([]*Gates, error) {
	tokens, err := e.signals.Tokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("readiness: token universe: %w", err)
	}
	gates := make([]*Gates, 0, len(tokens))
	for _, token := range tokens {
		g, err := e.EvaluateToken(ctx, token)
		if err != nil {
			return nil, err
		}
		gates = append(gates, g)
	}
	return gates, nil
}
