package proposal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/novatrade/alphapipe/pkg/config"
	"github.com/novatrade/alphapipe/pkg/feasibility"
	"github.com/novatrade/alphapipe/pkg/policy"
	"github.com/novatrade/alphapipe/pkg/readiness"
	"github.com/novatrade/alphapipe/pkg/signal"
)

func TestGeneratorRunIdempotentPerDay(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	signals, err := signal.NewStore(db)
	require.NoError(t, err)
	venues, err := feasibility.NewStore(db)
	require.NoError(t, err)
	blocks, err := policy.NewRegistry(db)
	require.NoError(t, err)
	store, err := NewStore(db)
	require.NoError(t, err)

	cfg := &config.Config{
		AgentID:                 "edge-primary",
		PrimaryVenue:            "COINBASE",
		SecondaryVenue:          "BINANCEUS",
		DefaultTradeNotionalUSD: 25,
		DefaultTradeConfidence:  0.10,
		DefaultWatchConfidence:  0.06,
		ConfidenceCap:           0.25,
		Gates:                   config.DefaultGateThresholds(),
	}
	evaluator := readiness.NewEvaluator(signals, venues, blocks, cfg).WithClock(clock)
	g := NewGenerator(evaluator, store, cfg).WithClock(clock)

	// Mature history for one token.
	for _, ts := range []time.Time{
		now.Add(-1 * 24 * time.Hour),
		now.Add(-1*24*time.Hour - time.Hour),
		now.Add(-2 * 24 * time.Hour),
		now.Add(-3 * 24 * time.Hour),
		now.Add(-4 * 24 * time.Hour),
	} {
		_, err := signals.Append(ctx, "ABC", signal.KindSeen, ts, "scanner", nil)
		require.NoError(t, err)
	}
	for _, ts := range []time.Time{now.Add(-5 * 24 * time.Hour), now.Add(-15 * 24 * time.Hour)} {
		_, err := signals.Append(ctx, "ABC", signal.KindConfirmed, ts, "scanner", nil)
		require.NoError(t, err)
	}
	require.NoError(t, venues.Upsert(ctx, feasibility.Mapping{
		Token: "ABC", Venue: "COINBASE", Symbol: "ABC-USD", Tradable: true,
	}))

	evaluated, inserted, err := g.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, evaluated)
	require.Equal(t, 1, inserted)

	// Same UTC day: the run is a pure no-op.
	_, inserted, err = g.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, inserted)

	// Next day: a fresh proposal for the unchanged decision.
	now = now.Add(24 * time.Hour)
	_, inserted, err = g.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	all, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, ActionWouldTrade, all[0].Action)
	require.NotEmpty(t, all[0].Payload)
}
