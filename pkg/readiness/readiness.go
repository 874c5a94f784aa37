// Package readiness derives the four independent readiness gates per token.
//
// Evaluate is a pure function over a snapshot of the signal log, the
// feasibility map and the policy block registry. No gate state is persisted;
// every evaluation recomputes all gates fresh.
package readiness

import (
	"fmt"
	"strings"
	"time"

	"github.com/novatrade/alphapipe/pkg/config"
	"github.com/novatrade/alphapipe/pkg/feasibility"
	"github.com/novatrade/alphapipe/pkg/policy"
	"github.com/novatrade/alphapipe/pkg/signal"
)

// Blocker codes, in fixed precedence order (B > D > C > A).
const (
	BlockerNoTradableVenue = "NO_TRADABLE_VENUE"
	BlockerPolicyBlock     = "POLICY_BLOCK"
	BlockerStale           = "STALE"
	BlockerImmature        = "IMMATURE"
)

// Snapshot is everything Evaluate needs for one token.
type Snapshot struct {
	Token    string
	Metrics  signal.Metrics
	Mappings []feasibility.Mapping
	Blocks   []*policy.Block
	AsOf     time.Time
}

// Gates is the result of one evaluation.
type Gates struct {
	Token string `json:"token"`

	MemoryMaturity bool `json:"gate_a_memory_maturity"`
	VenueFeasible  bool `json:"gate_b_venue_feasible"`
	FreshEnough    bool `json:"gate_c_fresh_enough"`
	PolicyClear    bool `json:"gate_d_policy_clear"`

	// Venue/Symbol are the preferred tradable pair when Gate B passes.
	Venue  string `json:"venue,omitempty"`
	Symbol string `json:"symbol,omitempty"`

	// Blockers lists every failing gate's code in precedence order;
	// PrimaryBlocker is the first of them.
	Blockers       []string `json:"blockers"`
	PrimaryBlocker string   `json:"primary_blocker,omitempty"`

	Notes map[string]string `json:"notes,omitempty"`
}

// AllClear reports whether all four gates pass.
func (g *Gates) AllClear() bool {
	return g.MemoryMaturity && g.VenueFeasible && g.FreshEnough && g.PolicyClear
}

// Evaluate computes the four gates for one token snapshot.
func Evaluate(snap Snapshot, cfg *config.Config) *Gates {
	g := &Gates{Token: snap.Token, Notes: map[string]string{}}
	th := cfg.Gates
	asOf := snap.AsOf.UTC()

	// Gate A: memory maturity.
	m := snap.Metrics
	g.MemoryMaturity = m.Seen7d >= th.SeenMin7d &&
		m.SeenDays7d >= th.SeenDaysMin7d &&
		m.Confirmed30d >= th.ConfirmedMin30d &&
		m.Expired30d <= th.ExpiredMax30d
	g.Notes["gate_a"] = fmt.Sprintf("seen_7d=%d seen_days_7d=%d confirmed_30d=%d expired_30d=%d",
		m.Seen7d, m.SeenDays7d, m.Confirmed30d, m.Expired30d)

	// Gate B: venue feasibility, with preference-ordered selection.
	if pick := feasibility.SelectVenue(snap.Mappings, cfg.PrimaryVenue, cfg.SecondaryVenue); pick != nil {
		g.VenueFeasible = true
		g.Venue = pick.Venue
		g.Symbol = pick.Symbol
	} else {
		g.Notes["gate_b"] = "no tradable venue mapping"
	}

	// Gate C: freshness.
	if m.HasSeenEver {
		age := asOf.Sub(m.LastSeenAt)
		g.FreshEnough = age <= time.Duration(th.FreshnessDays)*24*time.Hour
		g.Notes["gate_c"] = fmt.Sprintf("last_seen=%s", m.LastSeenAt.Format(time.RFC3339))
	} else {
		g.Notes["gate_c"] = "never seen"
	}

	// Gate D: policy clear. Only BLOCK-severity active blocks flip the gate;
	// the note carries every active code for explainability.
	g.PolicyClear = true
	var codes []string
	for _, b := range snap.Blocks {
		if !b.Active(asOf) {
			continue
		}
		code := b.Code
		if b.Details != "" {
			code += "(" + b.Details + ")"
		}
		codes = append(codes, code)
		if b.Severity == policy.SeverityBlock {
			g.PolicyClear = false
		}
	}
	if len(codes) > 0 {
		g.Notes["gate_d"] = strings.Join(codes, ",")
	}

	// Blocker precedence is fixed: B > D > C > A.
	if !g.VenueFeasible {
		g.Blockers = append(g.Blockers, BlockerNoTradableVenue)
	}
	if !g.PolicyClear {
		g.Blockers = append(g.Blockers, BlockerPolicyBlock)
	}
	if !g.FreshEnough {
		g.Blockers = append(g.Blockers, BlockerStale)
	}
	if !g.MemoryMaturity {
		g.Blockers = append(g.Blockers, BlockerImmature)
	}
	if len(g.Blockers) > 0 {
		g.PrimaryBlocker = g.Blockers[0]
	}
	return g
}
