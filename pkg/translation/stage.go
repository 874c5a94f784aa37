package translation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/novatrade/alphapipe/pkg/approval"
	"github.com/novatrade/alphapipe/pkg/proposal"
)

// recentProposalLimit bounds one batch pass; the stage is idempotent so a
// larger backlog simply drains across successive ticks.
const recentProposalLimit = 200

// Stage is the batch pass that translates approved proposals.
type Stage struct {
	proposals *proposal.Store
	approvals *approval.Registry
	store     *Store
	logger    *slog.Logger
}

// NewStage wires the translation pass over its upstream stores.
func NewStage(proposals *proposal.Store, approvals *approval.Registry, store *Store) *Stage {
	return &Stage{
		proposals: proposals,
		approvals: approvals,
		store:     store,
		logger:    slog.Default().With("component", "translation_stage"),
	}
}

// Run translates every proposal whose latest decision is APPROVE.
// Returns (processed, inserted).
func (st *Stage) Run(ctx context.Context) (int, int, error) {
	proposals, err := st.proposals.List(ctx, recentProposalLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("translation stage: list proposals: %w", err)
	}

	processed := 0
	inserted := 0
	for _, p := range proposals {
		latest, err := st.approvals.Latest(ctx, approval.Ref{
			ProposalHash: p.Hash,
			ProposalID:   p.ID,
			Token:        p.Token,
		})
		if err != nil {
			return processed, inserted, fmt.Errorf("translation stage: latest approval: %w", err)
		}
		if latest == nil || latest.Decision != approval.DecisionApprove {
			continue
		}
		processed++

		_, created, err := st.store.Translate(ctx, p, latest)
		if err != nil {
			return processed, inserted, err
		}
		if created {
			inserted++
			st.logger.InfoContext(ctx, "proposal translated",
				"token", p.Token, "proposal_id", p.ID, "action", string(p.Action))
		}
	}
	return processed, inserted, nil
}
