package session

import (
	"context"
	"math/big"

	"github.com/veggaen/phasestake/internal/ledger"
	"github.com/veggaen/phasestake/internal/pending"
	"github.com/veggaen/phasestake/pkg/types"
)

// PhaseContributions lists every contributor of phase with the session's pending
// submissions merged in. Contributors whose amount could not be read are left out.
func (s *Session) PhaseContributions(ctx context.Context, phase uint64) ([]types.ContributionRecord, error) {
	addrs, err := s.ledger.Contributors(ctx, phase)
	if err != nil {
		s.readFailed(healthKey(ledger.CallContributors, phase), err)
		return nil, err
	}

	confirmed := make([]types.ContributionRecord, 0, len(addrs))
	query := []ledger.PhaseQuery{{Phase: phase}}
	for _, addr := range addrs {
		reads := s.ledger.ReadPhases(ctx, addr, query)
		if len(reads) != 1 || !reads[0].User.OK() {
			continue
		}
		amount := reads[0].User.V
		if amount == nil {
			amount = new(big.Int)
		}
		confirmed = append(confirmed, types.ContributionRecord{
			Phase:     phase,
			Address:   addr,
			AmountWei: amount,
			Confirmed: true,
		})
	}

	var mine []types.PendingContribution
	for _, e := range s.pending.Entries() {
		if e.Phase == phase {
			mine = append(mine, e)
		}
	}
	return pending.MergeForDisplay(confirmed, mine), nil
}
