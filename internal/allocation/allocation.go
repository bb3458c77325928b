// Package allocation computes pro-rata shares of a phase's token allocation.
package allocation

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veggaen/phasestake/internal/audit"
	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/pkg/types"
)

var bpsDenominator = big.NewInt(types.BpsDenominator)

// Share is a user's fraction of a phase total
type Share struct {
	User  *big.Int
	Total *big.Int
}

// Bps returns the share in basis points, floored. A zero total is 0 bps.
func (s Share) Bps() uint64 {
	if !positive(s.User) || !positive(s.Total) {
		return 0
	}
	bps := new(big.Int).Mul(s.User, bpsDenominator)
	bps.Quo(bps, s.Total)
	if bps.Cmp(bpsDenominator) > 0 {
		return types.BpsDenominator
	}
	return bps.Uint64()
}

// ProRata returns floor(user * allocation / total), never more than allocation.
// A zero total or zero user contribution yields 0.
func ProRata(user, total, allocation *big.Int) *big.Int {
	if !positive(user) || !positive(total) || !positive(allocation) {
		return new(big.Int)
	}
	out := new(big.Int).Mul(user, allocation)
	out.Quo(out, total)
	if out.Cmp(allocation) > 0 {
		out.Set(allocation)
	}
	return out
}

// PhaseAmounts carries the contribution totals for one phase
type PhaseAmounts struct {
	Phase          uint64
	Allocation     *big.Int
	UserConfirmed  *big.Int
	UserPending    *big.Int
	TotalConfirmed *big.Int
	TotalPending   *big.Int // Pending from every local submission, the user's included
}

// UserTotal is confirmed plus pending for the user
func (a PhaseAmounts) UserTotal() *big.Int {
	return sum(a.UserConfirmed, a.UserPending)
}

// PhaseTotal is confirmed plus pending for the whole phase
func (a PhaseAmounts) PhaseTotal() *big.Int {
	return sum(a.TotalConfirmed, a.TotalPending)
}

// Share returns the user's provisional fraction of the phase
func (a PhaseAmounts) Share() Share {
	return Share{User: a.UserTotal(), Total: a.PhaseTotal()}
}

// EstimatedReward is the provisional reward for an open phase:
// (userConfirmed + userPending) * allocation / (totalConfirmed + totalPending)
func EstimatedReward(a PhaseAmounts) *big.Int {
	return ProRata(a.UserTotal(), a.PhaseTotal(), a.Allocation)
}

// EligibleInput describes one ended phase for the eligible-to-mint computation
type EligibleInput struct {
	Address        common.Address
	Phase          uint64
	Allocation     *big.Int
	UserConfirmed  *big.Int
	TotalConfirmed *big.Int
	Minted         bool
	LedgerEligible *big.Int // nil when the ledger read failed or is unavailable
	RefreshID      string
}

// Calculator derives eligible mints and reports ledger/local disagreement
type Calculator struct {
	sink audit.Sink
	now  func() time.Time
}

// NewCalculator creates a calculator. A nil sink logs divergences only.
func NewCalculator(sink audit.Sink) *Calculator {
	if sink == nil {
		sink = audit.NewLogSink()
	}
	return &Calculator{sink: sink, now: time.Now}
}

// LocalEligible is the confirmed-only pro-rata share. Pending contributions never
// count toward what can be minted.
func LocalEligible(in EligibleInput) *big.Int {
	return ProRata(in.UserConfirmed, in.TotalConfirmed, in.Allocation)
}

// Eligible returns the claimable mint for an ended phase. The ledger read wins
// when present; the local computation is the fallback. ok is false for minted
// phases and zero amounts.
func (c *Calculator) Eligible(ctx context.Context, in EligibleInput) (mint types.EligibleMint, ok bool) {
	if in.Minted {
		return types.EligibleMint{}, false
	}

	local := LocalEligible(in)
	mint = types.EligibleMint{
		Phase:          in.Phase,
		Address:        in.Address,
		EligibleTokens: local,
		Source:         types.MintSourceLocal,
	}

	if in.LedgerEligible != nil {
		mint.EligibleTokens = new(big.Int).Set(in.LedgerEligible)
		mint.Source = types.MintSourceLedger
		if in.LedgerEligible.Cmp(local) != 0 {
			c.reportDivergence(ctx, in, local)
		}
	}

	if mint.EligibleTokens.Sign() <= 0 {
		return types.EligibleMint{}, false
	}
	return mint, true
}

func (c *Calculator) reportDivergence(ctx context.Context, in EligibleInput, local *big.Int) {
	d := audit.Divergence{
		Address:    in.Address,
		Phase:      in.Phase,
		Kind:       audit.KindEligibleTokens,
		Ledger:     new(big.Int).Set(in.LedgerEligible),
		Local:      new(big.Int).Set(local),
		RefreshID:  in.RefreshID,
		ObservedAt: c.now(),
	}
	if err := c.sink.Record(ctx, d); err != nil {
		logging.WarnContext(ctx, "failed to record divergence",
			logging.Component("allocation"),
			logging.Phase(in.Phase),
			logging.Err(err),
		)
	}
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

func sum(a, b *big.Int) *big.Int {
	out := new(big.Int)
	if a != nil {
		out.Add(out, a)
	}
	if b != nil {
		out.Add(out, b)
	}
	return out
}
