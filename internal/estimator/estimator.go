// Package estimator composes schedule, allocation and staking results into the
// per-address view-model. It performs no I/O.
package estimator

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veggaen/phasestake/internal/allocation"
	"github.com/veggaen/phasestake/internal/schedule"
	"github.com/veggaen/phasestake/internal/staking"
	"github.com/veggaen/phasestake/pkg/types"
)

// PhaseStatus describes where the schedule stands
type PhaseStatus struct {
	Kind      types.ScheduleKind
	Index     uint64
	Start     uint64
	End       uint64
	Now       uint64
	Remaining uint64
	Started   bool
	Complete  bool
}

// PhaseView is one phase's accounting for the address
type PhaseView struct {
	Phase           uint64
	Start           uint64
	End             uint64
	Allocation      *big.Int
	UserConfirmed   *big.Int
	UserPending     *big.Int
	TotalConfirmed  *big.Int
	TotalPending    *big.Int
	ShareBps        uint64
	EstimatedReward *big.Int // zero once the phase has ended
	Ended           bool
	Minted          bool
	Stale           bool // at least one input came from the last-known-good cache
}

// StakeView is a stake position with its derived timeline and exit quote
type StakeView struct {
	Position   types.StakePosition
	Status     types.StakeStatus
	StartTs    uint64
	MaturityTs uint64
	GraceEndTs uint64
	Bonus      staking.Bonus
	Quote      *staking.CloseQuote // nil for closed positions
}

// View is everything presented for one address after a refresh
type View struct {
	Address             common.Address
	Phase               PhaseStatus
	EstimatedRewardNow  *big.Int
	ShareBps            uint64
	Phases              []PhaseView
	EligibleMints       []types.EligibleMint
	StakePositions      []StakeView
	TotalPendingRewards *big.Int // open-phase estimates plus unminted eligible tokens
	PendingCount        int
	TokenBalance        *big.Int // nil when unknown
}

// PhaseInput carries the reconciled amounts for one phase
type PhaseInput struct {
	Amounts allocation.PhaseAmounts
	Minted  bool
	Stale   bool
}

// Input is the full set of already-read and reconciled data for one address
type Input struct {
	Address       common.Address
	Schedule      *schedule.Schedule
	Now           uint64 // block or unix time, matching the schedule kind
	StakeNow      uint64 // unix time for stake status
	Phases        []PhaseInput
	EligibleMints []types.EligibleMint
	Stakes        []types.StakePosition
	Engine        *staking.Engine // nil skips stake views
	TokenBalance  *big.Int
	PendingCount  int
}

// Estimate builds the view for in
func Estimate(in Input) View {
	res := in.Schedule.Resolve(in.Now)
	v := View{
		Address: in.Address,
		Phase: PhaseStatus{
			Kind:      in.Schedule.Kind(),
			Index:     res.Index,
			Start:     res.Start,
			End:       res.End,
			Now:       in.Now,
			Remaining: res.Remaining(in.Now),
			Started:   res.Started,
			Complete:  res.Complete,
		},
		EstimatedRewardNow:  new(big.Int),
		TotalPendingRewards: new(big.Int),
		PendingCount:        in.PendingCount,
	}
	if in.TokenBalance != nil {
		v.TokenBalance = new(big.Int).Set(in.TokenBalance)
	}

	for _, p := range in.Phases {
		pv := phaseView(in.Schedule, in.Now, p)
		if pv.Phase == res.Index && !pv.Ended {
			v.EstimatedRewardNow.Set(pv.EstimatedReward)
			v.ShareBps = pv.ShareBps
		}
		v.TotalPendingRewards.Add(v.TotalPendingRewards, pv.EstimatedReward)
		v.Phases = append(v.Phases, pv)
	}
	sort.Slice(v.Phases, func(i, j int) bool { return v.Phases[i].Phase < v.Phases[j].Phase })

	for _, m := range in.EligibleMints {
		if m.EligibleTokens == nil || m.EligibleTokens.Sign() <= 0 {
			continue
		}
		v.EligibleMints = append(v.EligibleMints, m)
		v.TotalPendingRewards.Add(v.TotalPendingRewards, m.EligibleTokens)
	}
	sort.Slice(v.EligibleMints, func(i, j int) bool { return v.EligibleMints[i].Phase < v.EligibleMints[j].Phase })

	if in.Engine != nil {
		for _, p := range in.Stakes {
			v.StakePositions = append(v.StakePositions, StakeViewOf(in.Engine, p, in.StakeNow))
		}
	}
	return v
}

func phaseView(s *schedule.Schedule, now uint64, p PhaseInput) PhaseView {
	a := p.Amounts
	pv := PhaseView{
		Phase:           a.Phase,
		Allocation:      orZero(a.Allocation),
		UserConfirmed:   orZero(a.UserConfirmed),
		UserPending:     orZero(a.UserPending),
		TotalConfirmed:  orZero(a.TotalConfirmed),
		TotalPending:    orZero(a.TotalPending),
		ShareBps:        a.Share().Bps(),
		EstimatedReward: new(big.Int),
		Ended:           s.Ended(a.Phase, now),
		Minted:          p.Minted,
		Stale:           p.Stale,
	}
	if ph, err := s.Phase(a.Phase); err == nil {
		pv.Start, pv.End = ph.Start, ph.End
	}
	if !pv.Ended {
		pv.EstimatedReward = allocation.EstimatedReward(a)
	}
	return pv
}

// StakeViewOf derives the timeline, bonus and exit quote of p at now
func StakeViewOf(e *staking.Engine, p types.StakePosition, now uint64) StakeView {
	sv := StakeView{
		Position:   p,
		Status:     e.Status(p, now),
		StartTs:    e.StartTs(p),
		MaturityTs: e.MaturityTs(p),
		GraceEndTs: e.GraceEndTs(p),
		Bonus:      e.Bonus(p.AmountWei, p.StakedDays),
	}
	if q, err := e.Quote(p, now); err == nil {
		sv.Quote = &q
	}
	return sv
}

// StakePreview is what opening a stake now would produce
type StakePreview struct {
	Amount     *big.Int
	Days       uint64
	Bonus      staking.Bonus
	StartTs    uint64
	MaturityTs uint64
	GraceEndTs uint64
}

// PreviewStake validates and prices a stake of amount for days opened at now.
// A nil balance skips the balance check.
func PreviewStake(e *staking.Engine, amount *big.Int, days uint64, balance *big.Int, now uint64) (StakePreview, error) {
	if err := e.ValidateOpen(amount, days, balance); err != nil {
		return StakePreview{}, err
	}
	p := types.StakePosition{AmountWei: amount, StakedDays: days, StartDay: e.Day(now)}
	return StakePreview{
		Amount:     new(big.Int).Set(amount),
		Days:       days,
		Bonus:      e.Bonus(amount, days),
		StartTs:    e.StartTs(p),
		MaturityTs: e.MaturityTs(p),
		GraceEndTs: e.GraceEndTs(p),
	}, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
