// Package staking computes lock bonuses, lifecycle status and exit penalties of
// stake positions. All arithmetic is on big integers.
package staking

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/veggaen/phasestake/pkg/types"
)

var (
	ErrAlreadyClosed    = errors.New("stake position already closed")
	ErrInvalidAmount    = errors.New("stake amount must be positive")
	ErrInvalidDuration  = errors.New("stake duration out of range")
	ErrInsufficientFund = errors.New("stake amount exceeds balance")
)

var bpsDenominator = big.NewInt(types.BpsDenominator)

// Engine applies a fixed set of staking constants
type Engine struct {
	c *types.StakingConstants
}

// NewEngine validates the constants and returns an engine
func NewEngine(c *types.StakingConstants) (*Engine, error) {
	if c == nil {
		return nil, errors.New("staking constants are required")
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid staking constants: %w", err)
	}
	return &Engine{c: c}, nil
}

// Constants returns the constants in use
func (e *Engine) Constants() *types.StakingConstants {
	return e.c
}

// Day returns the ledger day number at now, 0 before launch
func (e *Engine) Day(now uint64) uint64 {
	if now <= e.c.LaunchTime {
		return 0
	}
	return (now - e.c.LaunchTime) / e.c.DaySeconds
}

// StartTs is the unix time the position's lock began
func (e *Engine) StartTs(p types.StakePosition) uint64 {
	return e.c.LaunchTime + p.StartDay*e.c.DaySeconds
}

// MaturityTs is start + stakedDays days
func (e *Engine) MaturityTs(p types.StakePosition) uint64 {
	return e.StartTs(p) + p.StakedDays*e.c.DaySeconds
}

// GraceEndTs is maturity + the grace period
func (e *Engine) GraceEndTs(p types.StakePosition) uint64 {
	return e.MaturityTs(p) + e.c.GracePeriodSec
}

// Status derives the lifecycle state of p at now
func (e *Engine) Status(p types.StakePosition, now uint64) types.StakeStatus {
	return Status(now, e.MaturityTs(p), e.GraceEndTs(p), p.Closed)
}

// Status is Closed if closed, Active before maturity, InGrace from maturity through
// the end of grace inclusive, Late afterwards.
func Status(now, maturityTs, graceEndTs uint64, closed bool) types.StakeStatus {
	switch {
	case closed:
		return types.StakeClosed
	case now < maturityTs:
		return types.StakeActive
	case now <= graceEndTs:
		return types.StakeInGrace
	default:
		return types.StakeLate
	}
}

// Bonus is the share bonus granted when a position is opened
type Bonus struct {
	LongerPays      *big.Int
	BiggerPays      *big.Int
	Total           *big.Int
	TotalAtMaturity *big.Int // amount + Total
}

// Bonus computes both bonus terms for amount locked for days.
//
//	longer = amount * min(days-1, maxBonusDays) * BPB / (LPB*BPB)
//	bigger = amount * min(amount, maxStakeForBonus) * LPB / (LPB*BPB)
//
// Each term is floored on its own.
func (e *Engine) Bonus(amount *big.Int, days uint64) Bonus {
	if amount == nil || amount.Sign() <= 0 {
		zero := func() *big.Int { return new(big.Int) }
		return Bonus{LongerPays: zero(), BiggerPays: zero(), Total: zero(), TotalAtMaturity: zero()}
	}

	denominator := new(big.Int).Mul(e.c.LPB, e.c.BPB)

	extraDays := uint64(0)
	if days > 1 {
		extraDays = days - 1
	}
	if extraDays > e.c.MaxBonusDays {
		extraDays = e.c.MaxBonusDays
	}
	longer := new(big.Int).Mul(amount, new(big.Int).SetUint64(extraDays))
	longer.Mul(longer, e.c.BPB)
	longer.Quo(longer, denominator)

	capped := amount
	if amount.Cmp(e.c.MaxStakeForBonus) > 0 {
		capped = e.c.MaxStakeForBonus
	}
	bigger := new(big.Int).Mul(amount, capped)
	bigger.Mul(bigger, e.c.LPB)
	bigger.Quo(bigger, denominator)

	total := new(big.Int).Add(longer, bigger)
	return Bonus{
		LongerPays:      longer,
		BiggerPays:      bigger,
		Total:           total,
		TotalAtMaturity: new(big.Int).Add(amount, total),
	}
}

// ValidateOpen checks amount and lock length before a stake is submitted.
// A nil balance skips the balance check.
func (e *Engine) ValidateOpen(amount *big.Int, days uint64, balance *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if days < e.c.MinStakeDays || (e.c.MaxStakeDays != 0 && days > e.c.MaxStakeDays) {
		return fmt.Errorf("%w: %d days not in [%d, %d]", ErrInvalidDuration, days, e.c.MinStakeDays, e.c.MaxStakeDays)
	}
	if balance != nil && amount.Cmp(balance) > 0 {
		return ErrInsufficientFund
	}
	return nil
}

// EarlyPenaltyBps is floor(maxBps * (1 - elapsedFraction)) with elapsedFraction
// = (now-start)/(maturity-start) clamped to [0,1]. A zero-length lock has no penalty.
func EarlyPenaltyBps(maxBps, startTs, maturityTs, now uint64) uint64 {
	if maturityTs <= startTs || now >= maturityTs {
		return 0
	}
	if now <= startTs {
		return maxBps
	}
	remaining := new(big.Int).SetUint64(maturityTs - now)
	bps := new(big.Int).Mul(new(big.Int).SetUint64(maxBps), remaining)
	bps.Quo(bps, new(big.Int).SetUint64(maturityTs-startTs))
	return bps.Uint64()
}

// DaysLate counts whole days elapsed since the end of grace
func DaysLate(graceEndTs, now, daySeconds uint64) uint64 {
	if now <= graceEndTs || daySeconds == 0 {
		return 0
	}
	return (now - graceEndTs) / daySeconds
}

// LatePenaltyBps is min(maxBps, daysLate*perDay)
func LatePenaltyBps(perDayBps, maxBps, daysLate uint64) uint64 {
	if daysLate == 0 {
		return 0
	}
	if perDayBps != 0 && daysLate > maxBps/perDayBps {
		return maxBps
	}
	bps := daysLate * perDayBps
	if bps > maxBps {
		return maxBps
	}
	return bps
}

// CloseQuote is what closing a position at a given time yields
type CloseQuote struct {
	Status       types.StakeStatus
	DaysLate     uint64
	PenaltyBps   uint64
	Bonus        *big.Int
	Base         *big.Int // amount + bonus
	Penalty      *big.Int
	Payout       *big.Int
	ToRewardPool *big.Int
	Burned       *big.Int
}

// PenaltyBps returns the penalty rate and status for closing p at now
func (e *Engine) PenaltyBps(p types.StakePosition, now uint64) (uint64, types.StakeStatus) {
	status := e.Status(p, now)
	switch status {
	case types.StakeActive:
		return EarlyPenaltyBps(e.c.EarlyPenaltyMaxBps, e.StartTs(p), e.MaturityTs(p), now), status
	case types.StakeLate:
		days := DaysLate(e.GraceEndTs(p), now, e.c.DaySeconds)
		return LatePenaltyBps(e.c.LatePenaltyBpsPerDay, e.c.LatePenaltyMaxBps, days), status
	default:
		return 0, status
	}
}

// Quote prices a close of p at now without changing it
func (e *Engine) Quote(p types.StakePosition, now uint64) (CloseQuote, error) {
	if p.Closed {
		return CloseQuote{Status: types.StakeClosed}, ErrAlreadyClosed
	}

	bps, status := e.PenaltyBps(p, now)
	bonus := e.Bonus(p.AmountWei, p.StakedDays)
	base := new(big.Int).Set(bonus.TotalAtMaturity)

	penalty := new(big.Int).Mul(base, new(big.Int).SetUint64(bps))
	penalty.Quo(penalty, bpsDenominator)

	toPool := new(big.Int).Mul(penalty, new(big.Int).SetUint64(e.c.RewardSplitBps))
	toPool.Quo(toPool, bpsDenominator)

	q := CloseQuote{
		Status:       status,
		PenaltyBps:   bps,
		Bonus:        bonus.Total,
		Base:         base,
		Penalty:      penalty,
		Payout:       new(big.Int).Sub(base, penalty),
		ToRewardPool: toPool,
		Burned:       new(big.Int).Sub(penalty, toPool),
	}
	if status == types.StakeLate {
		q.DaysLate = DaysLate(e.GraceEndTs(p), now, e.c.DaySeconds)
	}
	return q, nil
}

// Close returns p marked closed at now together with its quote. Closing is a
// one-way transition.
func (e *Engine) Close(p types.StakePosition, now uint64) (types.StakePosition, CloseQuote, error) {
	q, err := e.Quote(p, now)
	if err != nil {
		return p, q, err
	}
	closed := p
	if p.AmountWei != nil {
		closed.AmountWei = new(big.Int).Set(p.AmountWei)
	}
	closed.Closed = true
	closed.UnlockedDay = e.Day(now)
	return closed, q, nil
}
