package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BpsDenominator is 100% expressed in basis points
const BpsDenominator = 10_000

// SecondsPerDay is the ledger's day length
const SecondsPerDay = 86_400

// StakeStatus is the time-derived lifecycle state of a stake position
type StakeStatus string

const (
	// StakeActive - before maturity; closing now is an early exit
	StakeActive StakeStatus = "active"
	// StakeInGrace - matured and inside the grace window; closing is free
	StakeInGrace StakeStatus = "in_grace"
	// StakeLate - grace window passed; closing incurs a late penalty
	StakeLate StakeStatus = "late"
	// StakeClosed - terminal, set once by a close action
	StakeClosed StakeStatus = "closed"
)

// StakePosition is a locked token balance as recorded by the ledger.
// Closed and UnlockedDay are set exactly once; positions are never deleted.
type StakePosition struct {
	Index       uint64 // Position in the owner's stake list
	ID          uint64
	Address     common.Address
	AmountWei   *big.Int
	StakedDays  uint64
	StartDay    uint64 // Day number relative to launch
	Closed      bool
	UnlockedDay uint64
}

// StakingConstants are the staking parameters published by the ledger
type StakingConstants struct {
	LaunchTime           uint64 `yaml:"launch_time" json:"launch_time"` // Unix seconds of day 0
	DaySeconds           uint64 `yaml:"day_seconds" json:"day_seconds"` // 86400 on mainnet
	GracePeriodSec       uint64 `yaml:"grace_period_sec" json:"grace_period_sec"`
	EarlyPenaltyMaxBps   uint64 `yaml:"early_penalty_max_bps" json:"early_penalty_max_bps"`
	LatePenaltyBpsPerDay uint64 `yaml:"late_penalty_bps_per_day" json:"late_penalty_bps_per_day"`
	LatePenaltyMaxBps    uint64 `yaml:"late_penalty_max_bps" json:"late_penalty_max_bps"`
	MinStakeDays         uint64 `yaml:"min_stake_days" json:"min_stake_days"`
	MaxStakeDays         uint64 `yaml:"max_stake_days" json:"max_stake_days"`
	RewardSplitBps       uint64 `yaml:"reward_split_bps" json:"reward_split_bps"` // Share of penalties paid to the reward pool
	MaxBonusDays         uint64 `yaml:"max_bonus_days" json:"max_bonus_days"`

	MaxStakeForBonus *big.Int `yaml:"-" json:"-"` // Base units
	LPB              *big.Int `yaml:"-" json:"-"` // Longer-pays-better scaling constant
	BPB              *big.Int `yaml:"-" json:"-"` // Bigger-pays-better scaling constant

	MaxStakeForBonusString string `yaml:"max_stake_for_bonus" json:"max_stake_for_bonus"`
	LPBString              string `yaml:"lpb" json:"lpb"`
	BPBString              string `yaml:"bpb" json:"bpb"`
}

// ParseBigFields parses the string representations of the big integer constants.
// Empty strings leave the corresponding field untouched.
func (c *StakingConstants) ParseBigFields() error {
	parse := func(name, s string, dst **big.Int) error {
		if s == "" {
			return nil
		}
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || v.Sign() < 0 {
			return fmt.Errorf("invalid %s value: %s", name, s)
		}
		*dst = v
		return nil
	}
	if err := parse("max_stake_for_bonus", c.MaxStakeForBonusString, &c.MaxStakeForBonus); err != nil {
		return err
	}
	if err := parse("lpb", c.LPBString, &c.LPB); err != nil {
		return err
	}
	return parse("bpb", c.BPBString, &c.BPB)
}

// Validate checks internal consistency of the constants
func (c *StakingConstants) Validate() error {
	if c.DaySeconds == 0 {
		return fmt.Errorf("day_seconds must be positive")
	}
	if c.EarlyPenaltyMaxBps > BpsDenominator {
		return fmt.Errorf("early_penalty_max_bps exceeds %d: %d", BpsDenominator, c.EarlyPenaltyMaxBps)
	}
	if c.LatePenaltyMaxBps > BpsDenominator {
		return fmt.Errorf("late_penalty_max_bps exceeds %d: %d", BpsDenominator, c.LatePenaltyMaxBps)
	}
	if c.RewardSplitBps > BpsDenominator {
		return fmt.Errorf("reward_split_bps exceeds %d: %d", BpsDenominator, c.RewardSplitBps)
	}
	if c.MaxStakeDays != 0 && c.MinStakeDays > c.MaxStakeDays {
		return fmt.Errorf("min_stake_days (%d) exceeds max_stake_days (%d)", c.MinStakeDays, c.MaxStakeDays)
	}
	if c.LPB == nil || c.LPB.Sign() <= 0 {
		return fmt.Errorf("lpb must be positive")
	}
	if c.BPB == nil || c.BPB.Sign() <= 0 {
		return fmt.Errorf("bpb must be positive")
	}
	if c.MaxStakeForBonus == nil {
		return fmt.Errorf("max_stake_for_bonus is required")
	}
	return nil
}

// DefaultStakingConstants returns the reference deployment's staking parameters.
// Amounts assume 18 decimals.
func DefaultStakingConstants() *StakingConstants {
	c := &StakingConstants{
		DaySeconds:             SecondsPerDay,
		GracePeriodSec:         14 * SecondsPerDay,
		EarlyPenaltyMaxBps:     5000, // 50% at day 0, decaying linearly to 0 at maturity
		LatePenaltyBpsPerDay:   100,  // 1% per day late
		LatePenaltyMaxBps:      5000,
		MinStakeDays:           1,
		MaxStakeDays:           5555,
		RewardSplitBps:         5000, // Half of every penalty goes back to stakers
		MaxBonusDays:           3640,
		MaxStakeForBonusString: "150000000000000000000000000", // 150,000,000 tokens
		LPBString:              "1820",
		BPBString:              "1500000000000000000000000000", // 10x max stake for bonus
	}
	// Defaults are constant strings; parsing cannot fail.
	_ = c.ParseBigFields()
	return c
}
