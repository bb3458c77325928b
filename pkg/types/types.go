package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ScheduleKind tells whether phase boundaries are block numbers or unix seconds
type ScheduleKind string

const (
	// ScheduleBlocks - boundaries are block numbers
	ScheduleBlocks ScheduleKind = "blocks"
	// ScheduleTime - boundaries are unix timestamps (seconds)
	ScheduleTime ScheduleKind = "time"
)

// IsValid checks if the schedule kind is valid
func (k ScheduleKind) IsValid() bool {
	switch k {
	case ScheduleBlocks, ScheduleTime:
		return true
	default:
		return false
	}
}

// ScheduleConstants are the immutable distribution constants read from the ledger.
// Durations holds one entry per phase, so phase 0 may be shorter or longer than the rest.
type ScheduleConstants struct {
	Kind        ScheduleKind
	Anchor      uint64     // Launch block or launch unix time
	Durations   []uint64   // Per-phase length in blocks or seconds
	Allocations []*big.Int // Per-phase token allocation (base units)
}

// PhaseCount returns the number of phases in the schedule
func (c *ScheduleConstants) PhaseCount() int {
	return len(c.Durations)
}

// UniformDurations builds a per-phase duration table where phase 0 has its own length
// and every later phase shares the same length.
func UniformDurations(count int, first, rest uint64) []uint64 {
	if count <= 0 {
		return nil
	}
	durations := make([]uint64, count)
	durations[0] = first
	for i := 1; i < count; i++ {
		durations[i] = rest
	}
	return durations
}

// DurationsFromBoundaries converts a cumulative boundary table (starting at 0) into
// per-phase durations. A table of n+1 boundaries describes n phases.
func DurationsFromBoundaries(boundaries []uint64) ([]uint64, error) {
	if len(boundaries) < 2 {
		return nil, fmt.Errorf("boundary table needs at least 2 entries, got %d", len(boundaries))
	}
	if boundaries[0] != 0 {
		return nil, fmt.Errorf("boundary table must start at 0, got %d", boundaries[0])
	}
	durations := make([]uint64, len(boundaries)-1)
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i] <= boundaries[i-1] {
			return nil, fmt.Errorf("boundary %d (%d) is not greater than boundary %d (%d)",
				i, boundaries[i], i-1, boundaries[i-1])
		}
		durations[i-1] = boundaries[i] - boundaries[i-1]
	}
	return durations, nil
}

// Phase is a fixed contribution window with a fixed token allocation
type Phase struct {
	Index      uint64
	Start      uint64 // Inclusive, absolute block or unix second
	End        uint64 // Exclusive
	Allocation *big.Int
}

// Contains reports whether the given block/time falls inside [Start, End)
func (p Phase) Contains(at uint64) bool {
	return at >= p.Start && at < p.End
}

// ContributionRecord is a contribution as seen by the ledger or the local pending set
type ContributionRecord struct {
	Phase     uint64
	Address   common.Address
	AmountWei *big.Int
	Confirmed bool
}

// PendingContribution is a contribution transaction that was broadcast but is not yet
// reflected by ledger reads.
type PendingContribution struct {
	Address   common.Address `json:"address"`
	Phase     uint64         `json:"phase"`
	AmountEth string         `json:"amount_eth"` // Decimal as entered, e.g. "0.25"
	AmountWei *big.Int       `json:"amount_wei"`
	TxHash    common.Hash    `json:"tx_hash"`
	CreatedAt time.Time      `json:"created_at"`
}

// Positive reports whether the entry carries a value worth tracking
func (p *PendingContribution) Positive() bool {
	return p.AmountWei != nil && p.AmountWei.Sign() > 0
}

// MintSource records where an eligible-token figure came from
type MintSource string

const (
	MintSourceLedger MintSource = "ledger"
	MintSourceLocal  MintSource = "local"
)

// EligibleMint is the claimable amount for an ended, unminted phase. Derived, never stored.
type EligibleMint struct {
	Phase          uint64
	Address        common.Address
	EligibleTokens *big.Int
	Source         MintSource
}
