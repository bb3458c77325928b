// Package schedule maps a block number or unix time onto the phase schedule.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/veggaen/phasestake/pkg/types"
)

// ErrInvalidSchedule is returned for constants that cannot describe a schedule
var ErrInvalidSchedule = errors.New("invalid schedule constants")

// ErrPhaseOutOfRange is returned when a phase index is past the last phase
var ErrPhaseOutOfRange = errors.New("phase index out of range")

// BlocksPerDay approximates 12 second slots
const BlocksPerDay = 7200

// ReferenceBlockBoundaries is the cumulative block table of the reference deployment:
// 13 boundaries, 12 phases. Phase 0 lasts one day, every later phase one week.
var ReferenceBlockBoundaries = func() []uint64 {
	b := make([]uint64, 13)
	b[1] = BlocksPerDay
	for i := 2; i < len(b); i++ {
		b[i] = b[i-1] + 7*BlocksPerDay
	}
	return b
}()

// Resolution is where a block or time falls in the schedule
type Resolution struct {
	Index    uint64
	Start    uint64 // Absolute, inclusive
	End      uint64 // Absolute, exclusive
	Started  bool   // false while now < anchor
	Complete bool   // true once every phase has ended
}

// Schedule is an immutable phase table built from ledger constants
type Schedule struct {
	kind        types.ScheduleKind
	anchor      uint64
	durations   []uint64
	offsets     []uint64 // Cumulative, len(durations)+1, offsets[0] == 0
	allocations []*big.Int
}

// NewFromConstants validates the constants and builds the phase table
func NewFromConstants(c *types.ScheduleConstants) (*Schedule, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil constants", ErrInvalidSchedule)
	}
	if !c.Kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidSchedule, c.Kind)
	}
	if len(c.Durations) == 0 {
		return nil, fmt.Errorf("%w: no phases", ErrInvalidSchedule)
	}
	if len(c.Allocations) != len(c.Durations) {
		return nil, fmt.Errorf("%w: %d allocations for %d phases",
			ErrInvalidSchedule, len(c.Allocations), len(c.Durations))
	}

	offsets := make([]uint64, len(c.Durations)+1)
	for i, d := range c.Durations {
		if d == 0 {
			return nil, fmt.Errorf("%w: phase %d has zero duration", ErrInvalidSchedule, i)
		}
		if offsets[i] > math.MaxUint64-d || c.Anchor > math.MaxUint64-(offsets[i]+d) {
			return nil, fmt.Errorf("%w: schedule overflows at phase %d", ErrInvalidSchedule, i)
		}
		offsets[i+1] = offsets[i] + d
	}

	allocations := make([]*big.Int, len(c.Allocations))
	for i, a := range c.Allocations {
		if a == nil || a.Sign() < 0 {
			return nil, fmt.Errorf("%w: phase %d allocation must be non-negative", ErrInvalidSchedule, i)
		}
		allocations[i] = new(big.Int).Set(a)
	}

	return &Schedule{
		kind:        c.Kind,
		anchor:      c.Anchor,
		durations:   append([]uint64(nil), c.Durations...),
		offsets:     offsets,
		allocations: allocations,
	}, nil
}

// Kind returns whether boundaries are blocks or seconds
func (s *Schedule) Kind() types.ScheduleKind { return s.kind }

// Anchor returns the launch block or launch time
func (s *Schedule) Anchor() uint64 { return s.anchor }

// PhaseCount returns the number of phases
func (s *Schedule) PhaseCount() int { return len(s.durations) }

// TotalLength returns the length of the whole schedule in blocks or seconds
func (s *Schedule) TotalLength() uint64 { return s.offsets[len(s.offsets)-1] }

// Resolve returns the phase containing now. Before the anchor it reports phase 0;
// at or past the last boundary it clamps to the last phase and marks the schedule complete.
func (s *Schedule) Resolve(now uint64) Resolution {
	return resolve(s.anchor, s.offsets, now)
}

func resolve(anchor uint64, offsets []uint64, now uint64) Resolution {
	last := len(offsets) - 2
	if now < anchor {
		return Resolution{Index: 0, Start: anchor + offsets[0], End: anchor + offsets[1]}
	}

	elapsed := now - anchor
	if elapsed >= offsets[last+1] {
		return Resolution{
			Index:    uint64(last),
			Start:    anchor + offsets[last],
			End:      anchor + offsets[last+1],
			Started:  true,
			Complete: true,
		}
	}

	// First boundary strictly greater than elapsed closes the containing phase
	i := sort.Search(len(offsets), func(i int) bool { return offsets[i] > elapsed }) - 1
	return Resolution{
		Index:   uint64(i),
		Start:   anchor + offsets[i],
		End:     anchor + offsets[i+1],
		Started: true,
	}
}

// Phase returns phase i with absolute boundaries
func (s *Schedule) Phase(i uint64) (types.Phase, error) {
	if i >= uint64(len(s.durations)) {
		return types.Phase{}, fmt.Errorf("%w: %d >= %d", ErrPhaseOutOfRange, i, len(s.durations))
	}
	return types.Phase{
		Index:      i,
		Start:      s.anchor + s.offsets[i],
		End:        s.anchor + s.offsets[i+1],
		Allocation: new(big.Int).Set(s.allocations[i]),
	}, nil
}

// Phases enumerates every phase in index order
func (s *Schedule) Phases() []types.Phase {
	phases := make([]types.Phase, len(s.durations))
	for i := range s.durations {
		phases[i], _ = s.Phase(uint64(i))
	}
	return phases
}

// Allocation returns a copy of phase i's allocation, or nil when out of range
func (s *Schedule) Allocation(i uint64) *big.Int {
	if i >= uint64(len(s.allocations)) {
		return nil
	}
	return new(big.Int).Set(s.allocations[i])
}

// Ended reports whether phase i's end boundary has passed at now.
// Indices past the last phase are never ended.
func (s *Schedule) Ended(i, now uint64) bool {
	if i >= uint64(len(s.durations)) {
		return false
	}
	return now >= s.anchor+s.offsets[i+1]
}

// EndedFunc binds Ended to a fixed now
func (s *Schedule) EndedFunc(now uint64) func(phase uint64) bool {
	return func(phase uint64) bool { return s.Ended(phase, now) }
}

// Remaining returns how many blocks or seconds are left in the resolved phase
func (r Resolution) Remaining(now uint64) uint64 {
	if r.Complete || now >= r.End {
		return 0
	}
	if now < r.Start {
		return r.End - r.Start
	}
	return r.End - now
}
