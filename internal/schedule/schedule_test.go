package schedule

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veggaen/phasestake/pkg/types"
)

func allocations(n int, each int64) []*big.Int {
	out := make([]*big.Int, n)
	for i := range out {
		out[i] = big.NewInt(each)
	}
	return out
}

func blockSchedule(t *testing.T, anchor uint64) *Schedule {
	t.Helper()
	durations, err := types.DurationsFromBoundaries(ReferenceBlockBoundaries)
	require.NoError(t, err)
	s, err := NewFromConstants(&types.ScheduleConstants{
		Kind:        types.ScheduleBlocks,
		Anchor:      anchor,
		Durations:   durations,
		Allocations: allocations(len(durations), 75_000),
	})
	require.NoError(t, err)
	return s
}

func TestReferenceBoundaries(t *testing.T) {
	require.Len(t, ReferenceBlockBoundaries, 13)
	assert.Equal(t, uint64(0), ReferenceBlockBoundaries[0])
	assert.Equal(t, uint64(BlocksPerDay), ReferenceBlockBoundaries[1])
	for i := 1; i < len(ReferenceBlockBoundaries); i++ {
		assert.Greater(t, ReferenceBlockBoundaries[i], ReferenceBlockBoundaries[i-1])
	}
}

func TestNewFromConstants_Validation(t *testing.T) {
	tests := []struct {
		name string
		c    *types.ScheduleConstants
	}{
		{"nil", nil},
		{"bad kind", &types.ScheduleConstants{Kind: "epochs", Durations: []uint64{1}, Allocations: allocations(1, 1)}},
		{"no phases", &types.ScheduleConstants{Kind: types.ScheduleTime}},
		{"zero duration", &types.ScheduleConstants{Kind: types.ScheduleTime, Durations: []uint64{10, 0}, Allocations: allocations(2, 1)}},
		{"allocation count", &types.ScheduleConstants{Kind: types.ScheduleTime, Durations: []uint64{10, 10}, Allocations: allocations(1, 1)}},
		{"negative allocation", &types.ScheduleConstants{Kind: types.ScheduleTime, Durations: []uint64{10}, Allocations: allocations(1, -1)}},
		{"overflow", &types.ScheduleConstants{Kind: types.ScheduleTime, Anchor: ^uint64(0) - 5, Durations: []uint64{10}, Allocations: allocations(1, 1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFromConstants(tt.c)
			assert.ErrorIs(t, err, ErrInvalidSchedule)
		})
	}
}

func TestResolve_BlockSchedule(t *testing.T) {
	const anchor = 1_000_000
	s := blockSchedule(t, anchor)

	tests := []struct {
		name     string
		now      uint64
		index    uint64
		started  bool
		complete bool
	}{
		{"before launch", anchor - 1, 0, false, false},
		{"launch block", anchor, 0, true, false},
		{"last block of phase 0", anchor + BlocksPerDay - 1, 0, true, false},
		{"first block of phase 1", anchor + BlocksPerDay, 1, true, false},
		{"middle of phase 5", anchor + ReferenceBlockBoundaries[5] + 10, 5, true, false},
		{"last block of schedule", anchor + ReferenceBlockBoundaries[12] - 1, 11, true, false},
		{"schedule end", anchor + ReferenceBlockBoundaries[12], 11, true, true},
		{"far future", anchor + 100*ReferenceBlockBoundaries[12], 11, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := s.Resolve(tt.now)
			assert.Equal(t, tt.index, r.Index)
			assert.Equal(t, tt.started, r.Started)
			assert.Equal(t, tt.complete, r.Complete)
			assert.Equal(t, anchor+ReferenceBlockBoundaries[r.Index], r.Start)
			assert.Equal(t, anchor+ReferenceBlockBoundaries[r.Index+1], r.End)
		})
	}
}

func TestResolve_TimeScheduleUsesPerPhaseDurations(t *testing.T) {
	const launch = 1_700_000_000
	s, err := NewFromConstants(&types.ScheduleConstants{
		Kind:        types.ScheduleTime,
		Anchor:      launch,
		Durations:   []uint64{3600, 86_400, 86_400, 604_800},
		Allocations: allocations(4, 1),
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), s.Resolve(launch+3599).Index)
	assert.Equal(t, uint64(1), s.Resolve(launch+3600).Index)
	assert.Equal(t, uint64(2), s.Resolve(launch+3600+86_400).Index)
	assert.Equal(t, uint64(3), s.Resolve(launch+3600+2*86_400).Index)

	r := s.Resolve(launch + s.TotalLength())
	assert.Equal(t, uint64(3), r.Index)
	assert.True(t, r.Complete)
}

func TestResolve_MonotoneForIncreasingInput(t *testing.T) {
	s := blockSchedule(t, 500)
	var prev uint64
	for now := uint64(0); now < 500+ReferenceBlockBoundaries[12]+BlocksPerDay; now += 997 {
		r := s.Resolve(now)
		require.GreaterOrEqual(t, r.Index, prev, "phase went backwards at %d", now)
		prev = r.Index
	}
}

func TestResolve_Stateless(t *testing.T) {
	s := blockSchedule(t, 0)
	late := s.Resolve(ReferenceBlockBoundaries[9])
	early := s.Resolve(ReferenceBlockBoundaries[2])
	again := s.Resolve(ReferenceBlockBoundaries[9])
	assert.Equal(t, late, again)
	assert.Equal(t, uint64(2), early.Index)
}

func TestPhasesAndEnded(t *testing.T) {
	s := blockSchedule(t, 100)
	phases := s.Phases()
	require.Len(t, phases, 12)

	for i := 1; i < len(phases); i++ {
		assert.Equal(t, phases[i-1].End, phases[i].Start)
		assert.Less(t, phases[i].Start, phases[i].End)
	}

	assert.False(t, s.Ended(0, phases[0].End-1))
	assert.True(t, s.Ended(0, phases[0].End))
	assert.False(t, s.Ended(99, ^uint64(0)))

	ended := s.EndedFunc(phases[3].End)
	assert.True(t, ended(3))
	assert.False(t, ended(4))

	_, err := s.Phase(12)
	assert.ErrorIs(t, err, ErrPhaseOutOfRange)
}

func TestAllocationIsCopied(t *testing.T) {
	s := blockSchedule(t, 0)
	a := s.Allocation(0)
	a.SetInt64(1)
	assert.Equal(t, int64(75_000), s.Allocation(0).Int64())
	assert.Nil(t, s.Allocation(12))
}

func TestResolution_Remaining(t *testing.T) {
	r := Resolution{Start: 100, End: 200, Started: true}
	assert.Equal(t, uint64(50), r.Remaining(150))
	assert.Equal(t, uint64(0), r.Remaining(200))
	assert.Equal(t, uint64(100), r.Remaining(10))
	assert.Equal(t, uint64(0), Resolution{Complete: true, End: 500}.Remaining(10))
}
