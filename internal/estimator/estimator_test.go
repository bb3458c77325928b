package estimator

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veggaen/phasestake/internal/allocation"
	"github.com/veggaen/phasestake/internal/schedule"
	"github.com/veggaen/phasestake/internal/staking"
	"github.com/veggaen/phasestake/pkg/types"
)

var alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), types.Pow10(18))
}

func testSchedule(t *testing.T) *schedule.Schedule {
	t.Helper()
	s, err := schedule.NewFromConstants(&types.ScheduleConstants{
		Kind:        types.ScheduleTime,
		Anchor:      1000,
		Durations:   types.UniformDurations(3, 100, 100),
		Allocations: []*big.Int{tokens(75_000), tokens(75_000), tokens(75_000)},
	})
	require.NoError(t, err)
	return s
}

func TestEstimate_CurrentPhaseReward(t *testing.T) {
	s := testSchedule(t)

	in := Input{
		Address:  alice,
		Schedule: s,
		Now:      1150,
		Phases: []PhaseInput{
			{Amounts: allocation.PhaseAmounts{
				Phase:          1,
				Allocation:     tokens(75_000),
				UserConfirmed:  tokens(1),
				TotalConfirmed: tokens(10),
			}},
		},
	}

	v := Estimate(in)
	assert.Equal(t, uint64(1), v.Phase.Index)
	assert.True(t, v.Phase.Started)
	assert.Equal(t, uint64(50), v.Phase.Remaining)
	assert.Equal(t, 0, v.EstimatedRewardNow.Cmp(tokens(7_500)))
	assert.Equal(t, uint64(1000), v.ShareBps)

	// One more pending contribution from the user
	in.Phases[0].Amounts.UserPending = tokens(1)
	in.Phases[0].Amounts.TotalPending = tokens(1)
	v = Estimate(in)
	assert.Equal(t, "13636.36", types.FormatAmount(v.EstimatedRewardNow, 18, 2))
	assert.Equal(t, 0, v.TotalPendingRewards.Cmp(v.EstimatedRewardNow))
}

func TestEstimate_EndedPhasesAndMints(t *testing.T) {
	s := testSchedule(t)

	v := Estimate(Input{
		Address:  alice,
		Schedule: s,
		Now:      1250,
		Phases: []PhaseInput{
			{Amounts: allocation.PhaseAmounts{Phase: 1, Allocation: tokens(75_000), UserConfirmed: tokens(1), TotalConfirmed: tokens(3)}},
			{Amounts: allocation.PhaseAmounts{Phase: 0, Allocation: tokens(75_000), UserConfirmed: tokens(1), TotalConfirmed: tokens(1)}, Minted: true, Stale: true},
		},
		EligibleMints: []types.EligibleMint{
			{Phase: 1, Address: alice, EligibleTokens: tokens(25_000), Source: types.MintSourceLedger},
			{Phase: 0, Address: alice, EligibleTokens: big.NewInt(0)},
		},
		PendingCount: 2,
	})

	require.Len(t, v.Phases, 2)
	assert.Equal(t, uint64(0), v.Phases[0].Phase, "phases are sorted")
	assert.True(t, v.Phases[0].Ended)
	assert.True(t, v.Phases[0].Minted)
	assert.True(t, v.Phases[0].Stale)
	assert.Equal(t, uint64(1000), v.Phases[0].Start)
	assert.Equal(t, uint64(1100), v.Phases[0].End)
	assert.Equal(t, int64(0), v.Phases[1].EstimatedReward.Int64(), "ended phases carry no estimate")

	require.Len(t, v.EligibleMints, 1, "zero mints are dropped")
	assert.Equal(t, 0, v.TotalPendingRewards.Cmp(tokens(25_000)))
	assert.Equal(t, int64(0), v.EstimatedRewardNow.Int64())
	assert.Equal(t, 2, v.PendingCount)
	assert.Nil(t, v.TokenBalance)
}

func TestEstimate_Stakes(t *testing.T) {
	s := testSchedule(t)
	c := types.DefaultStakingConstants()
	c.LaunchTime = 0
	e, err := staking.NewEngine(c)
	require.NoError(t, err)

	open := types.StakePosition{ID: 1, AmountWei: tokens(1000), StakedDays: 100}
	closed := types.StakePosition{ID: 2, Index: 1, AmountWei: tokens(5), StakedDays: 10, Closed: true}

	now := uint64(110 * types.SecondsPerDay) // 10 days past maturity, inside grace
	v := Estimate(Input{
		Address:      alice,
		Schedule:     s,
		Now:          1050,
		StakeNow:     now,
		Stakes:       []types.StakePosition{open, closed},
		Engine:       e,
		TokenBalance: tokens(7),
	})

	require.Len(t, v.StakePositions, 2)
	sv := v.StakePositions[0]
	assert.Equal(t, types.StakeInGrace, sv.Status)
	assert.Equal(t, uint64(100*types.SecondsPerDay), sv.MaturityTs)
	require.NotNil(t, sv.Quote)
	assert.Equal(t, uint64(0), sv.Quote.PenaltyBps)
	assert.True(t, sv.Bonus.TotalAtMaturity.Cmp(tokens(1000)) >= 0)

	assert.Equal(t, types.StakeClosed, v.StakePositions[1].Status)
	assert.Nil(t, v.StakePositions[1].Quote)
	assert.Equal(t, 0, v.TokenBalance.Cmp(tokens(7)))
}

func TestPreviewStake(t *testing.T) {
	c := types.DefaultStakingConstants()
	c.LaunchTime = 0
	e, err := staking.NewEngine(c)
	require.NoError(t, err)

	p, err := PreviewStake(e, tokens(1000), 100, tokens(2000), 3*types.SecondsPerDay+5)
	require.NoError(t, err)
	assert.Equal(t, uint64(3*types.SecondsPerDay), p.StartTs)
	assert.Equal(t, uint64(103*types.SecondsPerDay), p.MaturityTs)
	assert.Equal(t, p.MaturityTs+c.GracePeriodSec, p.GraceEndTs)
	assert.True(t, p.Bonus.TotalAtMaturity.Cmp(tokens(1000)) >= 0)

	_, err = PreviewStake(e, tokens(1000), 100, tokens(1), 0)
	assert.ErrorIs(t, err, staking.ErrInsufficientFund)

	_, err = PreviewStake(e, tokens(1), 0, nil, 0)
	assert.ErrorIs(t, err, staking.ErrInvalidDuration)
}
