package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veggaen/phasestake/internal/staking"
	"github.com/veggaen/phasestake/pkg/types"
)

var (
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), types.Pow10(18))
}

// newMockContract builds a three-phase time schedule starting at 1000, 100s per phase
func newMockContract(t *testing.T) (*Contract, *MockLedger) {
	t.Helper()
	stc := types.DefaultStakingConstants()
	stc.LaunchTime = 1000
	m, err := NewMockLedger(1, &types.ScheduleConstants{
		Kind:        types.ScheduleTime,
		Anchor:      1000,
		Durations:   types.UniformDurations(3, 100, 100),
		Allocations: []*big.Int{big.NewInt(1000), big.NewInt(1000), big.NewInt(1000)},
	}, stc)
	require.NoError(t, err)
	return NewMockContract(m), m
}

func signer(addr common.Address) *bind.TransactOpts {
	return &bind.TransactOpts{From: addr}
}

func TestMockContract_ContributeVisibleAfterMine(t *testing.T) {
	ctx := context.Background()
	c, m := newMockContract(t)
	assert.True(t, c.IsMockMode())

	m.SetHeadTime(1050)
	h, err := c.Contribute(ctx, signer(alice), ether(3))
	require.NoError(t, err)

	found, err := c.ReceiptFound(ctx, h)
	require.NoError(t, err)
	assert.False(t, found, "unmined transaction should have no receipt")

	reads := c.ReadPhases(ctx, alice, []PhaseQuery{{Phase: 0}})
	require.Len(t, reads, 1)
	assert.Equal(t, int64(0), reads[0].User.V.Int64())

	assert.Equal(t, 1, m.Mine())

	found, err = c.ReceiptFound(ctx, h)
	require.NoError(t, err)
	assert.True(t, found)

	reads = c.ReadPhases(ctx, alice, []PhaseQuery{{Phase: 0}})
	require.True(t, reads[0].User.OK())
	assert.Equal(t, 0, reads[0].User.V.Cmp(ether(3)))
	assert.Equal(t, 0, reads[0].Total.V.Cmp(ether(3)))
	assert.ErrorIs(t, reads[0].Eligible.Err, ErrNotRequested)
}

func TestMockContract_ContributeOutsideSchedule(t *testing.T) {
	ctx := context.Background()
	c, m := newMockContract(t)

	m.SetHeadTime(500)
	_, err := c.Contribute(ctx, signer(alice), ether(1))
	assert.ErrorIs(t, err, ErrSubmissionRejected)

	m.SetHeadTime(5000)
	_, err = c.Contribute(ctx, signer(alice), ether(1))
	assert.ErrorIs(t, err, ErrSubmissionRejected)
}

func TestMockContract_SubmissionRejected(t *testing.T) {
	ctx := context.Background()
	c, m := newMockContract(t)
	m.SetHeadTime(1050)

	_, err := c.Contribute(ctx, nil, ether(1))
	assert.ErrorIs(t, err, ErrSubmissionRejected)

	_, err = c.Contribute(ctx, signer(alice), big.NewInt(0))
	assert.ErrorIs(t, err, ErrSubmissionRejected)

	cause := errors.New("nonce too low")
	m.RejectSubmissions(cause)
	_, err = c.MintShare(ctx, signer(alice), 0)
	assert.ErrorIs(t, err, ErrSubmissionRejected)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, m.PendingTxs())
}

func TestMockContract_PartialReadFailure(t *testing.T) {
	ctx := context.Background()
	c, m := newMockContract(t)
	m.AddContribution(0, alice, ether(1))
	m.AddContribution(1, alice, ether(2))

	m.FailCall("phaseTotal:1", 1, errors.New("timeout"))

	reads := c.ReadPhases(ctx, alice, []PhaseQuery{{Phase: 0}, {Phase: 1}})
	require.Len(t, reads, 2)
	assert.True(t, reads[0].Total.OK())
	assert.True(t, reads[1].User.OK(), "a sibling read should not be affected")

	err := reads[1].Total.Err
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadFailure)
	assert.Equal(t, CallPhaseTotal, CallName(err))
	assert.False(t, IsFatal(err))

	// Failure consumed
	reads = c.ReadPhases(ctx, alice, []PhaseQuery{{Phase: 1}})
	assert.True(t, reads[0].Total.OK())
}

func TestMockContract_MintShare(t *testing.T) {
	ctx := context.Background()
	c, m := newMockContract(t)
	m.AddContribution(0, alice, ether(3))
	m.AddContribution(0, bob, ether(1))

	m.SetHeadTime(1050)
	h, err := c.MintShare(ctx, signer(alice), 0)
	require.NoError(t, err)
	m.Mine()
	assert.NotEmpty(t, m.Reverted(h), "minting an open phase should revert")

	m.SetHeadTime(1150)
	reads := c.ReadPhases(ctx, alice, []PhaseQuery{{Phase: 0, WithEligible: true}})
	require.True(t, reads[0].Eligible.OK())
	assert.Equal(t, int64(750), reads[0].Eligible.V.Int64())

	h, err = c.MintShare(ctx, signer(alice), 0)
	require.NoError(t, err)
	m.Mine()
	assert.Empty(t, m.Reverted(h))

	bal, err := c.TokenBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(750), bal.Int64())

	reads = c.ReadPhases(ctx, alice, []PhaseQuery{{Phase: 0, WithEligible: true}})
	assert.True(t, reads[0].Minted.V)
	assert.Equal(t, int64(0), reads[0].Eligible.V.Int64())

	supply, err := c.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(750), supply.Int64())
}

func TestMockContract_EligibleOverride(t *testing.T) {
	ctx := context.Background()
	c, m := newMockContract(t)
	m.AddContribution(0, alice, ether(1))
	m.SetEligible(0, alice, big.NewInt(999))

	reads := c.ReadPhases(ctx, alice, []PhaseQuery{{Phase: 0, WithEligible: true}})
	assert.Equal(t, int64(999), reads[0].Eligible.V.Int64())
}

func TestMockContract_StakeLifecycle(t *testing.T) {
	ctx := context.Background()
	c, m := newMockContract(t)
	m.SetHeadTime(1150)
	m.SetBalance(alice, ether(10))

	_, err := c.StakeStart(ctx, signer(alice), ether(4), 10)
	require.NoError(t, err)
	m.Mine()

	stakes, err := c.Stakes(ctx, alice)
	require.NoError(t, err)
	require.Len(t, stakes, 1)
	assert.Equal(t, uint64(1), stakes[0].ID)
	assert.Equal(t, uint64(0), stakes[0].Index)
	assert.Equal(t, uint64(10), stakes[0].StakedDays)
	assert.False(t, stakes[0].Closed)

	bal, _ := c.TokenBalance(ctx, alice)
	assert.Equal(t, 0, bal.Cmp(ether(6)))

	engine, err := staking.NewEngine(m.stakingConsts)
	require.NoError(t, err)
	quote, err := engine.Quote(stakes[0], 1150)
	require.NoError(t, err)

	_, err = c.StakeEnd(ctx, signer(alice), 0, 1)
	require.NoError(t, err)
	m.Mine()

	stakes, err = c.Stakes(ctx, alice)
	require.NoError(t, err)
	assert.True(t, stakes[0].Closed)

	bal, _ = c.TokenBalance(ctx, alice)
	want := new(big.Int).Add(ether(6), quote.Payout)
	assert.Equal(t, 0, bal.Cmp(want), "got %s want %s", bal, want)

	// A second close reverts
	h, err := c.StakeEnd(ctx, signer(alice), 0, 1)
	require.NoError(t, err)
	m.Mine()
	assert.NotEmpty(t, m.Reverted(h))
}

func TestMockContract_StakeStartInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	c, m := newMockContract(t)
	m.SetBalance(alice, ether(1))

	h, err := c.StakeStart(ctx, signer(alice), ether(2), 10)
	require.NoError(t, err)
	m.Mine()
	assert.NotEmpty(t, m.Reverted(h))

	stakes, err := c.Stakes(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, stakes)
}

func TestMockContract_Constants(t *testing.T) {
	ctx := context.Background()
	c, m := newMockContract(t)

	sc, err := c.ScheduleConstants(ctx, types.ScheduleTime)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), sc.Anchor)
	assert.Equal(t, 3, sc.PhaseCount())

	// Callers own the copy
	sc.Allocations[0].SetInt64(1)
	again, _ := c.ScheduleConstants(ctx, types.ScheduleTime)
	assert.Equal(t, int64(1000), again.Allocations[0].Int64())

	st, err := c.StakingConstants(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), st.LaunchTime)

	m.FailCall(CallStakingConsts, -1, nil)
	_, err = c.StakingConstants(ctx)
	assert.ErrorIs(t, err, ErrReadFailure)
	_, err = c.StakingConstants(ctx)
	assert.Error(t, err, "negative count should keep failing")

	m.ClearFailures()
	_, err = c.StakingConstants(ctx)
	assert.NoError(t, err)
}

func TestMockContract_ChainAndCode(t *testing.T) {
	ctx := context.Background()
	c, m := newMockContract(t)

	id, err := c.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id.Int64())

	ok, err := c.HasCode(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	m.SetCode(false)
	ok, _ = c.HasCode(ctx)
	assert.False(t, ok)

	m.SetHeadTime(1150)
	phase, err := c.CurrentPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), phase)

	m.FailCall(CallReceipt, 1, errors.New("rpc down"))
	_, err = c.ReceiptFound(ctx, common.Hash{1})
	assert.ErrorIs(t, err, ErrReceiptLookup)
}

func TestMockContract_Contributors(t *testing.T) {
	ctx := context.Background()
	c, m := newMockContract(t)
	m.AddContribution(2, alice, ether(1))
	m.AddContribution(2, bob, ether(1))
	m.AddContribution(2, alice, ether(1))

	addrs, err := c.Contributors(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{alice, bob}, addrs)
}
