package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veggaen/phasestake/internal/util"
	"github.com/veggaen/phasestake/pkg/types"
)

var distAddr = common.HexToAddress("0x00000000000000000000000000000000000d1570")

type callArgs struct {
	To    *common.Address `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Input hexutil.Bytes   `json:"input"`
}

// fakeEth answers eth_call by decoding the selector against the contract ABIs
type fakeEth struct {
	abi       abi.ABI
	tokenABI  abi.ABI
	values    map[string]*big.Int
	totals    map[uint64]*big.Int
	failTotal map[uint64]bool
	stakes    [][]interface{}
}

func newFakeEth(t *testing.T) *fakeEth {
	t.Helper()
	dist, err := abi.JSON(strings.NewReader(DistributionABI))
	require.NoError(t, err)
	token, err := abi.JSON(strings.NewReader(TokenABI))
	require.NoError(t, err)

	sc := types.DefaultStakingConstants()
	return &fakeEth{
		abi:      dist,
		tokenABI: token,
		values: map[string]*big.Int{
			"launchAnchor":         big.NewInt(1000),
			"phaseCount":           big.NewInt(3),
			"firstPhaseDuration":   big.NewInt(7200),
			"phaseDuration":        big.NewInt(50400),
			"currentPhase":         big.NewInt(1),
			"totalSupply":          big.NewInt(123),
			"launchTime":           big.NewInt(1_700_000_000),
			"gracePeriod":          new(big.Int).SetUint64(sc.GracePeriodSec),
			"earlyPenaltyMaxBps":   new(big.Int).SetUint64(sc.EarlyPenaltyMaxBps),
			"latePenaltyBpsPerDay": new(big.Int).SetUint64(sc.LatePenaltyBpsPerDay),
			"latePenaltyMaxBps":    new(big.Int).SetUint64(sc.LatePenaltyMaxBps),
			"minStakeDays":         new(big.Int).SetUint64(sc.MinStakeDays),
			"maxStakeDays":         new(big.Int).SetUint64(sc.MaxStakeDays),
			"rewardSplitBps":       new(big.Int).SetUint64(sc.RewardSplitBps),
			"maxBonusDays":         new(big.Int).SetUint64(sc.MaxBonusDays),
			"maxStakeForBonus":     sc.MaxStakeForBonus,
			"lpb":                  sc.LPB,
			"bpb":                  sc.BPB,
		},
		totals:    map[uint64]*big.Int{0: big.NewInt(100), 1: big.NewInt(200), 2: big.NewInt(300)},
		failTotal: map[uint64]bool{},
	}
}

func (f *fakeEth) ChainId() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(1))
}

func (f *fakeEth) Call(args callArgs, block string) (hexutil.Bytes, error) {
	data := args.Data
	if len(data) == 0 {
		data = args.Input
	}
	if len(data) < 4 {
		return nil, errors.New("no selector")
	}

	if method, err := f.tokenABI.MethodById(data[:4]); err == nil {
		switch method.Name {
		case "decimals":
			return method.Outputs.Pack(uint8(18))
		case "balanceOf":
			return method.Outputs.Pack(big.NewInt(5000))
		}
	}

	method, err := f.abi.MethodById(data[:4])
	if err != nil {
		return nil, err
	}
	in, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	phase := func() uint64 { return in[0].(*big.Int).Uint64() }

	switch method.Name {
	case "phaseTotal":
		if f.failTotal[phase()] {
			return nil, errors.New("execution reverted")
		}
		return method.Outputs.Pack(f.totals[phase()])
	case "contributionOf":
		return method.Outputs.Pack(new(big.Int).SetUint64(phase() * 10))
	case "hasMinted":
		return method.Outputs.Pack(phase() == 0)
	case "eligibleTokens":
		return method.Outputs.Pack(big.NewInt(42))
	case "phaseAllocation":
		return method.Outputs.Pack(new(big.Int).SetUint64((phase() + 1) * 1000))
	case "contributors":
		return method.Outputs.Pack([]common.Address{alice, bob})
	case "stakeCount":
		return method.Outputs.Pack(big.NewInt(int64(len(f.stakes))))
	case "stakeLists":
		i := in[1].(*big.Int).Uint64()
		return method.Outputs.Pack(f.stakes[i]...)
	}
	if v, ok := f.values[method.Name]; ok {
		return method.Outputs.Pack(v)
	}
	return nil, errors.New("unsupported method " + method.Name)
}

func newRPCContract(t *testing.T, f *fakeEth, batchSize int) *Contract {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", f))
	t.Cleanup(server.Stop)

	client := NewClient(&ClientConfig{
		ChainID:      1,
		MaxBatchSize: batchSize,
		CallTimeout:  time.Second,
		RetryConfig:  &util.RetryConfig{MaxRetries: 0},
	})
	client.client = ethclient.NewClient(rpc.DialInProc(server))
	client.connected = true
	t.Cleanup(client.Close)

	c, err := NewContract(client, distAddr, common.Address{})
	require.NoError(t, err)
	return c
}

func TestNewContract_RequiresConnectedClient(t *testing.T) {
	_, err := NewContract(nil, distAddr, common.Address{})
	assert.Error(t, err)

	_, err = NewContract(NewClient(nil), distAddr, common.Address{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestContract_ReadPhasesBatched(t *testing.T) {
	f := newFakeEth(t)
	f.failTotal[1] = true
	c := newRPCContract(t, f, 4)

	reads := c.ReadPhases(context.Background(), alice, []PhaseQuery{
		{Phase: 0, WithEligible: true},
		{Phase: 1, WithEligible: true},
		{Phase: 2},
	})
	require.Len(t, reads, 3)

	assert.True(t, reads[0].Total.OK())
	assert.Equal(t, int64(100), reads[0].Total.V.Int64())
	assert.True(t, reads[0].Minted.V)
	assert.Equal(t, int64(42), reads[0].Eligible.V.Int64())

	require.Error(t, reads[1].Total.Err)
	assert.ErrorIs(t, reads[1].Total.Err, ErrReadFailure)
	assert.Equal(t, CallPhaseTotal, CallName(reads[1].Total.Err))
	assert.True(t, reads[1].User.OK(), "one failed element must not fail its neighbours")
	assert.Equal(t, int64(10), reads[1].User.V.Int64())

	assert.Equal(t, int64(20), reads[2].User.V.Int64())
	assert.False(t, reads[2].Minted.V)
	assert.ErrorIs(t, reads[2].Eligible.Err, ErrNotRequested)
}

func TestContract_ScheduleConstants(t *testing.T) {
	f := newFakeEth(t)
	c := newRPCContract(t, f, 100)

	sc, err := c.ScheduleConstants(context.Background(), types.ScheduleBlocks)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), sc.Anchor)
	assert.Equal(t, []uint64{7200, 50400, 50400}, sc.Durations)
	require.Len(t, sc.Allocations, 3)
	assert.Equal(t, int64(3000), sc.Allocations[2].Int64())

	f.values["phaseCount"] = big.NewInt(0)
	_, err = c.ScheduleConstants(context.Background(), types.ScheduleBlocks)
	assert.ErrorIs(t, err, ErrScheduleMismatch)
	assert.True(t, IsFatal(err))
}

func TestContract_ScheduleConstantsRejectOversizedValues(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 64)
	for _, name := range []string{"launchAnchor", "firstPhaseDuration", "phaseDuration"} {
		t.Run(name, func(t *testing.T) {
			f := newFakeEth(t)
			f.values[name] = tooBig
			c := newRPCContract(t, f, 100)

			_, err := c.ScheduleConstants(context.Background(), types.ScheduleBlocks)
			assert.ErrorIs(t, err, ErrScheduleMismatch)
			assert.Contains(t, err.Error(), name)
		})
	}
}

func TestUint64Const(t *testing.T) {
	v, err := uint64Const("x", new(big.Int).SetUint64(^uint64(0)))
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), v)

	_, err = uint64Const("x", new(big.Int).Lsh(big.NewInt(1), 64))
	assert.ErrorIs(t, err, ErrScheduleMismatch)
	_, err = uint64Const("x", big.NewInt(-1))
	assert.ErrorIs(t, err, ErrScheduleMismatch)
	_, err = uint64Const("x", nil)
	assert.ErrorIs(t, err, ErrScheduleMismatch)
}

func TestContract_StakingConstants(t *testing.T) {
	f := newFakeEth(t)
	c := newRPCContract(t, f, 5)

	sc, err := c.StakingConstants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1_700_000_000), sc.LaunchTime)
	assert.Equal(t, uint64(types.SecondsPerDay), sc.DaySeconds)
	assert.Equal(t, "1820", sc.LPBString)

	f.values["earlyPenaltyMaxBps"] = big.NewInt(20000)
	_, err = c.StakingConstants(context.Background())
	assert.ErrorIs(t, err, ErrScheduleMismatch)

	f.values["earlyPenaltyMaxBps"] = big.NewInt(5000)
	f.values["gracePeriod"] = new(big.Int).Lsh(big.NewInt(1), 70)
	_, err = c.StakingConstants(context.Background())
	assert.ErrorIs(t, err, ErrScheduleMismatch)
	assert.Contains(t, err.Error(), "gracePeriod")
}

func TestContract_Stakes(t *testing.T) {
	f := newFakeEth(t)
	f.stakes = [][]interface{}{
		{big.NewInt(7), big.NewInt(1000), big.NewInt(3), big.NewInt(30), big.NewInt(0), false},
		{big.NewInt(9), big.NewInt(2000), big.NewInt(5), big.NewInt(60), big.NewInt(70), true},
	}
	c := newRPCContract(t, f, 100)

	stakes, err := c.Stakes(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, stakes, 2)
	assert.Equal(t, uint64(7), stakes[0].ID)
	assert.Equal(t, uint64(30), stakes[0].StakedDays)
	assert.False(t, stakes[0].Closed)
	assert.Equal(t, uint64(1), stakes[1].Index)
	assert.True(t, stakes[1].Closed)
	assert.Equal(t, uint64(70), stakes[1].UnlockedDay)
	assert.Equal(t, alice, stakes[1].Address)
}

func TestContract_SimpleReads(t *testing.T) {
	ctx := context.Background()
	c := newRPCContract(t, newFakeEth(t), 100)

	phase, err := c.CurrentPhase(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), phase)

	supply, err := c.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(123), supply.Int64())

	bal, err := c.TokenBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), bal.Int64())

	dec, err := c.TokenDecimals(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(18), dec)

	addrs, err := c.Contributors(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{alice, bob}, addrs)

	id, err := c.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id.Int64())
}
