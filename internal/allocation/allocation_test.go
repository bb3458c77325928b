package allocation

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veggaen/phasestake/internal/audit"
	"github.com/veggaen/phasestake/pkg/types"
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), types.Pow10(18))
}

func tokens(n int64) *big.Int {
	return ether(n)
}

func TestEstimatedReward_Scenario(t *testing.T) {
	a := PhaseAmounts{
		Phase:          0,
		Allocation:     tokens(75_000),
		UserConfirmed:  ether(1),
		TotalConfirmed: ether(10),
	}
	assert.Equal(t, 0, EstimatedReward(a).Cmp(tokens(7_500)), "got %s", EstimatedReward(a))

	a.UserPending = ether(1)
	a.TotalPending = ether(1)
	got := EstimatedReward(a)

	// 2/11 * 75,000 tokens, floored in base units
	want := new(big.Int).Mul(tokens(75_000), big.NewInt(2))
	want.Quo(want, big.NewInt(11))
	assert.Equal(t, 0, got.Cmp(want))
	assert.Equal(t, "13636.36", types.FormatAmount(got, 18, 2))
}

func TestEstimatedReward_NeverExceedsAllocation(t *testing.T) {
	alloc := tokens(1_000)
	cases := []PhaseAmounts{
		{Allocation: alloc, UserConfirmed: ether(5), TotalConfirmed: ether(5)},
		{Allocation: alloc, UserConfirmed: ether(7), TotalConfirmed: ether(3)},
		{Allocation: alloc, UserPending: ether(2), TotalPending: ether(1)},
		{Allocation: alloc, UserConfirmed: big.NewInt(1), TotalConfirmed: big.NewInt(3)},
	}
	for i, c := range cases {
		assert.LessOrEqual(t, EstimatedReward(c).Cmp(alloc), 0, "case %d", i)
	}
}

func TestEstimatedReward_ZeroCases(t *testing.T) {
	assert.Equal(t, 0, EstimatedReward(PhaseAmounts{Allocation: tokens(10)}).Sign())
	assert.Equal(t, 0, EstimatedReward(PhaseAmounts{Allocation: tokens(10), TotalConfirmed: ether(4)}).Sign())
	assert.Equal(t, 0, EstimatedReward(PhaseAmounts{UserConfirmed: ether(1), TotalConfirmed: ether(4)}).Sign())
}

func TestEstimatedReward_Monotonicity(t *testing.T) {
	base := PhaseAmounts{Allocation: tokens(75_000), UserConfirmed: ether(2), TotalConfirmed: ether(10)}
	r0 := EstimatedReward(base)

	others := base
	others.TotalConfirmed = ether(15)
	assert.LessOrEqual(t, EstimatedReward(others).Cmp(r0), 0, "more from others must not raise the reward")

	own := base
	own.UserPending = ether(1)
	own.TotalPending = ether(1)
	assert.GreaterOrEqual(t, EstimatedReward(own).Cmp(r0), 0, "more from the user must not lower the reward")
}

func TestShare_Bps(t *testing.T) {
	assert.Equal(t, uint64(1000), Share{User: ether(1), Total: ether(10)}.Bps())
	assert.Equal(t, uint64(1818), Share{User: ether(2), Total: ether(11)}.Bps())
	assert.Equal(t, uint64(0), Share{User: ether(1), Total: new(big.Int)}.Bps())
	assert.Equal(t, uint64(0), Share{}.Bps())
	assert.Equal(t, uint64(types.BpsDenominator), Share{User: ether(3), Total: ether(2)}.Bps())
}

func TestCalculator_EligiblePrefersLedgerAndAudits(t *testing.T) {
	sink := audit.NewMemorySink()
	c := NewCalculator(sink)
	addr := common.HexToAddress("0x01")

	in := EligibleInput{
		Address:        addr,
		Phase:          2,
		Allocation:     tokens(75_000),
		UserConfirmed:  ether(1),
		TotalConfirmed: ether(10),
		LedgerEligible: tokens(7_499),
		RefreshID:      "cycle-1",
	}
	mint, ok := c.Eligible(context.Background(), in)
	require.True(t, ok)
	assert.Equal(t, types.MintSourceLedger, mint.Source)
	assert.Equal(t, 0, mint.EligibleTokens.Cmp(tokens(7_499)))

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, audit.KindEligibleTokens, recs[0].Kind)
	assert.Equal(t, 0, recs[0].Local.Cmp(tokens(7_500)))
	assert.Equal(t, "cycle-1", recs[0].RefreshID)
}

func TestCalculator_EligibleAgreementIsNotAudited(t *testing.T) {
	sink := audit.NewMemorySink()
	c := NewCalculator(sink)

	mint, ok := c.Eligible(context.Background(), EligibleInput{
		Phase:          1,
		Allocation:     tokens(75_000),
		UserConfirmed:  ether(1),
		TotalConfirmed: ether(10),
		LedgerEligible: tokens(7_500),
	})
	require.True(t, ok)
	assert.Equal(t, types.MintSourceLedger, mint.Source)
	assert.Empty(t, sink.Records())
}

func TestCalculator_EligibleFallsBackToLocal(t *testing.T) {
	c := NewCalculator(nil)
	mint, ok := c.Eligible(context.Background(), EligibleInput{
		Phase:          1,
		Allocation:     tokens(75_000),
		UserConfirmed:  ether(1),
		TotalConfirmed: ether(10),
	})
	require.True(t, ok)
	assert.Equal(t, types.MintSourceLocal, mint.Source)
	assert.Equal(t, 0, mint.EligibleTokens.Cmp(tokens(7_500)))
}

func TestCalculator_EligibleSkipsMintedAndEmpty(t *testing.T) {
	c := NewCalculator(audit.NewMemorySink())

	_, ok := c.Eligible(context.Background(), EligibleInput{
		Allocation:     tokens(75_000),
		UserConfirmed:  ether(1),
		TotalConfirmed: ether(10),
		Minted:         true,
	})
	assert.False(t, ok, "minted phases have nothing left to claim")

	_, ok = c.Eligible(context.Background(), EligibleInput{
		Allocation:     tokens(75_000),
		TotalConfirmed: ether(10),
	})
	assert.False(t, ok, "no contribution means no slice")

	_, ok = c.Eligible(context.Background(), EligibleInput{
		Allocation:     tokens(75_000),
		TotalConfirmed: ether(10),
		LedgerEligible: new(big.Int),
	})
	assert.False(t, ok)
}
