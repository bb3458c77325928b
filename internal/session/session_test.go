package session

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veggaen/phasestake/internal/audit"
	"github.com/veggaen/phasestake/internal/ledger"
	"github.com/veggaen/phasestake/internal/metrics"
	"github.com/veggaen/phasestake/internal/pending"
	"github.com/veggaen/phasestake/internal/wallet"
	"github.com/veggaen/phasestake/pkg/types"
)

var (
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), types.Pow10(18))
}

// tokens share the 18-decimal base unit with ether
func tokens(n int64) *big.Int {
	return ether(n)
}

type fixture struct {
	session   *Session
	mock      *ledger.MockLedger
	store     *pending.MemoryStore
	sink      *audit.MemorySink
	collector *metrics.Collector
}

// newFixture builds a session for alice over a three-phase time schedule that
// starts at 1000 with 100s phases and 10,000 tokens per phase
func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()

	stc := types.DefaultStakingConstants()
	stc.LaunchTime = 1000
	m, err := ledger.NewMockLedger(1, &types.ScheduleConstants{
		Kind:        types.ScheduleTime,
		Anchor:      1000,
		Durations:   types.UniformDurations(3, 100, 100),
		Allocations: []*big.Int{tokens(10000), tokens(10000), tokens(10000)},
	}, stc)
	require.NoError(t, err)
	m.SetHeadTime(1050)

	f := &fixture{
		mock:      m,
		store:     pending.NewMemoryStore(),
		sink:      audit.NewMemorySink(),
		collector: metrics.NewCollector(),
	}
	opts := Options{
		Address:      alice,
		Ledger:       ledger.NewMockContract(m),
		Store:        f.store,
		Signer:       wallet.NewStaticSigner(alice),
		ChainID:      big.NewInt(1),
		ScheduleKind: types.ScheduleTime,
		Audit:        f.sink,
		Recorder:     f.collector,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	f.session, err = New(opts)
	require.NoError(t, err)
	return f
}

func (f *fixture) refresh(t *testing.T) *Result {
	t.Helper()
	res, err := f.session.Refresh(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Store: pending.NewMemoryStore()})
	assert.Error(t, err)

	m, err := ledger.NewMockLedger(1, &types.ScheduleConstants{
		Kind:        types.ScheduleBlocks,
		Durations:   []uint64{10},
		Allocations: []*big.Int{big.NewInt(1)},
	}, nil)
	require.NoError(t, err)
	_, err = New(Options{Ledger: ledger.NewMockContract(m)})
	assert.Error(t, err)

	_, err = New(Options{Ledger: ledger.NewMockContract(m), Store: pending.NewMemoryStore(), ScheduleKind: "epochs"})
	assert.Error(t, err)
}

func TestRefresh_EstimatesOpenPhase(t *testing.T) {
	f := newFixture(t)
	f.mock.AddContribution(0, bob, ether(9))
	f.mock.AddContribution(0, alice, ether(1))

	res := f.refresh(t)
	v := res.View
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, alice, v.Address)
	assert.Equal(t, uint64(0), v.Phase.Index)
	assert.True(t, v.Phase.Started)
	assert.Equal(t, uint64(50), v.Phase.Remaining)
	assert.Equal(t, 0, v.EstimatedRewardNow.Cmp(tokens(1000)))
	assert.Equal(t, uint64(1000), v.ShareBps)
	require.Len(t, v.Phases, 1)
	assert.False(t, v.Phases[0].Stale)
	assert.Nil(t, res.Degraded)
	assert.Empty(t, res.ReadErrors)

	assert.Equal(t, v.EstimatedRewardNow, f.session.LastView().EstimatedRewardNow)
	assert.Equal(t, uint64(1), f.collector.GetMetrics().Refreshes[metrics.ResultOK])
}

func TestContribute_PendingUntilMined(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mock.AddContribution(0, bob, ether(3))

	hash, err := f.session.Contribute(ctx, "1")
	require.NoError(t, err)
	require.Len(t, f.session.PendingEntries(), 1)
	assert.Equal(t, hash, f.session.PendingEntries()[0].TxHash)

	// Pending counts toward the estimate before the ledger sees it
	res := f.refresh(t)
	assert.Equal(t, 1, res.View.PendingCount)
	assert.Equal(t, 0, res.View.Phases[0].UserPending.Cmp(ether(1)))
	assert.Equal(t, 0, res.View.EstimatedRewardNow.Cmp(tokens(2500)))

	f.mock.Mine()
	res = f.refresh(t)
	require.Len(t, res.Reconciled.Removed, 1)
	assert.Equal(t, hash, res.Reconciled.Removed[0].TxHash)
	assert.Equal(t, 0, res.View.PendingCount)
	assert.Equal(t, 0, res.View.Phases[0].UserConfirmed.Cmp(ether(1)))
	assert.Equal(t, 0, res.View.Phases[0].UserPending.Sign())
	assert.Equal(t, 0, res.View.EstimatedRewardNow.Cmp(tokens(2500)))

	persisted, err := f.store.Load(alice)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestContribute_RejectionLeavesNoTrace(t *testing.T) {
	ctx := context.Background()

	t.Run("ledger rejects", func(t *testing.T) {
		f := newFixture(t)
		f.mock.RejectSubmissions(errors.New("insufficient funds for gas"))
		_, err := f.session.Contribute(ctx, "1")
		assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)
		assert.Empty(t, f.session.PendingEntries())
	})

	t.Run("non-positive amount", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.session.Contribute(ctx, "0")
		assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)
		assert.ErrorIs(t, err, pending.ErrNonPositiveAmount)
		assert.Zero(t, f.mock.PendingTxs())
	})

	t.Run("read-only session", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.Signer = nil })
		_, err := f.session.Contribute(ctx, "1")
		assert.ErrorIs(t, err, ErrNoSigner)
		assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)
	})

	t.Run("signer for another address", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.Signer = wallet.NewStaticSigner(bob) })
		_, err := f.session.Contribute(ctx, "1")
		assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)
		assert.Zero(t, f.mock.PendingTxs())
	})

	t.Run("schedule complete", func(t *testing.T) {
		f := newFixture(t)
		f.mock.SetHeadTime(5000)
		_, err := f.session.Contribute(ctx, "1")
		assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)
		assert.Empty(t, f.session.PendingEntries())
	})
}

func TestRefresh_InFlightGuard(t *testing.T) {
	f := newFixture(t)
	f.session.inFlight.Store(true)

	_, err := f.session.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrRefreshInFlight)
	assert.Equal(t, uint64(1), f.collector.GetMetrics().Refreshes[metrics.ResultSkipped])

	f.session.inFlight.Store(false)
	f.refresh(t)
}

func TestRefresh_FailedReadUsesLastKnownGoodThenDegrades(t *testing.T) {
	f := newFixture(t)
	f.mock.AddContribution(0, bob, ether(3))
	f.mock.AddContribution(0, alice, ether(1))
	f.refresh(t)

	f.mock.FailCall("phaseTotal:0", -1, nil)
	for cycle := 1; cycle <= 3; cycle++ {
		res := f.refresh(t)
		require.NotEmpty(t, res.ReadErrors)
		assert.True(t, errors.Is(res.ReadErrors[0], ledger.ErrReadFailure))
		assert.True(t, res.View.Phases[0].Stale)
		assert.Equal(t, 0, res.View.Phases[0].TotalConfirmed.Cmp(ether(4)), "cached total is used")
		assert.Equal(t, 0, res.View.EstimatedRewardNow.Cmp(tokens(2500)))
		if cycle < 3 {
			assert.Nil(t, res.Degraded, "cycle %d", cycle)
		} else {
			assert.ErrorIs(t, res.Degraded, ErrDegraded)
			assert.Contains(t, res.Degraded.Error(), "phaseTotal:0")
		}
	}
	assert.Equal(t, uint64(3), f.collector.GetMetrics().ReadFailures[ledger.CallPhaseTotal])
	assert.Equal(t, uint64(1), f.collector.GetMetrics().Refreshes[metrics.ResultDegraded])

	f.mock.ClearFailures()
	res := f.refresh(t)
	assert.Nil(t, res.Degraded)
	assert.False(t, res.View.Phases[0].Stale)
}

func TestRefresh_FailedReadWithoutCacheIsZero(t *testing.T) {
	f := newFixture(t)
	f.mock.AddContribution(0, alice, ether(1))
	f.mock.FailCall("contributionOf", 1, nil)

	res := f.refresh(t)
	assert.True(t, res.View.Phases[0].Stale)
	assert.Equal(t, 0, res.View.EstimatedRewardNow.Sign())
}

func TestRefresh_FatalErrorsAbort(t *testing.T) {
	t.Run("wrong chain", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.ChainID = big.NewInt(5) })
		_, err := f.session.Refresh(context.Background())
		assert.ErrorIs(t, err, ledger.ErrScheduleMismatch)
		assert.True(t, ledger.IsFatal(err))
		assert.Equal(t, uint64(1), f.collector.GetMetrics().Refreshes[metrics.ResultFailed])
		assert.Nil(t, f.session.LastView())
	})

	t.Run("no code", func(t *testing.T) {
		f := newFixture(t)
		f.mock.SetCode(false)
		_, err := f.session.Refresh(context.Background())
		assert.ErrorIs(t, err, ledger.ErrNoContractPresent)
	})

	t.Run("configured phase count differs", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.Durations = []uint64{100, 100} })
		_, err := f.session.Refresh(context.Background())
		assert.ErrorIs(t, err, ledger.ErrScheduleMismatch)
	})

	t.Run("transient chain id failure recovers", func(t *testing.T) {
		f := newFixture(t)
		f.mock.FailCall(ledger.CallChainID, 1, nil)
		_, err := f.session.Refresh(context.Background())
		assert.ErrorIs(t, err, ledger.ErrReadFailure)
		assert.ErrorIs(t, err, ErrTransient)
		assert.False(t, ledger.IsFatal(err))
		f.refresh(t)
	})
}

func TestRefresh_BootstrapFailureEscalatesAtThreshold(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.FailureThreshold = 3 })
	f.mock.FailCall(ledger.CallChainID, 3, nil)

	for i := 0; i < 2; i++ {
		_, err := f.session.Refresh(context.Background())
		assert.ErrorIs(t, err, ErrTransient, "attempt %d", i+1)
		assert.NotErrorIs(t, err, ErrDegraded)
	}

	_, err := f.session.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrDegraded)
	assert.ErrorIs(t, err, ledger.ErrReadFailure)
	assert.NotErrorIs(t, err, ErrTransient)

	res := f.refresh(t)
	assert.Nil(t, res.Degraded)
}

func TestRefresh_NotReadyWithoutObservation(t *testing.T) {
	f := newFixture(t)
	f.mock.FailCall(ledger.CallHeadTime, 1, nil)
	_, err := f.session.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestRefresh_TimeNeverRegresses(t *testing.T) {
	f := newFixture(t)
	f.mock.SetHeadTime(1150)
	res := f.refresh(t)
	assert.Equal(t, uint64(1), res.View.Phase.Index)

	f.mock.SetHeadTime(1050)
	res = f.refresh(t)
	assert.True(t, res.Regressed)
	assert.Equal(t, uint64(1), res.View.Phase.Index)
	assert.Equal(t, uint64(1150), res.View.Phase.Now)
}

func TestRefresh_EligibleMintsAfterPhaseEnds(t *testing.T) {
	f := newFixture(t)
	f.mock.AddContribution(0, bob, ether(3))
	f.mock.AddContribution(0, alice, ether(1))
	f.mock.SetHeadTime(1150)

	res := f.refresh(t)
	require.Len(t, res.View.EligibleMints, 1)
	mint := res.View.EligibleMints[0]
	assert.Equal(t, uint64(0), mint.Phase)
	assert.Equal(t, types.MintSourceLedger, mint.Source)
	assert.Equal(t, 0, mint.EligibleTokens.Cmp(tokens(2500)))
	assert.Equal(t, 0, res.View.Phases[0].EstimatedReward.Sign(), "ended phase has no running estimate")
	assert.Equal(t, 0, res.View.TotalPendingRewards.Cmp(tokens(2500)))
	assert.Empty(t, f.sink.Records())

	// The ledger answer wins and the disagreement is audited
	f.mock.SetEligible(0, alice, tokens(2400))
	res = f.refresh(t)
	require.Len(t, res.View.EligibleMints, 1)
	assert.Equal(t, 0, res.View.EligibleMints[0].EligibleTokens.Cmp(tokens(2400)))

	records := f.sink.Records()
	require.Len(t, records, 1)
	assert.Equal(t, audit.KindEligibleTokens, records[0].Kind)
	assert.Equal(t, res.ID, records[0].RefreshID)
	assert.Equal(t, uint64(1), f.collector.GetMetrics().Divergences)
}

func TestRefresh_EligibleFallsBackToLocal(t *testing.T) {
	f := newFixture(t)
	f.mock.AddContribution(0, bob, ether(3))
	f.mock.AddContribution(0, alice, ether(1))
	f.mock.SetHeadTime(1150)
	f.mock.FailCall(ledger.CallEligibleTokens, 1, nil)

	res := f.refresh(t)
	require.Len(t, res.View.EligibleMints, 1)
	assert.Equal(t, types.MintSourceLocal, res.View.EligibleMints[0].Source)
	assert.Equal(t, 0, res.View.EligibleMints[0].EligibleTokens.Cmp(tokens(2500)))
}

func TestMint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mock.AddContribution(0, alice, ether(1))

	_, err := f.session.Mint(ctx, 0)
	assert.ErrorIs(t, err, ledger.ErrSubmissionRejected, "phase 0 is still open")
	_, err = f.session.Mint(ctx, 7)
	assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)

	f.mock.SetHeadTime(1150)
	hash, err := f.session.Mint(ctx, 0)
	require.NoError(t, err)
	f.mock.Mine()
	assert.Empty(t, f.mock.Reverted(hash))

	res := f.refresh(t)
	assert.Empty(t, res.View.EligibleMints)
	assert.True(t, res.View.Phases[0].Minted)
	assert.Equal(t, 0, res.View.TokenBalance.Cmp(tokens(10000)))
}

func TestStakeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mock.SetBalance(alice, tokens(1000))

	_, err := f.session.OpenStake(ctx, tokens(5000), 10)
	assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)

	preview, err := f.session.PreviewStake(ctx, tokens(100), 10)
	require.NoError(t, err)
	assert.True(t, preview.Bonus.TotalAtMaturity.Cmp(tokens(100)) >= 0)
	assert.Equal(t, uint64(1000+10*types.SecondsPerDay), preview.MaturityTs)

	_, err = f.session.OpenStake(ctx, tokens(100), 10)
	require.NoError(t, err)
	f.mock.Mine()

	res := f.refresh(t)
	require.Len(t, res.View.StakePositions, 1)
	sv := res.View.StakePositions[0]
	assert.Equal(t, types.StakeActive, sv.Status)
	require.NotNil(t, sv.Quote)
	assert.Equal(t, 0, res.View.TokenBalance.Cmp(tokens(900)))

	_, quote, err := f.session.CloseStake(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StakeActive, quote.Status)
	assert.Greater(t, quote.PenaltyBps, uint64(0))
	f.mock.Mine()

	res = f.refresh(t)
	assert.Equal(t, types.StakeClosed, res.View.StakePositions[0].Status)
	assert.Nil(t, res.View.StakePositions[0].Quote)
	want := new(big.Int).Add(tokens(900), quote.Payout)
	assert.Equal(t, 0, res.View.TokenBalance.Cmp(want))

	_, _, err = f.session.CloseStake(ctx, 0)
	assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)
	_, _, err = f.session.CloseStake(ctx, 3)
	assert.ErrorIs(t, err, ledger.ErrSubmissionRejected)
}

func TestRefresh_StakingConstantsRetried(t *testing.T) {
	f := newFixture(t)
	f.mock.FailCall(ledger.CallStakingConsts, 1, nil)

	res := f.refresh(t)
	assert.Empty(t, res.View.StakePositions)
	_, engine := f.session.components()
	assert.Nil(t, engine)

	f.refresh(t)
	_, engine = f.session.components()
	assert.NotNil(t, engine)
}

func TestSwitchAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.session.Contribute(ctx, "1")
	require.NoError(t, err)
	f.refresh(t)
	require.NotNil(t, f.session.LastView())

	require.NoError(t, f.session.SwitchAddress(bob, nil))
	assert.Equal(t, bob, f.session.Address())
	assert.Empty(t, f.session.PendingEntries())
	assert.Nil(t, f.session.LastView())
	assert.Zero(t, f.session.lkg.len())

	_, err = f.session.Contribute(ctx, "1")
	assert.ErrorIs(t, err, ErrNoSigner)

	require.NoError(t, f.session.SwitchAddress(alice, wallet.NewStaticSigner(alice)))
	assert.Len(t, f.session.PendingEntries(), 1)
}

// switchingSigner signs for alice but moves the session to bob while signing
type switchingSigner struct {
	*wallet.StaticSigner
	session *Session
}

func (s switchingSigner) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if err := s.session.SwitchAddress(bob, nil); err != nil {
		return nil, err
	}
	return s.StaticSigner.TransactOpts(ctx)
}

func TestContribute_SwitchDuringSigningKeepsEntryWithSigner(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.session.SwitchAddress(alice, switchingSigner{
		StaticSigner: wallet.NewStaticSigner(alice),
		session:      f.session,
	}))

	hash, err := f.session.Contribute(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, bob, f.session.Address())
	assert.Empty(t, f.session.PendingEntries(), "bob's view must not hold alice's submission")

	bobSet, err := f.store.Load(bob)
	require.NoError(t, err)
	assert.Empty(t, bobSet)

	aliceSet, err := f.store.Load(alice)
	require.NoError(t, err)
	require.Len(t, aliceSet, 1)
	assert.Equal(t, hash, aliceSet[0].TxHash)
	assert.Equal(t, alice, aliceSet[0].Address)
}

func TestClearPending(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.Contribute(context.Background(), "2")
	require.NoError(t, err)

	n, err := f.session.ClearPending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.session.PendingEntries())
	assert.Equal(t, int64(0), f.collector.GetMetrics().PendingEntries)
}

func TestPhaseContributions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mock.AddContribution(0, bob, ether(3))
	f.mock.AddContribution(0, alice, ether(1))

	_, err := f.session.Contribute(ctx, "2")
	require.NoError(t, err)

	records, err := f.session.PhaseContributions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		switch r.Address {
		case alice:
			assert.False(t, r.Confirmed, "pending amount is added to the confirmed record")
			assert.Equal(t, 0, r.AmountWei.Cmp(ether(3)))
		case bob:
			assert.True(t, r.Confirmed)
			assert.Equal(t, 0, r.AmountWei.Cmp(ether(3)))
		}
	}

	f.mock.FailCall(ledger.CallContributors, 1, nil)
	_, err = f.session.PhaseContributions(ctx, 0)
	assert.ErrorIs(t, err, ledger.ErrReadFailure)
}

func TestRefresh_BlockScheduleWithConfiguredBoundaries(t *testing.T) {
	m, err := ledger.NewMockLedger(1, &types.ScheduleConstants{
		Kind:        types.ScheduleBlocks,
		Anchor:      100,
		Durations:   []uint64{10, 10, 10},
		Allocations: []*big.Int{tokens(1), tokens(1), tokens(1)},
	}, nil)
	require.NoError(t, err)
	m.SetBlock(125)

	s, err := New(Options{
		Address:      alice,
		Ledger:       ledger.NewMockContract(m),
		Store:        pending.NewMemoryStore(),
		ScheduleKind: types.ScheduleBlocks,
		Durations:    []uint64{5, 5, 50},
	})
	require.NoError(t, err)

	res, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.View.Phase.Index)
	assert.Equal(t, uint64(110), res.View.Phase.Start)
	assert.Equal(t, uint64(160), res.View.Phase.End)
	assert.Len(t, res.View.Phases, 3)
}
