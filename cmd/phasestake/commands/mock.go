package commands

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veggaen/phasestake/internal/config"
	"github.com/veggaen/phasestake/internal/ledger"
	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/internal/schedule"
	"github.com/veggaen/phasestake/internal/util"
	"github.com/veggaen/phasestake/pkg/types"
)

const (
	demoLaunchBlock  = 1_000
	demoBlockSeconds = 12
	demoPhaseCount   = 12
	mockMineInterval = 2 * time.Second
)

// demoAllocation is the per-phase token allocation of the mock ledger
var demoAllocation = new(big.Int).Mul(big.NewInt(1_000_000), types.Pow10(types.EtherDecimals))

// demoContributors seed every started phase so shares are not trivially 100%
var demoContributors = []common.Address{
	common.HexToAddress("0x1111111111111111111111111111111111111111"),
	common.HexToAddress("0x2222222222222222222222222222222222222222"),
}

// newDemoLedger builds an in-memory ledger that launched two days ago
func newDemoLedger(cfg *config.Config) (*ledger.MockLedger, error) {
	now := uint64(time.Now().Unix())
	launchTime := now - 2*types.SecondsPerDay

	var (
		durations []uint64
		anchor    uint64
		head      uint64
		err       error
	)
	switch cfg.Schedule.Kind {
	case types.ScheduleTime:
		durations = types.UniformDurations(demoPhaseCount, types.SecondsPerDay, 7*types.SecondsPerDay)
		anchor = launchTime
		head = now
	default:
		durations, err = cfg.Schedule.Durations()
		if err != nil {
			return nil, err
		}
		if durations == nil {
			durations, err = types.DurationsFromBoundaries(schedule.ReferenceBlockBoundaries)
			if err != nil {
				return nil, err
			}
		}
		anchor = demoLaunchBlock
		head = demoLaunchBlock + 2*schedule.BlocksPerDay
	}

	allocations := make([]*big.Int, len(durations))
	for i := range allocations {
		allocations[i] = new(big.Int).Set(demoAllocation)
	}

	stc := types.DefaultStakingConstants()
	stc.LaunchTime = launchTime

	m, err := ledger.NewMockLedger(cfg.Chain.ChainID, &types.ScheduleConstants{
		Kind:        cfg.Schedule.Kind,
		Anchor:      anchor,
		Durations:   durations,
		Allocations: allocations,
	}, stc)
	if err != nil {
		return nil, err
	}
	m.SetBlock(head)
	m.SetHeadTime(now)

	sched, err := schedule.NewFromConstants(&types.ScheduleConstants{
		Kind: cfg.Schedule.Kind, Anchor: anchor, Durations: durations, Allocations: allocations,
	})
	if err != nil {
		return nil, err
	}
	res := sched.Resolve(head)
	for phase := uint64(0); phase <= res.Index && res.Started; phase++ {
		for i, addr := range demoContributors {
			m.AddContribution(phase, addr, new(big.Int).Mul(big.NewInt(int64(i+1)), types.Pow10(types.EtherDecimals)))
		}
	}
	return m, nil
}

// mockMiner advances the mock chain and mines pending submissions
type mockMiner struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startMockMiner(ctx context.Context, m *ledger.MockLedger) *mockMiner {
	ctx, cancel := context.WithCancel(ctx)
	mm := &mockMiner{cancel: cancel, done: make(chan struct{})}

	head := uint64(demoLaunchBlock + 2*schedule.BlocksPerDay)
	util.SafeGoWithName("mock-miner", func() {
		defer close(mm.done)
		ticker := time.NewTicker(mockMineInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				head++
				m.SetBlock(head)
				m.SetHeadTime(uint64(time.Now().Unix()))
				if n := m.Mine(); n > 0 {
					logging.Debug("mock ledger mined submissions",
						logging.Component("mock"),
						"count", n,
						"block", head)
				}
			}
		}
	})
	return mm
}

// Stop halts the miner and waits for it to exit
func (mm *mockMiner) Stop() {
	mm.once.Do(func() {
		mm.cancel()
		<-mm.done
	})
}
