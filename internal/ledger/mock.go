package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/veggaen/phasestake/internal/schedule"
	"github.com/veggaen/phasestake/internal/staking"
	"github.com/veggaen/phasestake/pkg/types"
)

type txKind string

const (
	txContribute txKind = "contribute"
	txMint       txKind = "mintShare"
	txStakeStart txKind = "stakeStart"
	txStakeEnd   txKind = "stakeEnd"
)

type mockTx struct {
	kind    txKind
	hash    common.Hash
	from    common.Address
	value   *big.Int
	phase   uint64
	days    uint64
	index   uint64
	stakeID uint64
}

type mockFailure struct {
	remaining int // < 0 fails forever
	err       error
}

// MockLedger is an in-memory distribution contract. Submissions stay pending
// until Mine is called; reads reflect only mined state.
type MockLedger struct {
	mu sync.Mutex

	chainID     *big.Int
	hasCode     bool
	block       uint64
	headTime    uint64
	decimals    uint8
	totalSupply *big.Int

	scheduleConsts *types.ScheduleConstants
	sched          *schedule.Schedule
	stakingConsts  *types.StakingConstants
	engine         *staking.Engine

	totals        map[uint64]*big.Int
	contributions map[uint64]map[common.Address]*big.Int
	contributors  map[uint64][]common.Address
	minted        map[uint64]map[common.Address]bool
	eligible      map[uint64]map[common.Address]*big.Int
	stakes        map[common.Address][]types.StakePosition
	balances      map[common.Address]*big.Int

	pending     []mockTx
	mined       map[common.Hash]bool
	reverted    map[common.Hash]string
	failures    map[string]*mockFailure
	rejectErr   error
	txCounter   uint64
	nextStakeID uint64
}

// NewMockLedger creates a mock ledger on chainID with the given constants.
// A nil staking set uses DefaultStakingConstants.
func NewMockLedger(chainID int64, sc *types.ScheduleConstants, stc *types.StakingConstants) (*MockLedger, error) {
	sched, err := schedule.NewFromConstants(sc)
	if err != nil {
		return nil, err
	}
	if stc == nil {
		stc = types.DefaultStakingConstants()
	}
	engine, err := staking.NewEngine(stc)
	if err != nil {
		return nil, err
	}

	return &MockLedger{
		chainID:        big.NewInt(chainID),
		hasCode:        true,
		decimals:       types.EtherDecimals,
		totalSupply:    new(big.Int),
		scheduleConsts: sc,
		sched:          sched,
		stakingConsts:  stc,
		engine:         engine,
		totals:         make(map[uint64]*big.Int),
		contributions:  make(map[uint64]map[common.Address]*big.Int),
		contributors:   make(map[uint64][]common.Address),
		minted:         make(map[uint64]map[common.Address]bool),
		eligible:       make(map[uint64]map[common.Address]*big.Int),
		stakes:         make(map[common.Address][]types.StakePosition),
		balances:       make(map[common.Address]*big.Int),
		mined:          make(map[common.Hash]bool),
		reverted:       make(map[common.Hash]string),
		failures:       make(map[string]*mockFailure),
		nextStakeID:    1,
	}, nil
}

// SetBlock sets the head block number
func (m *MockLedger) SetBlock(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = n
}

// SetHeadTime sets the head block timestamp
func (m *MockLedger) SetHeadTime(ts uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headTime = ts
}

// SetCode controls whether the contract address reports code
func (m *MockLedger) SetCode(present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasCode = present
}

// SetBalance sets addr's token balance
func (m *MockLedger) SetBalance(addr common.Address, v *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = new(big.Int).Set(v)
}

// SetEligible overrides the ledger's eligible-token answer for addr in phase
func (m *MockLedger) SetEligible(phase uint64, addr common.Address, v *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eligible[phase] == nil {
		m.eligible[phase] = make(map[common.Address]*big.Int)
	}
	m.eligible[phase][addr] = new(big.Int).Set(v)
}

// AddContribution records a confirmed contribution directly, bypassing submission
func (m *MockLedger) AddContribution(phase uint64, addr common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addContributionLocked(phase, addr, amount)
}

// FailCall makes the next times reads of key fail with err. key is a call name
// ("phaseTotal") or a call name and phase ("phaseTotal:3"). times < 0 fails
// until ClearFailures.
func (m *MockLedger) FailCall(key string, times int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = errors.New("injected failure")
	}
	m.failures[key] = &mockFailure{remaining: times, err: err}
}

// ClearFailures removes every injected read failure
func (m *MockLedger) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = make(map[string]*mockFailure)
	m.rejectErr = nil
}

// RejectSubmissions makes every submission fail with err until cleared with nil
func (m *MockLedger) RejectSubmissions(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectErr = err
}

// PendingTxs returns how many submissions await Mine
func (m *MockLedger) PendingTxs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Reverted returns the revert reason of a mined transaction, or ""
func (m *MockLedger) Reverted(hash common.Hash) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reverted[hash]
}

// Mine includes every pending submission in order and returns how many were mined.
// A transaction whose preconditions fail is mined as reverted with no effect.
func (m *MockLedger) Mine() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.pending)
	for _, tx := range m.pending {
		if err := m.applyLocked(tx); err != nil {
			m.reverted[tx.hash] = err.Error()
		}
		m.mined[tx.hash] = true
	}
	m.pending = nil
	return n
}

func (m *MockLedger) applyLocked(tx mockTx) error {
	switch tx.kind {
	case txContribute:
		m.addContributionLocked(tx.phase, tx.from, tx.value)
		return nil

	case txMint:
		if !m.sched.Ended(tx.phase, m.nowLocked()) {
			return fmt.Errorf("phase %d has not ended", tx.phase)
		}
		if m.minted[tx.phase][tx.from] {
			return fmt.Errorf("phase %d already minted", tx.phase)
		}
		amount := m.eligibleLocked(tx.phase, tx.from)
		if amount.Sign() <= 0 {
			return fmt.Errorf("nothing to mint in phase %d", tx.phase)
		}
		if m.minted[tx.phase] == nil {
			m.minted[tx.phase] = make(map[common.Address]bool)
		}
		m.minted[tx.phase][tx.from] = true
		m.creditLocked(tx.from, amount)
		m.totalSupply.Add(m.totalSupply, amount)
		return nil

	case txStakeStart:
		if err := m.engine.ValidateOpen(tx.value, tx.days, m.balanceLocked(tx.from)); err != nil {
			return err
		}
		m.creditLocked(tx.from, new(big.Int).Neg(tx.value))
		m.totalSupply.Sub(m.totalSupply, tx.value)
		m.stakes[tx.from] = append(m.stakes[tx.from], types.StakePosition{
			ID:         m.nextStakeID,
			Address:    tx.from,
			AmountWei:  new(big.Int).Set(tx.value),
			StakedDays: tx.days,
			StartDay:   m.engine.Day(m.headTime),
		})
		m.nextStakeID++
		return nil

	case txStakeEnd:
		list := m.stakes[tx.from]
		if tx.index >= uint64(len(list)) || list[tx.index].ID != tx.stakeID {
			return fmt.Errorf("stake %d not found at index %d", tx.stakeID, tx.index)
		}
		closed, quote, err := m.engine.Close(list[tx.index], m.headTime)
		if err != nil {
			return err
		}
		list[tx.index] = closed
		m.creditLocked(tx.from, quote.Payout)
		m.totalSupply.Add(m.totalSupply, quote.Payout)
		return nil
	}
	return fmt.Errorf("unknown transaction kind %s", tx.kind)
}

func (m *MockLedger) submit(opts *bind.TransactOpts, tx mockTx) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if opts == nil {
		return common.Hash{}, rejected(string(tx.kind), errors.New("no transaction signer configured"))
	}
	if m.rejectErr != nil {
		return common.Hash{}, rejected(string(tx.kind), m.rejectErr)
	}
	if tx.kind == txContribute {
		res := m.sched.Resolve(m.nowLocked())
		if !res.Started || res.Complete {
			return common.Hash{}, rejected(string(tx.kind), errors.New("no phase is open"))
		}
		tx.phase = res.Index
	}

	m.txCounter++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], m.txCounter)
	tx.from = opts.From
	tx.hash = crypto.Keccak256Hash(opts.From.Bytes(), seed[:])
	m.pending = append(m.pending, tx)
	return tx.hash, nil
}

func (m *MockLedger) nowLocked() uint64 {
	if m.scheduleConsts.Kind == types.ScheduleTime {
		return m.headTime
	}
	return m.block
}

func (m *MockLedger) addContributionLocked(phase uint64, addr common.Address, amount *big.Int) {
	if m.contributions[phase] == nil {
		m.contributions[phase] = make(map[common.Address]*big.Int)
	}
	cur, ok := m.contributions[phase][addr]
	if !ok {
		cur = new(big.Int)
		m.contributions[phase][addr] = cur
		m.contributors[phase] = append(m.contributors[phase], addr)
	}
	cur.Add(cur, amount)

	if m.totals[phase] == nil {
		m.totals[phase] = new(big.Int)
	}
	m.totals[phase].Add(m.totals[phase], amount)
}

func (m *MockLedger) eligibleLocked(phase uint64, addr common.Address) *big.Int {
	if v, ok := m.eligible[phase][addr]; ok {
		return new(big.Int).Set(v)
	}
	user, total := m.contributions[phase][addr], m.totals[phase]
	alloc := m.sched.Allocation(phase)
	if user == nil || total == nil || total.Sign() == 0 || alloc == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(user, alloc)
	return out.Quo(out, total)
}

func (m *MockLedger) balanceLocked(addr common.Address) *big.Int {
	if b, ok := m.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (m *MockLedger) creditLocked(addr common.Address, delta *big.Int) {
	b := m.balanceLocked(addr)
	m.balances[addr] = b.Add(b, delta)
}

// failLocked consumes one injected failure for any of keys
func (m *MockLedger) failLocked(keys ...string) error {
	for _, k := range keys {
		f, ok := m.failures[k]
		if !ok {
			continue
		}
		if f.remaining == 0 {
			delete(m.failures, k)
			continue
		}
		if f.remaining > 0 {
			f.remaining--
		}
		return f.err
	}
	return nil
}

func phaseKey(call string, phase uint64) string {
	return fmt.Sprintf("%s:%d", call, phase)
}

func (m *MockLedger) chainIDRead() (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(CallChainID); err != nil {
		return nil, readErr(CallChainID, err)
	}
	return new(big.Int).Set(m.chainID), nil
}

func (m *MockLedger) hasCodeRead() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(CallCode); err != nil {
		return false, readErr(CallCode, err)
	}
	return m.hasCode, nil
}

func (m *MockLedger) blockRead() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(CallBlockNumber); err != nil {
		return 0, readErr(CallBlockNumber, err)
	}
	return m.block, nil
}

func (m *MockLedger) headTimeRead() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(CallHeadTime); err != nil {
		return 0, readErr(CallHeadTime, err)
	}
	return m.headTime, nil
}

func (m *MockLedger) currentPhaseRead() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(CallCurrentPhase); err != nil {
		return 0, readErr(CallCurrentPhase, err)
	}
	return m.sched.Resolve(m.nowLocked()).Index, nil
}

func (m *MockLedger) totalSupplyRead() (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(CallTotalSupply); err != nil {
		return nil, readErr(CallTotalSupply, err)
	}
	return new(big.Int).Set(m.totalSupply), nil
}

func (m *MockLedger) scheduleRead() (*types.ScheduleConstants, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(CallScheduleConsts); err != nil {
		return nil, readErr(CallScheduleConsts, err)
	}
	c := *m.scheduleConsts
	c.Durations = append([]uint64(nil), m.scheduleConsts.Durations...)
	c.Allocations = make([]*big.Int, len(m.scheduleConsts.Allocations))
	for i, a := range m.scheduleConsts.Allocations {
		c.Allocations[i] = new(big.Int).Set(a)
	}
	return &c, nil
}

func (m *MockLedger) stakingRead() (*types.StakingConstants, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(CallStakingConsts); err != nil {
		return nil, readErr(CallStakingConsts, err)
	}
	c := *m.stakingConsts
	c.MaxStakeForBonus = new(big.Int).Set(m.stakingConsts.MaxStakeForBonus)
	c.LPB = new(big.Int).Set(m.stakingConsts.LPB)
	c.BPB = new(big.Int).Set(m.stakingConsts.BPB)
	return &c, nil
}

func (m *MockLedger) readPhases(addr common.Address, queries []PhaseQuery) []PhaseRead {
	m.mu.Lock()
	defer m.mu.Unlock()

	bigOrZero := func(v *big.Int) *big.Int {
		if v == nil {
			return new(big.Int)
		}
		return new(big.Int).Set(v)
	}

	reads := make([]PhaseRead, len(queries))
	for i, q := range queries {
		r := PhaseRead{Phase: q.Phase, Eligible: Value[*big.Int]{Err: ErrNotRequested}}

		if err := m.failLocked(CallPhaseTotal, phaseKey(CallPhaseTotal, q.Phase)); err != nil {
			r.Total.Err = phaseReadErr(CallPhaseTotal, q.Phase, err)
		} else {
			r.Total.V = bigOrZero(m.totals[q.Phase])
		}

		if err := m.failLocked(CallContributionOf, phaseKey(CallContributionOf, q.Phase)); err != nil {
			r.User.Err = phaseReadErr(CallContributionOf, q.Phase, err)
		} else {
			r.User.V = bigOrZero(m.contributions[q.Phase][addr])
		}

		if err := m.failLocked(CallHasMinted, phaseKey(CallHasMinted, q.Phase)); err != nil {
			r.Minted.Err = phaseReadErr(CallHasMinted, q.Phase, err)
		} else {
			r.Minted.V = m.minted[q.Phase][addr]
		}

		if q.WithEligible {
			if err := m.failLocked(CallEligibleTokens, phaseKey(CallEligibleTokens, q.Phase)); err != nil {
				r.Eligible = Value[*big.Int]{Err: phaseReadErr(CallEligibleTokens, q.Phase, err)}
			} else if m.minted[q.Phase][addr] {
				r.Eligible = Value[*big.Int]{V: new(big.Int)}
			} else {
				r.Eligible = Value[*big.Int]{V: m.eligibleLocked(q.Phase, addr)}
			}
		}
		reads[i] = r
	}
	return reads
}

func (m *MockLedger) contributorsRead(phase uint64) ([]common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(CallContributors, phaseKey(CallContributors, phase)); err != nil {
		return nil, phaseReadErr(CallContributors, phase, err)
	}
	return append([]common.Address(nil), m.contributors[phase]...), nil
}

func (m *MockLedger) stakesRead(addr common.Address) ([]types.StakePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(CallStakes); err != nil {
		return nil, readErr(CallStakes, err)
	}
	list := m.stakes[addr]
	out := make([]types.StakePosition, len(list))
	for i, p := range list {
		p.Index = uint64(i)
		p.AmountWei = new(big.Int).Set(p.AmountWei)
		out[i] = p
	}
	return out, nil
}

func (m *MockLedger) balanceRead(addr common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(CallBalanceOf); err != nil {
		return nil, readErr(CallBalanceOf, err)
	}
	return m.balanceLocked(addr), nil
}

func (m *MockLedger) decimalsRead() (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(CallDecimals); err != nil {
		return 0, readErr(CallDecimals, err)
	}
	return m.decimals, nil
}

func (m *MockLedger) receiptRead(hash common.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked(CallReceipt); err != nil {
		return false, fmt.Errorf("%w: %w", ErrReceiptLookup, err)
	}
	return m.mined[hash], nil
}
