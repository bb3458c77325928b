// Package session runs refresh cycles and submissions for one address. A Session
// owns every piece of derived state; nothing is shared between sessions except
// the ledger connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/veggaen/phasestake/internal/allocation"
	"github.com/veggaen/phasestake/internal/audit"
	"github.com/veggaen/phasestake/internal/estimator"
	"github.com/veggaen/phasestake/internal/ledger"
	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/internal/metrics"
	"github.com/veggaen/phasestake/internal/pending"
	"github.com/veggaen/phasestake/internal/schedule"
	"github.com/veggaen/phasestake/internal/staking"
	"github.com/veggaen/phasestake/internal/wallet"
	"github.com/veggaen/phasestake/pkg/types"
)

// Options configures a Session
type Options struct {
	Address common.Address
	Ledger  ledger.Ledger
	Store   pending.Store
	Signer  wallet.Signer // nil makes the session read-only

	// ChainID is the expected chain; nil skips the check
	ChainID      *big.Int
	ScheduleKind types.ScheduleKind
	// Durations replaces the ledger's per-phase durations when set
	Durations []uint64
	// Staking replaces the ledger's staking constants when set
	Staking *types.StakingConstants

	Audit    audit.Sink
	Recorder metrics.Recorder

	FailureThreshold int
	CacheSize        int
	RefreshRate      rate.Limit // <= 0 means unlimited
	RefreshBurst     int
}

// Result is the outcome of one refresh cycle
type Result struct {
	ID         string
	Address    common.Address
	View       estimator.View
	ReadErrors []error // reads that failed this cycle and were filled from cache
	Degraded   error   // wraps ErrDegraded; nil while every read is healthy
	Reconciled pending.ReconcileResult
	Evicted    []types.PendingContribution
	Dropped    []types.PendingContribution
	Regressed  bool // the node reported a block/time below one already seen
	Duration   time.Duration
}

// Session is the per-address engine state
type Session struct {
	ledger   ledger.Ledger
	pending  *pending.Reconciler
	calc     *allocation.Calculator
	sink     audit.Sink
	recorder metrics.Recorder
	limiter  *rate.Limiter
	health   *HealthTracker
	lkg      *lastKnownGood

	chainID         *big.Int
	kind            types.ScheduleKind
	durations       []uint64
	stakingOverride *types.StakingConstants

	phaseClock *schedule.Clock
	timeClock  *schedule.Clock
	inFlight   atomic.Bool

	bootMu   sync.Mutex
	verified bool
	sched    *schedule.Schedule
	engine   *staking.Engine

	mu       sync.Mutex
	addr     common.Address
	signer   wallet.Signer
	lastView *estimator.View
}

// New creates a session and loads the pending set of opts.Address
func New(opts Options) (*Session, error) {
	if opts.Ledger == nil {
		return nil, errors.New("session requires a ledger")
	}
	if opts.Store == nil {
		return nil, errors.New("session requires a pending store")
	}
	if opts.ScheduleKind == "" {
		opts.ScheduleKind = types.ScheduleBlocks
	}
	if !opts.ScheduleKind.IsValid() {
		return nil, fmt.Errorf("invalid schedule kind: %s", opts.ScheduleKind)
	}

	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	sink := opts.Audit
	if sink == nil {
		sink = audit.NewLogSink()
	}
	sink = countingSink{inner: sink, recorder: recorder}

	reconciler, err := pending.NewReconciler(opts.Store, opts.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending contributions: %w", err)
	}
	lkg, err := newLastKnownGood(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create read cache: %w", err)
	}

	limit := opts.RefreshRate
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := opts.RefreshBurst
	if burst <= 0 {
		burst = 1
	}

	s := &Session{
		ledger:          opts.Ledger,
		pending:         reconciler,
		calc:            allocation.NewCalculator(sink),
		sink:            sink,
		recorder:        recorder,
		limiter:         rate.NewLimiter(limit, burst),
		health:          NewHealthTracker(opts.FailureThreshold),
		lkg:             lkg,
		kind:            opts.ScheduleKind,
		durations:       append([]uint64(nil), opts.Durations...),
		stakingOverride: opts.Staking,
		phaseClock:      schedule.NewClock(),
		timeClock:       schedule.NewClock(),
		addr:            opts.Address,
		signer:          opts.Signer,
	}
	if opts.ChainID != nil {
		s.chainID = new(big.Int).Set(opts.ChainID)
	}
	recorder.SetPendingEntries(reconciler.Len())
	return s, nil
}

// Address returns the session's address
func (s *Session) Address() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// LastView returns the view of the last completed refresh, or nil
func (s *Session) LastView() *estimator.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastView
}

// SetFailureThreshold changes how many consecutive failures escalate a read
func (s *Session) SetFailureThreshold(n int) {
	s.health.SetThreshold(n)
}

// SetRefreshRate changes the refresh start limit
func (s *Session) SetRefreshRate(limit rate.Limit, burst int) {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	s.limiter.SetLimit(limit)
	s.limiter.SetBurst(burst)
}

// SwitchAddress points the session at addr. Cached reads, health history and the
// last view are discarded and the pending set of addr is loaded. signer may be nil.
func (s *Session) SwitchAddress(addr common.Address, signer wallet.Signer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pending.SwitchAddress(addr); err != nil {
		return err
	}
	s.addr = addr
	s.signer = signer
	s.lastView = nil
	s.lkg.purge()
	s.health.Reset()
	s.recorder.SetPendingEntries(s.pending.Len())

	logging.Info("session address switched",
		logging.Component("session"),
		logging.Address(addr))
	return nil
}

// PendingEntries returns the locally remembered submissions
func (s *Session) PendingEntries() []types.PendingContribution {
	return s.pending.Entries()
}

// ClearPending forgets every pending submission of the current address
func (s *Session) ClearPending() (int, error) {
	n, err := s.pending.Clear()
	s.recorder.SetPendingEntries(s.pending.Len())
	return n, err
}

// Refresh runs one refresh cycle. It returns ErrRefreshInFlight without doing
// anything when another cycle is outstanding.
func (s *Session) Refresh(ctx context.Context) (*Result, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.recorder.RecordRefresh(metrics.ResultSkipped, 0)
		return nil, ErrRefreshInFlight
	}
	defer s.inFlight.Store(false)

	if err := s.limiter.Wait(ctx); err != nil {
		s.recorder.RecordRefresh(metrics.ResultSkipped, 0)
		return nil, err
	}

	start := time.Now()
	id := uuid.NewString()
	res, err := s.refresh(ctx, id)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		s.recorder.RecordRefresh(metrics.ResultFailed, elapsed)
		err = s.classify(err)
		if errors.Is(err, ErrTransient) {
			logging.DebugContext(ctx, "refresh failed below threshold",
				logging.Component("session"),
				logging.RefreshID(id),
				logging.Err(err))
			return nil, err
		}
		logging.WarnContext(ctx, "refresh failed",
			logging.Component("session"),
			logging.RefreshID(id),
			logging.Err(err))
		return nil, err
	case res.Degraded != nil:
		s.recorder.RecordRefresh(metrics.ResultDegraded, elapsed)
	default:
		s.recorder.RecordRefresh(metrics.ResultOK, elapsed)
	}
	res.Duration = elapsed
	return res, nil
}

// classify tags a failed cycle caused by ledger reads. Until one of the reads has
// failed FailureThreshold consecutive times it is ErrTransient, afterwards
// ErrDegraded. Fatal errors pass through untouched.
func (s *Session) classify(err error) error {
	if ledger.IsFatal(err) || !(errors.Is(err, ledger.ErrReadFailure) || errors.Is(err, ErrNotReady)) {
		return err
	}
	if calls := s.health.Degraded(); len(calls) > 0 {
		return fmt.Errorf("%w: %s: %w", ErrDegraded, strings.Join(calls, ", "), err)
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// phaseData is one phase's reads after cache fill-in
type phaseData struct {
	phase    uint64
	total    *big.Int
	user     *big.Int
	minted   bool
	stale    bool
	eligible *big.Int // nil unless read fresh for an ended phase
}

func (s *Session) refresh(ctx context.Context, id string) (*Result, error) {
	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}
	sched, engine := s.components()
	addr := s.Address()
	res := &Result{ID: id, Address: addr}

	now, stakeNow, err := s.observe(ctx, sched.Kind(), res)
	if err != nil {
		return nil, err
	}

	resolution := sched.Resolve(now)
	queries := make([]ledger.PhaseQuery, 0, resolution.Index+1)
	for i := uint64(0); i <= resolution.Index; i++ {
		queries = append(queries, ledger.PhaseQuery{Phase: i, WithEligible: sched.Ended(i, now)})
	}

	reads := s.ledger.ReadPhases(ctx, addr, queries)
	data := make([]phaseData, 0, len(reads))
	minted := make(map[uint64]bool)
	for _, r := range reads {
		d := s.resolvePhase(ctx, res, addr, r)
		if d.minted {
			minted[d.phase] = true
		}
		data = append(data, d)
	}

	rr, err := s.pending.Reconcile(ctx, s.ledger)
	if err != nil {
		s.readFailed(ledger.CallReceipt, err)
		res.ReadErrors = append(res.ReadErrors, err)
	} else {
		s.health.RecordSuccess(ledger.CallReceipt)
	}
	res.Reconciled = rr

	if res.Evicted, err = s.pending.EvictStale(sched.EndedFunc(now)); err != nil {
		logging.WarnContext(ctx, "failed to persist evicted entries", logging.Component("session"), logging.Err(err))
	}
	if res.Dropped, err = s.pending.DropMinted(func(p uint64) bool { return minted[p] }); err != nil {
		logging.WarnContext(ctx, "failed to persist dropped entries", logging.Component("session"), logging.Err(err))
	}

	pendingByPhase := s.pending.AmountsByPhase()
	in := estimator.Input{
		Address:      addr,
		Schedule:     sched,
		Now:          now,
		StakeNow:     stakeNow,
		Engine:       engine,
		PendingCount: s.pending.Len(),
	}
	for _, d := range data {
		userPending := pendingByPhase[d.phase]
		amounts := allocation.PhaseAmounts{
			Phase:          d.phase,
			Allocation:     sched.Allocation(d.phase),
			UserConfirmed:  d.user,
			UserPending:    userPending,
			TotalConfirmed: d.total,
			TotalPending:   userPending,
		}
		in.Phases = append(in.Phases, estimator.PhaseInput{Amounts: amounts, Minted: d.minted, Stale: d.stale})

		if !sched.Ended(d.phase, now) {
			continue
		}
		mint, ok := s.calc.Eligible(ctx, allocation.EligibleInput{
			Address:        addr,
			Phase:          d.phase,
			Allocation:     amounts.Allocation,
			UserConfirmed:  d.user,
			TotalConfirmed: d.total,
			Minted:         d.minted,
			LedgerEligible: d.eligible,
			RefreshID:      id,
		})
		if ok {
			in.EligibleMints = append(in.EligibleMints, mint)
		}
	}

	if engine != nil {
		in.Stakes = s.readStakes(ctx, res, addr)
	}
	in.TokenBalance = s.readBalance(ctx, res, addr)

	res.View = estimator.Estimate(in)
	if calls := s.health.Degraded(); len(calls) > 0 {
		res.Degraded = fmt.Errorf("%w: %s", ErrDegraded, strings.Join(calls, ", "))
	}

	s.recorder.SetPendingEntries(s.pending.Len())
	s.recorder.SetCurrentPhase(resolution.Index)
	if sched.Kind() == types.ScheduleBlocks {
		s.recorder.SetMaxBlock(now)
	}

	s.mu.Lock()
	if s.addr == addr {
		view := res.View
		s.lastView = &view
	}
	s.mu.Unlock()

	logging.DebugContext(ctx, "refresh complete",
		logging.Component("session"),
		logging.RefreshID(id),
		logging.Address(addr),
		logging.Phase(resolution.Index),
		"read_failures", len(res.ReadErrors),
		"pending", in.PendingCount)
	return res, nil
}

// bootstrap verifies the deployment once and loads the constants. Failed
// staking reads leave stakes hidden and are retried next cycle.
func (s *Session) bootstrap(ctx context.Context) error {
	s.bootMu.Lock()
	defer s.bootMu.Unlock()

	if !s.verified {
		if s.chainID != nil {
			id, err := s.ledger.ChainID(ctx)
			if err != nil {
				s.readFailed(ledger.CallChainID, err)
				return err
			}
			if id.Cmp(s.chainID) != 0 {
				return fmt.Errorf("%w: chain id %s, expected %s", ledger.ErrScheduleMismatch, id, s.chainID)
			}
		}
		ok, err := s.ledger.HasCode(ctx)
		if err != nil {
			s.readFailed(ledger.CallCode, err)
			return err
		}
		if !ok {
			return ledger.ErrNoContractPresent
		}
		s.verified = true
	}

	if s.sched == nil {
		c, err := s.ledger.ScheduleConstants(ctx, s.kind)
		if err != nil {
			s.readFailed(ledger.CallScheduleConsts, err)
			return err
		}
		if len(s.durations) > 0 {
			if len(s.durations) != c.PhaseCount() {
				return fmt.Errorf("%w: configured %d phases, ledger has %d",
					ledger.ErrScheduleMismatch, len(s.durations), c.PhaseCount())
			}
			c.Durations = append([]uint64(nil), s.durations...)
		}
		sched, err := schedule.NewFromConstants(c)
		if err != nil {
			return fmt.Errorf("%w: %w", ledger.ErrScheduleMismatch, err)
		}
		s.sched = sched
	}

	if s.engine == nil {
		c := s.stakingOverride
		if c == nil {
			read, err := s.ledger.StakingConstants(ctx)
			if err != nil {
				if ledger.IsFatal(err) {
					return err
				}
				s.readFailed(ledger.CallStakingConsts, err)
				logging.WarnContext(ctx, "staking constants unavailable",
					logging.Component("session"),
					logging.Err(err))
				return nil
			}
			c = read
		}
		engine, err := staking.NewEngine(c)
		if err != nil {
			return fmt.Errorf("%w: %w", ledger.ErrScheduleMismatch, err)
		}
		s.engine = engine
	}
	return nil
}

func (s *Session) components() (*schedule.Schedule, *staking.Engine) {
	s.bootMu.Lock()
	defer s.bootMu.Unlock()
	return s.sched, s.engine
}

// observe reads the head block or time into the monotonic clocks. A failed
// read falls back to the highest value already seen.
func (s *Session) observe(ctx context.Context, kind types.ScheduleKind, res *Result) (now, stakeNow uint64, err error) {
	headTime, timeErr := s.ledger.HeadTime(ctx)
	if timeErr != nil {
		s.readFailed(ledger.CallHeadTime, timeErr)
		res.ReadErrors = append(res.ReadErrors, timeErr)
	} else {
		s.health.RecordSuccess(ledger.CallHeadTime)
		if _, regressed := s.timeClock.Observe(headTime); regressed {
			res.Regressed = true
		}
	}
	if s.timeClock.ObservedAt().IsZero() {
		if kind == types.ScheduleTime {
			return 0, 0, fmt.Errorf("%w: %w", ErrNotReady, timeErr)
		}
		stakeNow = uint64(time.Now().Unix())
	} else {
		stakeNow = s.timeClock.Now()
	}

	if kind == types.ScheduleTime {
		return stakeNow, stakeNow, nil
	}

	block, blockErr := s.ledger.BlockNumber(ctx)
	if blockErr != nil {
		s.readFailed(ledger.CallBlockNumber, blockErr)
		res.ReadErrors = append(res.ReadErrors, blockErr)
		if s.phaseClock.ObservedAt().IsZero() {
			return 0, 0, fmt.Errorf("%w: %w", ErrNotReady, blockErr)
		}
		return s.phaseClock.Now(), stakeNow, nil
	}
	s.health.RecordSuccess(ledger.CallBlockNumber)
	now, regressed := s.phaseClock.Observe(block)
	if regressed {
		res.Regressed = true
		logging.DebugContext(ctx, "block number regressed",
			logging.Component("session"),
			"observed", block,
			"retained", now)
	}
	return now, stakeNow, nil
}

func (s *Session) resolvePhase(ctx context.Context, res *Result, addr common.Address, r ledger.PhaseRead) phaseData {
	d := phaseData{phase: r.Phase}

	var totalStale, userStale, mintedStale bool
	d.total, totalStale = s.bigValue(res, addr, ledger.CallPhaseTotal, r.Phase, r.Total)
	d.user, userStale = s.bigValue(res, addr, ledger.CallContributionOf, r.Phase, r.User)

	key := healthKey(ledger.CallHasMinted, r.Phase)
	if r.Minted.OK() {
		s.health.RecordSuccess(key)
		s.lkg.putFlag(addr, ledger.CallHasMinted, r.Phase, r.Minted.V)
		d.minted = r.Minted.V
	} else {
		s.readFailed(key, r.Minted.Err)
		res.ReadErrors = append(res.ReadErrors, r.Minted.Err)
		d.minted, _ = s.lkg.getFlag(addr, ledger.CallHasMinted, r.Phase)
		mintedStale = true
	}
	d.stale = totalStale || userStale || mintedStale

	switch {
	case r.Eligible.OK():
		s.health.RecordSuccess(healthKey(ledger.CallEligibleTokens, r.Phase))
		d.eligible = r.Eligible.V
	case errors.Is(r.Eligible.Err, ledger.ErrNotRequested):
	default:
		s.readFailed(healthKey(ledger.CallEligibleTokens, r.Phase), r.Eligible.Err)
		res.ReadErrors = append(res.ReadErrors, r.Eligible.Err)
	}

	if !totalStale && !userStale && d.total.Cmp(d.user) < 0 {
		s.reportTotalDivergence(ctx, res.ID, addr, d)
	}
	return d
}

// bigValue returns the read value, or the last known good one flagged stale.
// Without a cached value a failed read counts as zero.
func (s *Session) bigValue(res *Result, addr common.Address, call string, phase uint64, v ledger.Value[*big.Int]) (*big.Int, bool) {
	key := healthKey(call, phase)
	if v.OK() {
		val := new(big.Int)
		if v.V != nil {
			val.Set(v.V)
		}
		s.health.RecordSuccess(key)
		s.lkg.putBig(addr, call, phase, val)
		return val, false
	}
	s.readFailed(key, v.Err)
	res.ReadErrors = append(res.ReadErrors, v.Err)
	if cached, ok := s.lkg.getBig(addr, call, phase); ok {
		return cached, true
	}
	return new(big.Int), true
}

func (s *Session) readStakes(ctx context.Context, res *Result, addr common.Address) []types.StakePosition {
	stakes, err := s.ledger.Stakes(ctx, addr)
	if err == nil {
		s.health.RecordSuccess(ledger.CallStakes)
		s.lkg.putStakes(addr, stakes)
		return stakes
	}
	s.readFailed(ledger.CallStakes, err)
	res.ReadErrors = append(res.ReadErrors, err)
	cached, _ := s.lkg.getStakes(addr)
	return cached
}

func (s *Session) readBalance(ctx context.Context, res *Result, addr common.Address) *big.Int {
	balance, err := s.ledger.TokenBalance(ctx, addr)
	if err == nil {
		s.health.RecordSuccess(ledger.CallBalanceOf)
		s.lkg.putBig(addr, ledger.CallBalanceOf, 0, balance)
		return balance
	}
	s.readFailed(ledger.CallBalanceOf, err)
	res.ReadErrors = append(res.ReadErrors, err)
	cached, _ := s.lkg.getBig(addr, ledger.CallBalanceOf, 0)
	return cached
}

// readFailed counts a failure against key and logs once when it escalates
func (s *Session) readFailed(key string, err error) {
	call := ledger.CallName(err)
	if call == "" {
		call, _, _ = strings.Cut(key, ":")
	}
	s.recorder.RecordReadFailure(call)
	if s.health.RecordError(key) {
		logging.Warn("ledger read degraded",
			logging.Component("session"),
			"read", key,
			"failures", s.health.ConsecutiveErrors(key),
			logging.Err(err))
	}
}

func (s *Session) reportTotalDivergence(ctx context.Context, id string, addr common.Address, d phaseData) {
	err := s.sink.Record(ctx, audit.Divergence{
		Address:    addr,
		Phase:      d.phase,
		Kind:       audit.KindPhaseTotal,
		Ledger:     new(big.Int).Set(d.total),
		Local:      new(big.Int).Set(d.user),
		RefreshID:  id,
		ObservedAt: time.Now(),
	})
	if err != nil {
		logging.WarnContext(ctx, "failed to record divergence",
			logging.Component("session"),
			logging.Phase(d.phase),
			logging.Err(err))
	}
}

func healthKey(call string, phase uint64) string {
	return fmt.Sprintf("%s:%d", call, phase)
}
