package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/internal/util"
	"github.com/veggaen/phasestake/pkg/types"
)

// maxPhaseCount bounds what a sane deployment can report
const maxPhaseCount = 1024

// Contract is the distribution contract plus its token. Without a client it runs
// in mock mode against an in-memory ledger.
type Contract struct {
	client    *Client
	dist      *bind.BoundContract
	distABI   abi.ABI
	token     *bind.BoundContract
	tokenABI  abi.ABI
	addr      common.Address
	tokenAddr common.Address
	retry     *util.RetryConfig

	mockMode bool
	mock     *MockLedger
}

var _ Ledger = (*Contract)(nil)

// NewContract binds the distribution contract at addr. A zero tokenAddr means the
// distribution contract is itself the token.
func NewContract(client *Client, addr, tokenAddr common.Address) (*Contract, error) {
	if client == nil {
		return nil, fmt.Errorf("ledger client is required (use NewMockContract for testing)")
	}
	if !client.IsConnected() {
		return nil, ErrNotConnected
	}
	if tokenAddr == (common.Address{}) {
		tokenAddr = addr
	}

	distABI, err := abi.JSON(strings.NewReader(DistributionABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse distribution ABI: %w", err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(TokenABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	eth, err := client.Eth()
	if err != nil {
		return nil, err
	}

	return &Contract{
		client:    client,
		dist:      bind.NewBoundContract(addr, distABI, eth, eth, eth),
		distABI:   distABI,
		token:     bind.NewBoundContract(tokenAddr, tokenABI, eth, eth, eth),
		tokenABI:  tokenABI,
		addr:      addr,
		tokenAddr: tokenAddr,
		retry:     client.Config().RetryConfig,
	}, nil
}

// NewMockContract creates a contract backed by an in-memory ledger
func NewMockContract(m *MockLedger) *Contract {
	return &Contract{mockMode: true, mock: m}
}

// IsMockMode returns whether running in mock mode
func (c *Contract) IsMockMode() bool {
	return c.mockMode
}

// Mock returns the in-memory ledger in mock mode, nil otherwise
func (c *Contract) Mock() *MockLedger {
	return c.mock
}

// Address returns the distribution contract address
func (c *Contract) Address() common.Address {
	return c.addr
}

func (c *Contract) eth() (*ethclient.Client, error) {
	return c.client.Eth()
}

// ChainID returns the endpoint's chain id
func (c *Contract) ChainID(ctx context.Context) (*big.Int, error) {
	if c.mockMode {
		return c.mock.chainIDRead()
	}
	eth, err := c.eth()
	if err != nil {
		return nil, readErr(CallChainID, err)
	}
	id, res := util.RetryWithValue(ctx, c.retry, func() (*big.Int, error) {
		return eth.ChainID(ctx)
	})
	return id, readErr(CallChainID, res.LastError)
}

// HasCode reports whether code is deployed at the contract address
func (c *Contract) HasCode(ctx context.Context) (bool, error) {
	if c.mockMode {
		return c.mock.hasCodeRead()
	}
	eth, err := c.eth()
	if err != nil {
		return false, readErr(CallCode, err)
	}
	code, res := util.RetryWithValue(ctx, c.retry, func() ([]byte, error) {
		return eth.CodeAt(ctx, c.addr, nil)
	})
	if res.LastError != nil {
		return false, readErr(CallCode, res.LastError)
	}
	return len(code) > 0, nil
}

// BlockNumber returns the head block number
func (c *Contract) BlockNumber(ctx context.Context) (uint64, error) {
	if c.mockMode {
		return c.mock.blockRead()
	}
	eth, err := c.eth()
	if err != nil {
		return 0, readErr(CallBlockNumber, err)
	}
	n, res := util.RetryWithValue(ctx, c.retry, func() (uint64, error) {
		return eth.BlockNumber(ctx)
	})
	return n, readErr(CallBlockNumber, res.LastError)
}

// HeadTime returns the head block's timestamp
func (c *Contract) HeadTime(ctx context.Context) (uint64, error) {
	if c.mockMode {
		return c.mock.headTimeRead()
	}
	eth, err := c.eth()
	if err != nil {
		return 0, readErr(CallHeadTime, err)
	}
	header, res := util.RetryWithValue(ctx, c.retry, func() (*ethtypes.Header, error) {
		return eth.HeaderByNumber(ctx, nil)
	})
	if res.LastError != nil {
		return 0, readErr(CallHeadTime, res.LastError)
	}
	return header.Time, nil
}

// CurrentPhase returns the contract's own notion of the current phase
func (c *Contract) CurrentPhase(ctx context.Context) (uint64, error) {
	if c.mockMode {
		return c.mock.currentPhaseRead()
	}
	v, err := c.callBig(ctx, c.dist, "currentPhase")
	if err != nil {
		return 0, readErr(CallCurrentPhase, err)
	}
	return v.Uint64(), nil
}

// TotalSupply returns the token supply
func (c *Contract) TotalSupply(ctx context.Context) (*big.Int, error) {
	if c.mockMode {
		return c.mock.totalSupplyRead()
	}
	v, err := c.callBig(ctx, c.dist, "totalSupply")
	return v, readErr(CallTotalSupply, err)
}

// ScheduleConstants reads the launch anchor, phase durations and allocations
func (c *Contract) ScheduleConstants(ctx context.Context, kind types.ScheduleKind) (*types.ScheduleConstants, error) {
	if c.mockMode {
		return c.mock.scheduleRead()
	}

	outs, errs := c.batch(ctx, []batchCall{
		c.distCall("launchAnchor"),
		c.distCall("phaseCount"),
		c.distCall("firstPhaseDuration"),
		c.distCall("phaseDuration"),
	})
	if err := errors.Join(errs...); err != nil {
		return nil, readErr(CallScheduleConsts, err)
	}
	anchor, count := bigOut(outs[0]), bigOut(outs[1])
	first, rest := bigOut(outs[2]), bigOut(outs[3])

	if count.Sign() <= 0 || count.Cmp(big.NewInt(maxPhaseCount)) > 0 {
		return nil, fmt.Errorf("%w: phase count %s", ErrScheduleMismatch, count)
	}
	n := int(count.Int64())

	allocCalls := make([]batchCall, n)
	for i := range allocCalls {
		allocCalls[i] = c.distCall("phaseAllocation", big.NewInt(int64(i)))
	}
	allocOuts, allocErrs := c.batch(ctx, allocCalls)
	if err := errors.Join(allocErrs...); err != nil {
		return nil, readErr(CallPhaseAllocation, err)
	}

	anchorU, err := uint64Const("launchAnchor", anchor)
	if err != nil {
		return nil, err
	}
	firstU, err := uint64Const("firstPhaseDuration", first)
	if err != nil {
		return nil, err
	}
	restU, err := uint64Const("phaseDuration", rest)
	if err != nil {
		return nil, err
	}

	consts := &types.ScheduleConstants{
		Kind:        kind,
		Anchor:      anchorU,
		Durations:   types.UniformDurations(n, firstU, restU),
		Allocations: make([]*big.Int, n),
	}
	for i := range allocOuts {
		consts.Allocations[i] = bigOut(allocOuts[i])
	}
	return consts, nil
}

// StakingConstants reads the staking parameters
func (c *Contract) StakingConstants(ctx context.Context) (*types.StakingConstants, error) {
	if c.mockMode {
		return c.mock.stakingRead()
	}

	names := []string{
		"launchTime", "gracePeriod", "earlyPenaltyMaxBps", "latePenaltyBpsPerDay",
		"latePenaltyMaxBps", "minStakeDays", "maxStakeDays", "rewardSplitBps",
		"maxBonusDays", "maxStakeForBonus", "lpb", "bpb",
	}
	calls := make([]batchCall, len(names))
	for i, n := range names {
		calls[i] = c.distCall(n)
	}
	outs, errs := c.batch(ctx, calls)
	if err := errors.Join(errs...); err != nil {
		return nil, readErr(CallStakingConsts, err)
	}

	v := func(i int) *big.Int { return bigOut(outs[i]) }
	u := make([]uint64, 9)
	for i := range u {
		var err error
		if u[i], err = uint64Const(names[i], v(i)); err != nil {
			return nil, err
		}
	}
	sc := &types.StakingConstants{
		LaunchTime:           u[0],
		DaySeconds:           types.SecondsPerDay,
		GracePeriodSec:       u[1],
		EarlyPenaltyMaxBps:   u[2],
		LatePenaltyBpsPerDay: u[3],
		LatePenaltyMaxBps:    u[4],
		MinStakeDays:         u[5],
		MaxStakeDays:         u[6],
		RewardSplitBps:       u[7],
		MaxBonusDays:         u[8],
		MaxStakeForBonus:     v(9),
		LPB:                  v(10),
		BPB:                  v(11),
	}
	sc.MaxStakeForBonusString = sc.MaxStakeForBonus.String()
	sc.LPBString = sc.LPB.String()
	sc.BPBString = sc.BPB.String()

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScheduleMismatch, err)
	}
	return sc, nil
}

// ReadPhases issues every per-phase read in one batch
func (c *Contract) ReadPhases(ctx context.Context, addr common.Address, queries []PhaseQuery) []PhaseRead {
	if c.mockMode {
		return c.mock.readPhases(addr, queries)
	}

	type slot struct {
		query int
		call  string
	}
	var (
		calls []batchCall
		slots []slot
	)
	for qi, q := range queries {
		p := new(big.Int).SetUint64(q.Phase)
		calls = append(calls,
			c.distCall("phaseTotal", p),
			c.distCall("contributionOf", p, addr),
			c.distCall("hasMinted", p, addr),
		)
		slots = append(slots, slot{qi, CallPhaseTotal}, slot{qi, CallContributionOf}, slot{qi, CallHasMinted})
		if q.WithEligible {
			calls = append(calls, c.distCall("eligibleTokens", p, addr))
			slots = append(slots, slot{qi, CallEligibleTokens})
		}
	}

	outs, errs := c.batch(ctx, calls)

	reads := make([]PhaseRead, len(queries))
	for i, q := range queries {
		reads[i] = PhaseRead{
			Phase:    q.Phase,
			Eligible: Value[*big.Int]{Err: ErrNotRequested},
		}
	}
	for i, s := range slots {
		r := &reads[s.query]
		err := phaseReadErr(s.call, r.Phase, errs[i])
		switch s.call {
		case CallPhaseTotal:
			r.Total = Value[*big.Int]{V: bigOut(outs[i]), Err: err}
		case CallContributionOf:
			r.User = Value[*big.Int]{V: bigOut(outs[i]), Err: err}
		case CallHasMinted:
			r.Minted = Value[bool]{V: boolOut(outs[i]), Err: err}
		case CallEligibleTokens:
			r.Eligible = Value[*big.Int]{V: bigOut(outs[i]), Err: err}
		}
	}
	return reads
}

// Contributors lists the addresses that contributed to a phase
func (c *Contract) Contributors(ctx context.Context, phase uint64) ([]common.Address, error) {
	if c.mockMode {
		return c.mock.contributorsRead(phase)
	}
	out, err := c.call(ctx, c.dist, "contributors", new(big.Int).SetUint64(phase))
	if err != nil {
		return nil, phaseReadErr(CallContributors, phase, err)
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, phaseReadErr(CallContributors, phase, fmt.Errorf("unexpected output type %T", out[0]))
	}
	return addrs, nil
}

// Stakes reads every stake position of addr, closed ones included
func (c *Contract) Stakes(ctx context.Context, addr common.Address) ([]types.StakePosition, error) {
	if c.mockMode {
		return c.mock.stakesRead(addr)
	}

	count, err := c.callBig(ctx, c.dist, "stakeCount", addr)
	if err != nil {
		return nil, readErr(CallStakes, err)
	}
	n := count.Uint64()
	if n == 0 {
		return nil, nil
	}

	calls := make([]batchCall, n)
	for i := range calls {
		calls[i] = c.distCall("stakeLists", addr, new(big.Int).SetUint64(uint64(i)))
	}
	outs, errs := c.batch(ctx, calls)
	if err := errors.Join(errs...); err != nil {
		return nil, readErr(CallStakes, err)
	}

	positions := make([]types.StakePosition, n)
	for i, out := range outs {
		if len(out) < 6 {
			return nil, readErr(CallStakes, fmt.Errorf("stakeLists(%d): %d outputs", i, len(out)))
		}
		positions[i] = types.StakePosition{
			Index:       uint64(i),
			ID:          bigOut(out[0:1]).Uint64(),
			Address:     addr,
			AmountWei:   bigOut(out[1:2]),
			StartDay:    bigOut(out[2:3]).Uint64(),
			StakedDays:  bigOut(out[3:4]).Uint64(),
			UnlockedDay: bigOut(out[4:5]).Uint64(),
			Closed:      boolOut(out[5:6]),
		}
	}
	return positions, nil
}

// TokenBalance returns addr's token balance
func (c *Contract) TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if c.mockMode {
		return c.mock.balanceRead(addr)
	}
	v, err := c.callBig(ctx, c.token, "balanceOf", addr)
	return v, readErr(CallBalanceOf, err)
}

// TokenDecimals returns the token's decimals
func (c *Contract) TokenDecimals(ctx context.Context) (uint8, error) {
	if c.mockMode {
		return c.mock.decimalsRead()
	}
	out, err := c.call(ctx, c.token, "decimals")
	if err != nil {
		return 0, readErr(CallDecimals, err)
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, readErr(CallDecimals, fmt.Errorf("unexpected output type %T", out[0]))
	}
	return d, nil
}

// ReceiptFound reports whether hash has been mined. A reverted transaction counts
// as mined.
func (c *Contract) ReceiptFound(ctx context.Context, hash common.Hash) (bool, error) {
	if c.mockMode {
		return c.mock.receiptRead(hash)
	}
	eth, err := c.eth()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrReceiptLookup, err)
	}
	receipt, err := eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %w", ErrReceiptLookup, err)
	}
	if receipt.Status == ethtypes.ReceiptStatusFailed {
		logging.Warn("transaction reverted",
			logging.Component("ledger"),
			logging.TxHash(hash),
			"block", receipt.BlockNumber.String())
	}
	return true, nil
}

// Contribute sends value to the contract's receive function
func (c *Contract) Contribute(ctx context.Context, opts *bind.TransactOpts, value *big.Int) (common.Hash, error) {
	if value == nil || value.Sign() <= 0 {
		return common.Hash{}, rejected("contribute", errors.New("value must be positive"))
	}
	if c.mockMode {
		return c.mock.submit(opts, mockTx{kind: txContribute, value: new(big.Int).Set(value)})
	}
	auth, err := c.client.PrepareTransactOpts(ctx, opts)
	if err != nil {
		return common.Hash{}, rejected("contribute", err)
	}
	auth.Value = new(big.Int).Set(value)
	tx, err := c.dist.Transfer(auth)
	if err != nil {
		return common.Hash{}, rejected("contribute", err)
	}
	return tx.Hash(), nil
}

// MintShare claims the caller's tokens for an ended phase
func (c *Contract) MintShare(ctx context.Context, opts *bind.TransactOpts, phase uint64) (common.Hash, error) {
	if c.mockMode {
		return c.mock.submit(opts, mockTx{kind: txMint, phase: phase})
	}
	return c.transact(ctx, opts, "mintShare", new(big.Int).SetUint64(phase))
}

// StakeStart locks amount tokens for days
func (c *Contract) StakeStart(ctx context.Context, opts *bind.TransactOpts, amount *big.Int, days uint64) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, rejected("stakeStart", errors.New("amount must be positive"))
	}
	if c.mockMode {
		return c.mock.submit(opts, mockTx{kind: txStakeStart, value: new(big.Int).Set(amount), days: days})
	}
	return c.transact(ctx, opts, "stakeStart", amount, new(big.Int).SetUint64(days))
}

// StakeEnd closes the stake at index whose id is stakeID
func (c *Contract) StakeEnd(ctx context.Context, opts *bind.TransactOpts, index, stakeID uint64) (common.Hash, error) {
	if c.mockMode {
		return c.mock.submit(opts, mockTx{kind: txStakeEnd, index: index, stakeID: stakeID})
	}
	return c.transact(ctx, opts, "stakeEnd", new(big.Int).SetUint64(index), new(big.Int).SetUint64(stakeID))
}

func (c *Contract) transact(ctx context.Context, opts *bind.TransactOpts, method string, args ...interface{}) (common.Hash, error) {
	auth, err := c.client.PrepareTransactOpts(ctx, opts)
	if err != nil {
		return common.Hash{}, rejected(method, err)
	}
	tx, err := c.dist.Transact(auth, method, args...)
	if err != nil {
		return common.Hash{}, rejected(method, err)
	}
	logging.Info("transaction submitted",
		logging.Component("ledger"),
		"method", method,
		logging.TxHash(tx.Hash()))
	return tx.Hash(), nil
}

func (c *Contract) call(ctx context.Context, bound *bind.BoundContract, method string, args ...interface{}) ([]interface{}, error) {
	out, res := util.RetryWithValue(ctx, c.retry, func() ([]interface{}, error) {
		var result []interface{}
		if err := bound.Call(&bind.CallOpts{Context: ctx}, &result, method, args...); err != nil {
			return nil, err
		}
		if len(result) == 0 {
			return nil, util.MarkNonRetryable(fmt.Errorf("%s returned no data", method))
		}
		return result, nil
	})
	if res.LastError != nil {
		return nil, res.LastError
	}
	return out, nil
}

func (c *Contract) callBig(ctx context.Context, bound *bind.BoundContract, method string, args ...interface{}) (*big.Int, error) {
	out, err := c.call(ctx, bound, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", method, out[0])
	}
	return v, nil
}

type batchCall struct {
	to     common.Address
	abi    *abi.ABI
	method string
	args   []interface{}
}

func (c *Contract) distCall(method string, args ...interface{}) batchCall {
	return batchCall{to: c.addr, abi: &c.distABI, method: method, args: args}
}

// batch runs calls as eth_call elements of JSON-RPC batches. Each element gets
// its own output or error; a transport failure fails only the chunk it hit.
func (c *Contract) batch(ctx context.Context, calls []batchCall) ([][]interface{}, []error) {
	outs := make([][]interface{}, len(calls))
	errs := make([]error, len(calls))

	eth, err := c.eth()
	if err != nil {
		for i := range errs {
			errs[i] = err
		}
		return outs, errs
	}

	size := c.client.Config().MaxBatchSize
	for start := 0; start < len(calls); start += size {
		end := start + size
		if end > len(calls) {
			end = len(calls)
		}
		c.batchChunk(ctx, eth.Client(), calls[start:end], outs[start:end], errs[start:end])
	}
	return outs, errs
}

func (c *Contract) batchChunk(ctx context.Context, rc *rpc.Client, calls []batchCall, outs [][]interface{}, errs []error) {
	results := make([]hexutil.Bytes, len(calls))
	elems := make([]rpc.BatchElem, 0, len(calls))
	index := make([]int, 0, len(calls))

	for i, bc := range calls {
		data, err := bc.abi.Pack(bc.method, bc.args...)
		if err != nil {
			errs[i] = fmt.Errorf("pack %s: %w", bc.method, err)
			continue
		}
		elems = append(elems, rpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{"to": bc.to, "data": hexutil.Bytes(data)},
				"latest",
			},
			Result: &results[i],
		})
		index = append(index, i)
	}
	if len(elems) == 0 {
		return
	}

	res := util.Retry(ctx, c.retry, func() error {
		return rc.BatchCallContext(ctx, elems)
	})
	if res.LastError != nil {
		for _, i := range index {
			errs[i] = res.LastError
		}
		return
	}

	for j, elem := range elems {
		i := index[j]
		if elem.Error != nil {
			errs[i] = elem.Error
			continue
		}
		if len(results[i]) == 0 {
			errs[i] = fmt.Errorf("%s returned no data", calls[i].method)
			continue
		}
		out, err := calls[i].abi.Unpack(calls[i].method, results[i])
		if err != nil {
			errs[i] = fmt.Errorf("unpack %s: %w", calls[i].method, err)
			continue
		}
		outs[i] = out
	}
}

// bigOut returns the first output as a big.Int, or 0
// uint64Const narrows a constant read from the contract. Values outside uint64
// mean the deployment does not match what this client understands.
func uint64Const(name string, v *big.Int) (uint64, error) {
	if v == nil || !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s out of range: %v", ErrScheduleMismatch, name, v)
	}
	return v.Uint64(), nil
}

func bigOut(out []interface{}) *big.Int {
	if len(out) == 0 {
		return new(big.Int)
	}
	if v, ok := out[0].(*big.Int); ok && v != nil {
		return v
	}
	return new(big.Int)
}

func boolOut(out []interface{}) bool {
	if len(out) == 0 {
		return false
	}
	v, _ := out[0].(bool)
	return v
}
