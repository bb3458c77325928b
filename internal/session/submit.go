package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/veggaen/phasestake/internal/estimator"
	"github.com/veggaen/phasestake/internal/ledger"
	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/internal/pending"
	"github.com/veggaen/phasestake/internal/staking"
	"github.com/veggaen/phasestake/pkg/types"
)

// Contribute sends amountEth to the open phase and remembers the submission as
// pending once the ledger returned a transaction hash. Nothing local changes on
// failure.
func (s *Session) Contribute(ctx context.Context, amountEth string) (common.Hash, error) {
	wei, err := types.ParseEther(amountEth)
	if err != nil {
		return common.Hash{}, rejected("contribute", err)
	}
	if wei.Sign() <= 0 {
		return common.Hash{}, rejected("contribute", pending.ErrNonPositiveAmount)
	}
	if err := s.bootstrap(ctx); err != nil {
		return common.Hash{}, rejected("contribute", err)
	}
	sched, _ := s.components()
	now, _, err := s.observe(ctx, sched.Kind(), &Result{})
	if err != nil {
		return common.Hash{}, rejected("contribute", err)
	}

	res := sched.Resolve(now)
	if !res.Started || res.Complete {
		return common.Hash{}, rejected("contribute", errors.New("no phase is open"))
	}

	opts, err := s.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, rejected("contribute", err)
	}
	hash, err := s.ledger.Contribute(ctx, opts, wei)
	if err != nil {
		return common.Hash{}, err
	}

	// The transaction is out; it belongs to the signer even if the session switched meanwhile
	if _, _, err := s.pending.RecordSubmission(opts.From, res.Index, amountEth, hash); err != nil {
		logging.WarnContext(ctx, "failed to record pending contribution",
			logging.Component("session"),
			logging.TxHash(hash),
			logging.Err(err))
	}
	s.recorder.SetPendingEntries(s.pending.Len())

	logging.InfoContext(ctx, "contribution submitted",
		logging.Component("session"),
		logging.Address(opts.From),
		logging.Phase(res.Index),
		logging.Amount("amount_wei", wei),
		logging.TxHash(hash))
	return hash, nil
}

// Mint claims the eligible tokens of an ended phase
func (s *Session) Mint(ctx context.Context, phase uint64) (common.Hash, error) {
	if err := s.bootstrap(ctx); err != nil {
		return common.Hash{}, rejected("mintShare", err)
	}
	sched, _ := s.components()
	if int(phase) >= sched.PhaseCount() {
		return common.Hash{}, rejected("mintShare", fmt.Errorf("phase %d out of range", phase))
	}
	now, _, err := s.observe(ctx, sched.Kind(), &Result{})
	if err != nil {
		return common.Hash{}, rejected("mintShare", err)
	}
	if !sched.Ended(phase, now) {
		return common.Hash{}, rejected("mintShare", fmt.Errorf("phase %d has not ended", phase))
	}

	opts, err := s.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, rejected("mintShare", err)
	}
	hash, err := s.ledger.MintShare(ctx, opts, phase)
	if err != nil {
		return common.Hash{}, err
	}

	logging.InfoContext(ctx, "mint submitted",
		logging.Component("session"),
		logging.Address(opts.From),
		logging.Phase(phase),
		logging.TxHash(hash))
	return hash, nil
}

// PreviewStake prices a stake opened now. The balance check uses a fresh read,
// falling back to the last known balance.
func (s *Session) PreviewStake(ctx context.Context, amount *big.Int, days uint64) (estimator.StakePreview, error) {
	engine, err := s.stakingEngine(ctx)
	if err != nil {
		return estimator.StakePreview{}, err
	}
	sched, _ := s.components()
	_, now, err := s.observe(ctx, sched.Kind(), &Result{})
	if err != nil {
		return estimator.StakePreview{}, err
	}
	balance := s.readBalance(ctx, &Result{}, s.Address())
	return estimator.PreviewStake(engine, amount, days, balance, now)
}

// OpenStake locks amount for days
func (s *Session) OpenStake(ctx context.Context, amount *big.Int, days uint64) (common.Hash, error) {
	preview, err := s.PreviewStake(ctx, amount, days)
	if err != nil {
		return common.Hash{}, rejected("stakeStart", err)
	}

	opts, err := s.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, rejected("stakeStart", err)
	}
	hash, err := s.ledger.StakeStart(ctx, opts, amount, days)
	if err != nil {
		return common.Hash{}, err
	}

	logging.InfoContext(ctx, "stake submitted",
		logging.Component("session"),
		logging.Address(opts.From),
		logging.Amount("amount", amount),
		logging.Amount("total_at_maturity", preview.Bonus.TotalAtMaturity),
		"days", days,
		logging.TxHash(hash))
	return hash, nil
}

// CloseStake ends the position at index and returns the quote it was priced at
func (s *Session) CloseStake(ctx context.Context, index uint64) (common.Hash, staking.CloseQuote, error) {
	engine, err := s.stakingEngine(ctx)
	if err != nil {
		return common.Hash{}, staking.CloseQuote{}, rejected("stakeEnd", err)
	}

	stakes, err := s.ledger.Stakes(ctx, s.Address())
	if err != nil {
		return common.Hash{}, staking.CloseQuote{}, rejected("stakeEnd", err)
	}
	if index >= uint64(len(stakes)) {
		return common.Hash{}, staking.CloseQuote{}, rejected("stakeEnd", fmt.Errorf("no stake at index %d", index))
	}
	pos := stakes[index]
	sched, _ := s.components()
	_, now, err := s.observe(ctx, sched.Kind(), &Result{})
	if err != nil {
		return common.Hash{}, staking.CloseQuote{}, rejected("stakeEnd", err)
	}
	quote, err := engine.Quote(pos, now)
	if err != nil {
		return common.Hash{}, staking.CloseQuote{}, rejected("stakeEnd", err)
	}

	opts, err := s.transactOpts(ctx)
	if err != nil {
		return common.Hash{}, staking.CloseQuote{}, rejected("stakeEnd", err)
	}
	hash, err := s.ledger.StakeEnd(ctx, opts, index, pos.ID)
	if err != nil {
		return common.Hash{}, staking.CloseQuote{}, err
	}

	logging.InfoContext(ctx, "stake close submitted",
		logging.Component("session"),
		logging.Address(opts.From),
		"stake_id", pos.ID,
		"status", string(quote.Status),
		"penalty_bps", quote.PenaltyBps,
		logging.TxHash(hash))
	return hash, quote, nil
}

func (s *Session) stakingEngine(ctx context.Context) (*staking.Engine, error) {
	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}
	_, engine := s.components()
	if engine == nil {
		return nil, fmt.Errorf("%w: staking constants unavailable", ledger.ErrReadFailure)
	}
	return engine, nil
}

// transactOpts asks the signer for options and checks they belong to the session
func (s *Session) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	s.mu.Lock()
	signer, addr := s.signer, s.addr
	s.mu.Unlock()

	if signer == nil {
		return nil, ErrNoSigner
	}
	if signer.Address() != addr {
		return nil, fmt.Errorf("signer %s does not match session address %s", signer.Address().Hex(), addr.Hex())
	}
	return signer.TransactOpts(ctx)
}
