// Package ledger reads from and submits to the distribution contract.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/veggaen/phasestake/pkg/types"
)

// Value is one read result; Err is set when that read alone failed
type Value[T any] struct {
	V   T
	Err error
}

// OK reports whether the read succeeded
func (v Value[T]) OK() bool { return v.Err == nil }

// PhaseRead holds the per-phase reads for one address
type PhaseRead struct {
	Phase    uint64
	Total    Value[*big.Int]
	User     Value[*big.Int]
	Minted   Value[bool]
	Eligible Value[*big.Int] // only requested for ended phases
}

// PhaseQuery selects which phases to read and whether to ask for eligible tokens
type PhaseQuery struct {
	Phase        uint64
	WithEligible bool
}

// Reader is everything the engine reads from the ledger
type Reader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HasCode(ctx context.Context) (bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeadTime(ctx context.Context) (uint64, error)

	CurrentPhase(ctx context.Context) (uint64, error)
	TotalSupply(ctx context.Context) (*big.Int, error)
	ScheduleConstants(ctx context.Context, kind types.ScheduleKind) (*types.ScheduleConstants, error)
	StakingConstants(ctx context.Context) (*types.StakingConstants, error)

	// ReadPhases batches the per-phase reads; a failed element never fails the batch
	ReadPhases(ctx context.Context, addr common.Address, queries []PhaseQuery) []PhaseRead
	Contributors(ctx context.Context, phase uint64) ([]common.Address, error)

	Stakes(ctx context.Context, addr common.Address) ([]types.StakePosition, error)
	TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context) (uint8, error)

	// ReceiptFound is false with a nil error while the transaction is unmined
	ReceiptFound(ctx context.Context, hash common.Hash) (bool, error)
}

// Submitter sends the four user transactions. Every error wraps ErrSubmissionRejected
// and a returned hash means the transaction was accepted for broadcast.
type Submitter interface {
	Contribute(ctx context.Context, opts *bind.TransactOpts, value *big.Int) (common.Hash, error)
	MintShare(ctx context.Context, opts *bind.TransactOpts, phase uint64) (common.Hash, error)
	StakeStart(ctx context.Context, opts *bind.TransactOpts, amount *big.Int, days uint64) (common.Hash, error)
	StakeEnd(ctx context.Context, opts *bind.TransactOpts, index, stakeID uint64) (common.Hash, error)
}

// Ledger is a Reader that can also submit
type Ledger interface {
	Reader
	Submitter
}
