// Package pending tracks submitted contributions until the ledger reflects them.
package pending

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/pkg/types"
)

var (
	// ErrNonPositiveAmount is returned for contributions of zero or less
	ErrNonPositiveAmount = errors.New("contribution amount must be positive")
	// ErrMissingTxHash is returned when a submission has no transaction hash yet
	ErrMissingTxHash = errors.New("submission has no transaction hash")
	// ErrPersist wraps store failures; the in-memory view still holds the change
	ErrPersist = errors.New("failed to persist pending set")
)

// ReceiptLookup reports whether a transaction has been mined
type ReceiptLookup interface {
	ReceiptFound(ctx context.Context, hash common.Hash) (bool, error)
}

// ReceiptLookupFunc adapts a function to ReceiptLookup
type ReceiptLookupFunc func(ctx context.Context, hash common.Hash) (bool, error)

func (f ReceiptLookupFunc) ReceiptFound(ctx context.Context, hash common.Hash) (bool, error) {
	return f(ctx, hash)
}

// ReconcileResult summarises one reconcile pass
type ReconcileResult struct {
	Removed []types.PendingContribution
	Kept    int
	Failed  int // Lookups that errored; those entries are kept
}

// Reconciler owns the pending set of one address at a time.
//
// Entries move Created -> Reconciled (receipt seen, removed), StalePhaseEnded
// (phase over and non-positive, removed) or StillPending (kept).
type Reconciler struct {
	mu      sync.Mutex
	store   Store
	addr    common.Address
	entries []types.PendingContribution
	now     func() time.Time
}

// NewReconciler loads the persisted set for addr
func NewReconciler(store Store, addr common.Address) (*Reconciler, error) {
	r := &Reconciler{store: store, now: time.Now}
	if err := r.SwitchAddress(addr); err != nil {
		return nil, err
	}
	return r, nil
}

// Address returns the address currently loaded
func (r *Reconciler) Address() common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// SwitchAddress discards the in-memory view and loads addr's set
func (r *Reconciler) SwitchAddress(addr common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.store.Load(addr)
	if err != nil {
		return fmt.Errorf("failed to load pending set for %s: %w", addr.Hex(), err)
	}
	r.addr = addr
	r.entries = entries
	return nil
}

// RecordSubmission tracks a contribution whose transaction addr broadcast.
// Recording the same hash twice returns the existing entry with created == false.
// When addr is not the loaded address the entry is persisted to addr's set and the
// in-memory view is left untouched.
func (r *Reconciler) RecordSubmission(addr common.Address, phase uint64, amountEth string, txHash common.Hash) (entry types.PendingContribution, created bool, err error) {
	if txHash == (common.Hash{}) {
		return types.PendingContribution{}, false, ErrMissingTxHash
	}
	wei, err := types.ParseEther(amountEth)
	if err != nil {
		return types.PendingContribution{}, false, fmt.Errorf("invalid contribution amount: %w", err)
	}
	if wei.Sign() <= 0 {
		return types.PendingContribution{}, false, ErrNonPositiveAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry = types.PendingContribution{
		Address:   addr,
		Phase:     phase,
		AmountEth: amountEth,
		AmountWei: wei,
		TxHash:    txHash,
		CreatedAt: r.now().UTC(),
	}

	if addr != r.addr {
		return r.recordDetachedLocked(entry)
	}

	for _, e := range r.entries {
		if e.TxHash == txHash {
			return copyEntry(e), false, nil
		}
	}
	r.entries = append(r.entries, entry)

	logging.Info("pending contribution recorded",
		logging.Component("pending"),
		logging.Address(addr),
		logging.Phase(phase),
		logging.TxHash(txHash),
		logging.Amount("amount_wei", wei),
	)
	return copyEntry(entry), true, r.flushLocked()
}

// recordDetachedLocked appends entry to the stored set of an address that is not
// loaded. The store is shared with the loaded set, so r.mu is held throughout.
func (r *Reconciler) recordDetachedLocked(entry types.PendingContribution) (types.PendingContribution, bool, error) {
	stored, err := r.store.Load(entry.Address)
	if err != nil {
		return copyEntry(entry), false, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	for _, e := range stored {
		if e.TxHash == entry.TxHash {
			return copyEntry(e), false, nil
		}
	}
	if err := r.store.Save(entry.Address, append(stored, entry)); err != nil {
		return copyEntry(entry), true, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	logging.Info("pending contribution recorded for inactive address",
		logging.Component("pending"),
		logging.Address(entry.Address),
		logging.Phase(entry.Phase),
		logging.TxHash(entry.TxHash),
	)
	return copyEntry(entry), true, nil
}

// Entries returns a copy of the current set ordered by creation time
func (r *Reconciler) Entries() []types.PendingContribution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Len returns the number of tracked entries
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reconcile looks up a receipt for every entry and removes the mined ones.
// Lookups run against a snapshot without holding the lock; a failed lookup keeps
// its entry. Entries recorded meanwhile are untouched.
func (r *Reconciler) Reconcile(ctx context.Context, receipts ReceiptLookup) (ReconcileResult, error) {
	r.mu.Lock()
	addr := r.addr
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	var (
		res  ReconcileResult
		errs []error
		done = make(map[common.Hash]bool)
	)
	for _, e := range snapshot {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		found, err := receipts.ReceiptFound(ctx, e.TxHash)
		if err != nil {
			res.Failed++
			errs = append(errs, fmt.Errorf("receipt lookup %s: %w", e.TxHash.Hex(), err))
			continue
		}
		if found {
			done[e.TxHash] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.addr != addr {
		// Address switched while lookups were in flight; the results belong to the old set
		return ReconcileResult{}, errors.Join(errs...)
	}

	res.Removed = r.removeLocked(func(e types.PendingContribution) bool { return done[e.TxHash] })
	res.Kept = len(r.entries)
	for _, e := range res.Removed {
		logging.Info("pending contribution confirmed",
			logging.Component("pending"),
			logging.Address(addr),
			logging.Phase(e.Phase),
			logging.TxHash(e.TxHash),
		)
	}

	if len(res.Removed) > 0 {
		if err := r.flushLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// EvictStale drops entries whose phase has ended and whose value is not positive.
// Entries of phases still open are kept regardless of age.
func (r *Reconciler) EvictStale(ended func(phase uint64) bool) ([]types.PendingContribution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.removeLocked(func(e types.PendingContribution) bool {
		return !e.Positive() && ended(e.Phase)
	})
	if len(removed) == 0 {
		return nil, nil
	}
	logging.Debug("stale pending entries evicted",
		logging.Component("pending"),
		logging.Address(r.addr),
		"count", len(removed))
	return removed, r.flushLocked()
}

// DropMinted retires entries of phases the address has already minted
func (r *Reconciler) DropMinted(minted func(phase uint64) bool) ([]types.PendingContribution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.removeLocked(func(e types.PendingContribution) bool { return minted(e.Phase) })
	if len(removed) == 0 {
		return nil, nil
	}
	return removed, r.flushLocked()
}

// Clear removes every entry of the current address
func (r *Reconciler) Clear() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = nil
	return n, r.flushLocked()
}

// AmountsByPhase sums positive pending amounts per phase
func (r *Reconciler) AmountsByPhase() map[uint64]*big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[uint64]*big.Int)
	for _, e := range r.entries {
		if !e.Positive() {
			continue
		}
		if out[e.Phase] == nil {
			out[e.Phase] = new(big.Int)
		}
		out[e.Phase].Add(out[e.Phase], e.AmountWei)
	}
	return out
}

func (r *Reconciler) removeLocked(match func(types.PendingContribution) bool) []types.PendingContribution {
	var removed []types.PendingContribution
	kept := make([]types.PendingContribution, 0, len(r.entries))
	for _, e := range r.entries {
		if match(e) {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(removed) > 0 {
		r.entries = kept
	}
	return removed
}

func (r *Reconciler) snapshotLocked() []types.PendingContribution {
	out := make([]types.PendingContribution, len(r.entries))
	for i, e := range r.entries {
		out[i] = copyEntry(e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Reconciler) flushLocked() error {
	if err := r.store.Save(r.addr, r.snapshotLocked()); err != nil {
		logging.Warn("pending set flush failed",
			logging.Component("pending"),
			logging.Address(r.addr),
			logging.Err(err))
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

func copyEntry(e types.PendingContribution) types.PendingContribution {
	if e.AmountWei != nil {
		e.AmountWei = new(big.Int).Set(e.AmountWei)
	}
	return e
}

type mergeKey struct {
	addr  common.Address
	phase uint64
}

// MergeForDisplay returns the effective contribution set: confirmed records plus
// pending amounts. Non-positive amounts never register a participant. Pending for an address already present in the confirmed data is
// added to that record, not substituted. Records carrying any pending amount are
// marked unconfirmed.
func MergeForDisplay(confirmed []types.ContributionRecord, pending []types.PendingContribution) []types.ContributionRecord {
	index := make(map[mergeKey]int, len(confirmed))
	out := make([]types.ContributionRecord, 0, len(confirmed)+len(pending))

	for _, c := range confirmed {
		if c.AmountWei == nil || c.AmountWei.Sign() <= 0 {
			continue
		}
		k := mergeKey{c.Address, c.Phase}
		amount := new(big.Int).Set(c.AmountWei)
		if i, ok := index[k]; ok {
			out[i].AmountWei.Add(out[i].AmountWei, amount)
			continue
		}
		index[k] = len(out)
		out = append(out, types.ContributionRecord{Phase: c.Phase, Address: c.Address, AmountWei: amount, Confirmed: true})
	}

	for _, p := range pending {
		if !p.Positive() {
			continue
		}
		k := mergeKey{p.Address, p.Phase}
		if i, ok := index[k]; ok {
			out[i].AmountWei.Add(out[i].AmountWei, p.AmountWei)
			out[i].Confirmed = false
			continue
		}
		index[k] = len(out)
		out = append(out, types.ContributionRecord{
			Phase:     p.Phase,
			Address:   p.Address,
			AmountWei: new(big.Int).Set(p.AmountWei),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return out[i].Phase < out[j].Phase
		}
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out
}
