// Package audit records disagreements between values read from the ledger and
// values computed locally from confirmed contribution data.
package audit

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veggaen/phasestake/internal/logging"
)

// Kind names the quantity that diverged
type Kind string

const (
	KindEligibleTokens Kind = "eligible_tokens"
	KindPhaseTotal     Kind = "phase_total"
)

// Divergence is one ledger/local disagreement. The ledger value is the one the
// engine used.
type Divergence struct {
	Address    common.Address
	Phase      uint64
	Kind       Kind
	Ledger     *big.Int
	Local      *big.Int
	RefreshID  string
	ObservedAt time.Time
}

// Delta returns ledger - local
func (d Divergence) Delta() *big.Int {
	l, r := d.Ledger, d.Local
	if l == nil {
		l = new(big.Int)
	}
	if r == nil {
		r = new(big.Int)
	}
	return new(big.Int).Sub(l, r)
}

// Sink receives divergences
type Sink interface {
	Record(ctx context.Context, d Divergence) error
	Close() error
}

// LogSink writes divergences to the structured log
type LogSink struct{}

// NewLogSink creates a log-only sink
func NewLogSink() *LogSink {
	return &LogSink{}
}

func (LogSink) Record(ctx context.Context, d Divergence) error {
	logging.WarnContext(ctx, "ledger and local values diverge",
		logging.Component("audit"),
		logging.Address(d.Address),
		logging.Phase(d.Phase),
		"kind", string(d.Kind),
		logging.Amount("ledger", d.Ledger),
		logging.Amount("local", d.Local),
		logging.Amount("delta", d.Delta()),
		logging.RefreshID(d.RefreshID),
	)
	return nil
}

func (LogSink) Close() error { return nil }

// MultiSink fans a divergence out to several sinks, joining their errors
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, d Divergence) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps divergences in memory, for tests and the CLI's one-shot commands
type MemorySink struct {
	mu      sync.Mutex
	records []Divergence
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Record(_ context.Context, d Divergence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, d)
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Records returns a copy of everything recorded so far
func (m *MemorySink) Records() []Divergence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Divergence(nil), m.records...)
}
