package session

import (
	"errors"
	"fmt"

	"github.com/veggaen/phasestake/internal/ledger"
)

var (
	// ErrRefreshInFlight is returned when a refresh starts while another is outstanding
	ErrRefreshInFlight = errors.New("refresh already in flight")
	// ErrDegraded is attached to a result once a read has failed FailureThreshold
	// consecutive cycles
	ErrDegraded = errors.New("ledger reads degraded")
	// ErrNoSigner is returned by submissions on a read-only session
	ErrNoSigner = errors.New("no transaction signer configured")
	// ErrNotReady is returned when no block or time has ever been observed
	ErrNotReady = errors.New("session has no chain observation yet")
	// ErrTransient wraps a failed cycle whose reads have not yet failed
	// FailureThreshold consecutive times
	ErrTransient = errors.New("transient ledger failure")
)

func rejected(action string, err error) error {
	return fmt.Errorf("%w: %s: %w", ledger.ErrSubmissionRejected, action, err)
}
