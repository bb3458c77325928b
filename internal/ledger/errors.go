package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrReadFailure marks a single failed ledger read; other reads are unaffected
	ErrReadFailure = errors.New("ledger read failed")
	// ErrScheduleMismatch means the constants read do not belong to the configured
	// deployment (wrong chain, wrong phase count, inconsistent table)
	ErrScheduleMismatch = errors.New("schedule constants mismatch")
	// ErrNoContractPresent means there is no code at the configured address
	ErrNoContractPresent = errors.New("no contract code at address")
	// ErrSubmissionRejected wraps any failure to get a transaction accepted
	ErrSubmissionRejected = errors.New("submission rejected")
	// ErrReceiptLookup marks a failed receipt query (not a missing receipt)
	ErrReceiptLookup = errors.New("receipt lookup failed")
	// ErrNotConnected is returned before Connect succeeds
	ErrNotConnected = errors.New("ledger client not connected")
	// ErrNotRequested fills PhaseRead.Eligible when the query did not ask for it
	ErrNotRequested = errors.New("not requested")
)

// ReadError is a failed read of one contract call
type ReadError struct {
	Call  string
	Phase *uint64 // set for per-phase calls
	Err   error
}

func (e *ReadError) Error() string {
	if e.Phase != nil {
		return fmt.Sprintf("%s(%d): %v", e.Call, *e.Phase, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Call, e.Err)
}

func (e *ReadError) Unwrap() []error {
	return []error{ErrReadFailure, e.Err}
}

func readErr(call string, err error) error {
	if err == nil {
		return nil
	}
	return &ReadError{Call: call, Err: err}
}

func phaseReadErr(call string, phase uint64, err error) error {
	if err == nil {
		return nil
	}
	p := phase
	return &ReadError{Call: call, Phase: &p, Err: err}
}

// CallName returns the call of a ReadError anywhere in err's chain, or ""
func CallName(err error) string {
	var re *ReadError
	if errors.As(err, &re) {
		return re.Call
	}
	return ""
}

// IsFatal reports whether err must abort a refresh cycle instead of being
// isolated to a single read
func IsFatal(err error) bool {
	return errors.Is(err, ErrScheduleMismatch) || errors.Is(err, ErrNoContractPresent)
}

func rejected(action string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSubmissionRejected, action, err)
}
