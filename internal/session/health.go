package session

import (
	"sort"
	"sync"
	"time"
)

const defaultFailureThreshold = 3

// readHealth is the failure history of one ledger call
type readHealth struct {
	Call            string
	ConsecutiveErrs int
	LastSuccess     time.Time
	LastError       time.Time
	Degraded        bool
}

// HealthTracker counts consecutive failures per ledger call. A call becomes
// degraded after threshold failures in a row and recovers on its next success.
type HealthTracker struct {
	mu        sync.RWMutex
	calls     map[string]*readHealth
	threshold int
}

// NewHealthTracker creates a tracker. threshold <= 0 uses the default of 3.
func NewHealthTracker(threshold int) *HealthTracker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	return &HealthTracker{
		calls:     make(map[string]*readHealth),
		threshold: threshold,
	}
}

// SetThreshold changes the escalation threshold
func (ht *HealthTracker) SetThreshold(threshold int) {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.threshold = threshold
	for _, h := range ht.calls {
		h.Degraded = h.ConsecutiveErrs >= threshold
	}
}

// RecordSuccess resets the failure count of call
func (ht *HealthTracker) RecordSuccess(call string) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	h := ht.get(call)
	h.ConsecutiveErrs = 0
	h.LastSuccess = time.Now()
	h.Degraded = false
}

// RecordError counts a failure of call and reports whether it just became degraded
func (ht *HealthTracker) RecordError(call string) (escalated bool) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	h := ht.get(call)
	h.ConsecutiveErrs++
	h.LastError = time.Now()

	if h.ConsecutiveErrs >= ht.threshold && !h.Degraded {
		h.Degraded = true
		return true
	}
	return false
}

// Degraded returns the degraded calls in name order
func (ht *HealthTracker) Degraded() []string {
	ht.mu.RLock()
	defer ht.mu.RUnlock()

	var out []string
	for _, h := range ht.calls {
		if h.Degraded {
			out = append(out, h.Call)
		}
	}
	sort.Strings(out)
	return out
}

// ConsecutiveErrors returns the current failure streak of call
func (ht *HealthTracker) ConsecutiveErrors(call string) int {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	if h, ok := ht.calls[call]; ok {
		return h.ConsecutiveErrs
	}
	return 0
}

// Reset forgets every call
func (ht *HealthTracker) Reset() {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	ht.calls = make(map[string]*readHealth)
}

// get returns the entry for call, creating it (must hold lock)
func (ht *HealthTracker) get(call string) *readHealth {
	h, ok := ht.calls[call]
	if !ok {
		h = &readHealth{Call: call}
		ht.calls[call] = h
	}
	return h
}
