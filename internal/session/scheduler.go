package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/veggaen/phasestake/internal/logging"
	"github.com/veggaen/phasestake/internal/util"
)

const defaultRefreshInterval = 15 * time.Second

// ResultFunc receives every refresh outcome except skipped and transient ones
type ResultFunc func(res *Result, err error)

// Scheduler runs one refresh loop for a session
type Scheduler struct {
	session  *Session
	onResult ResultFunc

	mu       sync.Mutex
	interval time.Duration
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	resetCh  chan time.Duration
}

// NewScheduler creates a stopped scheduler. onResult may be nil.
func NewScheduler(s *Session, interval time.Duration, onResult ResultFunc) *Scheduler {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &Scheduler{
		session:  s,
		onResult: onResult,
		interval: interval,
		resetCh:  make(chan time.Duration, 1),
	}
}

// Start refreshes immediately and then every interval until Stop or ctx ends.
// Starting a running scheduler does nothing.
func (sc *Scheduler) Start(ctx context.Context) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	sc.cancel = cancel
	sc.done = make(chan struct{})
	sc.running = true

	interval, done := sc.interval, sc.done
	util.SafeGoWithName("session-refresh", func() {
		defer close(done)
		sc.loop(ctx, interval)
	})

	logging.Info("refresh scheduler started",
		logging.Component("session"),
		logging.Address(sc.session.Address()),
		"interval", interval.String())
}

// Stop ends the loop and waits for an in-progress refresh to return
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	if !sc.running {
		sc.mu.Unlock()
		return
	}
	sc.running = false
	cancel, done := sc.cancel, sc.done
	sc.mu.Unlock()

	cancel()
	<-done
	logging.Info("refresh scheduler stopped", logging.Component("session"))
}

// Running reports whether the loop is active
func (sc *Scheduler) Running() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.running
}

// Interval returns the current refresh interval
func (sc *Scheduler) Interval() time.Duration {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.interval
}

// SetInterval changes the refresh interval, taking effect after the next tick
func (sc *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.interval == d {
		return
	}
	sc.interval = d

	// Keep only the latest pending change
	select {
	case <-sc.resetCh:
	default:
	}
	sc.resetCh <- d

	logging.Info("refresh interval changed",
		logging.Component("session"),
		"interval", d.String())
}

func (sc *Scheduler) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sc.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-sc.resetCh:
			ticker.Reset(d)
		case <-ticker.C:
			sc.tick(ctx)
		}
	}
}

func (sc *Scheduler) tick(ctx context.Context) {
	res, err := sc.session.Refresh(ctx)
	if errors.Is(err, ErrRefreshInFlight) {
		return
	}
	if err != nil && ctx.Err() != nil {
		return
	}
	if errors.Is(err, ErrTransient) {
		return
	}
	if sc.onResult != nil {
		sc.onResult(res, err)
	}
}
