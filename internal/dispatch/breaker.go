package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/internal/config"
)

// BreakerState is the current state of an endpoint circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows deliveries through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects deliveries immediately.
	BreakerOpen
	// BreakerHalfOpen allows probe deliveries through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var errBreakerOpen = errors.New("circuit breaker is open")

// minRateSamples is the minimum number of deliveries in a window before the
// error rate threshold is evaluated, so a single failure out of one delivery
// does not trip the breaker.
const minRateSamples = 10

// Breaker guards one worker endpoint with the circuit breaker pattern:
// Closed → Open on consecutive failures or error rate, HalfOpen probe after
// the cooldown. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	cfg       config.CircuitBreakerConfig
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	// Error rate tracking (tumbling window).
	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewBreaker creates a breaker from config, applying defaults for unset
// fields. A zero ErrorRateThreshold or ErrorRateWindow disables rate-based
// tripping.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Breaker{
		cfg:         cfg,
		state:       BreakerClosed,
		windowStart: time.Now(),
	}
}

// Allow reports whether a delivery may proceed. Returns an error while the
// breaker is open; an open breaker past its cooldown moves to half-open and
// admits a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.openedAt) <= b.cfg.Timeout {
			return errBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return nil
}

// RecordSuccess records an acknowledged delivery.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.recordWindowCall(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			b.resetWindow()
		}
	}
}

// RecordFailure records a failed delivery.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.recordWindowCall(true)
		if b.failures >= b.cfg.FailureThreshold || b.rateExceeded() {
			b.state = BreakerOpen
			b.openedAt = time.Now()
			b.resetWindow()
		}
	case BreakerHalfOpen:
		// A failed probe reopens immediately.
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.successes = 0
	}
}

// State returns the current breaker state, applying the open → half-open
// cooldown transition if it is due.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.openedAt) > b.cfg.Timeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state
}

// ErrorRate returns the failure rate and total deliveries in the current
// window.
func (b *Breaker) ErrorRate() (rate float64, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetWindow()
	if b.windowTotal == 0 {
		return 0, 0
	}
	return float64(b.windowFailures) / float64(b.windowTotal), b.windowTotal
}

// recordWindowCall tracks one delivery in the tumbling window. Lock held.
func (b *Breaker) recordWindowCall(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	b.maybeResetWindow()
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

// maybeResetWindow starts a fresh window once the current one expires. Lock held.
func (b *Breaker) maybeResetWindow() {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if time.Since(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
}

// resetWindow clears the window counters. Lock held.
func (b *Breaker) resetWindow() {
	b.windowStart = time.Now()
	b.windowTotal = 0
	b.windowFailures = 0
}

// rateExceeded reports whether the windowed error rate crossed the
// threshold. Needs at least minRateSamples deliveries. Lock held.
func (b *Breaker) rateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minRateSamples {
		return false
	}
	rate := float64(b.windowFailures) / float64(b.windowTotal)
	return rate >= b.cfg.ErrorRateThreshold
}
