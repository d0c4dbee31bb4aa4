package dispatch

import (
	"testing"
	"time"

	"github.com/pitabwire/caseflow/internal/config"
)

func newTestBreaker(failures, successes int, timeout time.Duration, rateThreshold float64, rateWindow time.Duration) *Breaker {
	return NewBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   failures,
		SuccessThreshold:   successes,
		Timeout:            timeout,
		ErrorRateThreshold: rateThreshold,
		ErrorRateWindow:    rateWindow,
	})
}

func TestBreaker_startsClosedPassesThrough(t *testing.T) {
	b := newTestBreaker(3, 2, 100*time.Millisecond, 0, 0)

	if s := b.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want Closed", s)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestBreaker_opensAfterThreshold(t *testing.T) {
	b := newTestBreaker(3, 2, 100*time.Millisecond, 0, 0)

	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want Closed", s)
	}

	b.RecordFailure() // 3rd failure → Open
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want Open", s)
	}
	if err := b.Allow(); err == nil {
		t.Error("Allow() should return error when Open")
	}
}

func TestBreaker_successResetsFailureCount(t *testing.T) {
	b := newTestBreaker(3, 2, 100*time.Millisecond, 0, 0)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	// Only 2 failures since the reset, should still be Closed.
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want Closed after reset", s)
	}
}

func TestBreaker_halfOpenAfterCooldown(t *testing.T) {
	b := newTestBreaker(1, 1, 10*time.Millisecond, 0, 0)

	b.RecordFailure() // Open
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state = %v, want Open", s)
	}

	time.Sleep(20 * time.Millisecond)

	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after cooldown = %v, want HalfOpen", s)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() in HalfOpen should return nil, got %v", err)
	}
}

func TestBreaker_halfOpenToClosedOnSuccesses(t *testing.T) {
	b := newTestBreaker(1, 2, 10*time.Millisecond, 0, 0)

	b.RecordFailure() // Open
	time.Sleep(20 * time.Millisecond)
	b.Allow() // transitions to HalfOpen

	b.RecordSuccess()
	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 success = %v, want HalfOpen", s)
	}

	b.RecordSuccess() // 2nd success → Closed
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 successes = %v, want Closed", s)
	}
}

func TestBreaker_halfOpenReopensOnFailure(t *testing.T) {
	b := newTestBreaker(1, 2, 10*time.Millisecond, 0, 0)

	b.RecordFailure() // Open
	time.Sleep(20 * time.Millisecond)
	b.Allow() // transitions to HalfOpen

	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want Open after HalfOpen failure", s)
	}
}

func TestBreaker_stateString(t *testing.T) {
	if BreakerClosed.String() != "closed" {
		t.Error("Closed string mismatch")
	}
	if BreakerOpen.String() != "open" {
		t.Error("Open string mismatch")
	}
	if BreakerHalfOpen.String() != "half-open" {
		t.Error("HalfOpen string mismatch")
	}
}

func TestBreaker_zeroConfigAppliesDefaults(t *testing.T) {
	b := NewBreaker(config.CircuitBreakerConfig{})

	// Defaults: 5 failures, 2 successes, 30s cooldown.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 4 failures = %v, want Closed (default threshold 5)", s)
	}
	b.RecordFailure() // 5th → Open
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state after 5 failures = %v, want Open", s)
	}
}

// --- Error rate tracking ---

func TestBreaker_errorRateTrips(t *testing.T) {
	// High failure threshold so consecutive failures alone won't trip;
	// rate threshold at 50% with a long window.
	b := newTestBreaker(100, 2, time.Minute, 0.5, time.Minute)

	for i := 0; i < 6; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	// 4/10 = 40% < 50%, still closed.
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state at 40%% error rate = %v, want Closed", s)
	}

	b.RecordFailure() // 5/11 ≈ 45%
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state at ~45%% error rate = %v, want Closed", s)
	}

	b.RecordFailure() // 6/12 = 50% → trips
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state at 50%% error rate = %v, want Open", s)
	}
}

func TestBreaker_errorRateRequiresMinSamples(t *testing.T) {
	b := newTestBreaker(100, 2, time.Minute, 0.1, time.Minute)

	for i := 0; i < 9; i++ {
		b.RecordFailure()
	}
	// 9/9 = 100% but below minRateSamples.
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want Closed (9 samples < min 10)", s)
	}

	b.RecordFailure() // 10/10 → trips
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state at 100%% with 10 samples = %v, want Open", s)
	}
}

func TestBreaker_errorRateDisabledWhenZero(t *testing.T) {
	b := newTestBreaker(100, 2, time.Minute, 0, time.Minute)

	for i := 0; i < 20; i++ {
		b.RecordFailure()
	}
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want Closed (error rate disabled)", s)
	}
}

func TestBreaker_errorRateWindowExpiry(t *testing.T) {
	b := newTestBreaker(100, 2, time.Minute, 0.5, 20*time.Millisecond)

	for i := 0; i < 4; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	time.Sleep(30 * time.Millisecond)

	rate, total := b.ErrorRate()
	if total != 0 {
		t.Errorf("window total after expiry = %d, want 0 (rate=%f)", total, rate)
	}
}

func TestBreaker_errorRate(t *testing.T) {
	b := newTestBreaker(100, 2, time.Minute, 0.5, time.Minute)

	rate, total := b.ErrorRate()
	if rate != 0 || total != 0 {
		t.Errorf("initial ErrorRate() = (%f, %d), want (0, 0)", rate, total)
	}

	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()

	rate, total = b.ErrorRate()
	if total != 3 {
		t.Errorf("ErrorRate() total = %d, want 3", total)
	}
	wantRate := 1.0 / 3.0
	if rate < wantRate-0.01 || rate > wantRate+0.01 {
		t.Errorf("ErrorRate() rate = %f, want ~%f", rate, wantRate)
	}
}

func TestBreaker_windowResetsAfterRecovery(t *testing.T) {
	b := newTestBreaker(3, 1, 10*time.Millisecond, 0.5, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state = %v, want Open", s)
	}

	time.Sleep(20 * time.Millisecond)
	b.Allow()

	b.RecordSuccess()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want Closed", s)
	}

	_, total := b.ErrorRate()
	if total != 0 {
		t.Errorf("window total after recovery = %d, want 0", total)
	}
}
