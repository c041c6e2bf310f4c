package backoff

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(delta time.Duration) {
	c.now = c.now.Add(delta)
}

func newCalculator(clock *fakeClock) *Calculator {
	return New(Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Clock: clock.Now})
}

func TestIncreaseErrorDoublesDelayUpToCeiling(testContext *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	calculator := newCalculator(clock)

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for attempt, delay := range expected {
		calculator.IncreaseError()
		if got := calculator.NextAllowedAt().Sub(clock.Now()); got != delay {
			testContext.Fatalf("attempt %d: expected delay %s, got %s", attempt, delay, got)
		}
	}
	if calculator.ConsecutiveErrors() != len(expected) {
		testContext.Fatalf("expected %d consecutive errors, got %d", len(expected), calculator.ConsecutiveErrors())
	}
}

func TestCanRetryOpensAtNextAllowedAt(testContext *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	calculator := newCalculator(clock)

	if !calculator.CanRetry() {
		testContext.Fatalf("expected a fresh calculator to allow calls")
	}
	calculator.IncreaseError()
	calculator.IncreaseError()
	if calculator.CanRetry() {
		testContext.Fatalf("expected the gate to be closed")
	}
	if calculator.Wait() != 2*time.Second {
		testContext.Fatalf("expected a 2s wait, got %s", calculator.Wait())
	}

	clock.Advance(2*time.Second - time.Millisecond)
	if calculator.CanRetry() {
		testContext.Fatalf("expected the gate to stay closed before the deadline")
	}
	clock.Advance(time.Millisecond)
	if !calculator.CanRetry() {
		testContext.Fatalf("expected the gate to open at the deadline")
	}
}

func TestResetClearsState(testContext *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	calculator := newCalculator(clock)

	calculator.IncreaseError()
	calculator.IncreaseError()
	calculator.Reset()

	if !calculator.CanRetry() || calculator.ConsecutiveErrors() != 0 || !calculator.NextAllowedAt().IsZero() {
		testContext.Fatalf("expected reset calculator to be open and clean")
	}
	calculator.IncreaseError()
	if got := calculator.Wait(); got != time.Second {
		testContext.Fatalf("expected delay to restart at base, got %s", got)
	}
}

func TestJitterIsClampedToCeiling(testContext *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	calculator := New(Config{
		BaseDelay: time.Second,
		MaxDelay:  3 * time.Second,
		Clock:     clock.Now,
		Jitter:    func(delay time.Duration) time.Duration { return delay * 10 },
	})

	calculator.IncreaseError()
	if got := calculator.Wait(); got != 3*time.Second {
		testContext.Fatalf("expected jittered delay clamped to 3s, got %s", got)
	}
}

func TestLargeBaseDelaySaturatesInsteadOfWrapping(testContext *testing.T) {
	base := time.Duration(1<<34 + 1)
	calculator := New(Config{BaseDelay: base, MaxDelay: time.Hour})

	for _, errorCount := range []int{20, 30, 31, 40} {
		if got := calculator.delayFor(errorCount); got != time.Hour {
			testContext.Fatalf("error count %d: expected the ceiling, got %s", errorCount, got)
		}
	}
	if got := calculator.delayFor(0); got != base {
		testContext.Fatalf("expected the base delay for the first error, got %s", got)
	}
}
