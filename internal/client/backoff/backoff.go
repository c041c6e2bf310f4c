// Package backoff gates calls to one remote peer behind an exponential delay.
package backoff

import (
	"errors"
	"sync"
	"time"
)

const (
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 5 * time.Minute
	maxShift         = 32
)

// ErrBackoffInEffect is returned by callers that were denied by CanRetry.
var ErrBackoffInEffect = errors.New("backoff: retry not yet allowed")

// Config configures a Calculator.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter, when set, adjusts every computed delay; the result is clamped to [0, MaxDelay].
	Jitter func(delay time.Duration) time.Duration
	Clock  func() time.Time
}

// Calculator tracks consecutive failures for a single remote peer.
// Instances must not be shared between independent peers.
type Calculator struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	jitter    func(time.Duration) time.Duration
	now       func() time.Time

	mu                sync.Mutex
	consecutiveErrors int
	nextAllowedAt     time.Time
}

// New constructs a Calculator with defaults applied.
func New(cfg Config) *Calculator {
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Calculator{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		jitter:    cfg.Jitter,
		now:       clock,
	}
}

// CanRetry reports whether the gate is open. It never blocks.
func (c *Calculator) CanRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.nextAllowedAt)
}

// IncreaseError records a failure and closes the gate for min(max, base*2^errors).
func (c *Calculator) IncreaseError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	delay := c.delayFor(c.consecutiveErrors)
	c.nextAllowedAt = c.now().Add(delay)
	c.consecutiveErrors++
}

// Reset clears the failure count and reopens the gate.
func (c *Calculator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveErrors = 0
	c.nextAllowedAt = time.Time{}
}

// ConsecutiveErrors returns the number of failures since the last Reset.
func (c *Calculator) ConsecutiveErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveErrors
}

// NextAllowedAt returns when the gate reopens; the zero time means it is open.
func (c *Calculator) NextAllowedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextAllowedAt
}

// Wait returns how long until the gate reopens, or zero when it is open.
func (c *Calculator) Wait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.nextAllowedAt.Sub(c.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *Calculator) delayFor(errorCount int) time.Duration {
	shift := errorCount
	if shift > maxShift {
		shift = maxShift
	}
	delay := c.maxDelay
	if c.baseDelay <= c.maxDelay>>shift {
		delay = c.baseDelay << shift
	}
	if c.jitter != nil {
		delay = c.jitter(delay)
		if delay < 0 {
			delay = 0
		}
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
	return delay
}
