// Package resilience provides the circuit breaker and jittered retry wrappers
// applied to every outbound HTTP call.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BreakerState enumerates circuit breaker states.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// OpenError is the distinguished fast-fail returned while the breaker rejects
// calls. RemainingCooldown lets callers tell "service is down" apart from
// "this specific call failed".
type OpenError struct {
	RemainingCooldown time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open, retry in %s", e.RemainingCooldown)
}

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// FailureThreshold failures within Window trip the breaker.
	FailureThreshold int
	Window           time.Duration
	// Cooldown is how long the breaker rejects calls before allowing trials.
	Cooldown time.Duration
	// HalfOpenMaxInFlight bounds concurrent trial calls after cooldown.
	HalfOpenMaxInFlight int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HalfOpenMaxInFlight <= 0 {
		c.HalfOpenMaxInFlight = 1
	}
	return c
}

// Breaker wraps fallible operations with circuit-breaking. Failures are
// counted within a sliding window; reaching the threshold opens the circuit
// for the cooldown, after which bounded trial calls decide whether to close
// it again.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu               sync.Mutex
	state            BreakerState
	failures         []time.Time
	openedAt         time.Time
	halfOpenInFlight int
}

// NewBreaker constructs a Breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:   cfg.withDefaults(),
		now:   func() time.Time { return time.Now().UTC() },
		state: BreakerClosed,
	}
}

// State reports the current state, advancing open → half-open when the
// cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

// Do runs op under the breaker. While open it fails fast with *OpenError
// without invoking op.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := op(ctx)
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceLocked()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxInFlight {
			return &OpenError{RemainingCooldown: 0}
		}
		b.halfOpenInFlight++
		return nil
	default:
		remaining := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		if remaining < 0 {
			remaining = 0
		}
		return &OpenError{RemainingCooldown: remaining}
	}
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}

	if err == nil {
		if b.state == BreakerHalfOpen {
			b.state = BreakerClosed
		}
		b.failures = b.failures[:0]
		return
	}

	now := b.now()
	switch b.state {
	case BreakerHalfOpen:
		// Trial failed: re-open with a fresh cooldown.
		b.state = BreakerOpen
		b.openedAt = now
		b.failures = b.failures[:0]
	case BreakerClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = now
			b.failures = b.failures[:0]
		}
	}
}

// advanceLocked moves open → half-open once the cooldown has elapsed.
func (b *Breaker) advanceLocked() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = BreakerHalfOpen
		b.halfOpenInFlight = 0
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}
