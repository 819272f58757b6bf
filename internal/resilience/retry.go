package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// JitterStrategy selects how retry delays are randomised to avoid
// thundering-herd retries.
type JitterStrategy string

const (
	JitterNone         JitterStrategy = "none"
	JitterFull         JitterStrategy = "full"
	JitterEqual        JitterStrategy = "equal"
	JitterDecorrelated JitterStrategy = "decorrelated"
)

// HTTPStatusError carries a non-2xx status across the client/resilience
// boundary so the retry predicate can classify it.
type HTTPStatusError struct {
	Code   int
	Detail string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Detail)
}

// RetryConfig tunes the retry wrapper. MaxRetries counts additional attempts
// beyond the first call.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      JitterStrategy
	ShouldRetry func(error) bool
	// rand and sleep are injectable for tests.
	rand  *rand.Rand
	sleep func(context.Context, time.Duration) error
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Jitter == "" {
		c.Jitter = JitterFull
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = DefaultShouldRetry
	}
	if c.rand == nil {
		c.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c
}

// DefaultShouldRetry treats network-level failures, 5xx, and 429 as
// retryable; other HTTP statuses (the 4xx family) and context cancellation
// are not.
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == 429
	}
	// Anything else is assumed to be a transport-level failure.
	return true
}

// Retry runs op, retrying up to cfg.MaxRetries additional times with
// exponentially increasing, jittered delays.
func Retry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	cfg = cfg.withDefaults()

	var err error
	prev := cfg.BaseDelay
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= cfg.MaxRetries || !cfg.ShouldRetry(err) {
			return err
		}

		var delay time.Duration
		delay, prev = cfg.nextDelay(attempt, prev)
		if sleepErr := cfg.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

// nextDelay computes the delay before attempt+1. prev carries state for the
// decorrelated strategy.
func (c RetryConfig) nextDelay(attempt int, prev time.Duration) (time.Duration, time.Duration) {
	base := c.BaseDelay << uint(attempt)
	if base <= 0 || base > c.MaxDelay {
		base = c.MaxDelay
	}

	switch c.Jitter {
	case JitterNone:
		return base, base
	case JitterEqual:
		half := base / 2
		return half + time.Duration(c.rand.Int63n(int64(half)+1)), base
	case JitterDecorrelated:
		// Between BaseDelay and 3x the previous delay, capped.
		span := int64(prev)*3 - int64(c.BaseDelay)
		if span <= 0 {
			span = int64(c.BaseDelay)
		}
		next := c.BaseDelay + time.Duration(c.rand.Int63n(span+1))
		if next > c.MaxDelay {
			next = c.MaxDelay
		}
		return next, next
	default: // JitterFull
		return time.Duration(c.rand.Int63n(int64(base) + 1)), base
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
