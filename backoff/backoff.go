// Package backoff provides retry policies for failing run tasks.
// A Policy bounds how many times a task callback is retried and a Strategy
// decides how long the run sleeps between attempts. Sleeping is done by
// suspending the run, never by blocking a worker.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration
}

// StrategyFunc adapts a plain function to Strategy.
type StrategyFunc func(attempt int) time.Duration

// Delay calls f(attempt).
func (f StrategyFunc) Delay(attempt int) time.Duration { return f(attempt) }

// Constant always returns the same delay.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return capped(e.Initial, e.Max, attempt)
}

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := capped(e.Initial, e.Max, attempt)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

func capped(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// DefaultStrategy returns ExponentialWithJitter with 1s initial and 1m max.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}

// ──────────────────────────────────────────────────
// Policy
// ──────────────────────────────────────────────────

// Policy is the retry policy applied to a failing task callback.
// MaxRetries is the number of retries after the first failure, so a task
// runs at most MaxRetries+1 times.
type Policy struct {
	MaxRetries int
	Strategy   Strategy
}

// DefaultPolicy retries three times using DefaultStrategy.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, Strategy: DefaultStrategy()}
}

// Retry reports whether failure number `failures` (1-indexed) should be
// retried and, if so, after what delay.
func (p Policy) Retry(failures int) (time.Duration, bool) {
	if failures > p.MaxRetries {
		return 0, false
	}
	if p.Strategy == nil {
		return DefaultStrategy().Delay(failures), true
	}
	return p.Strategy.Delay(failures), true
}

// IsZero reports whether the policy is unset.
func (p Policy) IsZero() bool { return p.MaxRetries == 0 && p.Strategy == nil }
