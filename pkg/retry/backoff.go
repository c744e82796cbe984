package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffStrategy computes the wait before the given attempt
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
	Reset()
}

// ExponentialBackoff grows the delay by Multiplier per attempt up to MaxDelay
type ExponentialBackoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// NextDelay returns BaseDelay * Multiplier^(attempt-1), capped and jittered
func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(attempt-1))
	if eb.MaxDelay > 0 && delay > float64(eb.MaxDelay) {
		delay = float64(eb.MaxDelay)
	}
	return spread(delay, eb.JitterFactor)
}

func (eb *ExponentialBackoff) Reset() {}

// LinearBackoff adds Increment per attempt on top of BaseDelay
type LinearBackoff struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Increment    time.Duration
	JitterFactor float64
}

// NextDelay returns BaseDelay + Increment*(attempt-1), capped and jittered
func (lb *LinearBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := float64(lb.BaseDelay + lb.Increment*time.Duration(attempt-1))
	if lb.MaxDelay > 0 && delay > float64(lb.MaxDelay) {
		delay = float64(lb.MaxDelay)
	}
	return spread(delay, lb.JitterFactor)
}

func (lb *LinearBackoff) Reset() {}

// spread moves delay by up to ±factor of itself
func spread(delay, factor float64) time.Duration {
	if factor > 0 {
		j := delay * factor
		delay += rand.Float64()*2*j - j
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// uniform returns a random duration in [lo, hi)
func uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

// Wait waits for the specified duration or until context is cancelled
func Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sleeper blocks for d or until ctx is done. Tests substitute a recorder.
type Sleeper func(ctx context.Context, d time.Duration) error
