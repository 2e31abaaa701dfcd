package core

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls the delay between retry attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

// RetryPolicy bounds re-invocation of a stage on transient failures.
// MaxAttempts counts the first attempt; zero or one means no retries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffConfig
}

// UncappedBackoffLimit bounds the delay of a backoff with no MaxDelay.
const UncappedBackoffLimit = time.Hour

// DefaultPublishRetry is applied to publish stages that declare no policy.
var DefaultPublishRetry = RetryPolicy{
	MaxAttempts: 3,
	Backoff: BackoffConfig{
		InitialDelay: time.Second,
		Factor:       2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	},
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// DelayForAttempt calculates the delay after a failed attempt (1-indexed).
func (bc BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	if bc.InitialDelay == 0 {
		return 0
	}
	factor := bc.Factor
	if factor <= 0 {
		factor = 1
	}
	ceiling := bc.MaxDelay
	if ceiling <= 0 {
		ceiling = UncappedBackoffLimit
	}
	delay := float64(bc.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if delay > float64(ceiling) {
		delay = float64(ceiling)
	}
	if bc.Jitter {
		// jitter: delay * uniform(0.5, 1.5)
		delay = delay * (0.5 + rand.Float64())
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Sleeper waits between retry attempts, allowing tests to skip real delays.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DefaultSleeper is the production sleeper.
var DefaultSleeper Sleeper = realSleeper{}
