package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls Do/DoVal.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// Backoff is the capped exponential delay policy between attempts.
	Backoff Backoff

	// JitterFraction adds ±fraction random jitter to each delay (0 disables).
	JitterFraction float64

	// ShouldRetry decides whether an error is retried. Nil means IsTransient.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the attempt number and error.
	OnRetry func(attempt int, err error)

	// Sleeper waits between attempts. Nil means TimerSleeper.
	Sleeper Sleeper
}

// DefaultRetryConfig returns a short retry configuration suitable for local
// I/O such as persisting deferrals.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		Backoff:        Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second},
		JitterFraction: 0.25,
	}
}

// RetryAll is a ShouldRetry that retries every non-nil error.
func RetryAll(err error) bool { return err != nil }

// Do executes fn until it succeeds, the error is not retryable, attempts are
// exhausted, or ctx is cancelled. It returns the last error.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for functions returning a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	var zero T
	var lastErr error
	delay := cfg.Backoff.First()
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !cfg.ShouldRetry(err) || attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if serr := cfg.Sleeper.Sleep(ctx, jitter(delay, cfg.JitterFraction)); serr != nil {
			break
		}
		delay = cfg.Backoff.Next(delay)
	}
	return zero, lastErr
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = IsTransient
	}
	if cfg.Sleeper == nil {
		cfg.Sleeper = TimerSleeper{}
	}
	return cfg
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * fraction
	out := float64(d) + (rand.Float64()*2-1)*spread
	if out < 0 {
		return 0
	}
	return time.Duration(out)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(log *zap.Logger, operation string) func(int, error) {
	if log == nil {
		log = zap.L()
	}
	return func(attempt int, err error) {
		log.Warn("retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
