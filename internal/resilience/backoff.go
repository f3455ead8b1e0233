package resilience

import (
	"context"
	"time"
)

// Default backoff bounds for batch submission retries.
const (
	DefaultInitialDelay = 10 * time.Second
	DefaultMaxDelay     = time.Hour
)

// Backoff is a capped exponential delay policy. It holds no state: callers
// carry the previous delay and ask for the next one.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff returns the 10s → 1h doubling policy.
func DefaultBackoff() Backoff {
	return Backoff{Initial: DefaultInitialDelay, Max: DefaultMaxDelay}
}

// First returns the delay before the first retry, capped at Max.
func (b Backoff) First() time.Duration {
	b = b.normalize()
	return min(b.Initial, b.Max)
}

// Next doubles prev and caps the result at Max.
func (b Backoff) Next(prev time.Duration) time.Duration {
	b = b.normalize()
	if prev <= 0 {
		return b.First()
	}
	// prev*2 > Max, written so it cannot overflow.
	if prev > b.Max-prev {
		return b.Max
	}
	return prev * 2
}

// Sequence returns the first n delays of the policy.
func (b Backoff) Sequence(n int) []time.Duration {
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, n)
	d := b.First()
	for i := range out {
		out[i] = d
		d = b.Next(d)
	}
	return out
}

func (b Backoff) normalize() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultInitialDelay
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxDelay
	}
	return b
}

// Sleeper blocks for a duration. Tests substitute a recording implementation.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to the Sleeper interface.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f(ctx, d).
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// TimerSleeper sleeps on a real timer and returns early if ctx is done.
type TimerSleeper struct{}

// Sleep waits for d or until ctx is cancelled.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
