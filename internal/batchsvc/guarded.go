package batchsvc

import (
	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/batch-cli/internal/model"
	"github.com/sells-group/batch-cli/internal/resilience"
)

// Guarded wraps a Service with a request-rate limiter and a circuit
// breaker. An open breaker fails calls immediately with
// resilience.ErrCircuitOpen.
type Guarded struct {
	next    Service
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// NewGuarded returns a guarded Service. A nil limiter or breaker disables
// that guard.
func NewGuarded(next Service, limiter *rate.Limiter, breaker *resilience.Breaker) *Guarded {
	return &Guarded{next: next, limiter: limiter, breaker: breaker}
}

// NewLimiter returns a limiter for rps requests per second, or nil when
// rps is not positive.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (g *Guarded) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "batchsvc: rate limit wait")
	}
	return nil
}

// Submit implements Service.
func (g *Guarded) Submit(ctx context.Context, filePath string) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}
	return resilience.Guard(ctx, g.breaker, func(ctx context.Context) (string, error) {
		return g.next.Submit(ctx, filePath)
	})
}

// Poll implements Service.
func (g *Guarded) Poll(ctx context.Context, jobID string) (model.JobSnapshot, error) {
	if err := g.wait(ctx); err != nil {
		return model.JobSnapshot{}, err
	}
	return resilience.Guard(ctx, g.breaker, func(ctx context.Context) (model.JobSnapshot, error) {
		return g.next.Poll(ctx, jobID)
	})
}

// Cancel implements Service.
func (g *Guarded) Cancel(ctx context.Context, jobID string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Cancel(ctx, jobID)
	})
}

// Download implements Service.
func (g *Guarded) Download(ctx context.Context, jobID, destPath string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Download(ctx, jobID, destPath)
	})
}
