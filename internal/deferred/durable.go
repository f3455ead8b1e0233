package deferred

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/model"
	"github.com/sells-group/batch-cli/internal/resilience"
)

// DefaultPersistAttempts is the number of tries made against the primary store.
const DefaultPersistAttempts = 5

// Durable retries writes to a primary store and falls back to secondary
// stores in order. When every store fails the items are logged at error
// level and ErrPersist is returned.
type Durable struct {
	primary   Store
	fallbacks []Store
	retry     resilience.RetryConfig
	log       *zap.Logger
}

// DurableOption configures a Durable store.
type DurableOption func(*Durable)

// WithFallback appends a secondary store tried after the primary gives up.
func WithFallback(s Store) DurableOption {
	return func(d *Durable) {
		if s != nil {
			d.fallbacks = append(d.fallbacks, s)
		}
	}
}

// WithRetry overrides the retry policy used for the primary store.
func WithRetry(cfg resilience.RetryConfig) DurableOption {
	return func(d *Durable) { d.retry = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) DurableOption {
	return func(d *Durable) { d.log = l }
}

// NewDurable wraps primary.
func NewDurable(primary Store, opts ...DurableOption) *Durable {
	d := &Durable{
		primary: primary,
		retry: resilience.RetryConfig{
			MaxAttempts:    DefaultPersistAttempts,
			Backoff:        resilience.Backoff{Initial: 200 * time.Millisecond, Max: 5 * time.Second},
			JitterFraction: 0.2,
			ShouldRetry:    resilience.RetryAll,
		},
		log: zap.L(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.retry.OnRetry == nil {
		d.retry.OnRetry = resilience.RetryLogger(d.log, "deferred.persist")
	}
	return d
}

// Persist implements Store. Cancellation of ctx does not abort the write.
func (d *Durable) Persist(ctx context.Context, label string, items []model.WorkItem) error {
	ctx = context.WithoutCancel(ctx)

	err := resilience.Do(ctx, d.retry, func(ctx context.Context) error {
		return d.primary.Persist(ctx, label, items)
	})
	if err == nil {
		return nil
	}
	d.log.Error("deferred: primary store failed",
		zap.String("label", label),
		zap.Error(err),
	)

	for i, fb := range d.fallbacks {
		ferr := fb.Persist(ctx, label, items)
		if ferr == nil {
			d.log.Warn("deferred: saved to fallback store",
				zap.String("label", label),
				zap.Int("fallback", i),
			)
			return nil
		}
		d.log.Error("deferred: fallback store failed",
			zap.String("label", label),
			zap.Int("fallback", i),
			zap.Error(ferr),
		)
	}

	// Last resort: the items survive in the log stream.
	raw, _ := json.Marshal(items)
	d.log.Error("deferred: items not persisted",
		zap.String("label", label),
		zap.Int("items", len(items)),
		zap.ByteString("items_json", raw),
	)
	return eris.Wrapf(ErrPersist, "label %s: %v", label, err)
}

// List delegates to the primary store when it can list.
func (d *Durable) List(ctx context.Context, label string) ([]model.DeferredRecord, error) {
	l, ok := d.primary.(Lister)
	if !ok {
		return nil, eris.New("deferred: primary store cannot list")
	}
	return l.List(ctx, label)
}
