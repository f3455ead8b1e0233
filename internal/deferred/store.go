// Package deferred persists sub-batches that exhausted their submission
// retries so a later pass can reprocess them.
package deferred

import (
	"context"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/batch-cli/internal/model"
	"github.com/sells-group/batch-cli/internal/resilience"
)

// ErrPersist is returned when a deferral could not be written durably.
var ErrPersist = eris.New("deferred: persist failed")

// Store durably records the items of a deferred sub-batch under a label.
// Writes for the same label never replace an earlier unconsumed deferral.
type Store interface {
	Persist(ctx context.Context, label string, items []model.WorkItem) error
}

// Lister is implemented by stores that can enumerate pending deferrals.
// An empty label lists every deferral.
type Lister interface {
	List(ctx context.Context, label string) ([]model.DeferredRecord, error)
}

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeLabel maps a label onto a string usable as a file name or routing key.
func SafeLabel(label string) string {
	s := unsafeLabel.ReplaceAllString(label, "-")
	if s == "" {
		return "unlabeled"
	}
	return s
}

type causeKey struct{}

type cause struct {
	attempts int
	err      error
}

// WithCause attaches the attempt count and last error of a failed
// submission to ctx so stores can record why the batch was deferred.
func WithCause(ctx context.Context, attempts int, err error) context.Context {
	return context.WithValue(ctx, causeKey{}, cause{attempts: attempts, err: err})
}

// NewRecord builds a record with a fresh time-ordered id, filling the
// failure details from ctx when present.
func NewRecord(ctx context.Context, label string, items []model.WorkItem) model.DeferredRecord {
	now := time.Now().UTC()
	rec := model.DeferredRecord{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Label:     label,
		Items:     append([]model.WorkItem(nil), items...),
		CreatedAt: now,
	}
	if c, ok := ctx.Value(causeKey{}).(cause); ok {
		rec.Attempts = c.attempts
		if c.err != nil {
			rec.Error = c.err.Error()
			rec.ErrorType = resilience.ClassifyError(c.err)
		}
	}
	return rec
}
