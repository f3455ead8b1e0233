package deferred

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/batch-cli/internal/model"
)

// Repository is the persistence surface RecordStore writes through.
// store.Store satisfies it.
type Repository interface {
	SaveDeferral(ctx context.Context, rec model.DeferredRecord) error
	ListDeferrals(ctx context.Context, label string) ([]model.DeferredRecord, error)
}

// RecordStore persists deferrals as rows in a database.
type RecordStore struct {
	repo Repository
}

// NewRecordStore creates a RecordStore.
func NewRecordStore(repo Repository) *RecordStore {
	return &RecordStore{repo: repo}
}

// Persist implements Store. Each call inserts a new row keyed by a fresh id.
func (s *RecordStore) Persist(ctx context.Context, label string, items []model.WorkItem) error {
	rec := NewRecord(ctx, label, items)
	if err := s.repo.SaveDeferral(ctx, rec); err != nil {
		return eris.Wrapf(err, "deferred: save %s", label)
	}
	return nil
}

// List implements Lister.
func (s *RecordStore) List(ctx context.Context, label string) ([]model.DeferredRecord, error) {
	recs, err := s.repo.ListDeferrals(ctx, label)
	if err != nil {
		return nil, eris.Wrap(err, "deferred: list")
	}
	return recs, nil
}
