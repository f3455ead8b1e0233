package deferred

import (
	"context"
	"sync"

	"github.com/sells-group/batch-cli/internal/model"
)

// MemoryStore keeps deferrals in memory. Used in tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	records []model.DeferredRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Persist implements Store.
func (m *MemoryStore) Persist(ctx context.Context, label string, items []model.WorkItem) error {
	rec := NewRecord(ctx, label, items)
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

// List implements Lister.
func (m *MemoryStore) List(_ context.Context, label string) ([]model.DeferredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DeferredRecord
	for _, r := range m.records {
		if label == "" || r.Label == label {
			out = append(out, r)
		}
	}
	return out, nil
}

// Len returns the number of stored deferrals.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
