package cost

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/batch-cli/internal/model"
)

// MemoryLedgerStore is a process-local LedgerStore.
type MemoryLedgerStore struct {
	mu      sync.Mutex
	periods map[string]*model.LedgerState
}

// NewMemoryLedgerStore returns an empty in-memory ledger store.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{periods: make(map[string]*model.LedgerState)}
}

func (m *MemoryLedgerStore) get(period string) *model.LedgerState {
	st, ok := m.periods[period]
	if !ok {
		st = &model.LedgerState{Period: period}
		m.periods[period] = st
	}
	return st
}

// InitLedger implements LedgerStore.
func (m *MemoryLedgerStore) InitLedger(_ context.Context, period string, limitUSD float64) (*model.LedgerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(period)
	st.LimitUSD = limitUSD
	st.UpdatedAt = time.Now().UTC()
	out := *st
	return &out, nil
}

// AddSpend implements LedgerStore.
func (m *MemoryLedgerStore) AddSpend(_ context.Context, period string, amount float64) (*model.LedgerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(period)
	st.SpentUSD += amount
	st.UpdatedAt = time.Now().UTC()
	out := *st
	return &out, nil
}

// ReserveSpend implements LedgerStore.
func (m *MemoryLedgerStore) ReserveSpend(_ context.Context, period string, amount float64) (*model.LedgerState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.get(period)
	if st.SpentUSD+amount > st.LimitUSD {
		out := *st
		return &out, false, nil
	}
	st.SpentUSD += amount
	st.UpdatedAt = time.Now().UTC()
	out := *st
	return &out, true, nil
}
