package cost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/model"
)

func newTestLedger(t *testing.T, limit float64) (*Ledger, *MemoryLedgerStore) {
	t.Helper()
	st := NewMemoryLedgerStore()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	lg := NewLedger(st, PeriodMonth, WithLogger(zap.NewNop()), WithClock(func() time.Time { return now }))
	require.NoError(t, lg.Initialize(context.Background(), limit, ""))
	return lg, st
}

func TestPeriodKey(t *testing.T) {
	ts := time.Date(2026, 10, 19, 23, 30, 0, 0, time.FixedZone("X", -5*3600))
	assert.Equal(t, "2026-10", PeriodKey(ts, PeriodMonth))
	assert.Equal(t, "2026-10-20", PeriodKey(ts, PeriodDay))
	assert.Equal(t, "2026-10", PeriodKey(ts, "weird"))
}

func TestLedger_CanProcess(t *testing.T) {
	lg, _ := newTestLedger(t, 10)

	assert.True(t, lg.CanProcess(10))
	assert.True(t, lg.CanProcess(0))
	assert.False(t, lg.CanProcess(10.01))

	require.NoError(t, lg.Record(context.Background(), 4))
	assert.True(t, lg.CanProcess(6))
	assert.False(t, lg.CanProcess(6.5))
}

func TestLedger_CanProcessBeforeInitialize(t *testing.T) {
	lg := NewLedger(NewMemoryLedgerStore(), PeriodDay, WithLogger(zap.NewNop()))
	assert.False(t, lg.CanProcess(0))
}

func TestLedger_OverspentRejectsEverything(t *testing.T) {
	lg, _ := newTestLedger(t, 1)
	require.NoError(t, lg.Record(context.Background(), 2))
	assert.False(t, lg.CanProcess(0))
}

func TestLedger_InitializeIdempotent(t *testing.T) {
	lg, st := newTestLedger(t, 10)
	ctx := context.Background()
	require.NoError(t, lg.Record(ctx, 3))

	require.NoError(t, lg.Initialize(ctx, 10, ""))
	require.NoError(t, lg.Initialize(ctx, 10, ""))
	assert.InDelta(t, 3, lg.State().SpentUSD, 1e-9)
	assert.Len(t, st.periods, 1)
}

func TestLedger_PersistsAcrossInstances(t *testing.T) {
	lg, st := newTestLedger(t, 10)
	ctx := context.Background()
	require.NoError(t, lg.Record(ctx, 7))

	restarted := NewLedger(st, PeriodMonth, WithLogger(zap.NewNop()), WithClock(lg.nowFunc))
	require.NoError(t, restarted.Initialize(ctx, 10, ""))
	assert.False(t, restarted.CanProcess(4))
	assert.True(t, restarted.CanProcess(3))
}

func TestLedger_InitializeRejectsNegative(t *testing.T) {
	lg := NewLedger(NewMemoryLedgerStore(), PeriodDay, WithLogger(zap.NewNop()))
	assert.Error(t, lg.Initialize(context.Background(), -1, ""))
}

func TestLedger_Reserve(t *testing.T) {
	lg, _ := newTestLedger(t, 5)
	ctx := context.Background()

	require.NoError(t, lg.Reserve(ctx, 3))
	err := lg.Reserve(ctx, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBudgetExceeded))
	assert.InDelta(t, 3, lg.State().SpentUSD, 1e-9)

	require.NoError(t, lg.Reserve(ctx, 2))
	assert.InDelta(t, 5, lg.State().SpentUSD, 1e-9)
}

func TestLedger_ReserveNotInitialized(t *testing.T) {
	lg := NewLedger(NewMemoryLedgerStore(), PeriodDay, WithLogger(zap.NewNop()))
	assert.Error(t, lg.Reserve(context.Background(), 1))
}

func TestLedger_ConcurrentReserveNeverOverspends(t *testing.T) {
	lg, _ := newTestLedger(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var admitted int
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lg.Reserve(ctx, 1) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, admitted)
	assert.InDelta(t, 10, lg.State().SpentUSD, 1e-9)
}

func TestLedger_Rollover(t *testing.T) {
	st := NewMemoryLedgerStore()
	now := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)
	lg := NewLedger(st, PeriodMonth, WithLogger(zap.NewNop()), WithClock(func() time.Time { return now }))
	ctx := context.Background()
	require.NoError(t, lg.Initialize(ctx, 10, ""))
	require.NoError(t, lg.Record(ctx, 9))
	assert.False(t, lg.CanProcess(2))

	now = now.Add(2 * time.Hour)
	assert.True(t, lg.CanProcess(2))
	require.NoError(t, lg.Reserve(ctx, 2))
	assert.Equal(t, "2026-02", lg.State().Period)
	assert.InDelta(t, 2, lg.State().SpentUSD, 1e-9)
	assert.InDelta(t, 9, st.periods["2026-01"].SpentUSD, 1e-9)
}

type failingLedgerStore struct{ *MemoryLedgerStore }

func (f *failingLedgerStore) AddSpend(context.Context, string, float64) (*model.LedgerState, error) {
	return nil, errors.New("disk full")
}

func TestLedger_RecordStoreError(t *testing.T) {
	st := &failingLedgerStore{MemoryLedgerStore: NewMemoryLedgerStore()}
	lg := NewLedger(st, PeriodDay, WithLogger(zap.NewNop()))
	require.NoError(t, lg.Initialize(context.Background(), 10, "2026-01-01"))
	err := lg.Record(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record spend")
}
