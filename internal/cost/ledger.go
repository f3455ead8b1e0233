package cost

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/batch-cli/internal/model"
)

// ErrBudgetExceeded is returned when a reservation does not fit the remaining budget.
var ErrBudgetExceeded = eris.New("cost: budget exceeded")

// Period granularities for ledger scoping.
const (
	PeriodDay   = "day"
	PeriodMonth = "month"
)

// PeriodKey returns the ledger key for t at the given granularity (UTC).
// Unknown granularities fall back to monthly keys.
func PeriodKey(t time.Time, granularity string) string {
	t = t.UTC()
	if granularity == PeriodDay {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01")
}

// LedgerStore persists ledger state per period.
type LedgerStore interface {
	// InitLedger creates the period row if absent and sets its limit. Spend
	// already recorded for the period is kept.
	InitLedger(ctx context.Context, period string, limitUSD float64) (*model.LedgerState, error)
	// AddSpend unconditionally adds amount to the period's spend.
	AddSpend(ctx context.Context, period string, amount float64) (*model.LedgerState, error)
	// ReserveSpend adds amount only if spent+amount <= limit, atomically.
	// It reports whether the reservation was applied.
	ReserveSpend(ctx context.Context, period string, amount float64) (*model.LedgerState, bool, error)
}

// Ledger is the admission gate for batch submissions. Check and commit are
// serialized by a mutex in-process and by a conditional update in the store.
type Ledger struct {
	store       LedgerStore
	granularity string
	log         *zap.Logger
	nowFunc     func() time.Time

	mu    sync.Mutex
	state model.LedgerState
	ready bool
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLogger sets the ledger's logger.
func WithLogger(l *zap.Logger) LedgerOption {
	return func(lg *Ledger) { lg.log = l }
}

// WithClock overrides the clock used to derive period keys.
func WithClock(now func() time.Time) LedgerOption {
	return func(lg *Ledger) { lg.nowFunc = now }
}

// NewLedger creates a ledger backed by store, scoped by granularity (day or month).
func NewLedger(store LedgerStore, granularity string, opts ...LedgerOption) *Ledger {
	lg := &Ledger{
		store:       store,
		granularity: granularity,
		log:         zap.L(),
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(lg)
	}
	return lg
}

// CurrentPeriod returns the period key for the ledger's clock.
func (l *Ledger) CurrentPeriod() string {
	return PeriodKey(l.nowFunc(), l.granularity)
}

// Initialize loads or creates the ledger for periodKey with the given limit.
// An empty periodKey uses CurrentPeriod. Repeated calls within a period are
// idempotent.
func (l *Ledger) Initialize(ctx context.Context, limitUSD float64, periodKey string) error {
	if limitUSD < 0 {
		return eris.Errorf("cost: negative budget limit %.4f", limitUSD)
	}
	if periodKey == "" {
		periodKey = l.CurrentPeriod()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.store.InitLedger(ctx, periodKey, limitUSD)
	if err != nil {
		return eris.Wrapf(err, "cost: initialize ledger %s", periodKey)
	}
	l.state = *st
	l.ready = true

	l.log.Info("cost ledger initialized",
		zap.String("period", st.Period),
		zap.Float64("limit_usd", st.LimitUSD),
		zap.Float64("spent_usd", st.SpentUSD),
	)
	return nil
}

// State returns a snapshot of the cached ledger state.
func (l *Ledger) State() model.LedgerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CanProcess reports whether estimate <= limit - spent. It does not commit
// anything and is false until the ledger is initialized.
func (l *Ledger) CanProcess(estimate float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.remainingLocked()
	ok := l.ready && estimate <= remaining
	if !ok {
		l.log.Warn("budget limit reached",
			zap.Float64("estimate_usd", estimate),
			zap.Float64("remaining_usd", remaining),
			zap.Bool("initialized", l.ready),
		)
	}
	return ok
}

// Record commits spend for a submission that has been issued.
func (l *Ledger) Record(ctx context.Context, actual float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rolloverLocked(ctx); err != nil {
		return err
	}
	st, err := l.store.AddSpend(ctx, l.state.Period, actual)
	if err != nil {
		return eris.Wrapf(err, "cost: record spend %.4f", actual)
	}
	l.state = *st
	l.log.Info("added estimated cost",
		zap.String("period", st.Period),
		zap.Float64("cost_usd", actual),
		zap.Float64("spent_usd", st.SpentUSD),
	)
	return nil
}

// Reserve atomically checks and commits estimate. It returns ErrBudgetExceeded
// when the estimate does not fit; nothing is committed in that case.
func (l *Ledger) Reserve(ctx context.Context, estimate float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.ready {
		return eris.New("cost: ledger not initialized")
	}
	if err := l.rolloverLocked(ctx); err != nil {
		return err
	}
	if estimate > l.remainingLocked() {
		return eris.Wrapf(ErrBudgetExceeded, "cost: estimate %.4f exceeds remaining %.4f", estimate, l.remainingLocked())
	}

	st, ok, err := l.store.ReserveSpend(ctx, l.state.Period, estimate)
	if err != nil {
		return eris.Wrapf(err, "cost: reserve %.4f", estimate)
	}
	l.state = *st
	if !ok {
		return eris.Wrapf(ErrBudgetExceeded, "cost: estimate %.4f exceeds remaining %.4f", estimate, st.Remaining())
	}
	l.log.Info("reserved batch cost",
		zap.String("period", st.Period),
		zap.Float64("cost_usd", estimate),
		zap.Float64("spent_usd", st.SpentUSD),
		zap.Float64("remaining_usd", st.Remaining()),
	)
	return nil
}

func (l *Ledger) remainingLocked() float64 {
	if l.state.Period != "" && l.state.Period != l.CurrentPeriod() {
		return l.state.LimitUSD
	}
	return l.state.LimitUSD - l.state.SpentUSD
}

// rolloverLocked starts a fresh period when the clock has moved past the
// cached one.
func (l *Ledger) rolloverLocked(ctx context.Context) error {
	current := l.CurrentPeriod()
	if l.state.Period == "" || l.state.Period == current {
		return nil
	}
	st, err := l.store.InitLedger(ctx, current, l.state.LimitUSD)
	if err != nil {
		return eris.Wrapf(err, "cost: roll ledger over to %s", current)
	}
	l.log.Info("cost ledger rolled over",
		zap.String("from", l.state.Period),
		zap.String("to", current),
	)
	l.state = *st
	return nil
}
