// Package store persists the cost ledger, deferred sub-batches, and ingested
// results in SQLite or PostgreSQL.
package store

import (
	"context"

	"github.com/sells-group/batch-cli/internal/model"
)

// Store defines the persistence interface for the batch engine. It satisfies
// cost.LedgerStore and deferred.Repository.
type Store interface {
	// Ledger
	InitLedger(ctx context.Context, period string, limitUSD float64) (*model.LedgerState, error)
	AddSpend(ctx context.Context, period string, amount float64) (*model.LedgerState, error)
	ReserveSpend(ctx context.Context, period string, amount float64) (*model.LedgerState, bool, error)
	GetLedger(ctx context.Context, period string) (*model.LedgerState, error)

	// Deferrals
	SaveDeferral(ctx context.Context, rec model.DeferredRecord) error
	ListDeferrals(ctx context.Context, label string) ([]model.DeferredRecord, error)

	// Results
	SaveResults(ctx context.Context, stage string, recs []model.ResultRecord) (int, error)
	CountResults(ctx context.Context, stage string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Columns of the results table, in insert order.
var resultColumns = []string{"stage", "item_id", "content", "created_at"}
