package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/batch-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ledger (
	period     TEXT PRIMARY KEY,
	limit_usd  REAL NOT NULL DEFAULT 0,
	spent_usd  REAL NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS deferrals (
	id         TEXT PRIMARY KEY,
	label      TEXT NOT NULL,
	items      TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	error_type TEXT NOT NULL DEFAULT '',
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS results (
	stage      TEXT NOT NULL,
	item_id    TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (stage, item_id)
);

CREATE INDEX IF NOT EXISTS idx_deferrals_label ON deferrals(label);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteLedgerCols = `period, limit_usd, spent_usd, updated_at`

func (s *SQLiteStore) InitLedger(ctx context.Context, period string, limitUSD float64) (*model.LedgerState, error) {
	st, _, err := s.ledgerTx(ctx, period, func(tx *sql.Tx) (bool, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ledger (period, limit_usd, spent_usd, updated_at) VALUES (?, ?, 0, ?)
			 ON CONFLICT (period) DO UPDATE SET limit_usd = excluded.limit_usd, updated_at = excluded.updated_at`,
			period, limitUSD, time.Now().UTC())
		return true, err
	})
	return st, eris.Wrapf(err, "sqlite: init ledger %s", period)
}

func (s *SQLiteStore) AddSpend(ctx context.Context, period string, amount float64) (*model.LedgerState, error) {
	st, _, err := s.ledgerTx(ctx, period, func(tx *sql.Tx) (bool, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ledger (period, limit_usd, spent_usd, updated_at) VALUES (?, 0, ?, ?)
			 ON CONFLICT (period) DO UPDATE SET spent_usd = ledger.spent_usd + excluded.spent_usd, updated_at = excluded.updated_at`,
			period, amount, time.Now().UTC())
		return true, err
	})
	return st, eris.Wrapf(err, "sqlite: add spend %s", period)
}

// ReserveSpend applies amount with a conditional UPDATE so concurrent
// reservations from other processes cannot overshoot the limit.
func (s *SQLiteStore) ReserveSpend(ctx context.Context, period string, amount float64) (*model.LedgerState, bool, error) {
	st, ok, err := s.ledgerTx(ctx, period, func(tx *sql.Tx) (bool, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE ledger SET spent_usd = spent_usd + ?, updated_at = ?
			 WHERE period = ? AND spent_usd + ? <= limit_usd`,
			amount, time.Now().UTC(), period, amount)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		return n == 1, err
	})
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: reserve spend %s", period)
	}
	return st, ok, nil
}

// GetLedger returns nil, nil when the period has no row.
func (s *SQLiteStore) GetLedger(ctx context.Context, period string) (*model.LedgerState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteLedgerCols+` FROM ledger WHERE period = ?`, period)
	st, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, eris.Wrapf(err, "sqlite: get ledger %s", period)
}

// ledgerTx runs write inside a transaction and returns the period's row as
// seen by that transaction. A missing row reads as zero spend and limit.
func (s *SQLiteStore) ledgerTx(ctx context.Context, period string, write func(*sql.Tx) (bool, error)) (*model.LedgerState, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	applied, err := write(tx)
	if err != nil {
		return nil, false, err
	}

	st, err := scanLedger(tx.QueryRowContext(ctx, `SELECT `+sqliteLedgerCols+` FROM ledger WHERE period = ?`, period))
	if errors.Is(err, sql.ErrNoRows) {
		st, err = &model.LedgerState{Period: period}, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, eris.Wrap(err, "commit")
	}
	return st, applied, nil
}

func (s *SQLiteStore) SaveDeferral(ctx context.Context, rec model.DeferredRecord) error {
	items, err := json.Marshal(rec.Items)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal deferred items")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deferrals (id, label, items, error, error_type, attempts, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Label, string(items), rec.Error, rec.ErrorType, rec.Attempts, rec.CreatedAt.UTC())
	return eris.Wrapf(err, "sqlite: save deferral %s", rec.ID)
}

// ListDeferrals returns deferrals for label, or all deferrals when label is
// empty, oldest first.
func (s *SQLiteStore) ListDeferrals(ctx context.Context, label string) ([]model.DeferredRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, items, error, error_type, attempts, created_at FROM deferrals
		 WHERE ? = '' OR label = ? ORDER BY id`, label, label)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list deferrals")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.DeferredRecord
	for rows.Next() {
		rec, err := scanDeferral(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list deferrals")
}

// SaveResults upserts recs keyed by (stage, item_id) in one transaction.
func (s *SQLiteStore) SaveResults(ctx context.Context, stage string, recs []model.ResultRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin results tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO results (stage, item_id, content, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (stage, item_id) DO UPDATE SET content = excluded.content, created_at = excluded.created_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare results insert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, stage, r.ItemID, string(r.ParsedContent), now); err != nil {
			return 0, eris.Wrapf(err, "sqlite: save result %s", r.ItemID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit results")
	}
	return len(recs), nil
}

func (s *SQLiteStore) CountResults(ctx context.Context, stage string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results WHERE stage = ?`, stage).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count results")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanLedger(row scannable) (*model.LedgerState, error) {
	var st model.LedgerState
	if err := row.Scan(&st.Period, &st.LimitUSD, &st.SpentUSD, &st.UpdatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanDeferral(row scannable) (model.DeferredRecord, error) {
	var rec model.DeferredRecord
	var items []byte
	if err := row.Scan(&rec.ID, &rec.Label, &items, &rec.Error, &rec.ErrorType, &rec.Attempts, &rec.CreatedAt); err != nil {
		return rec, eris.Wrap(err, "store: scan deferral")
	}
	if err := json.Unmarshal(items, &rec.Items); err != nil {
		return rec, eris.Wrapf(err, "store: unmarshal deferral %s", rec.ID)
	}
	return rec, nil
}
