package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/batch-cli/internal/db"
	"github.com/sells-group/batch-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgLedgerCols = `period, limit_usd, spent_usd, updated_at`

	pgInitLedger = `INSERT INTO ledger (period, limit_usd, spent_usd, updated_at) VALUES ($1, $2, 0, now())
ON CONFLICT (period) DO UPDATE SET limit_usd = EXCLUDED.limit_usd, updated_at = now()
RETURNING ` + pgLedgerCols

	pgAddSpend = `INSERT INTO ledger (period, limit_usd, spent_usd, updated_at) VALUES ($1, 0, $2, now())
ON CONFLICT (period) DO UPDATE SET spent_usd = ledger.spent_usd + EXCLUDED.spent_usd, updated_at = now()
RETURNING ` + pgLedgerCols

	pgReserveSpend = `UPDATE ledger SET spent_usd = spent_usd + $2, updated_at = now()
WHERE period = $1 AND spent_usd + $2 <= limit_usd
RETURNING ` + pgLedgerCols

	pgGetLedger = `SELECT ` + pgLedgerCols + ` FROM ledger WHERE period = $1`

	pgSaveDeferral = `INSERT INTO deferrals (id, label, items, error, error_type, attempts, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	pgListDeferrals = `SELECT id, label, items, error, error_type, attempts, created_at FROM deferrals
WHERE $1 = '' OR label = $1 ORDER BY id`

	pgCountResults = `SELECT COUNT(*) FROM results WHERE stage = $1`
)

// preparedStatements are prepared on each new connection. Each is named by
// its own text so plain Exec/Query calls pick them up.
var preparedStatements = []string{
	pgInitLedger,
	pgAddSpend,
	pgReserveSpend,
	pgGetLedger,
	pgSaveDeferral,
	pgListDeferrals,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for _, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, sql, sql); err != nil {
				// Tables may not exist before the first Migrate.
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
					continue
				}
				return eris.Wrap(err, "postgres: prepare statement")
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ledger (
	period     TEXT PRIMARY KEY,
	limit_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
	spent_usd  DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deferrals (
	id         TEXT PRIMARY KEY,
	label      TEXT NOT NULL,
	items      JSONB NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	error_type TEXT NOT NULL DEFAULT '',
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_deferrals_label ON deferrals(label);

CREATE TABLE IF NOT EXISTS results (
	stage      TEXT NOT NULL,
	item_id    TEXT NOT NULL,
	content    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (stage, item_id)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InitLedger(ctx context.Context, period string, limitUSD float64) (*model.LedgerState, error) {
	st, err := scanLedger(s.pool.QueryRow(ctx, pgInitLedger, period, limitUSD))
	return st, eris.Wrapf(err, "postgres: init ledger %s", period)
}

func (s *PostgresStore) AddSpend(ctx context.Context, period string, amount float64) (*model.LedgerState, error) {
	st, err := scanLedger(s.pool.QueryRow(ctx, pgAddSpend, period, amount))
	return st, eris.Wrapf(err, "postgres: add spend %s", period)
}

// ReserveSpend applies amount with a single conditional UPDATE. When the
// row does not qualify the current state is returned unchanged.
func (s *PostgresStore) ReserveSpend(ctx context.Context, period string, amount float64) (*model.LedgerState, bool, error) {
	st, err := scanLedger(s.pool.QueryRow(ctx, pgReserveSpend, period, amount))
	if err == nil {
		return st, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, eris.Wrapf(err, "postgres: reserve spend %s", period)
	}

	cur, err := s.GetLedger(ctx, period)
	if err != nil {
		return nil, false, err
	}
	if cur == nil {
		cur = &model.LedgerState{Period: period}
	}
	return cur, false, nil
}

// GetLedger returns nil, nil when the period has no row.
func (s *PostgresStore) GetLedger(ctx context.Context, period string) (*model.LedgerState, error) {
	st, err := scanLedger(s.pool.QueryRow(ctx, pgGetLedger, period))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return st, eris.Wrapf(err, "postgres: get ledger %s", period)
}

func (s *PostgresStore) SaveDeferral(ctx context.Context, rec model.DeferredRecord) error {
	items, err := json.Marshal(rec.Items)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal deferred items")
	}
	_, err = s.pool.Exec(ctx, pgSaveDeferral,
		rec.ID, rec.Label, items, rec.Error, rec.ErrorType, rec.Attempts, rec.CreatedAt.UTC())
	return eris.Wrapf(err, "postgres: save deferral %s", rec.ID)
}

func (s *PostgresStore) ListDeferrals(ctx context.Context, label string) ([]model.DeferredRecord, error) {
	rows, err := s.pool.Query(ctx, pgListDeferrals, label)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list deferrals")
	}
	defer rows.Close()

	var out []model.DeferredRecord
	for rows.Next() {
		rec, err := scanDeferral(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list deferrals")
}

var resultsUpsert = db.UpsertConfig{
	Table:        "results",
	Columns:      resultColumns,
	ConflictKeys: []string{"stage", "item_id"},
}

// SaveResults upserts recs keyed by (stage, item_id) through a COPY into a
// staging table.
func (s *PostgresStore) SaveResults(ctx context.Context, stage string, recs []model.ResultRecord) (int, error) {
	now := time.Now().UTC()
	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = []any{stage, r.ItemID, []byte(r.ParsedContent), now}
	}
	n, err := db.BulkUpsert(ctx, s.pool, resultsUpsert, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: save results %s", stage)
	}
	return int(n), nil
}

func (s *PostgresStore) CountResults(ctx context.Context, stage string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, pgCountResults, stage).Scan(&n)
	return n, eris.Wrap(err, "postgres: count results")
}
