package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/loomworks/loomboard/internal/model"
	"github.com/loomworks/loomboard/internal/resilience"
)

// Pool abstracts the pgx pool methods the store needs, so tests can
// substitute pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store using pgxpool. The ledger document is a
// JSONB singleton row locked FOR UPDATE inside the mutation transaction.
type PostgresStore struct {
	pool      Pool
	retry     resilience.RetryConfig
	opTimeout time.Duration
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, retry resilience.RetryConfig, opTimeout time.Duration) (*PostgresStore, error) {
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

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}

	return NewPostgresWithPool(pool, retry, opTimeout), nil
}

// NewPostgresWithPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresWithPool(pool Pool, retry resilience.RetryConfig, opTimeout time.Duration) *PostgresStore {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &PostgresStore{pool: pool, retry: retry, opTimeout: opTimeout}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS board_ledger (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    BIGINT NOT NULL,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

INSERT INTO board_ledger (id, version, document)
VALUES (1, 0, '[]'::jsonb)
ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS dlq (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	payload        JSONB NOT NULL,
	error_text     TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL,
	last_failed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_kind ON dlq(kind);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dlq(error_type);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) WithLedger(ctx context.Context, fn Mutation) error {
	cfg := s.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("postgres", "with_ledger")
	}
	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return s.mutateOnce(ctx, fn)
	})
}

func (s *PostgresStore) mutateOnce(ctx context.Context, fn Mutation) error {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	tx, err := s.pool.Begin(opCtx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(opCtx) //nolint:errcheck

	// The row lock serializes concurrent mutators; the version guard on
	// the UPDATE catches anything that slipped past it.
	ledger, err := scanLedgerRow(tx.QueryRow(opCtx,
		`SELECT version, document FROM board_ledger WHERE id = 1 FOR UPDATE`,
	))
	if err != nil {
		return err
	}

	prev := ledger.Version
	changed, err := fn(ledger)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	doc, err := json.Marshal(ledger.Ribbons)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal ledger")
	}

	tag, err := tx.Exec(opCtx,
		`UPDATE board_ledger SET version = $1, document = $2, updated_at = $3 WHERE id = 1 AND version = $4`,
		prev+1, string(doc), time.Now().UTC(), prev,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: commit ledger")
	}
	if tag.RowsAffected() == 0 {
		return resilience.ErrVersionConflict
	}
	return eris.Wrap(tx.Commit(opCtx), "postgres: commit")
}

func (s *PostgresStore) Snapshot(ctx context.Context) (*model.Ledger, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	return scanLedgerRow(s.pool.QueryRow(opCtx,
		`SELECT version, document FROM board_ledger WHERE id = 1`,
	))
}

func scanLedgerRow(row pgx.Row) (*model.Ledger, error) {
	var version int64
	var doc []byte
	if err := row.Scan(&version, &doc); err != nil {
		return nil, eris.Wrap(err, "postgres: read ledger")
	}

	var ribbons []model.RibbonRecord
	if err := json.Unmarshal(doc, &ribbons); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal ledger")
	}
	return &model.Ledger{Version: version, Ribbons: ribbons}, nil
}

// --- Dead-letter queue ---

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dlq (id, kind, payload, error_text, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			error_text = EXCLUDED.error_text,
			error_type = EXCLUDED.error_type,
			retry_count = EXCLUDED.retry_count,
			next_retry_at = EXCLUDED.next_retry_at,
			last_failed_at = EXCLUDED.last_failed_at`,
		entry.ID, entry.Kind, string(entry.Payload), entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue dlq %s", entry.ID)
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, kind, payload, error_text, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at FROM dlq WHERE 1=1`
	var args []any

	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += ` AND kind = $1`
	}
	if filter.ErrorType != "" {
		args = append(args, filter.ErrorType)
		if len(args) == 1 {
			query += ` AND error_type = $1`
		} else {
			query += ` AND error_type = $2`
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` ORDER BY created_at ASC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var payload []byte
		var nextRetry *time.Time
		if err := rows.Scan(&e.ID, &e.Kind, &payload, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &nextRetry, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.Payload = json.RawMessage(payload)
		if nextRetry != nil {
			e.NextRetryAt = *nextRetry
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) DeleteDLQ(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dlq WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete dlq %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) DLQDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dlq`).Scan(&depth)
	return depth, eris.Wrap(err, "postgres: dlq depth")
}
