package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/loomworks/loomboard/internal/model"
	"github.com/loomworks/loomboard/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. The ledger lives
// in a singleton row committed whole on every mutation; the version
// column is the CAS guard.
type SQLiteStore struct {
	db        *sql.DB
	retry     resilience.RetryConfig
	opTimeout time.Duration
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode. retry bounds the per-mutation retry policy; opTimeout bounds each
// store round trip (not business logic).
func NewSQLite(dsn string, retry resilience.RetryConfig, opTimeout time.Duration) (*SQLiteStore, error) {
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
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &SQLiteStore{db: db, retry: retry, opTimeout: opTimeout}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS board_ledger (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    INTEGER NOT NULL,
	document   TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

INSERT INTO board_ledger (id, version, document)
SELECT 1, 0, '[]'
WHERE NOT EXISTS (SELECT 1 FROM board_ledger WHERE id = 1);

CREATE TABLE IF NOT EXISTS dlq (
	id             TEXT PRIMARY KEY,
	kind           TEXT NOT NULL,
	payload        TEXT NOT NULL,
	error_text     TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_kind ON dlq(kind);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dlq(error_type);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) WithLedger(ctx context.Context, fn Mutation) error {
	cfg := s.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("sqlite", "with_ledger")
	}
	return resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return s.mutateOnce(ctx, fn)
	})
}

func (s *SQLiteStore) mutateOnce(ctx context.Context, fn Mutation) error {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(opCtx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	ledger, err := scanLedger(tx.QueryRowContext(opCtx,
		`SELECT version, document FROM board_ledger WHERE id = 1`,
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
		return eris.Wrap(err, "sqlite: marshal ledger")
	}

	res, err := tx.ExecContext(opCtx,
		`UPDATE board_ledger SET version = ?, document = ?, updated_at = ? WHERE id = 1 AND version = ?`,
		prev+1, string(doc), time.Now().UTC(), prev,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: commit ledger")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return resilience.ErrVersionConflict
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func (s *SQLiteStore) Snapshot(ctx context.Context) (*model.Ledger, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	return scanLedger(s.db.QueryRowContext(opCtx,
		`SELECT version, document FROM board_ledger WHERE id = 1`,
	))
}

func scanLedger(row *sql.Row) (*model.Ledger, error) {
	var version int64
	var doc string
	if err := row.Scan(&version, &doc); err != nil {
		return nil, eris.Wrap(err, "sqlite: read ledger")
	}

	var ribbons []model.RibbonRecord
	if err := json.Unmarshal([]byte(doc), &ribbons); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal ledger")
	}
	return &model.Ledger{Version: version, Ribbons: ribbons}, nil
}

// --- Dead-letter queue ---

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dlq (id, kind, payload, error_text, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			error_text = excluded.error_text,
			error_type = excluded.error_type,
			retry_count = excluded.retry_count,
			next_retry_at = excluded.next_retry_at,
			last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.Kind, string(entry.Payload), entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrapf(err, "sqlite: enqueue dlq %s", entry.ID)
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, kind, payload, error_text, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at FROM dlq WHERE 1=1`
	var args []any

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var payload string
		var nextRetry sql.NullTime
		if err := rows.Scan(&e.ID, &e.Kind, &payload, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &nextRetry, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.Payload = json.RawMessage(payload)
		if nextRetry.Valid {
			e.NextRetryAt = nextRetry.Time
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) DeleteDLQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dlq WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete dlq %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("dlq entry not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) DLQDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dlq`).Scan(&depth)
	return depth, eris.Wrap(err, "sqlite: dlq depth")
}
