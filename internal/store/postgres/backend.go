// Package postgres persists progress records in a Postgres table.
package postgres

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/artifact-harvester/internal/harvest"
	"github.com/JakeFAU/artifact-harvester/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "harvest_progress"

// Config controls the Postgres connection pool used for progress rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Backend implements store.Backend over a pgx pool.
type Backend struct {
	pool  pool
	table string
}

var _ store.Backend = (*Backend)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("progress.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	b, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return b, nil
}

// NewWithPool constructs a backend from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Backend, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Backend{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (b *Backend) Close() {
	if b == nil || b.pool == nil {
		return
	}
	b.pool.Close()
}

// EnsureSchema creates the progress table when missing.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	location   TEXT,
	last_error TEXT,
	attempts   INTEGER NOT NULL DEFAULT 0
)`, b.table)
	if _, err := b.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create progress table: %w", err)
	}
	return nil
}

// ReadAll returns every stored progress row.
func (b *Backend) ReadAll(ctx context.Context) (map[string]harvest.ProgressRecord, error) {
	query := fmt.Sprintf(`
SELECT id, status, updated_at, COALESCE(location, ''), COALESCE(last_error, ''), attempts
FROM %s`, b.table)
	rows, err := b.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	out := make(map[string]harvest.ProgressRecord)
	for rows.Next() {
		var (
			id       string
			status   string
			rec      harvest.ProgressRecord
			attempts int32
		)
		if err := rows.Scan(&id, &status, &rec.UpdatedAt, &rec.Location, &rec.LastError, &attempts); err != nil {
			return nil, fmt.Errorf("scan progress row: %w", err)
		}
		rec.Status = harvest.Status(status)
		rec.Attempts = int(attempts)
		if !rec.Status.Valid() {
			return nil, fmt.Errorf("progress row %q: unknown status %q", id, status)
		}
		out[id] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress rows: %w", err)
	}
	return out, nil
}

// Persist upserts the dirty rows in one transaction. Completed rows are never
// overwritten, matching the in-memory merge rule.
func (b *Backend) Persist(ctx context.Context, snap store.Snapshot) (err error) {
	if len(snap.Dirty) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, status, updated_at, location, last_error, attempts)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
	updated_at = EXCLUDED.updated_at,
	location = EXCLUDED.location,
	last_error = EXCLUDED.last_error,
	attempts = EXCLUDED.attempts
WHERE %[1]s.status <> 'completed'`, b.table)

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin progress tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	for _, id := range slices.Sorted(maps.Keys(snap.Dirty)) {
		rec := snap.Dirty[id]
		if _, err = tx.Exec(ctx, query,
			id, string(rec.Status), rec.UpdatedAt, rec.Location, rec.LastError, rec.Attempts,
		); err != nil {
			return fmt.Errorf("upsert progress %q: %w", id, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit progress tx: %w", err)
	}
	return nil
}
