// Package postgres provides Postgres-backed persistence for download records
// and crawl run history.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of *pgxpool.Pool used by the stores; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Connect opens a pool and verifies the server is reachable.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the tables used by DownloadStore and RunStore when missing.
func EnsureSchema(ctx context.Context, pool Pool, downloadsTable string) error {
	if downloadsTable == "" {
		downloadsTable = defaultDownloadsTable
	}
	if !validTableName.MatchString(downloadsTable) {
		return fmt.Errorf("invalid table name %q", downloadsTable)
	}
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	crawl_id TEXT NOT NULL,
	url TEXT NOT NULL,
	referer TEXT,
	blob_uri TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	content_type TEXT,
	status_code INTEGER,
	bytes BIGINT NOT NULL,
	headers JSONB,
	downloaded_at TIMESTAMPTZ NOT NULL
)`, downloadsTable),
		`CREATE TABLE IF NOT EXISTS crawl_runs (
	id UUID PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status TEXT NOT NULL,
	error_message TEXT
)`,
		`CREATE TABLE IF NOT EXISTS stage_stats (
	run_id UUID NOT NULL REFERENCES crawl_runs (id),
	stage TEXT NOT NULL,
	last_update TIMESTAMPTZ NOT NULL,
	succeeded BIGINT NOT NULL DEFAULT 0,
	failed BIGINT NOT NULL DEFAULT 0,
	bytes_total BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, stage)
)`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
