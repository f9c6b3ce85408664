package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer is the subset of *pgxpool.Pool the Postgres sink needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const createTableSQL = `CREATE TABLE IF NOT EXISTS exai_tool_calls (
	id               BIGSERIAL PRIMARY KEY,
	request_id       TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	tool             TEXT NOT NULL,
	provider         TEXT,
	call_key         TEXT,
	path             TEXT,
	arguments_digest TEXT,
	result_digest    TEXT,
	error_kind       TEXT,
	error            TEXT,
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ NOT NULL,
	duration_ms      BIGINT NOT NULL
)`

const insertSQL = `INSERT INTO exai_tool_calls
	(request_id, session_id, tool, provider, call_key, path, arguments_digest,
	 result_digest, error_kind, error, started_at, finished_at, duration_ms)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// PostgresSink inserts events into the exai_tool_calls table. It works
// against plain Postgres and Supabase alike.
type PostgresSink struct {
	db   Execer
	pool *pgxpool.Pool
}

// NewPostgresSink wraps an existing connection or pool.
func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db}
}

// OpenPostgresSink connects to dsn, checks the connection and creates the
// audit table if needed.
func OpenPostgresSink(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse database URL: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	s := &PostgresSink{db: pool, pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("audit database connected", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return s, nil
}

// EnsureSchema creates the audit table if it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("audit: create table: %w", err)
	}
	return nil
}

// Name implements Sink.
func (s *PostgresSink) Name() string { return "postgres" }

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, e Event) error {
	_, err := s.db.Exec(ctx, insertSQL,
		e.RequestID, e.SessionID, e.Tool, e.Provider, e.CallKey, e.Path,
		e.ArgumentsDigest, e.ResultDigest, e.ErrorKind, e.Error,
		e.StartedAt, e.FinishedAt, e.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", e.RequestID, err)
	}
	return nil
}

// Close releases the pool if the sink opened it.
func (s *PostgresSink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
