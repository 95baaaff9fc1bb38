// Package database opens the PostgreSQL pool shared by the orchestrator binaries.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

type poolSettings struct {
	cfg             *pgxpool.Config
	createExtension bool
	// pingAttempts bounds the startup ping; the database may still be starting.
	pingAttempts int
	pingBackoff  time.Duration
}

// PoolOption configures the connection pool.
type PoolOption func(*poolSettings)

// WithVectorTypes registers the pgvector types on every connection. The extension must
// exist before the first connection; see WithVectorExtension.
func WithVectorTypes() PoolOption {
	return func(s *poolSettings) {
		s.cfg.AfterConnect = pgxvec.RegisterTypes
	}
}

// WithVectorExtension creates the pgvector extension before the pool opens and registers
// its types.
func WithVectorExtension() PoolOption {
	return func(s *poolSettings) {
		s.createExtension = true
		s.cfg.AfterConnect = pgxvec.RegisterTypes
	}
}

// WithMaxConns caps the pool size. Values <= 0 keep the pgx default.
func WithMaxConns(n int32) PoolOption {
	return func(s *poolSettings) {
		if n > 0 {
			s.cfg.MaxConns = n
		}
	}
}

// WithApplicationName tags the pool's sessions in pg_stat_activity.
func WithApplicationName(name string) PoolOption {
	return func(s *poolSettings) {
		if name != "" {
			s.cfg.ConnConfig.RuntimeParams["application_name"] = name
		}
	}
}

// WithStartupRetry retries the startup ping (and extension creation) up to attempts times,
// doubling backoff between tries.
func WithStartupRetry(attempts int, backoff time.Duration) PoolOption {
	return func(s *poolSettings) {
		s.pingAttempts = max(attempts, 1)
		s.pingBackoff = backoff
	}
}

// NewPostgresPool opens a pool and waits until the database answers a ping.
func NewPostgresPool(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	s := &poolSettings{cfg: cfg, pingAttempts: 1}
	for _, opt := range opts {
		opt(s)
	}

	if s.createExtension {
		err := retry(ctx, s.pingAttempts, s.pingBackoff, func() error {
			return EnsureVectorExtension(ctx, databaseURL)
		})
		if err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	err = retry(ctx, s.pingAttempts, s.pingBackoff, func() error {
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}

		return nil
	})
	if err != nil {
		pool.Close()

		return nil, err
	}

	slog.Info("Connected to PostgreSQL", "max_conns", cfg.MaxConns,
		"application_name", cfg.ConnConfig.RuntimeParams["application_name"])

	return pool, nil
}

// retry runs fn up to attempts times, doubling backoff between tries.
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		slog.Warn("Database not ready, retrying", "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("database startup: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
	}

	return err
}

// EnsureVectorExtension creates the pgvector extension over a plain connection, since
// pools built WithVectorTypes cannot connect until it exists.
func EnsureVectorExtension(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	return nil
}
