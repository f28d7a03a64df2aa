// Package postgres wraps a pgx connection pool for the write side of the
// rewards engine: reward rows, sub-epoch numbering, checkpoints and the
// campaign directory live in PostgreSQL because epoch persistence is
// transactional (delete-then-insert plus conservation checks in one unit).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/driftmark/rewards/pkg/retry"
	"github.com/driftmark/rewards/pkg/utils"
)

// Executor is implemented by both *pgxpool.Pool and pgx.Tx, so store methods
// can run inside or outside a transaction unchanged.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Client wraps a PostgreSQL connection pool.
type Client struct {
	Logger *zap.Logger
	Pool   *pgxpool.Pool
}

// New connects using the POSTGRES_URL DSN, retrying with backoff until the
// server answers a ping.
func New(ctx context.Context, logger *zap.Logger) (*Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbURL := utils.Env("POSTGRES_URL", "postgres://localhost:5432/rewards")
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse POSTGRES_URL: %w", err)
	}

	config.MinConns = int32(utils.EnvInt("POSTGRES_MIN_CONNS", 2))
	config.MaxConns = int32(utils.EnvInt("POSTGRES_MAX_CONNS", 20))
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	client := &Client{Logger: logger}
	err = retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "postgres_connection", func() error {
		pool, openErr := pgxpool.NewWithConfig(connCtx, config)
		if openErr != nil {
			return fmt.Errorf("create postgres pool: %w", openErr)
		}
		if pingErr := pool.Ping(connCtx); pingErr != nil {
			pool.Close()
			return fmt.Errorf("ping postgres: %w", pingErr)
		}
		client.Pool = pool
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("PostgreSQL connection pool configured",
		zap.Int32("min_conns", config.MinConns),
		zap.Int32("max_conns", config.MaxConns))
	return client, nil
}

// Exec executes a statement without returning rows.
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.GetExecutor(ctx).Exec(ctx, query, args...)
	return err
}

// Query executes a query returning rows. The caller closes them.
func (c *Client) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return c.GetExecutor(ctx).Query(ctx, query, args...)
}

// QueryRow executes a query expected to return at most one row.
func (c *Client) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return c.GetExecutor(ctx).QueryRow(ctx, query, args...)
}

// BeginFunc runs fn inside a transaction, committing on nil and rolling back
// on error.
func (c *Client) BeginFunc(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, c.Pool, fn)
}

// Close shuts the pool down.
func (c *Client) Close() {
	c.Pool.Close()
}

// IsNoRows reports whether an error means the query matched nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

type ctxKey string

const txKey ctxKey = "pgx_tx"

// WithTx embeds a transaction in the context so store methods that take a
// context automatically join it.
func (c *Client) WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// GetExecutor returns the context's transaction when present, otherwise the
// pool.
func (c *Client) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}
