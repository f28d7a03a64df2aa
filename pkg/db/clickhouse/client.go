// Package clickhouse wraps the native ClickHouse driver for the read side of
// the rewards engine: raw strategy events, block timestamps and USD rates are
// landed there by the ingestion service and only ever queried here.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/driftmark/rewards/pkg/retry"
	"github.com/driftmark/rewards/pkg/utils"
)

// Client wraps a ClickHouse connection for read-only event-log access.
type Client struct {
	Logger *zap.Logger
	Conn   driver.Conn
}

// New connects to ClickHouse using the CLICKHOUSE_ADDR DSN, retrying with
// backoff until the server answers a ping.
func New(ctx context.Context, logger *zap.Logger) (*Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dsn := utils.Env("CLICKHOUSE_ADDR", "clickhouse://localhost:9000?sslmode=disable")
	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}

	options.MaxOpenConns = utils.EnvInt("CLICKHOUSE_MAX_OPEN_CONNS", 25)
	options.MaxIdleConns = utils.EnvInt("CLICKHOUSE_MAX_IDLE_CONNS", 25)
	options.ConnMaxLifetime = time.Hour
	options.DialTimeout = 30 * time.Second
	options.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}

	client := &Client{Logger: logger}
	err = retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "clickhouse_connection", func() error {
		conn, openErr := clickhouse.Open(options)
		if openErr != nil {
			return fmt.Errorf("open clickhouse connection: %w", openErr)
		}
		if pingErr := conn.Ping(connCtx); pingErr != nil {
			return fmt.Errorf("ping clickhouse: %w", pingErr)
		}
		client.Conn = conn
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("ClickHouse connection ready",
		zap.Int("max_open_conns", options.MaxOpenConns),
		zap.Int("max_idle_conns", options.MaxIdleConns))
	return client, nil
}

// Select runs a query and scans all rows into dest, a pointer to a slice of
// structs tagged with `ch` column names.
func (c *Client) Select(ctx context.Context, dest any, query string, args ...any) error {
	return c.Conn.Select(ctx, dest, query, args...)
}

// Query runs a query and returns the row iterator. The caller closes it.
func (c *Client) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.Conn.Query(ctx, query, args...)
}

// Close terminates the connection.
func (c *Client) Close() error {
	return c.Conn.Close()
}
