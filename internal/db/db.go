package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helioslabs/subscription-service/pkg/logger"
)

// Client wraps the pgx connection pool shared by the stores.
type Client struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewClient connects to Postgres and verifies the connection with a ping.
func NewClient(ctx context.Context, dsn string, log *logger.Logger) (*Client, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Errorw("Failed to create database pool", "error", err)
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		log.Errorw("Failed to ping database", "error", err)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{pool: pool, log: log}, nil
}

// Pool exposes the underlying pool for store constructors.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Close releases all pool connections.
func (c *Client) Close() {
	c.pool.Close()
}
