// Package postgres stores found solutions in PostgreSQL so a miner's history
// survives restarts.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	// URL is a lib/pq connection string, either a postgres:// URL or
	// key=value pairs.
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DefaultConfig returns pool settings sized for a single miner process.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		MaxLifetime:  30 * time.Minute,
	}
}

// NewClient opens the database and verifies the connection
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB
func (c *Client) DB() *sql.DB {
	return c.db
}
