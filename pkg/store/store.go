// Package store is the persistence gateway: a process-wide, lazily
// initialized connection pool over the relational datastore, plus typed
// access to every entity poltr owns.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Gateway owns the *sql.DB pool. It is panic-free at startup: if the pool
// cannot be initialized the process logs and continues, and HTTP handlers
// return 503 via Healthy() until a later Ping succeeds.
type Gateway struct {
	mu     sync.RWMutex
	db     *sql.DB
	dsn    string
	logger *slog.Logger
}

// New lazily wraps a DSN. The pool is not opened until Open is called,
// so a misconfigured DSN degrades to 503 instead of crashing startup.
func New(dsn string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{dsn: dsn, logger: logger.With("component", "store")}
}

// NewWithDB wraps an already-open pool, used by tests to run the gateway's
// queries against a sqlmock connection.
func NewWithDB(db *sql.DB, logger *slog.Logger) *Gateway {
	g := New("", logger)
	g.db = db
	return g
}

// Open establishes the pool. Errors are returned to the caller (main.go
// logs and continues) rather than panicking.
func (g *Gateway) Open(ctx context.Context) error {
	db, err := sql.Open("postgres", g.dsn)
	if err != nil {
		return fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("store: initial ping: %w", err)
	}

	g.mu.Lock()
	g.db = db
	g.mu.Unlock()
	return nil
}

// DB returns the live pool, or nil if it hasn't been (re-)opened yet.
func (g *Gateway) DB() *sql.DB {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.db
}

// Healthy runs the health_ping (`SELECT 1`) used at startup and by
// /healthz. A nil pool or a failing ping both report unhealthy so the
// handler can return 503 rather than panic.
func (g *Gateway) Healthy(ctx context.Context) bool {
	db := g.DB()
	if db == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		g.logger.WarnContext(ctx, "health ping failed", "error", err)
		return false
	}
	return one == 1
}

// Close releases the pool.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.db == nil {
		return nil
	}
	err := g.db.Close()
	g.db = nil
	return err
}
