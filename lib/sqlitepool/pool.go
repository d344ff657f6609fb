// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// DefaultPoolSize is the number of connections when Config.PoolSize
// is not positive: one for the writer and three for concurrent
// queries.
const DefaultPoolSize = 4

// historyPragmas run on every connection before OnConnect.
var historyPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA cache_size=-8192",
	"PRAGMA mmap_size=268435456",
	"PRAGMA temp_store=MEMORY",
}

// Config describes a history database.
type Config struct {
	// Path is the database file. Its directory must exist; the file is
	// created when missing.
	Path string

	// PoolSize is the number of connections. Zero or negative means
	// DefaultPoolSize.
	PoolSize int

	// Logger receives open and close events. Nil discards them.
	Logger *slog.Logger

	// OnConnect runs on every new connection after the pragmas,
	// typically to create the schema. An error discards the
	// connection.
	OnConnect func(conn *sqlite.Conn) error
}

// Pool hands out SQLite connections to one history writer and its
// concurrent readers. The pool is safe for concurrent use; a
// connection belongs to one goroutine between Take and Put.
type Pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool and prepares one connection so that an
// unusable file or a failing OnConnect is reported here rather than by
// the first query. Close releases the pool.
func Open(cfg Config) (*Pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitepool: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}

	inner, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepare(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", cfg.Path, err)
	}

	first, err := inner.Take(context.Background())
	if err != nil {
		inner.Close()
		return nil, fmt.Errorf("sqlitepool: preparing %s: %w", cfg.Path, err)
	}
	inner.Put(first)

	logger.Debug("history database opened", "path", cfg.Path, "pool_size", size)
	return &Pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

// Take borrows a connection, waiting until one is free or ctx is done.
// Every successful Take must be paired with Put.
func (p *Pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: take: %w", err)
	}
	return conn, nil
}

// Put gives conn back to the pool. A nil conn is ignored.
func (p *Pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// WithConn runs fn on a borrowed connection. The connection goes back
// to the pool whatever fn returns.
func (p *Pool) WithConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := p.Take(ctx)
	if err != nil {
		return err
	}
	defer p.Put(conn)
	return fn(conn)
}

// Path returns the database file.
func (p *Pool) Path() string { return p.path }

// Close waits for borrowed connections to come back and closes them
// all.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("closing history database failed", "path", p.path, "error", err)
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	p.logger.Debug("history database closed", "path", p.path)
	return nil
}

func prepare(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	for _, pragma := range historyPragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitepool: %s: %w", pragma, err)
		}
	}
	if onConnect == nil {
		return nil
	}
	if err := onConnect(conn); err != nil {
		return fmt.Errorf("sqlitepool: OnConnect: %w", err)
	}
	return nil
}
