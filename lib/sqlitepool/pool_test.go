// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/tracestate/lib/sqlitepool"
)

const intervalSchema = `
	CREATE TABLE IF NOT EXISTS intervals (
		quark      INTEGER NOT NULL,
		start_time INTEGER NOT NULL,
		end_time   INTEGER NOT NULL
	);`

func createIntervals(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, intervalSchema, nil)
}

// openHistoryPool opens a pool on a fresh database file with the
// interval table, closed when the test ends.
func openHistoryPool(t *testing.T, size int) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "kernel.history.db"),
		PoolSize:  size,
		OnConnect: createIntervals,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}

func insertInterval(conn *sqlite.Conn, quark int, start, end int64) error {
	return sqlitex.Execute(conn,
		"INSERT INTO intervals (quark, start_time, end_time) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{quark, start, end}})
}

func countIntervals(ctx context.Context, pool *sqlitepool.Pool) (int64, error) {
	var count int64
	err := pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT count(*) FROM intervals", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	return count, err
}

func TestHistoryPragmas(t *testing.T) {
	pool := openHistoryPool(t, 1)
	if filepath.Base(pool.Path()) != "kernel.history.db" {
		t.Errorf("Path() = %q", pool.Path())
	}

	tests := []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"temp_store", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.pragma, func(t *testing.T) {
			var got string
			err := pool.WithConn(context.Background(), func(conn *sqlite.Conn) error {
				return sqlitex.Execute(conn, "PRAGMA "+tt.pragma, &sqlitex.ExecOptions{
					ResultFunc: func(stmt *sqlite.Stmt) error {
						got = stmt.ColumnText(0)
						return nil
					},
				})
			})
			if err != nil {
				t.Fatalf("PRAGMA %s: %v", tt.pragma, err)
			}
			if got != tt.want {
				t.Errorf("PRAGMA %s = %q, want %q", tt.pragma, got, tt.want)
			}
		})
	}
}

func TestReadersDuringOpenWrite(t *testing.T) {
	pool := openHistoryPool(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return insertInterval(conn, 0, 0, 99)
	}); err != nil {
		t.Fatalf("inserting committed interval: %v", err)
	}

	writer, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take writer: %v", err)
	}
	endTransaction, err := sqlitex.ImmediateTransaction(writer)
	if err != nil {
		t.Fatalf("ImmediateTransaction: %v", err)
	}
	if err := insertInterval(writer, 0, 100, 199); err != nil {
		t.Fatalf("inserting pending interval: %v", err)
	}

	const readers = 2
	counts := make(chan int64, readers)
	failures := make(chan error, readers)
	var waitGroup sync.WaitGroup
	for range readers {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			count, err := countIntervals(ctx, pool)
			if err != nil {
				failures <- err
				return
			}
			counts <- count
		}()
	}
	waitGroup.Wait()
	close(counts)
	close(failures)
	for err := range failures {
		t.Errorf("reader during write: %v", err)
	}
	for count := range counts {
		if count != 1 {
			t.Errorf("reader saw %d intervals during the write, want the 1 committed", count)
		}
	}

	var commitErr error
	endTransaction(&commitErr)
	pool.Put(writer)
	if commitErr != nil {
		t.Fatalf("commit: %v", commitErr)
	}
	count, err := countIntervals(ctx, pool)
	if err != nil {
		t.Fatalf("count after commit: %v", err)
	}
	if count != 2 {
		t.Errorf("count after commit = %d, want 2", count)
	}
}

func TestWithConnReturnsConnectionOnError(t *testing.T) {
	pool := openHistoryPool(t, 1)
	queryFailed := errors.New("query failed")

	err := pool.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		return queryFailed
	})
	if !errors.Is(err, queryFailed) {
		t.Fatalf("WithConn err = %v, want %v", err, queryFailed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("the only connection was not returned after a failing fn: %v", err)
	}
	pool.Put(conn)
}

func TestTakeWhileReadersHoldEveryConnection(t *testing.T) {
	pool := openHistoryPool(t, 2)
	var held []*sqlite.Conn
	for range 2 {
		conn, err := pool.Take(context.Background())
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		held = append(held, conn)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if conn, err := pool.Take(cancelled); err == nil {
		pool.Put(conn)
		t.Fatal("Take with a cancelled context succeeded on an exhausted pool")
	}

	expiring, cancelExpiring := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelExpiring()
	if conn, err := pool.Take(expiring); err == nil {
		pool.Put(conn)
		t.Fatal("Take outlived its deadline on an exhausted pool")
	}

	pool.Put(held[0])
	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	conn, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take after a reader finished: %v", err)
	}
	pool.Put(conn)
	pool.Put(held[1])
}

func TestOpenFailures(t *testing.T) {
	tests := []struct {
		name   string
		config func(directory string) sqlitepool.Config
	}{
		{
			name:   "no path",
			config: func(string) sqlitepool.Config { return sqlitepool.Config{} },
		},
		{
			name: "schema error",
			config: func(directory string) sqlitepool.Config {
				return sqlitepool.Config{
					Path: filepath.Join(directory, "kernel.history.db"),
					OnConnect: func(conn *sqlite.Conn) error {
						return sqlitex.ExecuteScript(conn, "CREATE INDEX by_end ON missing (end_time);", nil)
					},
				}
			},
		},
		{
			name: "missing directory",
			config: func(directory string) sqlitepool.Config {
				return sqlitepool.Config{Path: filepath.Join(directory, "absent", "kernel.history.db")}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := sqlitepool.Open(tt.config(t.TempDir()))
			if err == nil {
				pool.Close()
				t.Fatal("Open succeeded")
			}
		})
	}
}
