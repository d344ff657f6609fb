// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind
// on-disk state histories.
//
// It wraps zombiezen.com/go/sqlite with the pragmas a history file
// wants: WAL journaling so queries from many readers never block the
// single analysis writer, NORMAL synchronous because a history can
// always be rebuilt from its trace, memory-mapped reads for fast point
// queries, and a busy timeout for the rare write contention.
//
// [Open] prepares one connection before returning, so a database that
// cannot be opened or a schema that fails in OnConnect is an Open
// error.
//
// Callers [Pool.Take] a connection, perform work, and [Pool.Put] it
// back, or use [Pool.WithConn] to pair the two. Connections are NOT
// safe for concurrent use; each goroutine must hold its own connection
// for the duration of its work.
//
// # Pragmas
//
//   - journal_mode=WAL: concurrent readers and a single writer.
//   - synchronous=NORMAL: survives process crashes, not power loss.
//   - busy_timeout=5000: wait up to 5 seconds for the write lock.
//   - cache_size=-8192: 8 MB page cache per connection.
//   - mmap_size=268435456: 256 MB memory-mapped I/O for reads.
//   - temp_store=MEMORY: temporary tables and indexes in memory.
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   filepath.Join(traceDirectory, ".tc-states", "kernel.history.db"),
//	    Logger: logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.WithConn(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, query, options)
//	})
//
// The package applies pragmas and exposes the
// underlying zombiezen types directly. Callers write SQL and manage
// transactions with sqlitex.ImmediateTransaction.
package sqlitepool
