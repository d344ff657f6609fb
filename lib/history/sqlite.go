// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/tracestate/lib/attribute"
	"github.com/bureau-foundation/tracestate/lib/sqlitepool"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS attributes (
	quark  INTEGER PRIMARY KEY,
	parent INTEGER NOT NULL,
	name   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS intervals (
	quark       INTEGER NOT NULL,
	start_time  INTEGER NOT NULL,
	end_time    INTEGER NOT NULL,
	kind        INTEGER NOT NULL,
	int_value   INTEGER,
	text_value  TEXT,
	blob_value  BLOB
);
CREATE INDEX IF NOT EXISTS intervals_quark_end ON intervals (quark, end_time);
CREATE INDEX IF NOT EXISTS intervals_end ON intervals (end_time);
CREATE TABLE IF NOT EXISTS source (
	digest BLOB NOT NULL
);
`

const (
	metaStartTime = "start_time"
	metaEndTime   = "end_time"
	metaFinished  = "finished"
)

// intervalColumns is the column list of a stored interval, in the
// order scanRow reads it.
const intervalColumns = "quark, start_time, end_time, kind, int_value, text_value, blob_value"

// insertBatchSize is the number of intervals buffered before they are
// written in one transaction.
const insertBatchSize = 1024

// SQLiteConfig holds the parameters for opening a SQLite history.
type SQLiteConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// StartTime is the history start for a new database. Ignored when
	// the file already holds a finished history of the same Source.
	StartTime int64

	// Source identifies the input the history is built from, typically
	// a digest of it. A finished history recorded with a different
	// Source is discarded on open.
	Source []byte

	// PoolSize is the number of connections. Defaults to
	// sqlitepool.DefaultPoolSize.
	PoolSize int

	// Registry decodes custom values on read. Without one, reading a
	// custom value fails with statevalue.ErrCustomCodec.
	Registry *statevalue.Registry

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// SQLiteBackend stores intervals in a SQLite database.
//
// Doubles are stored as their IEEE 754 bit pattern in int_value
// because SQLite turns NaN into NULL. Custom values are stored as their
// type-id-prefixed encoding in blob_value.
type SQLiteBackend struct {
	pool     *sqlitepool.Pool
	registry *statevalue.Registry
	logger   *slog.Logger
	source   []byte
	start    int64

	// mu guards the fields below. Insert validation needs the last end
	// of every quark without a round trip to the database.
	mu       sync.RWMutex
	end      int64
	lastEnds map[int]int64
	pending  []row
	finished bool
	disposed bool
}

// row is an interval in its stored form. Only the value column
// matching kind is meaningful.
type row struct {
	quark      int
	start, end int64
	kind       statevalue.Kind
	integer    int64
	text       string
	blob       []byte
}

func encodeRow(interval Interval) row {
	stored := row{
		quark: interval.Quark,
		start: interval.Start,
		end:   interval.End,
		kind:  interval.Value.Kind(),
	}
	value := interval.Value
	switch value.Kind() {
	case statevalue.KindInt, statevalue.KindLong:
		stored.integer = value.Long()
	case statevalue.KindDouble:
		stored.integer = int64(math.Float64bits(value.Double()))
	case statevalue.KindString:
		stored.text = value.Str()
	case statevalue.KindCustom:
		stored.blob = statevalue.EncodeCustom(value.Custom())
	}
	return stored
}

// args returns the statement arguments for intervalColumns, with NULL
// in the value columns the kind does not use.
func (r row) args() []any {
	var integer, text, blob any
	switch r.kind {
	case statevalue.KindInt, statevalue.KindLong, statevalue.KindDouble:
		integer = r.integer
	case statevalue.KindString:
		text = r.text
	case statevalue.KindCustom:
		blob = r.blob
	}
	return []any{r.quark, r.start, r.end, int(r.kind), integer, text, blob}
}

func (r row) contains(timestamp int64) bool {
	return r.start <= timestamp && timestamp <= r.end
}

// OpenSQLiteBackend opens or creates a SQLite history. A file holding a
// finished history built from cfg.Source is reopened read-only in
// spirit: its start and end come from the file and Insert fails. An
// unfinished file (an interrupted build) or one built from another
// source is cleared and restarted at cfg.StartTime.
func OpenSQLiteBackend(ctx context.Context, cfg SQLiteConfig) (*SQLiteBackend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite history: %w", err)
	}

	backend := &SQLiteBackend{
		pool:     pool,
		registry: cfg.Registry,
		logger:   logger,
		source:   cfg.Source,
		start:    cfg.StartTime,
		end:      cfg.StartTime,
		lastEnds: make(map[int]int64),
	}

	if err := backend.initialize(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlite history %s: %w", cfg.Path, err)
	}
	return backend, nil
}

func (b *SQLiteBackend) initialize(ctx context.Context) (err error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	meta, err := readMeta(conn)
	if err != nil {
		return err
	}

	stored, err := readSource(conn)
	if err != nil {
		return err
	}

	finished := meta[metaFinished] == 1
	if finished && bytes.Equal(stored, b.source) {
		b.start = meta[metaStartTime]
		b.end = meta[metaEndTime]
		b.finished = true
		b.logger.Info("reopened finished history",
			"path", b.pool.Path(),
			"start", b.start,
			"end", b.end,
		)
		return nil
	}

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	switch {
	case finished:
		b.logger.Info("discarding history built from other input", "path", b.pool.Path())
	case len(meta) > 0:
		b.logger.Warn("discarding unfinished history", "path", b.pool.Path())
	}
	for _, statement := range []string{
		"DELETE FROM intervals",
		"DELETE FROM attributes",
		"DELETE FROM meta",
		"DELETE FROM source",
	} {
		if err := sqlitex.Execute(conn, statement, nil); err != nil {
			return fmt.Errorf("%s: %w", statement, err)
		}
	}
	if b.source != nil {
		err := sqlitex.Execute(conn, "INSERT INTO source (digest) VALUES (?)",
			&sqlitex.ExecOptions{Args: []any{b.source}})
		if err != nil {
			return fmt.Errorf("writing source: %w", err)
		}
	}
	return writeMeta(conn, map[string]int64{
		metaStartTime: b.start,
		metaEndTime:   b.start,
		metaFinished:  0,
	})
}

func readMeta(conn *sqlite.Conn) (map[string]int64, error) {
	meta := make(map[string]int64)
	err := sqlitex.Execute(conn, "SELECT key, value FROM meta", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			meta[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	return meta, nil
}

// readSource returns the recorded source digest, nil when none was
// recorded.
func readSource(conn *sqlite.Conn) ([]byte, error) {
	var digest []byte
	err := sqlitex.Execute(conn, "SELECT digest FROM source LIMIT 1", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			digest = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, digest)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reading source: %w", err)
	}
	return digest, nil
}

func writeMeta(conn *sqlite.Conn, values map[string]int64) error {
	for key, value := range values {
		err := sqlitex.Execute(conn,
			"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			&sqlitex.ExecOptions{Args: []any{key, value}})
		if err != nil {
			return fmt.Errorf("writing meta %s: %w", key, err)
		}
	}
	return nil
}

// StartTime implements [Backend].
func (b *SQLiteBackend) StartTime() int64 { return b.start }

// EndTime implements [Backend].
func (b *SQLiteBackend) EndTime() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.end
}

// Finished reports whether the backend holds a complete history.
func (b *SQLiteBackend) Finished() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.finished
}

// Insert implements [Backend]. Intervals are buffered and written
// in batches; queries see buffered intervals as well.
func (b *SQLiteBackend) Insert(ctx context.Context, interval Interval) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return ErrDisposed
	}
	if b.finished {
		return fmt.Errorf("sqlite history: insert into finished history %s", b.pool.Path())
	}
	lastEnd, hasLast := b.lastEnds[interval.Quark]
	if err := validateInsert(b.start, lastEnd, hasLast, interval); err != nil {
		return err
	}

	previousEnd := b.end
	b.pending = append(b.pending, encodeRow(interval))
	b.lastEnds[interval.Quark] = interval.End
	if interval.End > b.end {
		b.end = interval.End
	}
	if len(b.pending) < insertBatchSize {
		return nil
	}
	if err := b.flushLocked(ctx, nil); err != nil {
		// The rest of the batch stays buffered; this interval is
		// withdrawn so the caller can retry it.
		b.pending = b.pending[:len(b.pending)-1]
		b.end = previousEnd
		if hasLast {
			b.lastEnds[interval.Quark] = lastEnd
		} else {
			delete(b.lastEnds, interval.Quark)
		}
		return err
	}
	return nil
}

// flushLocked writes the buffered intervals, and meta when given, in
// one transaction. On failure the intervals stay buffered. The caller
// holds mu for writing.
func (b *SQLiteBackend) flushLocked(ctx context.Context, meta map[string]int64) error {
	if len(b.pending) == 0 && meta == nil {
		return nil
	}
	err := b.pool.WithConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer endTransaction(&err)

		for _, pending := range b.pending {
			err := sqlitex.Execute(conn,
				"INSERT INTO intervals ("+intervalColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
				&sqlitex.ExecOptions{Args: pending.args()})
			if err != nil {
				return fmt.Errorf("inserting quark %d [%d, %d]: %w", pending.quark, pending.start, pending.end, err)
			}
		}
		if meta != nil {
			return writeMeta(conn, meta)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sqlite history: writing %d intervals: %w", len(b.pending), err)
	}
	b.logger.Debug("intervals written", "path", b.pool.Path(), "count", len(b.pending))
	b.pending = b.pending[:0]
	return nil
}

// QuerySingle implements [Backend].
func (b *SQLiteBackend) QuerySingle(ctx context.Context, timestamp int64, quark int) (Interval, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.disposed {
		return Interval{}, false, ErrDisposed
	}

	for _, pending := range b.pending {
		if pending.quark == quark && pending.contains(timestamp) {
			interval, err := b.decodeRow(pending)
			if err != nil {
				return Interval{}, false, fmt.Errorf("sqlite history: querying quark %d at %d: %w", quark, timestamp, err)
			}
			return interval, true, nil
		}
	}

	var result Interval
	found := false
	err := b.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT "+intervalColumns+" FROM intervals WHERE quark = ? AND end_time >= ? AND start_time <= ? ORDER BY end_time LIMIT 1",
			&sqlitex.ExecOptions{
				Args: []any{quark, timestamp, timestamp},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					interval, err := b.decodeRow(scanRow(stmt))
					if err != nil {
						return err
					}
					result, found = interval, true
					return nil
				},
			})
	})
	if err != nil {
		return Interval{}, false, fmt.Errorf("sqlite history: querying quark %d at %d: %w", quark, timestamp, err)
	}
	return result, found, nil
}

// QueryFull implements [Backend].
func (b *SQLiteBackend) QueryFull(ctx context.Context, timestamp int64, intervals []Interval, found []bool) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.disposed {
		return ErrDisposed
	}

	err := b.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT "+intervalColumns+" FROM intervals WHERE end_time >= ? AND start_time <= ? AND quark < ?",
			&sqlitex.ExecOptions{
				Args: []any{timestamp, timestamp, len(intervals)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					interval, err := b.decodeRow(scanRow(stmt))
					if err != nil {
						return err
					}
					intervals[interval.Quark] = interval
					found[interval.Quark] = true
					return nil
				},
			})
	})
	if err != nil {
		return fmt.Errorf("sqlite history: full query at %d: %w", timestamp, err)
	}

	for _, pending := range b.pending {
		if pending.quark >= len(intervals) || !pending.contains(timestamp) {
			continue
		}
		interval, err := b.decodeRow(pending)
		if err != nil {
			return fmt.Errorf("sqlite history: full query at %d: %w", timestamp, err)
		}
		intervals[interval.Quark] = interval
		found[interval.Quark] = true
	}
	return nil
}

// scanRow reads one row selected with intervalColumns.
func scanRow(stmt *sqlite.Stmt) row {
	stored := row{
		quark:   stmt.ColumnInt(0),
		start:   stmt.ColumnInt64(1),
		end:     stmt.ColumnInt64(2),
		kind:    statevalue.Kind(stmt.ColumnInt(3)),
		integer: stmt.ColumnInt64(4),
		text:    stmt.ColumnText(5),
	}
	if stored.kind == statevalue.KindCustom {
		stored.blob = make([]byte, stmt.ColumnLen(6))
		stmt.ColumnBytes(6, stored.blob)
	}
	return stored
}

// decodeRow rebuilds the interval of a stored row. Custom values go
// through the registry whether the row was read back or is still
// buffered.
func (b *SQLiteBackend) decodeRow(stored row) (Interval, error) {
	interval := Interval{Quark: stored.quark, Start: stored.start, End: stored.end}
	switch stored.kind {
	case statevalue.KindNull:
		interval.Value = statevalue.Null()
	case statevalue.KindInt:
		interval.Value = statevalue.NewInt(int32(stored.integer))
	case statevalue.KindLong:
		interval.Value = statevalue.NewLong(stored.integer)
	case statevalue.KindDouble:
		interval.Value = statevalue.NewDouble(math.Float64frombits(uint64(stored.integer)))
	case statevalue.KindString:
		interval.Value = statevalue.NewString(stored.text)
	case statevalue.KindCustom:
		value, err := b.registry.DecodeValue(stored.blob)
		if err != nil {
			return Interval{}, fmt.Errorf("quark %d [%d, %d]: %w", stored.quark, stored.start, stored.end, err)
		}
		interval.Value = value
	default:
		return Interval{}, fmt.Errorf("quark %d: unknown value kind %d", stored.quark, stored.kind)
	}
	return interval, nil
}

// Finish implements [Backend].
func (b *SQLiteBackend) Finish(ctx context.Context, endTime int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return ErrDisposed
	}
	if endTime < b.end {
		endTime = b.end
	}
	err := b.flushLocked(ctx, map[string]int64{
		metaEndTime:  endTime,
		metaFinished: 1,
	})
	if err != nil {
		return fmt.Errorf("sqlite history: finishing: %w", err)
	}
	b.end = endTime
	b.finished = true
	b.lastEnds = nil
	b.pending = nil
	b.logger.Info("history finished", "path", b.pool.Path(), "start", b.start, "end", endTime)
	return nil
}

// SaveAttributes implements [AttributePersister].
func (b *SQLiteBackend) SaveAttributes(ctx context.Context, entries []attribute.Entry) error {
	if err := b.checkDisposed(); err != nil {
		return err
	}

	return b.pool.WithConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("sqlite history: begin transaction: %w", err)
		}
		defer endTransaction(&err)

		if err := sqlitex.Execute(conn, "DELETE FROM attributes", nil); err != nil {
			return fmt.Errorf("sqlite history: clearing attributes: %w", err)
		}
		for _, entry := range entries {
			err := sqlitex.Execute(conn, "INSERT INTO attributes (quark, parent, name) VALUES (?, ?, ?)",
				&sqlitex.ExecOptions{Args: []any{entry.Quark, entry.Parent, entry.Name}})
			if err != nil {
				return fmt.Errorf("sqlite history: saving attribute %d: %w", entry.Quark, err)
			}
		}
		return nil
	})
}

// LoadAttributes implements [AttributePersister].
func (b *SQLiteBackend) LoadAttributes(ctx context.Context) ([]attribute.Entry, bool, error) {
	if err := b.checkDisposed(); err != nil {
		return nil, false, err
	}
	if !b.Finished() {
		return nil, false, nil
	}

	var entries []attribute.Entry
	err := b.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT quark, parent, name FROM attributes ORDER BY quark", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, attribute.Entry{
					Quark:  stmt.ColumnInt(0),
					Parent: stmt.ColumnInt(1),
					Name:   stmt.ColumnText(2),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("sqlite history: loading attributes: %w", err)
	}
	return entries, true, nil
}

// Dispose implements [Backend]. The database file is kept; intervals
// of an unfinished history still buffered are dropped, as the whole
// unfinished history is on the next open.
func (b *SQLiteBackend) Dispose() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	b.mu.Unlock()
	return b.pool.Close()
}

func (b *SQLiteBackend) checkDisposed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.disposed {
		return ErrDisposed
	}
	return nil
}
