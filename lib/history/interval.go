// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/tracestate/lib/attribute"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
)

var (
	// ErrTimeRange is returned when a timestamp falls outside the
	// recorded span of a history, or a write arrives out of order.
	ErrTimeRange = errors.New("timestamp out of range")

	// ErrDisposed is returned by every operation on a history that has
	// been torn down.
	ErrDisposed = errors.New("state system disposed")
)

// Interval is a maximal span during which one attribute held one value.
// End is inclusive.
type Interval struct {
	Quark int
	Start int64
	End   int64
	Value statevalue.Value
}

// Contains reports whether timestamp falls inside the interval.
func (iv Interval) Contains(timestamp int64) bool {
	return iv.Start <= timestamp && timestamp <= iv.End
}

// Duration returns the number of time units covered, counting both
// ends.
func (iv Interval) Duration() int64 { return iv.End - iv.Start + 1 }

func (iv Interval) String() string {
	return fmt.Sprintf("quark %d [%d, %d] %s=%v", iv.Quark, iv.Start, iv.End, iv.Value.Kind(), iv.Value)
}

// Backend persists the closed intervals of one state history.
// Implementations must allow concurrent queries alongside a single
// writer calling Insert.
type Backend interface {
	// StartTime is the earliest timestamp of the history.
	StartTime() int64

	// EndTime is the latest end of any inserted interval, or the end
	// passed to Finish.
	EndTime() int64

	// Insert stores a closed interval. The interval must start after
	// the previous interval of the same quark ended.
	Insert(ctx context.Context, interval Interval) error

	// QuerySingle returns the stored interval of quark containing
	// timestamp, and false when none is stored.
	QuerySingle(ctx context.Context, timestamp int64, quark int) (Interval, bool, error)

	// QueryFull fills intervals[q] and sets found[q] for every quark q
	// below len(intervals) that has a stored interval containing
	// timestamp. Entries without a stored interval are left untouched.
	QueryFull(ctx context.Context, timestamp int64, intervals []Interval, found []bool) error

	// Finish records that no more intervals will be inserted and that
	// the history ends at endTime.
	Finish(ctx context.Context, endTime int64) error

	// Dispose releases the backend. Every later call fails with
	// ErrDisposed.
	Dispose() error
}

// AttributePersister is implemented by backends that can store the
// attribute tree next to the intervals, so a finished history can be
// reopened without its trace.
type AttributePersister interface {
	// SaveAttributes replaces the stored attribute tree.
	SaveAttributes(ctx context.Context, entries []attribute.Entry) error

	// LoadAttributes returns the stored tree and true when the backend
	// holds a finished history.
	LoadAttributes(ctx context.Context) ([]attribute.Entry, bool, error)
}

func validateInsert(start int64, lastEnd int64, hasLast bool, interval Interval) error {
	if interval.Quark < 0 {
		return fmt.Errorf("inserting interval: %w: %d", attribute.ErrInvalidQuark, interval.Quark)
	}
	if interval.End < interval.Start {
		return fmt.Errorf("inserting interval %v: %w: end precedes start", interval, ErrTimeRange)
	}
	if interval.Start < start {
		return fmt.Errorf("inserting interval %v: %w: starts before history start %d", interval, ErrTimeRange, start)
	}
	if hasLast && interval.Start <= lastEnd {
		return fmt.Errorf("inserting interval %v: %w: overlaps previous interval ending at %d", interval, ErrTimeRange, lastEnd)
	}
	return nil
}
