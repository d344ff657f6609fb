// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps every interval in memory, one append-only slice
// per quark.
type MemoryBackend struct {
	mu        sync.RWMutex
	start     int64
	end       int64
	intervals [][]Interval
	disposed  bool
}

// NewMemoryBackend returns an empty backend whose history starts at
// startTime.
func NewMemoryBackend(startTime int64) *MemoryBackend {
	return &MemoryBackend{start: startTime, end: startTime}
}

// StartTime implements [Backend].
func (b *MemoryBackend) StartTime() int64 { return b.start }

// EndTime implements [Backend].
func (b *MemoryBackend) EndTime() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.end
}

// Insert implements [Backend].
func (b *MemoryBackend) Insert(_ context.Context, interval Interval) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return ErrDisposed
	}
	var last Interval
	hasLast := false
	if interval.Quark >= 0 && interval.Quark < len(b.intervals) {
		if list := b.intervals[interval.Quark]; len(list) > 0 {
			last, hasLast = list[len(list)-1], true
		}
	}
	if err := validateInsert(b.start, last.End, hasLast, interval); err != nil {
		return err
	}

	for len(b.intervals) <= interval.Quark {
		b.intervals = append(b.intervals, nil)
	}
	b.intervals[interval.Quark] = append(b.intervals[interval.Quark], interval)
	if interval.End > b.end {
		b.end = interval.End
	}
	return nil
}

// QuerySingle implements [Backend].
func (b *MemoryBackend) QuerySingle(_ context.Context, timestamp int64, quark int) (Interval, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed {
		return Interval{}, false, ErrDisposed
	}
	interval, found := b.findLocked(timestamp, quark)
	return interval, found, nil
}

func (b *MemoryBackend) findLocked(timestamp int64, quark int) (Interval, bool) {
	if quark < 0 || quark >= len(b.intervals) {
		return Interval{}, false
	}
	list := b.intervals[quark]
	index := sort.Search(len(list), func(i int) bool { return list[i].End >= timestamp })
	if index < len(list) && list[index].Start <= timestamp {
		return list[index], true
	}
	return Interval{}, false
}

// QueryFull implements [Backend].
func (b *MemoryBackend) QueryFull(_ context.Context, timestamp int64, intervals []Interval, found []bool) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.disposed {
		return ErrDisposed
	}
	for quark := range intervals {
		if interval, ok := b.findLocked(timestamp, quark); ok {
			intervals[quark] = interval
			found[quark] = true
		}
	}
	return nil
}

// Finish implements [Backend].
func (b *MemoryBackend) Finish(_ context.Context, endTime int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return ErrDisposed
	}
	if endTime > b.end {
		b.end = endTime
	}
	return nil
}

// Dispose implements [Backend]. The intervals are released.
func (b *MemoryBackend) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disposed = true
	b.intervals = nil
	return nil
}

// Len returns the number of stored intervals across all quarks.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, list := range b.intervals {
		total += len(list)
	}
	return total
}
