// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statesystem_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/bureau-foundation/tracestate/lib/history"
	"github.com/bureau-foundation/tracestate/lib/statesystem"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
)

// cancellingBackend cancels a context after a fixed number of point
// queries, to stop a range walk at a known position.
type cancellingBackend struct {
	*history.MemoryBackend
	cancel    context.CancelFunc
	remaining int
}

func (b *cancellingBackend) QuerySingle(ctx context.Context, timestamp int64, quark int) (history.Interval, bool, error) {
	b.remaining--
	if b.remaining == 0 {
		b.cancel()
	}
	return b.MemoryBackend.QuerySingle(ctx, timestamp, quark)
}

func starts(intervals []history.Interval) []int64 {
	result := make([]int64, len(intervals))
	for index, interval := range intervals {
		result[index] = interval.Start
	}
	return result
}

// buildCounter records a value change at every timestamp in
// [0, 99] with the given stride.
func buildCounter(t *testing.T, system *statesystem.System, stride int64) int {
	t.Helper()
	quark := system.QuarkAbsoluteAndAdd("counter")
	for timestamp := int64(0); timestamp < 100; timestamp += stride {
		modify(t, system, timestamp, quark, statevalue.NewLong(timestamp))
	}
	closeHistory(t, system, 99)
	return quark
}

func TestQueryHistoryRangeResolution(t *testing.T) {
	tests := []struct {
		name       string
		stride     int64
		t1, t2     int64
		resolution int64
		want       []int64
	}{
		{
			name:   "every interval",
			stride: 25, t1: 0, t2: 99, resolution: 0,
			want: []int64{0, 25, 50, 75},
		},
		{
			name:   "resolution smaller than intervals keeps all",
			stride: 25, t1: 0, t2: 99, resolution: 10,
			want: []int64{0, 25, 50, 75},
		},
		{
			name:   "resolution skips short intervals",
			stride: 1, t1: 0, t2: 99, resolution: 10,
			want: []int64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 99},
		},
		{
			name:   "t2 clamped to end",
			stride: 25, t1: 60, t2: 1000, resolution: 0,
			want: []int64{50, 75},
		},
		{
			name:   "last interval always present",
			stride: 1, t1: 5, t2: 47, resolution: 20,
			want: []int64{5, 25, 45, 47},
		},
		{
			name:   "range past end is empty",
			stride: 25, t1: 150, t2: 200, resolution: 0,
			want: []int64{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system := newMemorySystem(t, 0)
			quark := buildCounter(t, system, tt.stride)
			intervals, err := system.QueryHistoryRange(context.Background(), quark, tt.t1, tt.t2, tt.resolution)
			if err != nil {
				t.Fatalf("QueryHistoryRange: %v", err)
			}
			if got := starts(intervals); !slices.Equal(got, tt.want) {
				t.Errorf("interval starts = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryHistoryRangeErrors(t *testing.T) {
	ctx := context.Background()
	system := newMemorySystem(t, 10)
	quark := system.QuarkAbsoluteAndAdd("x")
	closeHistory(t, system, 50)

	if _, err := system.QueryHistoryRange(ctx, quark, 5, 20, 0); !errors.Is(err, statesystem.ErrTimeRange) {
		t.Errorf("t1 before start err = %v, want ErrTimeRange", err)
	}
	if _, err := system.QueryHistoryRange(ctx, quark, 30, 20, 0); !errors.Is(err, statesystem.ErrTimeRange) {
		t.Errorf("t2 before t1 err = %v, want ErrTimeRange", err)
	}
}

func TestQueryHistoryRangeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := &cancellingBackend{
		MemoryBackend: history.NewMemoryBackend(0),
		cancel:        cancel,
		remaining:     -1,
	}
	system, err := statesystem.New(statesystem.Config{ID: "cancel", Backend: backend})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer system.Dispose()
	quark := buildCounter(t, system, 1)

	backend.remaining = 5
	intervals, err := system.QueryHistoryRange(ctx, quark, 0, 99, 0)
	if err != nil {
		t.Fatalf("cancelled QueryHistoryRange err = %v, want nil", err)
	}
	if got := starts(intervals); !slices.Equal(got, []int64{0, 1, 2, 3, 4}) {
		t.Errorf("partial result starts = %v, want the first five intervals", got)
	}

	intervals, err = system.QueryHistoryRange(ctx, quark, 0, 99, 0)
	if err != nil || len(intervals) != 0 {
		t.Errorf("already cancelled: %d intervals, err %v; want none and nil", len(intervals), err)
	}
}

func TestQueryUntilNonNull(t *testing.T) {
	ctx := context.Background()
	system := newMemorySystem(t, 0)
	late := system.QuarkAbsoluteAndAdd("late")
	never := system.QuarkAbsoluteAndAdd("never")
	modify(t, system, 20, late, statevalue.Null())
	modify(t, system, 50, late, statevalue.NewString("x"))
	closeHistory(t, system, 100)

	interval, found, err := system.QueryUntilNonNull(ctx, late, 0, 100)
	if err != nil || !found {
		t.Fatalf("QueryUntilNonNull = found %v, err %v", found, err)
	}
	expectInterval(t, interval, 50, 100, statevalue.NewString("x"))

	if _, found, err := system.QueryUntilNonNull(ctx, late, 0, 49); found || err != nil {
		t.Errorf("range before the value: found %v, err %v", found, err)
	}
	if _, found, err := system.QueryUntilNonNull(ctx, never, 0, 100); found || err != nil {
		t.Errorf("never set: found %v, err %v", found, err)
	}
}
