// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statesystem_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tracestate/lib/attribute"
	"github.com/bureau-foundation/tracestate/lib/history"
	"github.com/bureau-foundation/tracestate/lib/statesystem"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
	"github.com/bureau-foundation/tracestate/lib/testutil"
)

func newMemorySystem(t *testing.T, start int64) *statesystem.System {
	t.Helper()
	system, err := statesystem.New(statesystem.Config{
		ID:      testutil.UniqueID("memory"),
		Backend: history.NewMemoryBackend(start),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { system.Dispose() })
	return system
}

func newSQLiteSystem(t *testing.T, start int64) *statesystem.System {
	t.Helper()
	backend, err := history.OpenSQLiteBackend(context.Background(), history.SQLiteConfig{
		Path:      filepath.Join(t.TempDir(), "history.db"),
		StartTime: start,
	})
	if err != nil {
		t.Fatalf("OpenSQLiteBackend: %v", err)
	}
	system, err := statesystem.New(statesystem.Config{
		ID:      testutil.UniqueID("sqlite"),
		Backend: backend,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { system.Dispose() })
	return system
}

func modify(t *testing.T, system *statesystem.System, timestamp int64, quark int, value statevalue.Value) {
	t.Helper()
	if err := system.ModifyAttribute(context.Background(), timestamp, quark, value); err != nil {
		t.Fatalf("ModifyAttribute(%d, %d, %v): %v", timestamp, quark, value, err)
	}
}

func closeHistory(t *testing.T, system *statesystem.System, end int64) {
	t.Helper()
	if err := system.CloseHistory(context.Background(), end); err != nil {
		t.Fatalf("CloseHistory(%d): %v", end, err)
	}
}

func expectInterval(t *testing.T, got history.Interval, start, end int64, value statevalue.Value) {
	t.Helper()
	if got.Start != start || got.End != end || !got.Value.Equal(value) {
		t.Errorf("interval = [%d, %d] %v, want [%d, %d] %v", got.Start, got.End, got.Value, start, end, value)
	}
}

func TestExecNameScenario(t *testing.T) {
	for _, tt := range []struct {
		name  string
		start int64
		want  []history.Interval
	}{
		{
			name:  "history starts at first change",
			start: 100,
			want: []history.Interval{
				{Start: 100, End: 199, Value: statevalue.NewString("bash")},
				{Start: 200, End: 300, Value: statevalue.NewString("sh")},
			},
		},
		{
			name:  "history starts earlier",
			start: 0,
			want: []history.Interval{
				{Start: 0, End: 99, Value: statevalue.Null()},
				{Start: 100, End: 199, Value: statevalue.NewString("bash")},
				{Start: 200, End: 300, Value: statevalue.NewString("sh")},
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			system := newMemorySystem(t, tt.start)
			quark := system.QuarkAbsoluteAndAdd("threads", "42", "exec_name")
			modify(t, system, 100, quark, statevalue.NewString("bash"))
			modify(t, system, 200, quark, statevalue.NewString("sh"))
			closeHistory(t, system, 300)

			intervals, err := system.QueryHistoryRange(ctx, quark, tt.start, 300, 0)
			if err != nil {
				t.Fatalf("QueryHistoryRange: %v", err)
			}
			if len(intervals) != len(tt.want) {
				t.Fatalf("got %d intervals %v, want %d", len(intervals), intervals, len(tt.want))
			}
			for index, want := range tt.want {
				expectInterval(t, intervals[index], want.Start, want.End, want.Value)
			}
		})
	}
}

// TestFullStateInvariant feeds a pseudo-random change stream and checks
// that every full-state query holds exactly one interval per quark
// containing the query time, agreeing with single-state queries.
func TestFullStateInvariant(t *testing.T) {
	for _, backend := range []struct {
		name      string
		newSystem func(*testing.T, int64) *statesystem.System
	}{
		{"memory", newMemorySystem},
		{"sqlite", newSQLiteSystem},
	} {
		t.Run(backend.name, func(t *testing.T) {
			ctx := context.Background()
			system := backend.newSystem(t, 10)
			random := rand.New(rand.NewPCG(7, 11))

			var quarks []int
			for cpu := 0; cpu < 4; cpu++ {
				quarks = append(quarks, system.QuarkAbsoluteAndAdd("cpus", strconv.Itoa(cpu), "status"))
			}

			check := func(timestamp int64) {
				t.Helper()
				full, err := system.QueryFullState(ctx, timestamp)
				if err != nil {
					t.Fatalf("QueryFullState(%d): %v", timestamp, err)
				}
				if len(full) != system.NbAttributes() {
					t.Fatalf("QueryFullState(%d) has %d entries, want %d", timestamp, len(full), system.NbAttributes())
				}
				for quark, interval := range full {
					if interval.Quark != quark || !interval.Contains(timestamp) {
						t.Fatalf("t=%d quark %d: interval %v does not contain it", timestamp, quark, interval)
					}
					single, err := system.QuerySingleState(ctx, timestamp, quark)
					if err != nil {
						t.Fatalf("QuerySingleState(%d, %d): %v", timestamp, quark, err)
					}
					if single.Start != interval.Start || single.End != interval.End || !single.Value.Equal(interval.Value) {
						t.Fatalf("t=%d quark %d: single %v, full %v", timestamp, quark, single, interval)
					}
				}
			}

			timestamp := int64(10)
			for step := 0; step < 200; step++ {
				timestamp += random.Int64N(3)
				quark := quarks[random.IntN(len(quarks))]
				modify(t, system, timestamp, quark, statevalue.NewInt(random.Int32N(5)))
				if step%20 == 0 {
					check(timestamp)
				}
			}
			closeHistory(t, system, timestamp+10)

			for query := system.StartTime(); query <= system.CurrentEndTime(); query++ {
				check(query)
			}
		})
	}
}

func TestQueryBoundaries(t *testing.T) {
	ctx := context.Background()
	system := newMemorySystem(t, 0)
	first := system.QuarkAbsoluteAndAdd("a")
	second := system.QuarkAbsoluteAndAdd("b")
	modify(t, system, 0, first, statevalue.NewInt(1))
	modify(t, system, 50, first, statevalue.NewInt(2))
	modify(t, system, 20, second, statevalue.NewLong(9))
	closeHistory(t, system, 100)

	tests := []struct {
		name      string
		timestamp int64
		quark     int
		start     int64
		end       int64
		value     statevalue.Value
	}{
		{"interval start", 50, first, 50, 100, statevalue.NewInt(2)},
		{"interval end", 49, first, 0, 49, statevalue.NewInt(1)},
		{"global start first quark", 0, first, 0, 49, statevalue.NewInt(1)},
		{"global start second quark", 0, second, 0, 19, statevalue.Null()},
		{"global end", 100, second, 20, 100, statevalue.NewLong(9)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interval, err := system.QuerySingleState(ctx, tt.timestamp, tt.quark)
			if err != nil {
				t.Fatalf("QuerySingleState: %v", err)
			}
			expectInterval(t, interval, tt.start, tt.end, tt.value)
		})
	}

	for _, timestamp := range []int64{-1, 101} {
		if _, err := system.QuerySingleState(ctx, timestamp, first); !errors.Is(err, statesystem.ErrTimeRange) {
			t.Errorf("QuerySingleState(%d) err = %v, want ErrTimeRange", timestamp, err)
		}
		if _, err := system.QueryFullState(ctx, timestamp); !errors.Is(err, statesystem.ErrTimeRange) {
			t.Errorf("QueryFullState(%d) err = %v, want ErrTimeRange", timestamp, err)
		}
	}
	if _, err := system.QuerySingleState(ctx, 10, 57); !errors.Is(err, attribute.ErrInvalidQuark) {
		t.Errorf("QuerySingleState on unallocated quark err = %v, want ErrInvalidQuark", err)
	}
}

func TestOngoingStateWhileBuilding(t *testing.T) {
	ctx := context.Background()
	system := newMemorySystem(t, 0)
	quark := system.QuarkAbsoluteAndAdd("cpus", "0", "current_thread")
	idle := system.QuarkAbsoluteAndAdd("cpus", "0", "idle")

	modify(t, system, 10, quark, statevalue.NewInt(42))
	if err := system.UpdateEndTime(25); err != nil {
		t.Fatalf("UpdateEndTime: %v", err)
	}
	if system.CurrentEndTime() != 25 {
		t.Fatalf("CurrentEndTime() = %d, want 25", system.CurrentEndTime())
	}

	// The ongoing interval stretches to the current end.
	interval, err := system.QuerySingleState(ctx, 25, quark)
	if err != nil {
		t.Fatalf("QuerySingleState: %v", err)
	}
	expectInterval(t, interval, 10, 25, statevalue.NewInt(42))

	// A quark never modified is null across the whole history so far.
	interval, err = system.QuerySingleState(ctx, 5, idle)
	if err != nil {
		t.Fatalf("QuerySingleState idle: %v", err)
	}
	expectInterval(t, interval, 0, 25, statevalue.Null())

	value, err := system.QueryOngoingState(ctx, quark)
	if err != nil || !value.Equal(statevalue.NewInt(42)) {
		t.Errorf("QueryOngoingState = %v, %v; want 42", value, err)
	}
	start, err := system.OngoingStartTime(ctx, quark)
	if err != nil || start != 10 {
		t.Errorf("OngoingStartTime = %d, %v; want 10", start, err)
	}

	if err := system.UpdateOngoingState(quark, statevalue.NewInt(7)); err != nil {
		t.Fatalf("UpdateOngoingState: %v", err)
	}
	interval, _ = system.QuerySingleState(ctx, 12, quark)
	expectInterval(t, interval, 10, 25, statevalue.NewInt(7))
}

func TestModifyOrdering(t *testing.T) {
	ctx := context.Background()
	system := newMemorySystem(t, 100)
	quark := system.QuarkAbsoluteAndAdd("x")

	if err := system.ModifyAttribute(ctx, 99, quark, statevalue.NewInt(1)); !errors.Is(err, statesystem.ErrTimeRange) {
		t.Errorf("modify before history start err = %v, want ErrTimeRange", err)
	}

	modify(t, system, 150, quark, statevalue.NewInt(1))
	if err := system.ModifyAttribute(ctx, 149, quark, statevalue.NewInt(2)); !errors.Is(err, statesystem.ErrTimeRange) {
		t.Errorf("modify going back in time err = %v, want ErrTimeRange", err)
	}

	// Same timestamp replaces the ongoing value without a new interval.
	modify(t, system, 150, quark, statevalue.NewInt(3))
	closeHistory(t, system, 200)
	intervals, err := system.QueryHistoryRange(ctx, quark, 100, 200, 0)
	if err != nil {
		t.Fatalf("QueryHistoryRange: %v", err)
	}
	if len(intervals) != 2 {
		t.Fatalf("got %d intervals %v, want 2", len(intervals), intervals)
	}
	expectInterval(t, intervals[1], 150, 200, statevalue.NewInt(3))
}

func TestCloseHistory(t *testing.T) {
	ctx := context.Background()
	system := newMemorySystem(t, 0)
	quark := system.QuarkAbsoluteAndAdd("x")
	modify(t, system, 40, quark, statevalue.NewInt(1))

	// An end before the current end is raised to it.
	closeHistory(t, system, 10)
	if system.CurrentEndTime() != 40 {
		t.Errorf("CurrentEndTime() = %d, want 40", system.CurrentEndTime())
	}
	if !system.IsBuilt() {
		t.Error("IsBuilt() = false after CloseHistory")
	}
	if !system.WaitUntilBuilt(ctx) {
		t.Error("WaitUntilBuilt = false after CloseHistory")
	}

	if err := system.ModifyAttribute(ctx, 50, quark, statevalue.NewInt(2)); !errors.Is(err, statesystem.ErrBuilt) {
		t.Errorf("modify after close err = %v, want ErrBuilt", err)
	}
	if err := system.CloseHistory(ctx, 60); !errors.Is(err, statesystem.ErrBuilt) {
		t.Errorf("second close err = %v, want ErrBuilt", err)
	}
	if err := system.UpdateEndTime(60); !errors.Is(err, statesystem.ErrBuilt) {
		t.Errorf("UpdateEndTime after close err = %v, want ErrBuilt", err)
	}
}

func TestWaitUntilBuilt(t *testing.T) {
	system := newMemorySystem(t, 0)
	result := make(chan bool, 1)
	go func() { result <- system.WaitUntilBuilt(context.Background()) }()

	closeHistory(t, system, 10)
	if !testutil.RequireReceive(t, result, 5*time.Second, "waiting for WaitUntilBuilt") {
		t.Error("WaitUntilBuilt = false, want true")
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	pending := newMemorySystem(t, 0)
	if pending.WaitUntilBuilt(cancelled) {
		t.Error("WaitUntilBuilt with a cancelled context = true")
	}
}

func TestDispose(t *testing.T) {
	ctx := context.Background()
	system := newMemorySystem(t, 0)
	quark := system.QuarkAbsoluteAndAdd("x")
	modify(t, system, 5, quark, statevalue.NewInt(1))

	waiter := make(chan bool, 1)
	go func() { waiter <- system.WaitUntilBuilt(ctx) }()

	if err := system.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if testutil.RequireReceive(t, waiter, 5*time.Second, "waiter released by Dispose") {
		t.Error("WaitUntilBuilt = true after Dispose without close")
	}

	if _, err := system.QuerySingleState(ctx, 5, quark); !errors.Is(err, statesystem.ErrDisposed) {
		t.Errorf("QuerySingleState err = %v, want ErrDisposed", err)
	}
	if _, err := system.QueryFullState(ctx, 5); !errors.Is(err, statesystem.ErrDisposed) {
		t.Errorf("QueryFullState err = %v, want ErrDisposed", err)
	}
	if _, err := system.QueryHistoryRange(ctx, quark, 0, 5, 0); !errors.Is(err, statesystem.ErrDisposed) {
		t.Errorf("QueryHistoryRange err = %v, want ErrDisposed", err)
	}
	if err := system.ModifyAttribute(ctx, 6, quark, statevalue.Null()); !errors.Is(err, statesystem.ErrDisposed) {
		t.Errorf("ModifyAttribute err = %v, want ErrDisposed", err)
	}
	if err := system.Dispose(); err != nil {
		t.Errorf("second Dispose: %v", err)
	}
}

// TestConcurrentReadersWriterAndDispose runs readers against a writer
// and then disposes mid-flight. Every query must either succeed with a
// consistent answer or fail with ErrDisposed.
func TestConcurrentReadersWriterAndDispose(t *testing.T) {
	ctx := context.Background()
	system := newMemorySystem(t, 0)
	quarks := []int{
		system.QuarkAbsoluteAndAdd("threads", "1", "status"),
		system.QuarkAbsoluteAndAdd("threads", "2", "status"),
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for reader := 0; reader < 4; reader++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				end := system.CurrentEndTime()
				full, err := system.QueryFullState(ctx, end)
				if errors.Is(err, statesystem.ErrDisposed) {
					return
				}
				if err != nil {
					t.Errorf("QueryFullState(%d): %v", end, err)
					return
				}
				for quark, interval := range full {
					if !interval.Contains(end) {
						t.Errorf("quark %d interval %v misses %d", quark, interval, end)
						return
					}
				}
			}
		}()
	}

	for timestamp := int64(1); timestamp <= 500; timestamp++ {
		modify(t, system, timestamp, quarks[timestamp%2], statevalue.NewLong(timestamp))
	}
	if err := system.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	close(stop)
	readers.Wait()
}

func TestOpenReopensClosedHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kernel.db")
	backend, err := history.OpenSQLiteBackend(ctx, history.SQLiteConfig{Path: path, StartTime: 0})
	if err != nil {
		t.Fatalf("OpenSQLiteBackend: %v", err)
	}
	system, err := statesystem.New(statesystem.Config{ID: "kernel", Backend: backend})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	quark := system.QuarkAbsoluteAndAdd("threads", "42", "exec_name")
	modify(t, system, 100, quark, statevalue.NewString("bash"))
	closeHistory(t, system, 300)
	if err := system.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	backend, err = history.OpenSQLiteBackend(ctx, history.SQLiteConfig{Path: path})
	if err != nil {
		t.Fatalf("reopening backend: %v", err)
	}
	reopened, err := statesystem.Open(ctx, statesystem.Config{ID: "kernel", Backend: backend})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Dispose()

	if !reopened.IsBuilt() || reopened.CurrentEndTime() != 300 {
		t.Fatalf("reopened: built=%v end=%d", reopened.IsBuilt(), reopened.CurrentEndTime())
	}
	found, err := reopened.QuarkAbsolute("threads", "42", "exec_name")
	if err != nil || found != quark {
		t.Fatalf("QuarkAbsolute = %d, %v; want %d", found, err, quark)
	}
	interval, err := reopened.QuerySingleState(ctx, 250, found)
	if err != nil {
		t.Fatalf("QuerySingleState: %v", err)
	}
	expectInterval(t, interval, 100, 300, statevalue.NewString("bash"))
}

func TestOpenRequiresFinishedHistory(t *testing.T) {
	ctx := context.Background()
	if _, err := statesystem.Open(ctx, statesystem.Config{Backend: history.NewMemoryBackend(0)}); err == nil {
		t.Error("Open with a memory backend should fail")
	}

	backend, err := history.OpenSQLiteBackend(ctx, history.SQLiteConfig{Path: filepath.Join(t.TempDir(), "h.db")})
	if err != nil {
		t.Fatalf("OpenSQLiteBackend: %v", err)
	}
	defer backend.Dispose()
	if _, err := statesystem.Open(ctx, statesystem.Config{Backend: backend}); !errors.Is(err, statesystem.ErrNotFinished) {
		t.Errorf("Open unfinished err = %v, want ErrNotFinished", err)
	}
}

func TestAttributeLookups(t *testing.T) {
	system := newMemorySystem(t, 0)
	thread := system.QuarkAbsoluteAndAdd("threads", "42")
	execName := system.QuarkRelativeAndAdd(thread, "exec_name")

	if got, err := system.QuarkRelative(thread, "exec_name"); err != nil || got != execName {
		t.Errorf("QuarkRelative = %d, %v; want %d", got, err, execName)
	}
	if _, err := system.QuarkAbsolute("threads", "43"); !errors.Is(err, attribute.ErrNotFound) {
		t.Errorf("QuarkAbsolute missing err = %v, want ErrNotFound", err)
	}
	if got := system.OptQuarkAbsolute("threads", "43"); got != attribute.Invalid {
		t.Errorf("OptQuarkAbsolute missing = %d, want Invalid", got)
	}
	if got := system.OptQuarkRelative(thread, "prio"); got != attribute.Invalid {
		t.Errorf("OptQuarkRelative missing = %d, want Invalid", got)
	}

	path, _ := system.FullAttributePath(execName)
	if path != "threads/42/exec_name" {
		t.Errorf("FullAttributePath = %q", path)
	}
	name, _ := system.AttributeName(execName)
	parent, _ := system.ParentAttribute(execName)
	if name != "exec_name" || parent != thread {
		t.Errorf("AttributeName = %q, ParentAttribute = %d", name, parent)
	}
	if system.NbAttributes() != 3 {
		t.Errorf("NbAttributes() = %d, want 3", system.NbAttributes())
	}

	system.QuarkAbsoluteAndAdd("threads", "7", "exec_name")
	if got := system.Quarks("threads", "*", "exec_name"); len(got) != 2 {
		t.Errorf("Quarks(threads/*/exec_name) = %v, want 2 quarks", got)
	}
	children, err := system.SubAttributes(attribute.Root, false)
	if err != nil || len(children) != 1 {
		t.Errorf("SubAttributes(Root) = %v, %v", children, err)
	}
}
