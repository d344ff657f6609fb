// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statesystem

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/tracestate/lib/history"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
)

// QuerySingleState returns the interval of quark containing timestamp.
// Fails with [ErrTimeRange] outside [StartTime, CurrentEndTime] and
// with [ErrDisposed] after Dispose.
func (s *System) QuerySingleState(ctx context.Context, timestamp int64, quark int) (history.Interval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkQueryLocked(timestamp, quark); err != nil {
		return history.Interval{}, err
	}
	return s.singleLocked(ctx, timestamp, quark)
}

func (s *System) checkQueryLocked(timestamp int64, quark int) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	if err := s.checkQuark(quark); err != nil {
		return err
	}
	return s.checkTimeLocked(timestamp)
}

func (s *System) checkTimeLocked(timestamp int64) error {
	if timestamp < s.start || timestamp > s.end {
		return fmt.Errorf("statesystem %q: querying %d: %w: history covers [%d, %d]",
			s.id, timestamp, ErrTimeRange, s.start, s.end)
	}
	return nil
}

func (s *System) singleLocked(ctx context.Context, timestamp int64, quark int) (history.Interval, error) {
	if !s.closed {
		if state := s.ongoingLocked(quark); timestamp >= state.start {
			return s.ongoingIntervalLocked(quark, state), nil
		}
	}
	interval, found, err := s.backend.QuerySingle(ctx, timestamp, quark)
	if err != nil {
		return history.Interval{}, fmt.Errorf("statesystem %q: %w", s.id, err)
	}
	if !found {
		return s.nullIntervalLocked(quark), nil
	}
	return interval, nil
}

func (s *System) ongoingIntervalLocked(quark int, state ongoingState) history.Interval {
	return history.Interval{Quark: quark, Start: state.start, End: s.end, Value: state.value}
}

func (s *System) nullIntervalLocked(quark int) history.Interval {
	return history.Interval{Quark: quark, Start: s.start, End: s.end, Value: statevalue.Null()}
}

// QueryFullState returns one interval per allocated quark, indexed by
// quark, all containing timestamp. The whole vector is computed under
// one read lock, so it reflects a single state of the writer.
func (s *System) QueryFullState(ctx context.Context, timestamp int64) ([]history.Interval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.disposed.Load() {
		return nil, ErrDisposed
	}
	if err := s.checkTimeLocked(timestamp); err != nil {
		return nil, err
	}

	count := s.tree.Len()
	intervals := make([]history.Interval, count)
	found := make([]bool, count)
	if err := s.backend.QueryFull(ctx, timestamp, intervals, found); err != nil {
		return nil, fmt.Errorf("statesystem %q: %w", s.id, err)
	}

	for quark := range intervals {
		if !s.closed {
			if state := s.ongoingLocked(quark); timestamp >= state.start {
				intervals[quark] = s.ongoingIntervalLocked(quark, state)
				continue
			}
		}
		if !found[quark] {
			intervals[quark] = s.nullIntervalLocked(quark)
		}
	}
	return intervals, nil
}

// QueryOngoingState returns the current value of quark while the
// history is being built. After CloseHistory it returns the value at
// the end of the history.
func (s *System) QueryOngoingState(ctx context.Context, quark int) (statevalue.Value, error) {
	interval, err := s.currentInterval(ctx, quark)
	if err != nil {
		return statevalue.Value{}, err
	}
	return interval.Value, nil
}

// OngoingStartTime returns the timestamp at which quark took its
// current value.
func (s *System) OngoingStartTime(ctx context.Context, quark int) (int64, error) {
	interval, err := s.currentInterval(ctx, quark)
	if err != nil {
		return 0, err
	}
	return interval.Start, nil
}

func (s *System) currentInterval(ctx context.Context, quark int) (history.Interval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkQueryLocked(s.end, quark); err != nil {
		return history.Interval{}, err
	}
	return s.singleLocked(ctx, s.end, quark)
}

// QueryHistoryRange returns the intervals of quark overlapping
// [t1, t2], in time order. t2 is clamped to the current end time.
//
// With resolution <= 0 every interval is returned. Otherwise, after
// each interval the next query point moves to the first multiple of
// resolution (counted from t1) past the interval's end, so at most one
// interval starts in each resolution-sized window. The interval
// containing the clamped t2 is always included.
//
// When ctx is cancelled the intervals gathered so far are returned
// with a nil error.
func (s *System) QueryHistoryRange(ctx context.Context, quark int, t1, t2, resolution int64) ([]history.Interval, error) {
	s.mu.RLock()
	err := s.checkRangeLocked(quark, t1, t2)
	end := min(t2, s.end)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	var intervals []history.Interval
	var current history.Interval
	queried := false
	for timestamp := t1; timestamp <= end; {
		if ctx.Err() != nil {
			return intervals, nil
		}
		current, err = s.QuerySingleState(ctx, timestamp, quark)
		if err != nil {
			if ctx.Err() != nil {
				return intervals, nil
			}
			return intervals, err
		}
		intervals = append(intervals, current)
		queried = true

		if resolution > 0 {
			timestamp += ((current.End-timestamp)/resolution + 1) * resolution
		} else {
			timestamp = current.End + 1
		}
	}

	if queried && current.End < end {
		current, err = s.QuerySingleState(ctx, end, quark)
		if err != nil {
			if ctx.Err() != nil {
				return intervals, nil
			}
			return intervals, err
		}
		intervals = append(intervals, current)
	}
	return intervals, nil
}

func (s *System) checkRangeLocked(quark int, t1, t2 int64) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	if err := s.checkQuark(quark); err != nil {
		return err
	}
	if t1 < s.start || t2 < t1 {
		return fmt.Errorf("statesystem %q: range [%d, %d]: %w: history starts at %d",
			s.id, t1, t2, ErrTimeRange, s.start)
	}
	return nil
}

// QueryUntilNonNull returns the first interval of quark within
// [t1, t2] holding a non-null value, and false when every interval in
// the range is null.
func (s *System) QueryUntilNonNull(ctx context.Context, quark int, t1, t2 int64) (history.Interval, bool, error) {
	s.mu.RLock()
	err := s.checkRangeLocked(quark, t1, t2)
	end := min(t2, s.end)
	s.mu.RUnlock()
	if err != nil {
		return history.Interval{}, false, err
	}

	for timestamp := t1; timestamp <= end; {
		interval, err := s.QuerySingleState(ctx, timestamp, quark)
		if err != nil {
			return history.Interval{}, false, err
		}
		if !interval.Value.IsNull() {
			return interval, true, nil
		}
		timestamp = interval.End + 1
	}
	return history.Interval{}, false, nil
}
