// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statesystem

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/bureau-foundation/tracestate/lib/history"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
)

// maxStackDepth bounds PushAttribute so a missing pop in the producer
// cannot allocate attributes without limit.
const maxStackDepth = 100000

// ModifyAttribute sets quark to value from timestamp on. The previous
// ongoing state is closed at timestamp-1 and stored. A change at the
// same timestamp as the ongoing state replaces its value. Fails with
// [ErrTimeRange] when timestamp precedes the ongoing state.
func (s *System) ModifyAttribute(ctx context.Context, timestamp int64, quark int, value statevalue.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritableLocked(quark); err != nil {
		return err
	}
	return s.modifyLocked(ctx, timestamp, quark, value)
}

func (s *System) checkWritableLocked(quark int) error {
	if s.disposed.Load() {
		return ErrDisposed
	}
	if s.closed {
		return fmt.Errorf("statesystem %q: %w", s.id, ErrBuilt)
	}
	return s.checkQuark(quark)
}

func (s *System) growOngoingLocked(quark int) {
	for len(s.ongoing) <= quark {
		s.ongoing = append(s.ongoing, ongoingState{value: statevalue.Null(), start: s.start})
	}
}

func (s *System) modifyLocked(ctx context.Context, timestamp int64, quark int, value statevalue.Value) error {
	s.growOngoingLocked(quark)
	current := s.ongoing[quark]

	if timestamp < current.start {
		return fmt.Errorf("statesystem %q: modifying quark %d at %d: %w: ongoing state started at %d",
			s.id, quark, timestamp, ErrTimeRange, current.start)
	}
	if timestamp > current.start {
		err := s.backend.Insert(ctx, history.Interval{
			Quark: quark,
			Start: current.start,
			End:   timestamp - 1,
			Value: current.value,
		})
		if err != nil {
			return fmt.Errorf("statesystem %q: %w", s.id, err)
		}
	}

	s.ongoing[quark] = ongoingState{value: value, start: timestamp}
	if timestamp > s.end {
		s.end = timestamp
	}
	return nil
}

// UpdateOngoingState replaces the ongoing value of quark without
// closing an interval. The ongoing start time is unchanged.
func (s *System) UpdateOngoingState(quark int, value statevalue.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritableLocked(quark); err != nil {
		return err
	}
	s.growOngoingLocked(quark)
	s.ongoing[quark].value = value
	return nil
}

// IncrementAttribute adds delta to the integer value of quark at
// timestamp. A null attribute becomes a long holding delta. An int
// stays an int unless the sum leaves the 32-bit range, in which case
// it widens to a long. Other kinds fail with [ErrWrongKind].
func (s *System) IncrementAttribute(ctx context.Context, timestamp int64, quark int, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritableLocked(quark); err != nil {
		return err
	}
	current := s.ongoingLocked(quark).value

	var next statevalue.Value
	switch current.Kind() {
	case statevalue.KindNull:
		next = statevalue.NewLong(delta)
	case statevalue.KindInt:
		sum := int64(current.Int()) + delta
		if sum >= math.MinInt32 && sum <= math.MaxInt32 {
			next = statevalue.NewInt(int32(sum))
		} else {
			next = statevalue.NewLong(sum)
		}
	case statevalue.KindLong:
		next = statevalue.NewLong(current.Long() + delta)
	default:
		return fmt.Errorf("statesystem %q: incrementing quark %d: %w: %s",
			s.id, quark, ErrWrongKind, current.Kind())
	}
	return s.modifyLocked(ctx, timestamp, quark, next)
}

// stackDepthLocked reads the depth of the stack attribute quark.
func (s *System) stackDepthLocked(quark int) (int64, error) {
	current := s.ongoingLocked(quark).value
	switch current.Kind() {
	case statevalue.KindNull:
		return 0, nil
	case statevalue.KindInt, statevalue.KindLong:
		return current.Long(), nil
	default:
		return 0, fmt.Errorf("statesystem %q: stack quark %d: %w: %s",
			s.id, quark, ErrWrongKind, current.Kind())
	}
}

// PushAttribute pushes value onto the stack attribute quark. The depth
// is stored in quark itself; element n lives in the child named n.
func (s *System) PushAttribute(ctx context.Context, timestamp int64, quark int, value statevalue.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritableLocked(quark); err != nil {
		return err
	}
	depth, err := s.stackDepthLocked(quark)
	if err != nil {
		return err
	}
	if depth >= maxStackDepth {
		return fmt.Errorf("statesystem %q: stack quark %d: depth limit %d reached", s.id, quark, maxStackDepth)
	}
	depth++

	element := s.tree.GetOrCreate(quark, strconv.FormatInt(depth, 10))
	if err := s.modifyLocked(ctx, timestamp, quark, statevalue.NewLong(depth)); err != nil {
		return err
	}
	return s.modifyLocked(ctx, timestamp, element, value)
}

// PopAttribute removes and returns the top of the stack attribute
// quark. Popping an empty stack returns null and changes nothing.
func (s *System) PopAttribute(ctx context.Context, timestamp int64, quark int) (statevalue.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritableLocked(quark); err != nil {
		return statevalue.Value{}, err
	}
	depth, err := s.stackDepthLocked(quark)
	if err != nil {
		return statevalue.Value{}, err
	}
	if depth == 0 {
		return statevalue.Null(), nil
	}
	if depth < 0 {
		return statevalue.Value{}, fmt.Errorf("statesystem %q: stack quark %d: negative depth %d", s.id, quark, depth)
	}

	element, err := s.tree.Get(quark, strconv.FormatInt(depth, 10))
	if err != nil {
		return statevalue.Value{}, fmt.Errorf("statesystem %q: stack quark %d: %w", s.id, quark, err)
	}
	popped := s.ongoingLocked(element).value

	next := statevalue.Null()
	if depth > 1 {
		next = statevalue.NewLong(depth - 1)
	}
	if err := s.modifyLocked(ctx, timestamp, quark, next); err != nil {
		return statevalue.Value{}, err
	}
	if err := s.removeLocked(ctx, timestamp, element); err != nil {
		return statevalue.Value{}, err
	}
	return popped, nil
}

// RemoveAttribute sets quark and every descendant to null at
// timestamp. The quarks stay allocated.
func (s *System) RemoveAttribute(ctx context.Context, timestamp int64, quark int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWritableLocked(quark); err != nil {
		return err
	}
	return s.removeLocked(ctx, timestamp, quark)
}

func (s *System) removeLocked(ctx context.Context, timestamp int64, quark int) error {
	descendants, err := s.tree.Children(quark, true)
	if err != nil {
		return fmt.Errorf("statesystem %q: %w", s.id, err)
	}
	for _, descendant := range descendants {
		if err := s.modifyLocked(ctx, timestamp, descendant, statevalue.Null()); err != nil {
			return err
		}
	}
	return s.modifyLocked(ctx, timestamp, quark, statevalue.Null())
}

// UpdateEndTime advances the current end time to timestamp without
// recording a change. Earlier timestamps are ignored.
func (s *System) UpdateEndTime(timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed.Load() {
		return ErrDisposed
	}
	if s.closed {
		return fmt.Errorf("statesystem %q: %w", s.id, ErrBuilt)
	}
	if timestamp > s.end {
		s.end = timestamp
	}
	return nil
}

// CloseHistory stores every ongoing state as an interval ending at
// endTime (or the current end time, if later), finishes the backend
// and marks the system built. Backends implementing
// [history.AttributePersister] also receive the attribute tree.
func (s *System) CloseHistory(ctx context.Context, endTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed.Load() {
		return ErrDisposed
	}
	if s.closed {
		return fmt.Errorf("statesystem %q: %w", s.id, ErrBuilt)
	}
	if endTime < s.end {
		endTime = s.end
	}

	count := s.tree.Len()
	s.growOngoingLocked(count - 1)
	for quark := 0; quark < count; quark++ {
		state := s.ongoing[quark]
		err := s.backend.Insert(ctx, history.Interval{
			Quark: quark,
			Start: state.start,
			End:   endTime,
			Value: state.value,
		})
		if err != nil {
			return fmt.Errorf("statesystem %q: closing history: %w", s.id, err)
		}
	}

	if persister, ok := s.backend.(history.AttributePersister); ok {
		if err := persister.SaveAttributes(ctx, s.tree.Entries()); err != nil {
			return fmt.Errorf("statesystem %q: closing history: %w", s.id, err)
		}
	}
	if err := s.backend.Finish(ctx, endTime); err != nil {
		return fmt.Errorf("statesystem %q: closing history: %w", s.id, err)
	}

	s.end = endTime
	s.ongoing = nil
	s.markBuiltLocked()
	s.logger.Info("state history closed",
		"id", s.id,
		"attributes", count,
		"start", s.start,
		"end", endTime,
	)
	return nil
}
