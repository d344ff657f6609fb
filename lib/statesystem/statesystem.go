// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statesystem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/tracestate/lib/attribute"
	"github.com/bureau-foundation/tracestate/lib/history"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
)

var (
	// ErrTimeRange is returned for queries outside [StartTime,
	// CurrentEndTime] and for writes that arrive out of order.
	ErrTimeRange = history.ErrTimeRange

	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = history.ErrDisposed

	// ErrBuilt is returned by write operations after CloseHistory.
	ErrBuilt = errors.New("state history already closed")

	// ErrWrongKind is returned when an operation needs a value of a
	// kind the attribute does not hold, such as incrementing a string.
	ErrWrongKind = errors.New("attribute holds the wrong value kind")

	// ErrNotFinished is returned by Open when the backend does not hold
	// a complete history.
	ErrNotFinished = errors.New("history was not closed")
)

// Config holds the parameters for a state system.
type Config struct {
	// ID identifies the state system. Statedumps are keyed by it.
	ID string

	// Backend stores the closed intervals. Required. The system owns
	// it from here on and disposes it in Dispose.
	Backend history.Backend

	// Logger receives lifecycle messages. If nil, logging is discarded.
	Logger *slog.Logger
}

// ongoingState is the open interval of one attribute: its value since
// start, extending to the current end of the history.
type ongoingState struct {
	value statevalue.Value
	start int64
}

// System is a state history under construction or fully built. All
// methods are safe for concurrent use; writes are serialized.
type System struct {
	id      string
	backend history.Backend
	logger  *slog.Logger
	tree    *attribute.Tree
	start   int64

	// mu guards the ongoing states, the end time and the built flag.
	// A write holds it exclusively for the close-old/open-new pair.
	mu      sync.RWMutex
	end     int64
	ongoing []ongoingState
	closed  bool

	disposed  atomic.Bool
	built     chan struct{}
	builtOnce sync.Once
}

// New starts an empty history at cfg.Backend.StartTime().
func New(cfg Config) (*System, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("statesystem %q: backend is required", cfg.ID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	start := cfg.Backend.StartTime()
	return &System{
		id:      cfg.ID,
		backend: cfg.Backend,
		logger:  logger,
		tree:    attribute.New(),
		start:   start,
		end:     start,
		built:   make(chan struct{}),
	}, nil
}

// Open reopens a history that a previous System closed, without
// replaying its trace. The backend must implement
// [history.AttributePersister] and hold a finished history.
func Open(ctx context.Context, cfg Config) (*System, error) {
	system, err := New(cfg)
	if err != nil {
		return nil, err
	}
	persister, ok := cfg.Backend.(history.AttributePersister)
	if !ok {
		return nil, fmt.Errorf("statesystem %q: backend %T cannot store attributes", cfg.ID, cfg.Backend)
	}
	entries, finished, err := persister.LoadAttributes(ctx)
	if err != nil {
		return nil, fmt.Errorf("statesystem %q: %w", cfg.ID, err)
	}
	if !finished {
		return nil, fmt.Errorf("statesystem %q: %w", cfg.ID, ErrNotFinished)
	}
	tree, err := attribute.Restore(entries)
	if err != nil {
		return nil, fmt.Errorf("statesystem %q: %w", cfg.ID, err)
	}

	system.tree = tree
	system.end = cfg.Backend.EndTime()
	system.markBuiltLocked()
	system.logger.Info("state history reopened",
		"id", system.id,
		"attributes", tree.Len(),
		"start", system.start,
		"end", system.end,
	)
	return system, nil
}

// ID returns the identity the system was created with.
func (s *System) ID() string { return s.id }

// StartTime returns the earliest timestamp of the history.
func (s *System) StartTime() int64 { return s.start }

// CurrentEndTime returns the latest timestamp the history covers. It
// advances while the history is being built.
func (s *System) CurrentEndTime() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.end
}

// IsBuilt reports whether CloseHistory has completed.
func (s *System) IsBuilt() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// WaitUntilBuilt blocks until the history is closed, the system is
// disposed, or ctx is done. It returns true only if the history was
// closed.
func (s *System) WaitUntilBuilt(ctx context.Context) bool {
	select {
	case <-s.built:
		return s.IsBuilt()
	case <-ctx.Done():
		return false
	}
}

func (s *System) markBuiltLocked() {
	s.closed = true
	s.builtOnce.Do(func() { close(s.built) })
}

// Dispose tears the system down and disposes the backend. It waits
// for queries holding the lock, then every later call fails with
// [ErrDisposed]. Waiters in WaitUntilBuilt are released. Calling
// Dispose more than once is a no-op.
func (s *System) Dispose() error {
	if s.disposed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ongoing = nil
	s.builtOnce.Do(func() { close(s.built) })
	if err := s.backend.Dispose(); err != nil {
		return fmt.Errorf("statesystem %q: disposing backend: %w", s.id, err)
	}
	s.logger.Debug("state system disposed", "id", s.id)
	return nil
}

// checkQuark validates a quark against the attribute tree.
func (s *System) checkQuark(quark int) error {
	if quark < 0 || quark >= s.tree.Len() {
		return fmt.Errorf("statesystem %q: %w: %d", s.id, attribute.ErrInvalidQuark, quark)
	}
	return nil
}

// ongoingLocked returns the ongoing state of quark. Attributes created
// since the last write start out null at the history start.
func (s *System) ongoingLocked(quark int) ongoingState {
	if quark < len(s.ongoing) {
		return s.ongoing[quark]
	}
	return ongoingState{value: statevalue.Null(), start: s.start}
}

// Attribute tree.

// QuarkAbsoluteAndAdd returns the quark of an absolute path, creating
// every missing segment.
func (s *System) QuarkAbsoluteAndAdd(path ...string) int {
	return s.tree.GetOrCreate(attribute.Root, path...)
}

// QuarkRelativeAndAdd returns the quark of a path relative to parent,
// creating every missing segment.
func (s *System) QuarkRelativeAndAdd(parent int, path ...string) int {
	return s.tree.GetOrCreate(parent, path...)
}

// QuarkAbsolute returns the quark of an existing absolute path. Fails
// with [attribute.ErrNotFound].
func (s *System) QuarkAbsolute(path ...string) (int, error) {
	return s.tree.Get(attribute.Root, path...)
}

// QuarkRelative returns the quark of an existing path under parent.
func (s *System) QuarkRelative(parent int, path ...string) (int, error) {
	return s.tree.Get(parent, path...)
}

// OptQuarkAbsolute is QuarkAbsolute returning [attribute.Invalid] when
// the path does not exist.
func (s *System) OptQuarkAbsolute(path ...string) int {
	return s.tree.Optional(attribute.Root, path...)
}

// OptQuarkRelative is QuarkRelative returning [attribute.Invalid] when
// the path does not exist.
func (s *System) OptQuarkRelative(parent int, path ...string) int {
	return s.tree.Optional(parent, path...)
}

// Quarks returns every quark matching an absolute pattern, where "*"
// matches any segment and ".." climbs to the parent.
func (s *System) Quarks(pattern ...string) []int {
	return s.tree.Match(attribute.Root, pattern...)
}

// SubAttributes returns the children of quark in creation order, or
// every descendant when recursive is set.
func (s *System) SubAttributes(quark int, recursive bool) ([]int, error) {
	return s.tree.Children(quark, recursive)
}

// AttributeName returns the last segment of the quark's path.
func (s *System) AttributeName(quark int) (string, error) {
	return s.tree.Name(quark)
}

// FullAttributePath returns the quark's path joined with "/".
func (s *System) FullAttributePath(quark int) (string, error) {
	return s.tree.FullPath(quark)
}

// FullAttributePathArray returns the quark's path segments.
func (s *System) FullAttributePathArray(quark int) ([]string, error) {
	return s.tree.Path(quark)
}

// ParentAttribute returns the parent quark, [attribute.Root] for
// top-level attributes.
func (s *System) ParentAttribute(quark int) (int, error) {
	return s.tree.Parent(quark)
}

// NbAttributes returns the number of allocated quarks.
func (s *System) NbAttributes() int {
	return s.tree.Len()
}
