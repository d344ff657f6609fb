// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statedump

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/bureau-foundation/tracestate/lib/attribute"
	"github.com/bureau-foundation/tracestate/lib/history"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
)

var (
	// ErrLengthMismatch is returned by New when the attribute and value
	// lists differ in length.
	ErrLengthMismatch = errors.New("attribute and value lists differ in length")

	// ErrEmptyPath is returned by New for an attribute with no path
	// segments. The root carries no state.
	ErrEmptyPath = errors.New("attribute path is empty")

	// ErrDuplicatePath is returned for an attribute named twice. A
	// document holds one node per path, so a second value would be
	// lost on save.
	ErrDuplicatePath = errors.New("attribute path appears twice")
)

// pathSet records the attribute paths seen while building a statedump.
type pathSet map[string]struct{}

// add fails with [ErrDuplicatePath] when path was added before.
// Segments are length-prefixed in the key, so distinct paths never
// collide whatever characters they hold.
func (set pathSet) add(path []string) error {
	var key strings.Builder
	for _, segment := range path {
		key.WriteString(strconv.Itoa(len(segment)))
		key.WriteByte(':')
		key.WriteString(segment)
	}
	if _, seen := set[key.String()]; seen {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, attribute.JoinPath(path))
	}
	set[key.String()] = struct{}{}
	return nil
}

// Statedump is an immutable snapshot: attribute paths and their values
// at one timestamp, index-aligned.
type Statedump struct {
	attributes [][]string
	values     []statevalue.Value
	version    int
}

// New builds a statedump from parallel lists. Both lists are copied.
// Every path must be non-empty and distinct.
func New(attributes [][]string, values []statevalue.Value, version int) (*Statedump, error) {
	if len(attributes) != len(values) {
		return nil, fmt.Errorf("statedump: %w: %d attributes, %d values",
			ErrLengthMismatch, len(attributes), len(values))
	}
	copied := make([][]string, len(attributes))
	seen := make(pathSet, len(attributes))
	for index, path := range attributes {
		if len(path) == 0 {
			return nil, fmt.Errorf("statedump: entry %d: %w", index, ErrEmptyPath)
		}
		if err := seen.add(path); err != nil {
			return nil, fmt.Errorf("statedump: entry %d: %w", index, err)
		}
		copied[index] = slices.Clone(path)
	}
	return &Statedump{
		attributes: copied,
		values:     slices.Clone(values),
		version:    version,
	}, nil
}

// Source is the part of a state system a snapshot reads.
type Source interface {
	QueryFullState(ctx context.Context, timestamp int64) ([]history.Interval, error)
	FullAttributePathArray(quark int) ([]string, error)
}

// FromStateSystem snapshots source at timestamp: one entry per quark,
// in quark order.
func FromStateSystem(ctx context.Context, source Source, timestamp int64, version int) (*Statedump, error) {
	full, err := source.QueryFullState(ctx, timestamp)
	if err != nil {
		return nil, fmt.Errorf("statedump: full query at %d: %w", timestamp, err)
	}
	dump := &Statedump{
		attributes: make([][]string, len(full)),
		values:     make([]statevalue.Value, len(full)),
		version:    version,
	}
	for quark, interval := range full {
		path, err := source.FullAttributePathArray(quark)
		if err != nil {
			return nil, fmt.Errorf("statedump: path of quark %d: %w", quark, err)
		}
		dump.attributes[quark] = path
		dump.values[quark] = interval.Value
	}
	return dump, nil
}

// Attributes returns the attribute paths. The caller must not modify
// them.
func (d *Statedump) Attributes() [][]string { return d.attributes }

// Values returns the values, index-aligned with Attributes. The caller
// must not modify them.
func (d *Statedump) Values() []statevalue.Value { return d.values }

// Version returns the caller-defined statedump version.
func (d *Statedump) Version() int { return d.version }

// Len returns the number of entries.
func (d *Statedump) Len() int { return len(d.attributes) }

// Lookup returns the value stored for path.
func (d *Statedump) Lookup(path ...string) (statevalue.Value, bool) {
	for index, attribute := range d.attributes {
		if slices.Equal(attribute, path) {
			return d.values[index], true
		}
	}
	return statevalue.Value{}, false
}

// Builder is the part of a state system Restore writes to.
type Builder interface {
	QuarkAbsoluteAndAdd(path ...string) int
	ModifyAttribute(ctx context.Context, timestamp int64, quark int, value statevalue.Value) error
}

// Restore replays the snapshot into builder as changes at timestamp,
// creating every attribute on the way.
func (d *Statedump) Restore(ctx context.Context, builder Builder, timestamp int64) error {
	for index, path := range d.attributes {
		quark := builder.QuarkAbsoluteAndAdd(path...)
		if err := builder.ModifyAttribute(ctx, timestamp, quark, d.values[index]); err != nil {
			return fmt.Errorf("statedump: restoring %v: %w", path, err)
		}
	}
	return nil
}
