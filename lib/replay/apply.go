// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/tracestate/lib/attribute"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
)

// Target is the part of a state system a script is replayed into.
type Target interface {
	QuarkAbsoluteAndAdd(path ...string) int
	ModifyAttribute(ctx context.Context, timestamp int64, quark int, value statevalue.Value) error
	PushAttribute(ctx context.Context, timestamp int64, quark int, value statevalue.Value) error
	PopAttribute(ctx context.Context, timestamp int64, quark int) (statevalue.Value, error)
	IncrementAttribute(ctx context.Context, timestamp int64, quark int, delta int64) error
	RemoveAttribute(ctx context.Context, timestamp int64, quark int) error
	CloseHistory(ctx context.Context, endTime int64) error
}

// Apply validates script and replays its changes into target in
// script order. When the script has an end, the history is closed
// there. Replay stops at the first failing change or when ctx is
// done.
func Apply(ctx context.Context, target Target, script *Script) error {
	if err := script.Validate(); err != nil {
		return fmt.Errorf("invalid change script: %w", err)
	}

	for index, change := range script.Changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		quark := target.QuarkAbsoluteAndAdd(change.Path...)
		if err := applyChange(ctx, target, quark, change); err != nil {
			return fmt.Errorf("changes[%d] %s at %d: %w", index, attribute.JoinPath(change.Path), change.Time, err)
		}
	}

	if script.End != nil {
		if err := target.CloseHistory(ctx, *script.End); err != nil {
			return fmt.Errorf("closing history at %d: %w", *script.End, err)
		}
	}
	return nil
}

func applyChange(ctx context.Context, target Target, quark int, change Change) error {
	switch change.Operation() {
	case OpPop:
		_, err := target.PopAttribute(ctx, change.Time, quark)
		return err
	case OpRemove:
		return target.RemoveAttribute(ctx, change.Time, quark)
	case OpIncrement:
		delta, err := change.Delta()
		if err != nil {
			return err
		}
		return target.IncrementAttribute(ctx, change.Time, quark, delta)
	}

	value, err := change.StateValue()
	if err != nil {
		return err
	}
	if change.Operation() == OpPush {
		return target.PushAttribute(ctx, change.Time, quark, value)
	}
	return target.ModifyAttribute(ctx, change.Time, quark, value)
}
