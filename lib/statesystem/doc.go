// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statesystem records how a tree of named attributes evolves
// over the timeline of a trace and answers point-in-time and range
// queries against it.
//
// A [System] combines three parts:
//
//   - an [attribute.Tree] mapping hierarchical paths to dense integer
//     handles (quarks),
//   - the ongoing state of every attribute: its current value and the
//     timestamp at which it took that value,
//   - a [history.Backend] holding every closed interval.
//
// The write path is driven by one producer (an analysis reading trace
// events in time order). [System.ModifyAttribute] closes the ongoing
// interval of an attribute at t-1, hands it to the backend, and makes
// the new value ongoing from t. Both steps happen under the system's
// write lock, so readers never see an attribute without a state.
// [System.CloseHistory] flushes every ongoing state into the backend
// and marks the system built.
//
// Queries may run concurrently with each other and with the writer.
// The ongoing state answers queries at or after its start time; older
// timestamps go to the backend. An attribute that was never modified
// reads as a null interval spanning the whole recorded history.
//
// Range queries ([System.QueryHistoryRange]) walk one interval at a
// time and release the lock between steps so the writer keeps
// progressing. A positive resolution skips intervals so that at most
// one interval is returned per resolution-sized window. Cancelling the
// context stops the walk and returns what was gathered so far.
//
// [System.Dispose] is one-way. Queries already holding the lock finish
// with their answer; every later call fails with [ErrDisposed].
package statesystem
