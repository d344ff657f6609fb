// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package history stores the closed intervals of a state history.
//
// An [Interval] records that one attribute (quark) held one
// [statevalue.Value] over an inclusive time span [Start, End]. For a
// given attribute, intervals are contiguous and never overlap: the end
// of one interval is the start of the next minus one.
//
// A [Backend] only ever sees closed intervals. The open interval of
// each attribute (its "ongoing" state, whose end keeps moving with the
// current end of the history) belongs to the state system, which hands
// it to the backend once the next change closes it or the history is
// closed. This split keeps backends append-only.
//
// Two backends are provided:
//
//   - [MemoryBackend] keeps per-attribute slices and answers point
//     queries by binary search. Nothing survives the process.
//   - [SQLiteBackend] writes intervals to a SQLite database through
//     lib/sqlitepool. A finished history can be reopened later
//     together with its attribute tree (see [AttributePersister])
//     without replaying the trace.
//
// Both report out-of-order writes and queries outside the recorded
// span with [ErrTimeRange], and every call after Dispose with
// [ErrDisposed].
package history
