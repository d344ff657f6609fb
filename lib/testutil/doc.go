// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the state history
// packages.
//
// [RequireReceive] collects a value from a channel with a wall-clock
// timeout, so tests of readers blocked on an unfinished history fail
// instead of hanging. It is the only place in the test suite that
// uses real timeouts.
//
// [TraceDir] creates a directory standing in for the one that holds a
// trace, with the statedump sub-directory left for the code under test
// to create. [WriteFile] drops fixture files (change scripts, hand-made
// statedump documents) into it.
//
// [UniqueID] generates monotonically increasing identifiers so tests
// sharing a directory get distinct state system identities.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no dependencies on the rest of the module.
package testutil
