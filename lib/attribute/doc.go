// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package attribute maps hierarchical attribute paths to dense integer
// handles ("quarks").
//
// A path is an ordered list of segments, for example
// ["threads", "42", "exec_name"]. Every node of the tree except the
// implicit root gets a quark the first time its path is created. Quarks
// are assigned in creation order starting at zero, are never recycled,
// and stay bound to the same path for the lifetime of the [Tree]. The
// root is addressed as [Root] and never holds a state value; [Invalid]
// is the "not found" sentinel returned by [Tree.Optional].
//
// The tree is an arena: a slice of nodes indexed by quark, each holding
// its name, parent and ordered child list, plus one side table keyed by
// (parent, segment) for lookups. Creation takes the write lock; every
// other operation takes the read lock, so readers can resolve paths
// while a single writer keeps allocating.
//
// Lookups come in three flavors:
//
//   - [Tree.GetOrCreate] allocates missing segments and never fails
//   - [Tree.Get] fails with [ErrNotFound] when any segment is missing
//   - [Tree.Optional] returns [Invalid] instead of an error
//
// [Tree.Match] resolves wildcard patterns where "*" expands to every
// child and ".." climbs to the parent.
package attribute
