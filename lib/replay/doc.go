// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package replay feeds recorded state changes into a state system.
//
// A change script is a JSONC file (JSON with // and /* */ comments and
// trailing commas) naming the state system, its time range and an
// ordered list of changes:
//
//	{
//	  "id": "kernel",
//	  "start": 0,
//	  "end": 300,
//	  "changes": [
//	    // exec of pid 42
//	    {"time": 100, "path": ["threads", "42", "exec_name"], "type": "string", "value": "bash"},
//	    {"time": 120, "path": ["threads", "42", "stack"], "op": "push", "type": "string", "value": "main"},
//	    {"time": 150, "path": ["cpus", "0", "irqs"], "op": "increment", "value": 1},
//	  ],
//	}
//
// The op of a change defaults to "modify". The others map onto the
// state system's stack ("push", "pop"), counter ("increment") and
// subtree ("remove") operations. Value types are null, int, long,
// double (a number or one of "nan", "+inf", "-inf") and string.
//
// The typical flow:
//
//  1. ReadFile or Parse: JSONC bytes to a [Script]
//  2. Validate: identity, time range, per-attribute ordering, types
//  3. Apply: replay every change, then close the history at "end"
package replay
