// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// tc-state builds, inspects and converts state histories and their
// statedumps from the command line.
//
// Usage:
//
//	tc-state [--config FILE] <command> [flags]
//
// Commands:
//
//	build    replay a change script and save a statedump at --at
//	show     print a saved statedump (JSON or archive)
//	query    replay a change script and print a full state or a range
//	convert  rewrite a statedump between the JSON and archive formats
//
// Configuration comes from --config, then TRACESTATE_CONFIG, then the
// built-in defaults. With history.backend set to sqlite, build keeps
// the replayed history in <trace>/.tc-states/<id>.history.db and later
// runs reopen it instead of replaying the script again.
package main
