// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for tracestate
// tools.
//
// Configuration is loaded from a single file specified by either the
// TRACESTATE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no automatic file search. Tools that
// run without a file use [Default].
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production without its own section
// logs JSON at info level and keeps history in SQLite.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${TRACESTATE_ROOT}, and ${VAR:-default} patterns are
// expanded. No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Paths, History, Statedump, Logging
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Config.Logger] -- the slog logger the Logging section describes
//
// This package depends on no other tracestate packages.
package config
