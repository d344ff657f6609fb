// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tracestate/lib/atomicfile"
	"github.com/bureau-foundation/tracestate/lib/attribute"
	"github.com/bureau-foundation/tracestate/lib/compress"
	"github.com/bureau-foundation/tracestate/lib/config"
	"github.com/bureau-foundation/tracestate/lib/history"
	"github.com/bureau-foundation/tracestate/lib/replay"
	"github.com/bureau-foundation/tracestate/lib/statedump"
	"github.com/bureau-foundation/tracestate/lib/statesystem"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
)

// historyFileSuffix names the SQLite history of a state system in the
// statedump directory.
const historyFileSuffix = ".history.db"

func (env *environment) store(traceDirectory string) *statedump.Store {
	return &statedump.Store{Directory: traceDirectory, Logger: env.logger}
}

// buildSystem returns a state system holding the script's history.
// With the SQLite backend a finished history an earlier run built from
// the same script content is reopened as is; otherwise the script is
// replayed.
func (env *environment) buildSystem(ctx context.Context, script *replay.Script, traceDirectory string, rebuild bool) (*statesystem.System, error) {
	if err := script.Validate(); err != nil {
		return nil, fmt.Errorf("invalid change script: %w", err)
	}

	var backend history.Backend
	switch env.config.History.Backend {
	case config.BackendMemory:
		backend = history.NewMemoryBackend(script.Start)
	case config.BackendSQLite:
		directory := filepath.Join(traceDirectory, statedump.DirectoryName)
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", directory, err)
		}
		path := filepath.Join(directory, script.ID+historyFileSuffix)
		if rebuild {
			for _, suffix := range []string{"", "-wal", "-shm"} {
				if err := atomicfile.Remove(path + suffix); err != nil {
					return nil, fmt.Errorf("removing previous history: %w", err)
				}
			}
		}
		digest, err := script.Digest()
		if err != nil {
			return nil, err
		}
		sqliteBackend, err := history.OpenSQLiteBackend(ctx, history.SQLiteConfig{
			Path:      path,
			StartTime: script.Start,
			Source:    digest[:],
			PoolSize:  env.config.History.PoolSize,
			Logger:    env.logger,
		})
		if err != nil {
			return nil, err
		}
		if sqliteBackend.Finished() {
			system, err := statesystem.Open(ctx, statesystem.Config{ID: script.ID, Backend: sqliteBackend, Logger: env.logger})
			if err != nil {
				sqliteBackend.Dispose()
				return nil, err
			}
			return system, nil
		}
		backend = sqliteBackend
	default:
		return nil, fmt.Errorf("unsupported history backend %q", env.config.History.Backend)
	}

	system, err := statesystem.New(statesystem.Config{ID: script.ID, Backend: backend, Logger: env.logger})
	if err != nil {
		backend.Dispose()
		return nil, err
	}
	if err := replay.Apply(ctx, system, script); err != nil {
		system.Dispose()
		return nil, err
	}
	return system, nil
}

func runBuild(ctx context.Context, env *environment, args []string) error {
	var scriptPath, traceDirectory, format, compression string
	var timestamp int64
	var dumpVersion int
	var rebuild bool

	flagSet := pflag.NewFlagSet("build", pflag.ContinueOnError)
	flagSet.StringVar(&scriptPath, "script", "", "change script to replay (required)")
	flagSet.StringVar(&traceDirectory, "trace", env.config.Paths.Traces, "trace directory receiving the statedump")
	flagSet.Int64Var(&timestamp, "at", 0, "snapshot timestamp (default: end of the history)")
	flagSet.IntVar(&dumpVersion, "statedump-version", 0, "caller-defined statedump version")
	flagSet.StringVar(&format, "format", env.config.Statedump.Format, "statedump format: json or archive")
	flagSet.StringVar(&compression, "compression", env.config.Statedump.ArchiveCompression, "archive compression: none, lz4 or zstd")
	flagSet.BoolVar(&rebuild, "rebuild", false, "discard a stored SQLite history and replay the script")
	if done, err := parseCommandFlags(flagSet, env, args); done || err != nil {
		return err
	}
	if scriptPath == "" {
		return usagef("build: --script is required")
	}

	script, err := replay.ReadFile(scriptPath)
	if err != nil {
		return err
	}
	system, err := env.buildSystem(ctx, script, traceDirectory, rebuild)
	if err != nil {
		return err
	}
	defer system.Dispose()

	if !flagSet.Changed("at") {
		timestamp = system.CurrentEndTime()
	}
	dump, err := statedump.FromStateSystem(ctx, system, timestamp, dumpVersion)
	if err != nil {
		return err
	}

	path, err := saveDump(env.store(traceDirectory), dump, script.ID, format, compression)
	if err != nil {
		return err
	}
	env.logger.Info("statedump saved", "id", script.ID, "path", path, "entries", dump.Len(), "at", timestamp)
	fmt.Fprintf(env.stdout, "%s: %d attributes at %d\n", path, dump.Len(), timestamp)
	return nil
}

func saveDump(store *statedump.Store, dump *statedump.Statedump, id, format, compression string) (string, error) {
	switch format {
	case config.FormatJSON:
		return store.Path(id), store.Save(dump, id)
	case config.FormatArchive:
		tag, err := compress.ParseTag(compression)
		if err != nil {
			return "", usageError{err: err}
		}
		return store.ArchivePath(id), store.SaveArchive(dump, id, tag)
	default:
		return "", usagef("unknown statedump format %q", format)
	}
}

// loadDump prefers the format asked for and reports absence as an
// error; the store has already logged why.
func loadDump(store *statedump.Store, id, format string) (*statedump.Statedump, error) {
	var dump *statedump.Statedump
	var found bool
	switch format {
	case config.FormatJSON:
		dump, found = store.Load(id)
	case config.FormatArchive:
		dump, found = store.LoadArchive(id)
	default:
		return nil, usagef("unknown statedump format %q", format)
	}
	if !found {
		return nil, fmt.Errorf("no usable %s statedump for %q in %s", format, id, store.Directory)
	}
	return dump, nil
}

func runShow(ctx context.Context, env *environment, args []string) error {
	var traceDirectory, id, format string
	var raw bool

	flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
	flagSet.StringVar(&traceDirectory, "trace", env.config.Paths.Traces, "trace directory holding the statedump")
	flagSet.StringVar(&id, "id", "", "state system id (required)")
	flagSet.StringVar(&format, "format", env.config.Statedump.Format, "statedump format: json or archive")
	flagSet.BoolVar(&raw, "raw", false, "print the stored document (archives in CBOR diagnostic notation)")
	if done, err := parseCommandFlags(flagSet, env, args); done || err != nil {
		return err
	}
	if id == "" {
		return usagef("show: --id is required")
	}
	store := env.store(traceDirectory)

	if raw {
		return showRaw(env, store, id, format)
	}
	dump, err := loadDump(store, id, format)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "# %s: %d attributes, statedump version %d\n", id, dump.Len(), dump.Version())
	for index, path := range dump.Attributes() {
		fmt.Fprintf(env.stdout, "%s = %s\n", attribute.JoinPath(path), describe(dump.Values()[index]))
	}
	return nil
}

func showRaw(env *environment, store *statedump.Store, id, format string) error {
	switch format {
	case config.FormatJSON:
		data, err := os.ReadFile(store.Path(id))
		if err != nil {
			return err
		}
		_, err = env.stdout.Write(data)
		return err
	case config.FormatArchive:
		data, err := os.ReadFile(store.ArchivePath(id))
		if err != nil {
			return err
		}
		diagnostic, err := statedump.DiagnoseArchive(data)
		if err != nil {
			return err
		}
		fmt.Fprintln(env.stdout, diagnostic)
		return nil
	default:
		return usagef("unknown statedump format %q", format)
	}
}

func runQuery(ctx context.Context, env *environment, args []string) error {
	var scriptPath, traceDirectory, attributePath string
	var timestamp, from, to, resolution int64
	var all bool

	flagSet := pflag.NewFlagSet("query", pflag.ContinueOnError)
	flagSet.StringVar(&scriptPath, "script", "", "change script to replay (required)")
	flagSet.StringVar(&traceDirectory, "trace", env.config.Paths.Traces, "trace directory for a stored SQLite history")
	flagSet.Int64Var(&timestamp, "at", 0, "print the full state at this timestamp")
	flagSet.StringVar(&attributePath, "attribute", "", "print the history of this attribute (segments separated by /, * matches any)")
	flagSet.Int64Var(&from, "from", 0, "range start (default: history start)")
	flagSet.Int64Var(&to, "to", 0, "range end (default: history end)")
	flagSet.Int64Var(&resolution, "resolution", 0, "skip intervals shorter than this")
	flagSet.BoolVar(&all, "all", false, "include null attributes in a full state")
	if done, err := parseCommandFlags(flagSet, env, args); done || err != nil {
		return err
	}
	if scriptPath == "" {
		return usagef("query: --script is required")
	}
	if flagSet.Changed("at") == (attributePath != "") {
		return usagef("query: give exactly one of --at and --attribute")
	}

	script, err := replay.ReadFile(scriptPath)
	if err != nil {
		return err
	}
	system, err := env.buildSystem(ctx, script, traceDirectory, false)
	if err != nil {
		return err
	}
	defer system.Dispose()

	if attributePath == "" {
		return printFullState(ctx, env, system, timestamp, all)
	}

	if !flagSet.Changed("from") {
		from = system.StartTime()
	}
	if !flagSet.Changed("to") {
		to = system.CurrentEndTime()
	}
	quarks := system.Quarks(strings.Split(attributePath, "/")...)
	if len(quarks) == 0 {
		return fmt.Errorf("no attribute matches %q", attributePath)
	}
	for _, quark := range quarks {
		intervals, err := system.QueryHistoryRange(ctx, quark, from, to, resolution)
		if err != nil {
			return err
		}
		name, err := system.FullAttributePath(quark)
		if err != nil {
			return err
		}
		for _, interval := range intervals {
			fmt.Fprintf(env.stdout, "%s [%d, %d] %s\n", name, interval.Start, interval.End, describe(interval.Value))
		}
	}
	return ctx.Err()
}

func printFullState(ctx context.Context, env *environment, system *statesystem.System, timestamp int64, all bool) error {
	full, err := system.QueryFullState(ctx, timestamp)
	if err != nil {
		return err
	}
	for quark, interval := range full {
		if interval.Value.IsNull() && !all {
			continue
		}
		name, err := system.FullAttributePath(quark)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "%s [%d, %d] %s\n", name, interval.Start, interval.End, describe(interval.Value))
	}
	return nil
}

func runConvert(ctx context.Context, env *environment, args []string) error {
	var traceDirectory, id, target, compression string

	flagSet := pflag.NewFlagSet("convert", pflag.ContinueOnError)
	flagSet.StringVar(&traceDirectory, "trace", env.config.Paths.Traces, "trace directory holding the statedump")
	flagSet.StringVar(&id, "id", "", "state system id (required)")
	flagSet.StringVar(&target, "to", config.FormatArchive, "target format: json or archive")
	flagSet.StringVar(&compression, "compression", env.config.Statedump.ArchiveCompression, "archive compression: none, lz4 or zstd")
	if done, err := parseCommandFlags(flagSet, env, args); done || err != nil {
		return err
	}
	if id == "" {
		return usagef("convert: --id is required")
	}

	var source string
	switch target {
	case config.FormatArchive:
		source = config.FormatJSON
	case config.FormatJSON:
		source = config.FormatArchive
	default:
		return usagef("convert: unknown target format %q", target)
	}

	store := env.store(traceDirectory)
	dump, err := loadDump(store, id, source)
	if err != nil {
		return err
	}
	path, err := saveDump(store, dump, id, target, compression)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "%s: %d attributes\n", path, dump.Len())
	return nil
}

// describe renders a value with its kind.
func describe(value statevalue.Value) string {
	if value.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%s (%s)", value, value.Kind())
}
