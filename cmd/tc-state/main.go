// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tracestate/lib/config"
	"github.com/bureau-foundation/tracestate/lib/version"
)

// usageError marks errors caused by bad invocation. They exit with
// status 2 instead of 1.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var usage usageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// environment carries what every command needs.
type environment struct {
	config *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

type command struct {
	summary string
	run     func(ctx context.Context, env *environment, args []string) error
}

var commands = map[string]command{
	"build":   {"replay a change script and save a statedump", runBuild},
	"show":    {"print a saved statedump", runShow},
	"query":   {"replay a change script and print state", runQuery},
	"convert": {"rewrite a statedump in the other format", runConvert},
}

var commandOrder = []string{"build", "show", "query", "convert"}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var configPath string
	var showVersion, verbose bool

	flagSet := pflag.NewFlagSet("tc-state", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&configPath, "config", "", "configuration file (default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVar(&showVersion, "version", false, "print version information")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "with --version, include build details")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return usageError{err: err}
	}

	if showVersion {
		if verbose {
			fmt.Fprintf(stdout, "tc-state %s\n", version.Full())
		} else {
			fmt.Fprintf(stdout, "tc-state %s\n", version.Info())
		}
		return nil
	}

	remaining := flagSet.Args()
	if len(remaining) == 0 {
		printUsage(stderr, flagSet)
		return usagef("no command given")
	}
	selected, exists := commands[remaining[0]]
	if !exists {
		return usagef("unknown command %q", remaining[0])
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(stderr)
	if err != nil {
		return err
	}

	env := &environment{config: cfg, logger: logger, stdout: stdout, stderr: stderr}
	return selected.run(ctx, env, remaining[1:])
}

// loadConfig prefers an explicit path, then TRACESTATE_CONFIG, then
// the defaults.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv(config.EnvironmentVariable) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: tc-state [flags] <command> [command flags]\n\nCommands:\n")
	for _, name := range commandOrder {
		fmt.Fprintf(w, "  %-8s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, "\nFlags:\n%s", flagSet.FlagUsages())
}

// parseCommandFlags parses a subcommand's flags, treating --help as a
// successful no-op signalled by done.
func parseCommandFlags(flagSet *pflag.FlagSet, env *environment, args []string) (done bool, err error) {
	flagSet.SetOutput(env.stderr)
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, usageError{err: err}
	}
	if flagSet.NArg() > 0 {
		return false, usagef("%s: unexpected argument %q", flagSet.Name(), flagSet.Arg(0))
	}
	return false, nil
}
