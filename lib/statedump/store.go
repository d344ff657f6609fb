// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statedump

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/tracestate/lib/atomicfile"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
)

const (
	// DirectoryName is the subdirectory of a trace directory that
	// holds statedumps.
	DirectoryName = ".tc-states"

	// FileSuffix is appended to the state system id to name a JSON
	// statedump.
	FileSuffix = ".statedump.json"

	// ArchiveSuffix is appended to the state system id to name a
	// binary statedump archive.
	ArchiveSuffix = ".statedump.bin"
)

// ErrInvalidID is returned for state system ids that cannot name a
// file.
var ErrInvalidID = errors.New("invalid state system id")

// Store saves and loads statedumps under one trace directory.
type Store struct {
	// Directory is the trace directory. Statedumps live in its
	// DirectoryName subdirectory, created on first save.
	Directory string

	// Registry decodes custom values on load. Nil is valid when no
	// custom types are stored.
	Registry *statevalue.Registry

	// Logger receives load failures. Nil discards them.
	Logger *slog.Logger
}

func (s *Store) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) ||
		strings.ContainsRune(id, os.PathSeparator) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Path returns the JSON statedump path for id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.Directory, DirectoryName, id+FileSuffix)
}

// ArchivePath returns the binary archive path for id.
func (s *Store) ArchivePath(id string) string {
	return filepath.Join(s.Directory, DirectoryName, id+ArchiveSuffix)
}

// Save writes dump as the statedump of state system id, replacing any
// previous one.
func (s *Store) Save(dump *Statedump, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	return s.write(s.Path(id), Marshal(dump, id))
}

func (s *Store) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating statedump directory: %w", err)
	}
	if err := atomicfile.Write(path, data, 0o644); err != nil {
		return fmt.Errorf("writing statedump: %w", err)
	}
	return nil
}

// Load reads the statedump of state system id. The result is absent
// when no statedump exists or when the stored one cannot be used; the
// reason is logged.
func (s *Store) Load(id string) (*Statedump, bool) {
	return s.load(id, s.Path(id), func(data []byte) (*Statedump, error) {
		return Unmarshal(data, id, s.Registry)
	})
}

func (s *Store) load(id, path string, decode func([]byte) (*Statedump, error)) (*Statedump, bool) {
	logger := s.logger().With("id", id, "path", path)
	if err := validateID(id); err != nil {
		logger.Warn("statedump not loaded", "error", err)
		return nil, false
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("no statedump")
		return nil, false
	}
	if err != nil {
		logger.Warn("reading statedump failed", "error", err)
		return nil, false
	}

	dump, err := decode(data)
	if errors.Is(err, statevalue.ErrCustomCodec) {
		logger.Error("decoding custom value in statedump failed", "error", err)
		return nil, false
	}
	if err != nil {
		logger.Warn("statedump rejected", "error", err)
		return nil, false
	}
	logger.Debug("statedump loaded", "entries", dump.Len(), "version", dump.Version())
	return dump, true
}
