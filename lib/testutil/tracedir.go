// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// TraceDir returns an empty directory that plays the role of a trace's
// directory. It is removed when the test completes.
func TraceDir(t *testing.T) string {
	t.Helper()
	directory := filepath.Join(t.TempDir(), "trace")
	if err := os.Mkdir(directory, 0o755); err != nil {
		t.Fatalf("creating trace directory: %v", err)
	}
	return directory
}

// WriteFile writes content to name under directory, creating parent
// directories as needed, and returns the full path.
func WriteFile(t *testing.T, directory, name, content string) string {
	t.Helper()
	path := filepath.Join(directory, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating parent of %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}
