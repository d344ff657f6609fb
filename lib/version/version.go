// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"os"
	"runtime"

	"github.com/bureau-foundation/tracestate/lib/binhash"
)

// These variables are set via -ldflags at build time, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/tracestate/lib/version.GitCommit=$(git rev-parse --short HEAD)"
var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// GitDirty indicates whether there were uncommitted changes.
	GitDirty = "false"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version. This is set manually for releases.
	Version = "0.1.0-dev"
)

// Info returns a formatted version string suitable for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full returns detailed version information including the Go version
// and the digest of the running binary. Two binaries with the same
// Info but different digests were built from different trees.
func Full() string {
	digest := "unavailable"
	if sum, err := BinaryDigest(); err == nil {
		digest = sum.String()
	}
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s\n  Binary: %s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH, digest)
}

// Short returns just the version number.
func Short() string {
	return Version
}

// Commit returns the git commit SHA.
func Commit() string {
	return GitCommit
}

// BinaryDigest hashes the executable of the current process.
func BinaryDigest() (binhash.Digest, error) {
	path, err := os.Executable()
	if err != nil {
		return binhash.Digest{}, fmt.Errorf("locating executable: %w", err)
	}
	return binhash.HashFile(path)
}
