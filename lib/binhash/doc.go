// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash provides the BLAKE3 keyed digests that protect
// statedump archives.
//
// An archive stores the digest of its uncompressed payload in the
// header. Loading recomputes it and rejects the archive on mismatch,
// so a truncated or bit-flipped file degrades to "no snapshot" instead
// of a wrong state.
//
// Digests use BLAKE3 keyed mode with a fixed domain key per use. The
// same bytes hashed as an archive payload and as a whole file produce
// unrelated digests, so one can never be mistaken for the other.
//
//   - [Payload] hashes an archive payload in memory.
//   - [HashFile] streams a file through the file-domain hash with
//     constant memory, for the command line's fingerprint output.
//   - [Digest.String] is the canonical hex form used in logs.
//
// This package has no dependencies on other packages of this module.
package binhash
