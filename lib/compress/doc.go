// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress provides the block compression used by statedump
// archives.
//
// A [Tag] names the algorithm and is stored as one byte in the archive
// header, so the values are format constants:
//
//   - [None]: stored as is.
//   - [LZ4]: LZ4 block compression (pierrec/lz4). Fast to decode;
//     the default for archives written during analysis.
//   - [Zstd]: zstd at the default level (klauspost/compress). Better
//     ratios on the highly repetitive attribute paths of large states.
//
// [Compress] falls back to [None] when the algorithm does not shrink
// the input, and reports the tag it actually used. [Decompress] needs
// the exact uncompressed size, which the archive header records, and
// fails when the output does not match it.
package compress
