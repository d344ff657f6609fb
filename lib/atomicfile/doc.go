// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile replaces files so that readers only ever see the
// old content or the new content, never a partial write.
//
// [Write] writes to a temporary file in the destination directory,
// fsyncs it, renames it over the destination and fsyncs the directory.
// Statedump documents and archives are saved this way, so a crash
// while saving leaves the previous snapshot in place and a concurrent
// load never parses half a document.
//
// [Remove] deletes a file and treats an already missing file as
// success.
package atomicfile
