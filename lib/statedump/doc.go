// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statedump snapshots the full state of a state system at one
// timestamp and stores it next to the trace, so a later session can
// rebuild that state without replaying the events that led to it.
//
// A [Statedump] is two index-aligned lists (attribute paths and their
// values) plus a caller-defined version. The version is stored and
// returned untouched; callers use it to decide whether a saved
// snapshot predates a change in their analysis logic.
//
// # Document format
//
// [Store.Save] writes <dir>/.tc-states/<id>.statedump.json, replacing
// any previous file for the same identity atomically:
//
//	{
//	  "format-version": 1,
//	  "id": "kernel",
//	  "statedump-version": 3,
//	  "state": {
//	    "children": {
//	      "threads": {
//	        "type": "null",
//	        "children": {
//	          "42": {
//	            "type": "string",
//	            "value": "bash",
//	            "children": {}
//	          }
//	        }
//	      }
//	    }
//	  }
//	}
//
// Every attribute is one node, reached from the root through its path
// segments under "children". Nodes without "type" are structural and
// yield no entry. Types are null (no value), int and long (integers,
// parsed over the full 64-bit range; an int outside the 32-bit range
// loads as a long), double (a number, or one of the markers "nan",
// "+inf", "-inf"), string, custom (base64 of the type-id-prefixed
// encoding, decoded through a [statevalue.Registry]) and unknown (a
// textual fallback that loads as a string).
//
// [Store.Load] rejects a document whose format version is not
// [FormatVersion] or whose id differs from the requested identity.
// Any malformed node fails the whole load: the result is absent and a
// warning is logged, never a partial statedump. A custom value that
// cannot be decoded is logged as an error, since it points at a codec
// incompatibility rather than a damaged file.
//
// # Archives
//
// [Store.SaveArchive] writes the same snapshot to
// <dir>/.tc-states/<id>.statedump.bin: a fixed header (magic "TCSD",
// archive version, compression tag, uncompressed size and a BLAKE3
// digest of the payload) followed by the deterministic CBOR payload,
// optionally compressed with LZ4 or zstd. [Store.LoadArchive] applies
// the same failure policy as Load and also rejects any archive whose
// digest does not match.
package statedump
