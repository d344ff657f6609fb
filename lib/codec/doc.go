// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration used for
// binary statedump archives.
//
// JSON statedump documents are meant to be read and edited by people.
// Archives hold the same snapshot in CBOR so that states with hundreds
// of thousands of attributes load without a text parser, and so the
// archive digest can be computed over canonical bytes. The encoder
// uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. The same
// snapshot always produces identical bytes, and therefore an identical
// digest.
//
//	data, err := codec.Marshal(payload)
//	err = codec.Unmarshal(data, &payload)
//
// The decoder lifts the default array and map size limits to their
// maximum: a single snapshot carries one array element per attribute.
//
// [Diagnose] renders a payload in CBOR diagnostic notation for the
// command line's inspection output.
package codec
