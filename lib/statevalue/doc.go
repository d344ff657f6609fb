// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statevalue defines the value model stored in a state history:
// a closed set of six kinds carried by the immutable [Value] type.
//
//   - null: the attribute has no value (the initial state of every
//     attribute until its first change)
//   - int: signed 32-bit integer
//   - long: signed 64-bit integer
//   - double: IEEE 754 binary64, including NaN and the infinities
//   - string: UTF-8 text
//   - custom: an analysis-defined payload implementing [Custom]
//
// Accessors are kind-checked. Calling [Value.Int] on a string value is a
// programming error and panics immediately rather than returning a zero
// that would silently corrupt an analysis.
//
// # Custom values
//
// A custom value reports its exact payload size through
// [Custom.SerializedSize] before it is asked to [Custom.Serialize]
// itself into a [Writer] bounded to that size. The encoded form
// produced by [EncodeCustom] is one type-id byte followed by exactly
// that many payload bytes. Generic consumers (the statedump writer, the
// SQLite history backend) store the encoding without knowing the
// concrete type.
//
// Decoding goes through a [Registry] that maps type ids to factories.
// Registries are explicit instances owned by whoever opens a history or
// loads a statedump; there is no process-wide registration. A factory
// that reads past the encoded payload or leaves bytes unconsumed makes
// [Registry.Decode] fail with [ErrCustomCodec]: the declared size and
// the codec disagree, which means a codec or version incompatibility,
// and callers must not substitute a null value for it.
//
// This package has no dependencies on other packages in this module.
package statevalue
