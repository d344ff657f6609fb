// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the compression algorithm of an archive payload.
// Changing the values breaks archive compatibility.
type Tag uint8

const (
	// None indicates uncompressed data.
	None Tag = 0

	// LZ4 indicates LZ4 block compression.
	LZ4 Tag = 1

	// Zstd indicates zstd compression at the default level.
	Zstd Tag = 2
)

// MaxUncompressedSize bounds the uncompressed size Decompress
// accepts. It fits in an int on 32-bit platforms.
const MaxUncompressedSize = 1 << 28

// lz4MaxRatio is the largest expansion an LZ4 block can encode: a
// match length grows by at most 255 per input byte.
const lz4MaxRatio = 255

// ErrIncompressible is returned by compressors when the output would
// not be smaller than the input. [Compress] handles it by storing the
// data uncompressed.
var ErrIncompressible = errors.New("data is incompressible")

// String returns the name of a tag as accepted by [ParseTag].
func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseTag parses a tag from its name.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (want none, lz4 or zstd)", name)
	}
}

// Compress compresses data with the requested algorithm and returns
// the bytes together with the tag actually applied. Incompressible
// data comes back unchanged with [None].
func Compress(data []byte, tag Tag) ([]byte, Tag, error) {
	var compressed []byte
	var err error
	switch tag {
	case None:
		return data, None, nil
	case LZ4:
		compressed, err = compressLZ4(data)
	case Zstd:
		compressed, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported compression tag: %d", tag)
	}
	if errors.Is(err, ErrIncompressible) {
		return data, None, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, tag, nil
}

// Decompress reverses Compress. uncompressedSize must match the
// original length exactly; a mismatch is an error. The size usually
// comes from an unverified header, so nothing larger than the
// compressed bytes can produce is allocated.
func Decompress(compressed []byte, tag Tag, uncompressedSize int) ([]byte, error) {
	if uncompressedSize < 0 || uncompressedSize > MaxUncompressedSize {
		return nil, fmt.Errorf("uncompressed size %d out of range", uncompressedSize)
	}
	switch tag {
	case None:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d",
				len(compressed), uncompressedSize)
		}
		return compressed, nil
	case LZ4:
		return decompressLZ4(compressed, uncompressedSize)
	case Zstd:
		return decompressZstd(compressed, uncompressedSize)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, ErrIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	if limit := int64(len(compressed))*lz4MaxRatio + 16; int64(uncompressedSize) > limit {
		return nil, fmt.Errorf("lz4 decompress: %d bytes cannot expand to %d", len(compressed), uncompressedSize)
	}
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}

// zstdEncoder is shared; EncodeAll is safe for concurrent use.
var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, ErrIncompressible
	}
	return compressed, nil
}

// zstdMinDecoderMemory is the smallest decoder limit. The decoder
// rounds windows of small frames up to zstd.MinWindowSize, so the
// limit cannot follow tiny payloads exactly.
const zstdMinDecoderMemory = 1 << 20

// decompressZstd decodes with a decoder limited to uncompressedSize,
// so a frame declaring a larger content size fails before its buffer
// is allocated and an undeclared one stops growing at the limit.
func decompressZstd(compressed []byte, uncompressedSize int) ([]byte, error) {
	decoder, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(max(uncompressedSize, zstdMinDecoderMemory))),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer decoder.Close()

	result, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}
