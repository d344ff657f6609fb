// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statevalue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

// Custom is an analysis-defined state value payload.
type Custom interface {
	// TypeID identifies the concrete type in a [Registry]. It is the
	// first byte of the encoding produced by [EncodeCustom].
	TypeID() byte

	// SerializedSize returns the exact number of payload bytes
	// Serialize will write, excluding the type-id byte.
	SerializedSize() int

	// Serialize writes the payload. The writer is bounded to
	// SerializedSize bytes.
	Serialize(w *Writer)

	// Equal reports whether other holds the same payload. other always
	// has the same TypeID.
	Equal(other Custom) bool

	// String returns a human-readable form, used by the statedump
	// "unknown" fallback and by log output.
	String() string
}

// Comparer is implemented by custom payloads that have an ordering.
type Comparer interface {
	Compare(other Custom) int
}

// Factory decodes the payload of one custom type. It must consume
// exactly the bytes available in the reader.
type Factory func(r *Reader) (Custom, error)

// ErrCustomCodec reports a custom value whose encoding could not be
// decoded with the size it declares.
var ErrCustomCodec = errors.New("statevalue: custom value codec error")

// StringSize returns the number of bytes [Writer.PutString] uses for s.
// Custom types use it to compute SerializedSize.
func StringSize(s string) int { return 4 + len(s) }

// EncodeCustom returns the type-id-prefixed encoding of a custom
// payload. Panics if Serialize writes fewer bytes than SerializedSize
// declared (writing more panics inside the Writer).
func EncodeCustom(custom Custom) []byte {
	size := custom.SerializedSize()
	if size < 0 {
		panic(fmt.Sprintf("statevalue: custom type %d declared negative size %d", custom.TypeID(), size))
	}
	writer := &Writer{buffer: make([]byte, 1, size+1), limit: size + 1}
	writer.buffer[0] = custom.TypeID()
	custom.Serialize(writer)
	if len(writer.buffer) != size+1 {
		panic(fmt.Sprintf("statevalue: custom type %d declared %d bytes but wrote %d",
			custom.TypeID(), size, len(writer.buffer)-1))
	}
	return writer.buffer
}

// Writer is a big-endian byte buffer with a hard size limit. Writing
// past the limit panics: it means SerializedSize lied, which is a bug
// in the custom type.
type Writer struct {
	buffer []byte
	limit  int
}

func (w *Writer) reserve(count int) []byte {
	if len(w.buffer)+count > w.limit {
		panic(fmt.Sprintf("statevalue: custom value wrote past its declared size of %d bytes", w.limit-1))
	}
	start := len(w.buffer)
	w.buffer = w.buffer[:start+count]
	return w.buffer[start:]
}

// PutByte writes one byte.
func (w *Writer) PutByte(value byte) { w.reserve(1)[0] = value }

// PutInt32 writes a 32-bit integer.
func (w *Writer) PutInt32(value int32) {
	binary.BigEndian.PutUint32(w.reserve(4), uint32(value))
}

// PutInt64 writes a 64-bit integer.
func (w *Writer) PutInt64(value int64) {
	binary.BigEndian.PutUint64(w.reserve(8), uint64(value))
}

// PutFloat64 writes a double.
func (w *Writer) PutFloat64(value float64) {
	binary.BigEndian.PutUint64(w.reserve(8), math.Float64bits(value))
}

// PutBytes writes raw bytes without a length prefix.
func (w *Writer) PutBytes(value []byte) { copy(w.reserve(len(value)), value) }

// PutString writes a 4-byte length followed by the string bytes.
func (w *Writer) PutString(value string) {
	w.PutInt32(int32(len(value)))
	copy(w.reserve(len(value)), value)
}

// Reader is a big-endian reader over one custom payload. Reading past
// the end records a sticky error and returns zero values; factories
// can read unconditionally and let [Registry.Decode] check Err.
type Reader struct {
	data   []byte
	offset int
	err    error
}

// NewReader returns a reader over payload (without the type-id byte).
func NewReader(payload []byte) *Reader { return &Reader{data: payload} }

func (r *Reader) take(count int) []byte {
	if r.err != nil {
		return nil
	}
	if count < 0 || r.offset+count > len(r.data) {
		r.err = fmt.Errorf("%w: read of %d bytes at offset %d overruns %d-byte payload",
			ErrCustomCodec, count, r.offset, len(r.data))
		return nil
	}
	chunk := r.data[r.offset : r.offset+count]
	r.offset += count
	return chunk
}

// Byte reads one byte.
func (r *Reader) Byte() byte {
	chunk := r.take(1)
	if chunk == nil {
		return 0
	}
	return chunk[0]
}

// Int32 reads a 32-bit integer.
func (r *Reader) Int32() int32 {
	chunk := r.take(4)
	if chunk == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(chunk))
}

// Int64 reads a 64-bit integer.
func (r *Reader) Int64() int64 {
	chunk := r.take(8)
	if chunk == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(chunk))
}

// Float64 reads a double.
func (r *Reader) Float64() float64 {
	chunk := r.take(8)
	if chunk == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(chunk))
}

// Bytes reads count raw bytes. The returned slice is a copy.
func (r *Reader) Bytes(count int) []byte {
	chunk := r.take(count)
	if chunk == nil {
		return nil
	}
	return append([]byte(nil), chunk...)
}

// String reads a length-prefixed string written by [Writer.PutString].
func (r *Reader) String() string {
	length := r.Int32()
	return string(r.take(int(length)))
}

// Remaining returns the number of unread payload bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.offset }

// Err returns the first overrun error, if any.
func (r *Reader) Err() error { return r.err }

// Registry maps custom type ids to factories. The zero value is an
// empty registry. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[byte]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[byte]Factory)}
}

// Register associates a factory with a type id. Registering the same id
// twice is an error.
func (r *Registry) Register(typeID byte, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("statevalue: nil factory for custom type %d", typeID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typeID]; exists {
		return fmt.Errorf("statevalue: custom type %d already registered", typeID)
	}
	if r.factories == nil {
		r.factories = make(map[byte]Factory)
	}
	r.factories[typeID] = factory
	return nil
}

// Decode rebuilds a custom payload from an [EncodeCustom] encoding. A
// nil registry decodes nothing.
func (r *Registry) Decode(encoded []byte) (Custom, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("%w: empty encoding", ErrCustomCodec)
	}
	typeID := encoded[0]

	var factory Factory
	if r != nil {
		r.mu.RLock()
		factory = r.factories[typeID]
		r.mu.RUnlock()
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: no factory registered for type %d", ErrCustomCodec, typeID)
	}

	reader := NewReader(encoded[1:])
	custom, err := factory(reader)
	if reader.Err() != nil {
		return nil, fmt.Errorf("custom type %d: %w", typeID, reader.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: custom type %d: %v", ErrCustomCodec, typeID, err)
	}
	if custom == nil {
		return nil, fmt.Errorf("%w: custom type %d factory returned nil", ErrCustomCodec, typeID)
	}
	if reader.Remaining() != 0 {
		return nil, fmt.Errorf("%w: custom type %d left %d of %d payload bytes unread",
			ErrCustomCodec, typeID, reader.Remaining(), len(encoded)-1)
	}
	if custom.SerializedSize() != len(encoded)-1 {
		return nil, fmt.Errorf("%w: custom type %d declares %d bytes, encoding holds %d",
			ErrCustomCodec, typeID, custom.SerializedSize(), len(encoded)-1)
	}
	return custom, nil
}

// DecodeValue is Decode wrapped into a [Value].
func (r *Registry) DecodeValue(encoded []byte) (Value, error) {
	custom, err := r.Decode(encoded)
	if err != nil {
		return Value{}, err
	}
	return NewCustom(custom), nil
}
