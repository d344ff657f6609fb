// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statedump

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/bureau-foundation/tracestate/lib/binhash"
	"github.com/bureau-foundation/tracestate/lib/codec"
	"github.com/bureau-foundation/tracestate/lib/compress"
	"github.com/bureau-foundation/tracestate/lib/statevalue"
)

// ArchiveVersion is the archive layout written by this package.
const ArchiveVersion = 1

// archiveMagic opens every archive.
var archiveMagic = [4]byte{'T', 'C', 'S', 'D'}

// Header layout: magic, version, compression tag, two reserved bytes,
// big-endian uncompressed payload size, payload digest.
const (
	offsetVersion     = 4
	offsetTag         = 5
	offsetSize        = 8
	offsetDigest      = 16
	archiveHeaderSize = offsetDigest + len(binhash.Digest{})
)

// ErrArchive is returned for archives that are truncated, of an
// unknown version, or whose payload does not match its digest.
var ErrArchive = errors.New("invalid statedump archive")

type archivePayload struct {
	ID               string         `cbor:"1,keyasint"`
	StatedumpVersion int            `cbor:"2,keyasint"`
	Entries          []archiveEntry `cbor:"3,keyasint"`
}

// archiveEntry holds one attribute. Bits carries int and long values
// and the IEEE 754 bits of doubles, so NaN payloads and negative zero
// survive.
type archiveEntry struct {
	Path   []string        `cbor:"1,keyasint"`
	Kind   statevalue.Kind `cbor:"2,keyasint"`
	Bits   int64           `cbor:"3,keyasint,omitempty"`
	Text   string          `cbor:"4,keyasint,omitempty"`
	Custom []byte          `cbor:"5,keyasint,omitempty"`
}

// EncodeArchive renders dump as an archive for state system id,
// compressing the payload with tag when that makes it smaller.
func EncodeArchive(dump *Statedump, id string, tag compress.Tag) ([]byte, error) {
	payload := archivePayload{
		ID:               id,
		StatedumpVersion: dump.version,
		Entries:          make([]archiveEntry, len(dump.attributes)),
	}
	for index, path := range dump.attributes {
		value := dump.values[index]
		entry := archiveEntry{Path: path, Kind: value.Kind()}
		switch value.Kind() {
		case statevalue.KindInt:
			entry.Bits = int64(value.Int())
		case statevalue.KindLong:
			entry.Bits = value.Long()
		case statevalue.KindDouble:
			entry.Bits = int64(math.Float64bits(value.Double()))
		case statevalue.KindString:
			entry.Text = value.Str()
		case statevalue.KindCustom:
			entry.Custom = statevalue.EncodeCustom(value.Custom())
		}
		payload.Entries[index] = entry
	}

	encoded, err := codec.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("encoding archive payload: %w", err)
	}
	compressed, usedTag, err := compress.Compress(encoded, tag)
	if err != nil {
		return nil, fmt.Errorf("compressing archive payload: %w", err)
	}

	archive := make([]byte, archiveHeaderSize, archiveHeaderSize+len(compressed))
	copy(archive, archiveMagic[:])
	archive[offsetVersion] = ArchiveVersion
	archive[offsetTag] = byte(usedTag)
	binary.BigEndian.PutUint64(archive[offsetSize:], uint64(len(encoded)))
	digest := binhash.Payload(encoded)
	copy(archive[offsetDigest:], digest[:])
	return append(archive, compressed...), nil
}

// DecodeArchive parses an archive written for state system id. Custom
// values are decoded with registry.
func DecodeArchive(archive []byte, id string, registry *statevalue.Registry) (*Statedump, error) {
	encoded, err := verifiedPayload(archive)
	if err != nil {
		return nil, err
	}

	var payload archivePayload
	if err := codec.Unmarshal(encoded, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if payload.ID != id {
		return nil, fmt.Errorf("%w: archive is for %q, requested %q", ErrIdentity, payload.ID, id)
	}

	dump := &Statedump{
		attributes: make([][]string, len(payload.Entries)),
		values:     make([]statevalue.Value, len(payload.Entries)),
		version:    payload.StatedumpVersion,
	}
	seen := make(pathSet, len(payload.Entries))
	for index, entry := range payload.Entries {
		if len(entry.Path) == 0 {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformed, index, ErrEmptyPath)
		}
		if err := seen.add(entry.Path); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformed, index, err)
		}
		value, err := entryValue(entry, registry)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", index, err)
		}
		dump.attributes[index] = entry.Path
		dump.values[index] = value
	}
	return dump, nil
}

// verifiedPayload checks the archive header and returns the
// decompressed payload once its digest matches.
func verifiedPayload(archive []byte) ([]byte, error) {
	if len(archive) < archiveHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrArchive, len(archive))
	}
	if [4]byte(archive[:offsetVersion]) != archiveMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrArchive, archive[:offsetVersion])
	}
	if archive[offsetVersion] != ArchiveVersion {
		return nil, fmt.Errorf("%w: version %d (supported: %d)", ErrArchive, archive[offsetVersion], ArchiveVersion)
	}
	size := binary.BigEndian.Uint64(archive[offsetSize:])
	if size > compress.MaxUncompressedSize {
		return nil, fmt.Errorf("%w: payload size %d exceeds limit", ErrArchive, size)
	}

	encoded, err := compress.Decompress(archive[archiveHeaderSize:], compress.Tag(archive[offsetTag]), int(size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchive, err)
	}
	var expected binhash.Digest
	copy(expected[:], archive[offsetDigest:archiveHeaderSize])
	if actual := binhash.Payload(encoded); actual != expected {
		return nil, fmt.Errorf("%w: payload digest %s, header says %s", ErrArchive, actual, expected)
	}
	return encoded, nil
}

// DiagnoseArchive verifies an archive and renders its payload in CBOR
// diagnostic notation, for inspecting archives that fail to load.
func DiagnoseArchive(archive []byte) (string, error) {
	encoded, err := verifiedPayload(archive)
	if err != nil {
		return "", err
	}
	return codec.Diagnose(encoded)
}

func entryValue(entry archiveEntry, registry *statevalue.Registry) (statevalue.Value, error) {
	switch entry.Kind {
	case statevalue.KindNull:
		return statevalue.Null(), nil
	case statevalue.KindInt:
		if entry.Bits < math.MinInt32 || entry.Bits > math.MaxInt32 {
			return statevalue.Value{}, fmt.Errorf("%w: int value %d out of range", ErrMalformed, entry.Bits)
		}
		return statevalue.NewInt(int32(entry.Bits)), nil
	case statevalue.KindLong:
		return statevalue.NewLong(entry.Bits), nil
	case statevalue.KindDouble:
		return statevalue.NewDouble(math.Float64frombits(uint64(entry.Bits))), nil
	case statevalue.KindString:
		return statevalue.NewString(entry.Text), nil
	case statevalue.KindCustom:
		return registry.DecodeValue(entry.Custom)
	default:
		return statevalue.Value{}, fmt.Errorf("%w: unknown value kind %d", ErrMalformed, entry.Kind)
	}
}

// SaveArchive writes dump as the binary archive of state system id,
// replacing any previous one.
func (s *Store) SaveArchive(dump *Statedump, id string, tag compress.Tag) error {
	if err := validateID(id); err != nil {
		return err
	}
	archive, err := EncodeArchive(dump, id, tag)
	if err != nil {
		return err
	}
	return s.write(s.ArchivePath(id), archive)
}

// LoadArchive reads the binary archive of state system id, with the
// same absent-on-failure behavior as Load.
func (s *Store) LoadArchive(id string) (*Statedump, bool) {
	return s.load(id, s.ArchivePath(id), func(data []byte) (*Statedump, error) {
		return DecodeArchive(data, id, s.Registry)
	})
}
