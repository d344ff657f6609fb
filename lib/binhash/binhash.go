// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest.
type Digest [32]byte

// domainKey is a 32-byte BLAKE3 key. The bytes are the ASCII domain
// name, zero-padded; changing them invalidates every stored digest of
// that domain.
type domainKey [32]byte

var (
	payloadDomainKey = domainKey{
		't', 'r', 'a', 'c', 'e', 's', 't', 'a', 't', 'e', '.', 'a', 'r', 'c', 'h', 'i',
		'v', 'e', '.', 'p', 'a', 'y', 'l', 'o', 'a', 'd', 0, 0, 0, 0, 0, 0,
	}

	fileDomainKey = domainKey{
		't', 'r', 'a', 'c', 'e', 's', 't', 'a', 't', 'e', '.', 'f', 'i', 'l', 'e', 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	scriptDomainKey = domainKey{
		't', 'r', 'a', 'c', 'e', 's', 't', 'a', 't', 'e', '.', 's', 'c', 'r', 'i', 'p',
		't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

func newHasher(key domainKey) *blake3.Hasher {
	// NewKeyed only fails for a key that is not 32 bytes long.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("binhash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

func sum(hasher *blake3.Hasher) Digest {
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// Payload returns the payload-domain digest of data.
func Payload(data []byte) Digest {
	hasher := newHasher(payloadDomainKey)
	hasher.Write(data)
	return sum(hasher)
}

// Script returns the script-domain digest of a canonical change
// script encoding.
func Script(data []byte) Digest {
	hasher := newHasher(scriptDomainKey)
	hasher.Write(data)
	return sum(hasher)
}

// HashFile computes the file-domain digest of the file at path,
// streaming it through the hash (via io.Copy) so memory use does not
// depend on the file size.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := newHasher(fileDomainKey)
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return sum(hasher), nil
}

// String returns the hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}
