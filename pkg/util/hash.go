// Package util provides shared hashing helpers used across HermesIndex
// packages.
package util

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// HashStringToInt64 converts a string ID to an int64, using an FNV-1a
// 64-bit hash for deterministic conversion with good distribution.
// Used where a caller-facing id must be a stable int64 derived from a
// string key.
func HashStringToInt64(s string) int64 {
	const offsetBasis uint64 = 14695981039346656037
	const prime uint64 = 1099511628211

	hash := offsetBasis
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime
	}

	result := int64(hash)
	if result < 0 {
		result = result & 0x7FFFFFFFFFFFFFFF
	}

	return result
}

// TextHash computes the deterministic BLAKE2b-128 hex digest of the
// normalized embedding input text. A 128-bit digest is more than
// sufficient for change detection and keeps the stored hash column short.
func TextHash(normalized string) string {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// New only errors on an invalid key or size, both fixed here.
		panic(err)
	}
	h.Write([]byte(normalized))
	return hex.EncodeToString(h.Sum(nil))
}
