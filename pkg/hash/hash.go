package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	// M is the size of the identifier space in bits (2^16)
	M = 16

	// RingSize is 2^M, the number of positions on the ring.
	RingSize = 1 << M

	// MaxID is the largest valid identifier.
	MaxID = RingSize - 1
)

// Key hashes arbitrary data to a 16-bit identifier.
// The identifier is the first two bytes of the SHA-256 digest, big-endian.
func Key(data []byte) uint16 {
	sum := sha256.Sum256(data)
	return binary.BigEndian.Uint16(sum[:2])
}

// String hashes a string to a 16-bit identifier.
func String(s string) uint16 {
	return Key([]byte(s))
}

// Address hashes a network address (host:port) to a 16-bit identifier.
// Used as the default peer ID when none is configured.
func Address(host string, port int) uint16 {
	return String(fmt.Sprintf("%s:%d", host, port))
}

// InRange checks if id is in the range (start, end] on the ring.
// The range wraps around if end < start. When start == end the range
// covers the whole ring, since a peer that is its own predecessor owns every key.
//
// Examples:
//   - InRange(5, 3, 7) = true    // 5 is in (3, 7]
//   - InRange(3, 3, 7) = false   // exclusive start
//   - InRange(7, 3, 7) = true    // inclusive end
//   - InRange(1, 8, 3) = true    // wraparound
//   - InRange(4, 4, 4) = true    // full ring
func InRange(id, start, end uint16) bool {
	switch {
	case start < end:
		return id > start && id <= end
	case start > end:
		return id > start || id <= end
	default:
		return true
	}
}

// Between checks if id is in the range (start, end), exclusive on both ends.
// When start == end the range is the whole ring except start.
func Between(id, start, end uint16) bool {
	switch {
	case start < end:
		return id > start && id < end
	case start > end:
		return id > start || id < end
	default:
		return id != start
	}
}

// Distance computes the clockwise distance from start to end.
func Distance(start, end uint16) uint16 {
	// uint16 arithmetic wraps at 2^16, which is exactly the ring modulus.
	return end - start
}

// Format renders an identifier as zero-padded hex, e.g. "0x0499".
func Format(id uint16) string {
	return fmt.Sprintf("%#06x", id)
}
