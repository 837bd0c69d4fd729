// Package checksum computes the xxh3 trailers that protect generation blocks
// and footers.
//
// Every block of a generation file ends with an 8-byte little-endian xxh3
// hash of the bytes that precede it in the block. A footer carries the same
// trailer over its own fixed-size prefix.
package checksum

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/xxh3"
)

// TrailerSize is the number of bytes reserved at the end of each block.
const TrailerSize = 8

// ErrMismatch is returned when a stored trailer does not match its payload.
var ErrMismatch = errors.New("checksum: mismatch")

// Value returns the xxh3 hash of data.
func Value(data []byte) uint64 {
	return xxh3.Hash(data)
}

// Seal writes the trailer of block in place. The payload is
// block[:len(block)-TrailerSize].
func Seal(block []byte) {
	n := len(block) - TrailerSize
	binary.LittleEndian.PutUint64(block[n:], xxh3.Hash(block[:n]))
}

// Verify checks the trailer of block against its payload.
func Verify(block []byte) error {
	if len(block) < TrailerSize {
		return fmt.Errorf("%w: block of %d bytes has no trailer", ErrMismatch, len(block))
	}
	n := len(block) - TrailerSize
	stored := binary.LittleEndian.Uint64(block[n:])
	if actual := xxh3.Hash(block[:n]); stored != actual {
		return fmt.Errorf("%w: stored %#016x, computed %#016x", ErrMismatch, stored, actual)
	}
	return nil
}

// Payload returns the portion of block covered by the trailer.
func Payload(block []byte) []byte {
	return block[:len(block)-TrailerSize]
}
