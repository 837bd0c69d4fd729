// Package dbformat defines the versioned record model shared by every layer
// of the engine: sequence numbers, value types, and the entry ordering used
// by walkers and merges.
//
// Entries are ordered by index key ascending, then by sequence number
// descending, so that for equal keys the newest mutation comes first.
package dbformat

import (
	"bytes"
	"errors"
	"fmt"
)

// SequenceNumber is a 56-bit monotonic mutation counter (stored in the
// upper 56 bits of a packed 64-bit trailer).
type SequenceNumber uint64

// MaxSequenceNumber is the maximum valid sequence number (2^56 - 1).
// Reading at MaxSequenceNumber observes every mutation.
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

// ValueType represents the type of a record.
// These values are embedded in the on-disk format and MUST NOT change.
type ValueType uint8

const (
	// TypeDeletion marks a key as deleted as of its sequence number.
	TypeDeletion ValueType = 0x00
	// TypeValue is a regular value.
	TypeValue ValueType = 0x01
)

// ErrInvalidValueType is returned when the value type is not recognized.
var ErrInvalidValueType = errors.New("dbformat: invalid value type")

// String returns a short name for the value type.
func (t ValueType) String() string {
	switch t {
	case TypeDeletion:
		return "DEL"
	case TypeValue:
		return "PUT"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// IsValid reports whether t may appear in a generation.
func (t ValueType) IsValid() bool {
	return t == TypeDeletion || t == TypeValue
}

// PackSequenceAndType packs a sequence number and value type into a 64-bit value.
// The sequence number occupies the upper 56 bits, the type the lower 8 bits.
func PackSequenceAndType(seq SequenceNumber, t ValueType) uint64 {
	return (uint64(seq) << 8) | uint64(t)
}

// UnpackSequenceAndType extracts the sequence number and value type from a packed 64-bit value.
func UnpackSequenceAndType(packed uint64) (SequenceNumber, ValueType) {
	return SequenceNumber(packed >> 8), ValueType(packed & 0xFF)
}

// Entry is one mutation: a value or a tombstone for Key at Seq.
type Entry struct {
	Key   []byte
	Seq   SequenceNumber
	Type  ValueType
	Value []byte
}

// IsTombstone reports whether the entry deletes its key.
func (e *Entry) IsTombstone() bool {
	return e.Type == TypeDeletion
}

// Clone returns a deep copy of e that does not alias any buffer.
func (e *Entry) Clone() Entry {
	return Entry{
		Key:   append([]byte(nil), e.Key...),
		Seq:   e.Seq,
		Type:  e.Type,
		Value: append([]byte(nil), e.Value...),
	}
}

// String returns a human-readable representation.
func (e *Entry) String() string {
	return fmt.Sprintf("{Key: %q, Seq: %d, Type: %s, Value: %d bytes}", e.Key, e.Seq, e.Type, len(e.Value))
}

// CompareKeys orders index keys bytewise.
func CompareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// CompareEntries orders entries by key ascending, then sequence descending.
func CompareEntries(a, b *Entry) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	}
	return 0
}

// InRange reports whether key lies in [from, to). A nil to is unbounded.
func InRange(key, from, to []byte) bool {
	if bytes.Compare(key, from) < 0 {
		return false
	}
	return to == nil || bytes.Compare(key, to) < 0
}
