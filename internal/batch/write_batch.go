// Package batch implements the WriteBatch format for atomic writes.
//
// WriteBatch Format:
//
//	Header (12 bytes):
//	  - 8 bytes: first sequence number (little-endian uint64)
//	  - 4 bytes: count (little-endian uint32)
//	Records (repeated):
//	  - 1 byte: tag (dbformat.ValueType)
//	  - length-prefixed key
//	  - (for Put): length-prefixed value
//
// Records are assigned consecutive sequence numbers starting at the header
// sequence when the batch is applied.
package batch

import (
	"errors"
	"fmt"

	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/encoding"
)

// HeaderSize is the size in bytes of the WriteBatch header (8 bytes sequence + 4 bytes count).
const HeaderSize = 12

var (
	// ErrCorrupted indicates a malformed WriteBatch.
	ErrCorrupted = errors.New("batch: corrupted write batch")

	// ErrTooSmall indicates the batch is smaller than the header.
	ErrTooSmall = errors.New("batch: too small")
)

// Handler receives the records of a batch in order. seq is the sequence
// number the record is applied at.
type Handler interface {
	Put(seq dbformat.SequenceNumber, key, value []byte) error
	Delete(seq dbformat.SequenceNumber, key []byte) error
}

// WriteBatch represents a collection of writes to be applied atomically.
type WriteBatch struct {
	data []byte // The raw batch data including header
}

// New creates a new empty WriteBatch.
func New() *WriteBatch {
	return &WriteBatch{data: make([]byte, HeaderSize)}
}

// NewFromData wraps an encoded batch. The data is not copied.
func NewFromData(data []byte) (*WriteBatch, error) {
	if len(data) < HeaderSize {
		return nil, ErrTooSmall
	}
	return &WriteBatch{data: data}, nil
}

// Clear removes all records.
func (wb *WriteBatch) Clear() {
	wb.data = wb.data[:HeaderSize]
	clear(wb.data)
}

// Data returns the encoded batch.
func (wb *WriteBatch) Data() []byte {
	return wb.data
}

// Size returns the encoded size in bytes.
func (wb *WriteBatch) Size() int {
	return len(wb.data)
}

// Count returns the number of records.
func (wb *WriteBatch) Count() uint32 {
	return encoding.DecodeFixed32(wb.data[8:])
}

func (wb *WriteBatch) setCount(count uint32) {
	encoding.EncodeFixed32(wb.data[8:], count)
}

// Sequence returns the sequence number of the first record.
func (wb *WriteBatch) Sequence() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(encoding.DecodeFixed64(wb.data))
}

// SetSequence sets the sequence number of the first record.
func (wb *WriteBatch) SetSequence(seq dbformat.SequenceNumber) {
	encoding.EncodeFixed64(wb.data, uint64(seq))
}

// Put adds a key/value record.
func (wb *WriteBatch) Put(key, value []byte) {
	wb.data = append(wb.data, byte(dbformat.TypeValue))
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, value)
	wb.setCount(wb.Count() + 1)
}

// Delete adds a tombstone for key.
func (wb *WriteBatch) Delete(key []byte) {
	wb.data = append(wb.data, byte(dbformat.TypeDeletion))
	wb.data = encoding.AppendLengthPrefixedSlice(wb.data, key)
	wb.setCount(wb.Count() + 1)
}

// Append adds the records of src to wb.
func (wb *WriteBatch) Append(src *WriteBatch) {
	wb.data = append(wb.data, src.data[HeaderSize:]...)
	wb.setCount(wb.Count() + src.Count())
}

// Iterate calls handler for each record, in order.
func (wb *WriteBatch) Iterate(handler Handler) error {
	if len(wb.data) < HeaderSize {
		return ErrTooSmall
	}
	s := encoding.NewSlice(wb.data[HeaderSize:])
	seq := wb.Sequence()
	var n uint32
	for s.Remaining() > 0 {
		tag, ok := s.GetBytes(1)
		if !ok {
			return ErrCorrupted
		}
		key, ok := s.GetLengthPrefixedSlice()
		if !ok {
			return fmt.Errorf("%w: truncated key in record %d", ErrCorrupted, n)
		}
		switch dbformat.ValueType(tag[0]) {
		case dbformat.TypeValue:
			value, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return fmt.Errorf("%w: truncated value in record %d", ErrCorrupted, n)
			}
			if err := handler.Put(seq, key, value); err != nil {
				return err
			}
		case dbformat.TypeDeletion:
			if err := handler.Delete(seq, key); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown tag %#x in record %d", ErrCorrupted, tag[0], n)
		}
		seq++
		n++
	}
	if n != wb.Count() {
		return fmt.Errorf("%w: header count %d, found %d records", ErrCorrupted, wb.Count(), n)
	}
	return nil
}
