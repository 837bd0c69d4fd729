// Package generation reads and writes generation files: immutable, sorted
// runs of versioned entries.
//
// A generation file is a whole number of fixed-size blocks. Each block ends
// with an xxh3 trailer; the bytes before the trailers form one payload
// stream:
//
//	data records | sparse index | padding | footer
//
// The footer occupies the last FooterSize bytes of the stream. A record is
//
//	varint keyLen | key | fixed64 (seq<<8 | type) | byte compression | varint valueLen | value
//
// and an index entry, written every IndexInterval records, is
//
//	varint keyLen | key | varint recordOffset
package generation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/aalhour/genkv/internal/checksum"
	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/encoding"
)

const (
	// Magic identifies a generation footer.
	Magic uint64 = 0x67656e6b76676e31 // "genkvgn1"

	// FormatVersion is the current footer version.
	FormatVersion uint32 = 1

	// FooterSize is the encoded footer length.
	FooterSize = 128

	// MinBlockSize is the smallest block able to hold a footer.
	MinBlockSize = 256

	// FileSuffix is the extension of published generations.
	FileSuffix = ".gen"

	// TempSuffix marks a generation that is still being written.
	TempSuffix = ".tmp"
)

var (
	// ErrCorruption is returned when a file fails validation.
	ErrCorruption = errors.New("generation: corruption")

	// ErrOutOfOrder is returned when entries are not added in entry order.
	ErrOutOfOrder = errors.New("generation: entries out of order")
)

// StorageSpeed is the storage tier a generation lives on.
type StorageSpeed uint8

const (
	// Fast storage, such as local SSD.
	Fast StorageSpeed = 0
	// Slow storage, such as spinning disk.
	Slow StorageSpeed = 1
)

func (s StorageSpeed) String() string {
	switch s {
	case Fast:
		return "fast"
	case Slow:
		return "slow"
	}
	return fmt.Sprintf("speed(%d)", uint8(s))
}

// ParseStorageSpeed maps a configuration name to a tier.
func ParseStorageSpeed(s string) (StorageSpeed, error) {
	switch strings.ToLower(s) {
	case "", "fast":
		return Fast, nil
	case "slow":
		return Slow, nil
	}
	return Fast, fmt.Errorf("generation: unknown storage speed %q", s)
}

// Meta describes a generation. It is persisted in the footer.
type Meta struct {
	GenID        uint64
	UUID         uuid.UUID
	RepoID       uuid.UUID
	NumKeys      uint64
	NumEntries   uint64
	LowestSeq    dbformat.SequenceNumber
	HighestSeq   dbformat.SequenceNumber
	StorageSpeed StorageSpeed
	Priority     uint16
	CanTail      bool

	// HasTombstones is set when at least one entry is a deletion.
	HasTombstones bool

	// SpanLow and SpanHigh bound the sequence numbers this generation
	// supersedes: for a merge output, the span of all its inputs. Recovery
	// uses it to discard inputs a published merge already replaced.
	SpanLow  dbformat.SequenceNumber
	SpanHigh dbformat.SequenceNumber

	DataLength  uint64
	IndexOffset uint64
	IndexLength uint64
}

func (m *Meta) String() string {
	return fmt.Sprintf("gen %d (%s) keys=%d entries=%d seq=[%d,%d] speed=%s tail=%v",
		m.GenID, m.UUID, m.NumKeys, m.NumEntries, m.LowestSeq, m.HighestSeq, m.StorageSpeed, m.CanTail)
}

// Validate checks invariants that hold for every well-formed generation.
func (m *Meta) Validate() error {
	if m.NumEntries > 0 && m.HighestSeq < m.LowestSeq {
		return fmt.Errorf("%w: gen %d highest seq %d below lowest seq %d", ErrCorruption, m.GenID, m.HighestSeq, m.LowestSeq)
	}
	if m.NumEntries > 0 && (m.LowestSeq < m.SpanLow || m.HighestSeq > m.SpanHigh) {
		return fmt.Errorf("%w: gen %d seq [%d,%d] outside its span [%d,%d]", ErrCorruption, m.GenID, m.LowestSeq, m.HighestSeq, m.SpanLow, m.SpanHigh)
	}
	if m.NumKeys > m.NumEntries {
		return fmt.Errorf("%w: gen %d has %d keys but %d entries", ErrCorruption, m.GenID, m.NumKeys, m.NumEntries)
	}
	if m.IndexOffset != m.DataLength || m.IndexOffset+m.IndexLength < m.IndexOffset {
		return fmt.Errorf("%w: gen %d index [%d,+%d) does not follow data of %d bytes", ErrCorruption, m.GenID, m.IndexOffset, m.IndexLength, m.DataLength)
	}
	return nil
}

const (
	flagCanTail       = 1 << 0
	flagHasTombstones = 1 << 1
)

// Footer layout (little-endian):
//
//	0   magic        8    56  NumKeys     8
//	8   version      4    64  NumEntries  8
//	12  flags        1    72  LowestSeq   8
//	13  speed        1    80  HighestSeq  8
//	14  priority     2    88  SpanLow     8
//	16  GenID        8    96  SpanHigh    8
//	24  UUID        16   104  DataLength  8
//	40  RepoID      16   112  IndexLength 8
//	                     120  xxh3        8
//
// The index starts where the data ends.

// EncodeFooter encodes m into a FooterSize buffer.
func EncodeFooter(m *Meta) []byte {
	buf := make([]byte, FooterSize)
	encoding.EncodeFixed64(buf[0:], Magic)
	encoding.EncodeFixed32(buf[8:], FormatVersion)
	if m.CanTail {
		buf[12] |= flagCanTail
	}
	if m.HasTombstones {
		buf[12] |= flagHasTombstones
	}
	buf[13] = byte(m.StorageSpeed)
	buf[14] = byte(m.Priority)
	buf[15] = byte(m.Priority >> 8)
	encoding.EncodeFixed64(buf[16:], m.GenID)
	copy(buf[24:40], m.UUID[:])
	copy(buf[40:56], m.RepoID[:])
	encoding.EncodeFixed64(buf[56:], m.NumKeys)
	encoding.EncodeFixed64(buf[64:], m.NumEntries)
	encoding.EncodeFixed64(buf[72:], uint64(m.LowestSeq))
	encoding.EncodeFixed64(buf[80:], uint64(m.HighestSeq))
	encoding.EncodeFixed64(buf[88:], uint64(m.SpanLow))
	encoding.EncodeFixed64(buf[96:], uint64(m.SpanHigh))
	encoding.EncodeFixed64(buf[104:], m.DataLength)
	encoding.EncodeFixed64(buf[112:], m.IndexLength)
	checksum.Seal(buf)
	return buf
}

// DecodeFooter parses and validates a footer.
func DecodeFooter(buf []byte) (Meta, error) {
	var m Meta
	if len(buf) != FooterSize {
		return m, fmt.Errorf("%w: footer of %d bytes", ErrCorruption, len(buf))
	}
	if err := checksum.Verify(buf); err != nil {
		return m, fmt.Errorf("%w: footer: %v", ErrCorruption, err)
	}
	if magic := encoding.DecodeFixed64(buf[0:]); magic != Magic {
		return m, fmt.Errorf("%w: bad magic %#x", ErrCorruption, magic)
	}
	if v := encoding.DecodeFixed32(buf[8:]); v != FormatVersion {
		return m, fmt.Errorf("%w: unsupported format version %d", ErrCorruption, v)
	}
	m.CanTail = buf[12]&flagCanTail != 0
	m.HasTombstones = buf[12]&flagHasTombstones != 0
	m.StorageSpeed = StorageSpeed(buf[13])
	m.Priority = uint16(buf[14]) | uint16(buf[15])<<8
	m.GenID = encoding.DecodeFixed64(buf[16:])
	copy(m.UUID[:], buf[24:40])
	copy(m.RepoID[:], buf[40:56])
	m.NumKeys = encoding.DecodeFixed64(buf[56:])
	m.NumEntries = encoding.DecodeFixed64(buf[64:])
	m.LowestSeq = dbformat.SequenceNumber(encoding.DecodeFixed64(buf[72:]))
	m.HighestSeq = dbformat.SequenceNumber(encoding.DecodeFixed64(buf[80:]))
	m.SpanLow = dbformat.SequenceNumber(encoding.DecodeFixed64(buf[88:]))
	m.SpanHigh = dbformat.SequenceNumber(encoding.DecodeFixed64(buf[96:]))
	m.DataLength = encoding.DecodeFixed64(buf[104:])
	m.IndexOffset = m.DataLength
	m.IndexLength = encoding.DecodeFixed64(buf[112:])
	return m, m.Validate()
}

// FileName returns the published file name of a generation.
func FileName(genID uint64, id uuid.UUID) string {
	return fmt.Sprintf("%016x-%s%s", genID, id, FileSuffix)
}

// TempFileName returns the name a generation is written under before it is
// published.
func TempFileName(genID uint64, id uuid.UUID) string {
	return FileName(genID, id) + TempSuffix
}

// ParseFileName extracts the generation id and UUID from a published name.
func ParseFileName(name string) (uint64, uuid.UUID, bool) {
	base, ok := strings.CutSuffix(name, FileSuffix)
	if !ok {
		return 0, uuid.Nil, false
	}
	idPart, uuidPart, ok := strings.Cut(base, "-")
	if !ok {
		return 0, uuid.Nil, false
	}
	genID, err := strconv.ParseUint(idPart, 16, 64)
	if err != nil {
		return 0, uuid.Nil, false
	}
	id, err := uuid.Parse(uuidPart)
	if err != nil {
		return 0, uuid.Nil, false
	}
	return genID, id, true
}

// IsTempFileName reports whether name is an unpublished generation.
func IsTempFileName(name string) bool {
	return strings.HasSuffix(name, FileSuffix+TempSuffix)
}

func appendRecord(dst []byte, e *dbformat.Entry, ct byte, value []byte) []byte {
	dst = encoding.AppendVarint64(dst, uint64(len(e.Key)))
	dst = append(dst, e.Key...)
	dst = encoding.AppendFixed64(dst, dbformat.PackSequenceAndType(e.Seq, e.Type))
	dst = append(dst, ct)
	dst = encoding.AppendVarint64(dst, uint64(len(value)))
	return append(dst, value...)
}
