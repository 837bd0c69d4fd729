package repo

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/aalhour/genkv/internal/checksum"
	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/encoding"
	"github.com/aalhour/genkv/internal/vfs"
)

// Kind is the durability class of a repo.
type Kind uint8

const (
	// Durable repos flush memory layers to generation files and survive
	// a restart.
	Durable Kind = 0
	// Volatile repos never write generations. A flush collapses frozen
	// memory layers and drops mutations at or below the release watermark
	// while no snapshot is live; the data is lost on close.
	Volatile Kind = 1
)

func (k Kind) String() string {
	switch k {
	case Durable:
		return "durable"
	case Volatile:
		return "volatile"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

const (
	// RecordMagic identifies a repo record.
	RecordMagic uint64 = 0x67656e6b76727031 // "genkvrp1"

	// RecordVersion is the current record version.
	RecordVersion uint32 = 1

	// RecordSize is the encoded record length.
	RecordSize = 64

	// RecordSuffix is the extension of repo record files.
	RecordSuffix = ".repo"

	recordTempSuffix = ".tmp"
)

// ErrBadRecord is returned when a repo record fails validation.
var ErrBadRecord = errors.New("repo: bad record")

// Record is the persisted identity of a repo. It is written when the repo
// is created and rewritten on clean close.
type Record struct {
	ID   uuid.UUID
	Kind Kind

	// LastSeq is the newest sequence number handed out. A reopened repo
	// never numbers a write at or below it.
	LastSeq      dbformat.SequenceNumber
	ReleasedUpTo dbformat.SequenceNumber
}

// Record layout, little-endian:
//
//	off field        size
//	 0  magic          8
//	 8  version        4
//	12  kind           1
//	16  ID            16
//	32  LastSeq        8
//	40  ReleasedUpTo   8
//	56  xxh3           8

// EncodeRecord encodes rec into a RecordSize buffer.
func EncodeRecord(rec *Record) []byte {
	buf := make([]byte, RecordSize)
	encoding.EncodeFixed64(buf[0:], RecordMagic)
	encoding.EncodeFixed32(buf[8:], RecordVersion)
	buf[12] = byte(rec.Kind)
	copy(buf[16:32], rec.ID[:])
	encoding.EncodeFixed64(buf[32:], uint64(rec.LastSeq))
	encoding.EncodeFixed64(buf[40:], uint64(rec.ReleasedUpTo))
	checksum.Seal(buf)
	return buf
}

// DecodeRecord parses and validates a record.
func DecodeRecord(buf []byte) (Record, error) {
	var rec Record
	if len(buf) != RecordSize {
		return rec, fmt.Errorf("%w: %d bytes", ErrBadRecord, len(buf))
	}
	if err := checksum.Verify(buf); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if magic := encoding.DecodeFixed64(buf[0:]); magic != RecordMagic {
		return rec, fmt.Errorf("%w: bad magic %#x", ErrBadRecord, magic)
	}
	if v := encoding.DecodeFixed32(buf[8:]); v != RecordVersion {
		return rec, fmt.Errorf("%w: unsupported version %d", ErrBadRecord, v)
	}
	rec.Kind = Kind(buf[12])
	if rec.Kind != Durable && rec.Kind != Volatile {
		return rec, fmt.Errorf("%w: unknown kind %d", ErrBadRecord, buf[12])
	}
	copy(rec.ID[:], buf[16:32])
	rec.LastSeq = dbformat.SequenceNumber(encoding.DecodeFixed64(buf[32:]))
	rec.ReleasedUpTo = dbformat.SequenceNumber(encoding.DecodeFixed64(buf[40:]))
	return rec, nil
}

// RecordFileName returns the file name of a repo's record.
func RecordFileName(id uuid.UUID) string {
	return id.String() + RecordSuffix
}

// ParseRecordFileName extracts the repo id from a record file name.
func ParseRecordFileName(name string) (uuid.UUID, bool) {
	base, ok := strings.CutSuffix(name, RecordSuffix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(base)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// IsTempRecordName reports whether name is a record that was being
// rewritten when the process stopped.
func IsTempRecordName(name string) bool {
	return strings.HasSuffix(name, RecordSuffix+recordTempSuffix)
}

// WriteRecord replaces the record of rec.ID in dir. The new record is
// synced under a temporary name and renamed into place, so a crash leaves
// either the old record or the new one.
func WriteRecord(fs vfs.FS, dir string, rec *Record) error {
	final := filepath.Join(dir, RecordFileName(rec.ID))
	tmp := final + recordTempSuffix
	f, err := fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("repo: create record: %w", err)
	}
	_, err = f.Write(EncodeRecord(rec))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fs.Rename(tmp, final)
	}
	if err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("repo: write record %s: %w", final, err)
	}
	if err := fs.SyncDir(dir); err != nil {
		return fmt.Errorf("repo: sync dir %s: %w", dir, err)
	}
	return nil
}

// ReadRecord reads and validates the record at path.
func ReadRecord(fs vfs.FS, path string) (Record, error) {
	f, err := fs.OpenRandomAccess(path)
	if err != nil {
		return Record{}, err
	}
	defer f.Close()
	if n := f.Size(); n != RecordSize {
		return Record{}, fmt.Errorf("%w: %s is %d bytes", ErrBadRecord, path, n)
	}
	buf := make([]byte, RecordSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Record{}, fmt.Errorf("repo: read record %s: %w", path, err)
	}
	rec, err := DecodeRecord(buf)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}
