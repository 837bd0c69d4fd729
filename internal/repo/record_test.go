package repo

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/genkv/internal/checksum"
	"github.com/aalhour/genkv/internal/vfs"
)

func TestRecordEncoding(t *testing.T) {
	rec := Record{ID: uuid.New(), Kind: Volatile, LastSeq: 77, ReleasedUpTo: 40}
	buf := EncodeRecord(&rec)
	require.Len(t, buf, RecordSize)

	got, err := DecodeRecord(buf)
	require.NoError(t, err)
	require.Equal(t, rec, got)

	bad := append([]byte(nil), buf...)
	bad[33] ^= 0xff
	_, err = DecodeRecord(bad)
	require.ErrorIs(t, err, ErrBadRecord)

	bad = append([]byte(nil), buf...)
	bad[12] = 9
	checksum.Seal(bad)
	_, err = DecodeRecord(bad)
	require.ErrorIs(t, err, ErrBadRecord, "unknown kind")

	_, err = DecodeRecord(buf[:RecordSize-1])
	require.ErrorIs(t, err, ErrBadRecord)
}

func TestRecordFileNames(t *testing.T) {
	id := uuid.New()
	got, ok := ParseRecordFileName(RecordFileName(id))
	require.True(t, ok)
	require.Equal(t, id, got)

	_, ok = ParseRecordFileName(RecordFileName(id) + recordTempSuffix)
	require.False(t, ok)
	require.True(t, IsTempRecordName(RecordFileName(id)+recordTempSuffix))
	_, ok = ParseRecordFileName("not-a-uuid.repo")
	require.False(t, ok)
	_, ok = ParseRecordFileName("LOCK")
	require.False(t, ok)
}

func TestWriteRecordReplaces(t *testing.T) {
	fs := vfs.Default()
	dir := t.TempDir()
	rec := Record{ID: uuid.New(), Kind: Durable}
	require.NoError(t, WriteRecord(fs, dir, &rec))

	rec.LastSeq, rec.ReleasedUpTo = 12, 5
	require.NoError(t, WriteRecord(fs, dir, &rec))

	names, err := fs.ListDir(dir)
	require.NoError(t, err)
	require.Equal(t, []string{RecordFileName(rec.ID)}, names)
	got, err := ReadRecord(fs, filepath.Join(dir, RecordFileName(rec.ID)))
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestWriteRecordFailureKeepsOldRecord(t *testing.T) {
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	dir := t.TempDir()
	rec := Record{ID: uuid.New(), Kind: Durable, LastSeq: 3}
	require.NoError(t, WriteRecord(fs, dir, &rec))

	fs.InjectRenameError()
	next := rec
	next.LastSeq = 9
	require.Error(t, WriteRecord(fs, dir, &next))
	fs.ClearErrors()

	names, err := fs.ListDir(dir)
	require.NoError(t, err)
	require.Equal(t, []string{RecordFileName(rec.ID)}, names, "temp record removed")
	got, err := ReadRecord(fs, filepath.Join(dir, RecordFileName(rec.ID)))
	require.NoError(t, err)
	require.EqualValues(t, 3, got.LastSeq)
}
