package volume

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/vfs"
)

const testBlockSize = 64

func makeFile(t *testing.T, dir, name string, blocks int) string {
	t.Helper()
	data := make([]byte, blocks*testBlockSize)
	for i := range blocks {
		data[i*testBlockSize] = byte(i + 1)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestMapAndReadPage(t *testing.T) {
	dir := t.TempDir()
	v := New(vfs.Default(), testBlockSize, 100, logging.Discard)
	defer v.Close()

	a, err := v.Map(makeFile(t, dir, "a", 3))
	require.NoError(t, err)
	b, err := v.Map(makeFile(t, dir, "b", 2))
	require.NoError(t, err)

	require.Equal(t, 0, a.Start)
	require.Equal(t, 3, b.Start)
	require.Equal(t, 5, v.UsedBlocks())

	buf := make([]byte, testBlockSize)
	require.NoError(t, v.ReadPage(context.Background(), b.Page(1), buf))
	require.Equal(t, byte(2), buf[0])

	owner, ok := v.Lookup(2)
	require.True(t, ok)
	require.Equal(t, a, owner)

	err = v.ReadPage(context.Background(), 50, buf)
	require.ErrorIs(t, err, ErrUnmappedPage)
}

func TestFirstFitAndCoalesce(t *testing.T) {
	dir := t.TempDir()
	v := New(vfs.Default(), testBlockSize, 10, logging.Discard)
	defer v.Close()

	a, err := v.Map(makeFile(t, dir, "a", 3))
	require.NoError(t, err)
	b, err := v.Map(makeFile(t, dir, "b", 3))
	require.NoError(t, err)
	c, err := v.Map(makeFile(t, dir, "c", 3))
	require.NoError(t, err)

	_, err = v.Map(makeFile(t, dir, "d", 2))
	require.ErrorIs(t, err, ErrNoSpace)

	require.NoError(t, v.Unmap(a))
	require.NoError(t, v.Unmap(b))

	// a and b coalesce into one 6-block hole at the front.
	d, err := v.Map(makeFile(t, dir, "e", 5))
	require.NoError(t, err)
	require.Equal(t, 0, d.Start)

	require.NoError(t, v.Unmap(c))
	require.NoError(t, v.Unmap(d))
	require.Equal(t, 0, v.UsedBlocks())

	whole, err := v.Map(makeFile(t, dir, "f", 10))
	require.NoError(t, err)
	require.Equal(t, 0, whole.Start)
}

func TestMapRejectsPartialBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "odd")
	require.NoError(t, os.WriteFile(path, make([]byte, testBlockSize+1), 0644))

	v := New(vfs.Default(), testBlockSize, 10, logging.Discard)
	defer v.Close()
	_, err := v.Map(path)
	require.ErrorIs(t, err, ErrBadFileSize)
}

func TestReadPageCanceled(t *testing.T) {
	dir := t.TempDir()
	v := New(vfs.Default(), testBlockSize, 10, logging.Discard)
	defer v.Close()
	_, err := v.Map(makeFile(t, dir, "a", 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, v.ReadPage(ctx, 0, make([]byte, testBlockSize)), context.Canceled)
}
