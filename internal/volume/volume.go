// Package volume maps generation files into a single block address space.
//
// Every block of every open generation gets a volume-global page id. A file
// of n blocks occupies one contiguous extent [start, start+n). Extents are
// allocated first-fit from a free list and coalesced on release. Both the
// free list and the file map are B-trees ordered by start page.
package volume

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/btree"

	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/vfs"
)

var (
	// ErrNoSpace is returned when no free extent is large enough.
	ErrNoSpace = errors.New("volume: no free extent large enough")

	// ErrUnmappedPage is returned for page ids outside any mapped file.
	ErrUnmappedPage = errors.New("volume: page not mapped")

	// ErrBadFileSize is returned when a file is not a whole number of blocks.
	ErrBadFileSize = errors.New("volume: file size is not a multiple of the block size")
)

const btreeDegree = 16

type extent struct {
	start, length int
}

// Mapping is one file's extent in the volume.
type Mapping struct {
	Start  int
	Blocks int
	Path   string

	file vfs.RandomAccessFile
}

// Page returns the volume page id of block i of the file.
func (m *Mapping) Page(i int) int { return m.Start + i }

// Contains reports whether page belongs to the file.
func (m *Mapping) Contains(page int) bool {
	return page >= m.Start && page < m.Start+m.Blocks
}

// Volume is the block address space shared by every generation.
type Volume struct {
	fs        vfs.FS
	blockSize int
	numBlocks int
	logger    logging.Logger

	mu    sync.RWMutex
	free  *btree.BTreeG[extent]
	files *btree.BTreeG[*Mapping]
	used  int
}

// New creates a volume of numBlocks pages of blockSize bytes.
func New(fs vfs.FS, blockSize, numBlocks int, logger logging.Logger) *Volume {
	v := &Volume{
		fs:        fs,
		blockSize: blockSize,
		numBlocks: numBlocks,
		logger:    logging.OrDefault(logger),
		free:      btree.NewG(btreeDegree, func(a, b extent) bool { return a.start < b.start }),
		files:     btree.NewG(btreeDegree, func(a, b *Mapping) bool { return a.Start < b.Start }),
	}
	if numBlocks > 0 {
		v.free.ReplaceOrInsert(extent{start: 0, length: numBlocks})
	}
	return v
}

// BlockSize returns the page size.
func (v *Volume) BlockSize() int { return v.blockSize }

// NumBlocks returns the size of the address space in pages.
func (v *Volume) NumBlocks() int { return v.numBlocks }

// UsedBlocks returns the number of mapped pages.
func (v *Volume) UsedBlocks() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.used
}

// Map opens path and assigns its blocks a contiguous extent.
func (v *Volume) Map(path string) (*Mapping, error) {
	f, err := v.fs.OpenRandomAccess(path)
	if err != nil {
		return nil, fmt.Errorf("volume: open %s: %w", path, err)
	}
	size := f.Size()
	if size == 0 || size%int64(v.blockSize) != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s has %d bytes", ErrBadFileSize, path, size)
	}
	n := int(size / int64(v.blockSize))

	v.mu.Lock()
	defer v.mu.Unlock()

	start, ok := v.allocLocked(n)
	if !ok {
		_ = f.Close()
		v.logger.Warnf(logging.NSVolume+"no extent of %d blocks for %s (%d/%d used)", n, path, v.used, v.numBlocks)
		return nil, fmt.Errorf("%w: need %d blocks for %s", ErrNoSpace, n, path)
	}
	m := &Mapping{Start: start, Blocks: n, Path: path, file: f}
	v.files.ReplaceOrInsert(m)
	v.used += n
	v.logger.Debugf(logging.NSVolume+"mapped %s at [%d, %d)", path, start, start+n)
	return m, nil
}

// allocLocked takes the first free extent with at least n blocks.
func (v *Volume) allocLocked(n int) (int, bool) {
	var found extent
	ok := false
	v.free.Ascend(func(e extent) bool {
		if e.length >= n {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		return 0, false
	}
	v.free.Delete(found)
	if found.length > n {
		v.free.ReplaceOrInsert(extent{start: found.start + n, length: found.length - n})
	}
	return found.start, true
}

// freeLocked returns [start, start+n) to the free list, merging neighbours.
func (v *Volume) freeLocked(start, n int) {
	e := extent{start: start, length: n}
	var prev extent
	hasPrev := false
	v.free.DescendLessOrEqual(extent{start: start}, func(p extent) bool {
		prev, hasPrev = p, true
		return false
	})
	if hasPrev && prev.start+prev.length == start {
		v.free.Delete(prev)
		e = extent{start: prev.start, length: prev.length + n}
	}
	if next, ok := v.free.Get(extent{start: start + n}); ok {
		v.free.Delete(next)
		e.length += next.length
	}
	v.free.ReplaceOrInsert(e)
}

// Unmap closes the file and frees its extent.
func (v *Volume) Unmap(m *Mapping) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.files.Delete(m); !ok {
		return fmt.Errorf("volume: %s is not mapped", m.Path)
	}
	v.freeLocked(m.Start, m.Blocks)
	v.used -= m.Blocks
	v.logger.Debugf(logging.NSVolume+"unmapped %s from [%d, %d)", m.Path, m.Start, m.Start+m.Blocks)
	return m.file.Close()
}

// Lookup returns the mapping that owns page.
func (v *Volume) Lookup(page int) (*Mapping, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lookupLocked(page)
}

func (v *Volume) lookupLocked(page int) (*Mapping, bool) {
	var owner *Mapping
	v.files.DescendLessOrEqual(&Mapping{Start: page}, func(m *Mapping) bool {
		owner = m
		return false
	})
	if owner == nil || !owner.Contains(page) {
		return nil, false
	}
	return owner, true
}

// ReadPage reads page into buf, which must be BlockSize bytes.
func (v *Volume) ReadPage(ctx context.Context, page int, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(buf) != v.blockSize {
		return fmt.Errorf("volume: page buffer of %d bytes, want %d", len(buf), v.blockSize)
	}

	v.mu.RLock()
	m, ok := v.lookupLocked(page)
	v.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnmappedPage, page)
	}

	off := int64(page-m.Start) * int64(v.blockSize)
	n, err := m.file.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("volume: read page %d of %s: %w", page, m.Path, err)
}

// Close unmaps every file.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var firstErr error
	v.files.Ascend(func(m *Mapping) bool {
		if err := m.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	v.files.Clear(false)
	v.free.Clear(false)
	if v.numBlocks > 0 {
		v.free.ReplaceOrInsert(extent{start: 0, length: v.numBlocks})
	}
	v.used = 0
	return firstErr
}
