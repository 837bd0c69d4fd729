// Package arena exposes the payload bytes of a mapped generation as one
// continuous stream, reading through the block cache.
//
// A file of n blocks carries n*(BlockSize-TrailerSize) payload bytes; the
// checksum trailers are skipped transparently.
package arena

import (
	"context"
	"fmt"
	"io"

	"github.com/aalhour/genkv/internal/cache"
	"github.com/aalhour/genkv/internal/checksum"
)

// PageSource pins and unpins volume pages.
type PageSource interface {
	Get(ctx context.Context, page int) (*cache.Slot, error)
	Release(s *cache.Slot)
}

// Arena is the payload stream of one file.
type Arena struct {
	src       PageSource
	start     int
	blocks    int
	blockSize int
	payload   int
}

// New returns the arena of a file mapped at [start, start+blocks).
func New(src PageSource, start, blocks, blockSize int) *Arena {
	return &Arena{
		src:       src,
		start:     start,
		blocks:    blocks,
		blockSize: blockSize,
		payload:   blockSize - checksum.TrailerSize,
	}
}

// Size returns the number of payload bytes.
func (a *Arena) Size() int64 {
	return int64(a.blocks) * int64(a.payload)
}

// PayloadSize returns the payload bytes carried by one block.
func (a *Arena) PayloadSize() int { return a.payload }

// StartPage returns the first volume page of the file.
func (a *Arena) StartPage() int { return a.start }

// Blocks returns the number of blocks of the file.
func (a *Arena) Blocks() int { return a.blocks }

// ReadAt implements io.ReaderAt.
func (a *Arena) ReadAt(p []byte, off int64) (int, error) {
	return a.ReadAtContext(context.Background(), p, off)
}

// ReadAtContext reads len(p) bytes at off, pinning each block only for the
// duration of its copy.
func (a *Arena) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("arena: negative offset %d", off)
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= a.Size() {
			return n, io.EOF
		}
		blk := int(pos / int64(a.payload))
		within := int(pos % int64(a.payload))
		s, err := a.src.Get(ctx, a.start+blk)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], s.Data()[within:a.payload])
		a.src.Release(s)
	}
	return n, nil
}

// Reader reads the stream sequentially, keeping the current block pinned.
// It must be closed.
type Reader struct {
	a     *Arena
	ctx   context.Context
	off   int64
	slot  *cache.Slot
	blk   int
	limit int64
	err   error
}

// NewReader returns a reader positioned at off that stops at limit.
func (a *Arena) NewReader(ctx context.Context, off, limit int64) *Reader {
	return &Reader{a: a, ctx: ctx, off: off, blk: -1, limit: min(limit, a.Size())}
}

// Offset returns the position of the next byte.
func (r *Reader) Offset() int64 { return r.off }

// Seek moves the reader. The pinned block is kept if it still covers off.
func (r *Reader) Seek(off int64) {
	r.off = off
}

// Err returns the first I/O error the reader hit.
func (r *Reader) Err() error { return r.err }

func (r *Reader) pin(blk int) error {
	if r.blk == blk && r.slot != nil {
		return nil
	}
	r.unpin()
	s, err := r.a.src.Get(r.ctx, r.a.start+blk)
	if err != nil {
		r.err = err
		return err
	}
	r.slot, r.blk = s, blk
	return nil
}

func (r *Reader) unpin() {
	if r.slot != nil {
		r.a.src.Release(r.slot)
		r.slot, r.blk = nil, -1
	}
}

// ReadByte implements io.ByteReader.
func (r *Reader) ReadByte() (byte, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.off >= r.limit {
		return 0, io.EOF
	}
	blk := int(r.off / int64(r.a.payload))
	if err := r.pin(blk); err != nil {
		return 0, err
	}
	b := r.slot.Data()[r.off%int64(r.a.payload)]
	r.off++
	return b, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	n := 0
	for n < len(p) {
		if r.off >= r.limit {
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		blk := int(r.off / int64(r.a.payload))
		if err := r.pin(blk); err != nil {
			return n, err
		}
		within := int(r.off % int64(r.a.payload))
		end := min(r.a.payload, within+int(r.limit-r.off))
		c := copy(p[n:], r.slot.Data()[within:end])
		n += c
		r.off += int64(c)
	}
	return n, nil
}

// Close unpins the current block.
func (r *Reader) Close() error {
	r.unpin()
	return nil
}
