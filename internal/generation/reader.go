package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aalhour/genkv/internal/arena"
	"github.com/aalhour/genkv/internal/checksum"
	"github.com/aalhour/genkv/internal/compression"
	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/encoding"
	"github.com/aalhour/genkv/internal/vfs"
)

type indexEntry struct {
	key    []byte
	offset uint64
}

// Reader gives access to one mapped generation.
type Reader struct {
	a     *arena.Arena
	meta  Meta
	index []indexEntry
}

// Open reads and validates the footer and sparse index of a.
func Open(ctx context.Context, a *arena.Arena) (*Reader, error) {
	size := a.Size()
	if size < FooterSize {
		return nil, fmt.Errorf("%w: stream of %d bytes has no footer", ErrCorruption, size)
	}
	footer := make([]byte, FooterSize)
	if _, err := a.ReadAtContext(ctx, footer, size-FooterSize); err != nil {
		return nil, fmt.Errorf("generation: read footer: %w", err)
	}
	meta, err := DecodeFooter(footer)
	if err != nil {
		return nil, err
	}
	if meta.IndexOffset+meta.IndexLength > uint64(size-FooterSize) {
		return nil, fmt.Errorf("%w: gen %d index ends past footer", ErrCorruption, meta.GenID)
	}

	raw := make([]byte, meta.IndexLength)
	if len(raw) > 0 {
		if _, err := a.ReadAtContext(ctx, raw, int64(meta.IndexOffset)); err != nil {
			return nil, fmt.Errorf("generation: read index: %w", err)
		}
	}
	index, err := parseIndex(raw, meta.DataLength)
	if err != nil {
		return nil, fmt.Errorf("gen %d: %w", meta.GenID, err)
	}
	return &Reader{a: a, meta: meta, index: index}, nil
}

func parseIndex(raw []byte, dataLen uint64) ([]indexEntry, error) {
	var index []indexEntry
	s := encoding.NewSlice(raw)
	for s.Remaining() > 0 {
		key, ok := s.GetLengthPrefixedSlice()
		if !ok {
			return nil, fmt.Errorf("%w: truncated index key", ErrCorruption)
		}
		off, ok := s.GetVarint64()
		if !ok {
			return nil, fmt.Errorf("%w: truncated index offset", ErrCorruption)
		}
		if off >= dataLen {
			return nil, fmt.Errorf("%w: index offset %d past data end %d", ErrCorruption, off, dataLen)
		}
		if n := len(index); n > 0 && (bytes.Compare(key, index[n-1].key) < 0 || off <= index[n-1].offset) {
			return nil, fmt.Errorf("%w: index not sorted at %q", ErrCorruption, key)
		}
		index = append(index, indexEntry{key: key, offset: off})
	}
	return index, nil
}

// Meta returns the generation metadata.
func (r *Reader) Meta() Meta { return r.meta }

// Arena returns the payload stream of the file.
func (r *Reader) Arena() *arena.Arena { return r.a }

// seekOffset returns a data offset at or before the first record whose key
// is >= key.
func (r *Reader) seekOffset(key []byte) uint64 {
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].key, key) >= 0
	})
	if i == 0 {
		return 0
	}
	return r.index[i-1].offset
}

// NewCursor returns an unpositioned cursor. It must be closed.
func (r *Reader) NewCursor(ctx context.Context) *Cursor {
	return &Cursor{
		r:  r,
		rd: r.a.NewReader(ctx, 0, int64(r.meta.DataLength)),
	}
}

// Cursor iterates the entries of a generation in entry order.
type Cursor struct {
	r     *Reader
	rd    *arena.Reader
	e     dbformat.Entry
	valid bool
	err   error
}

// Valid reports whether the cursor is positioned at an entry.
func (c *Cursor) Valid() bool { return c.valid }

// Entry returns the current entry. Its buffers are owned by the caller.
func (c *Cursor) Entry() *dbformat.Entry { return &c.e }

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error { return c.err }

// SeekToFirst positions the cursor at the first entry.
func (c *Cursor) SeekToFirst() {
	c.err = nil
	c.rd.Seek(0)
	c.Next()
}

// Seek positions the cursor at the first entry with key >= target.
func (c *Cursor) Seek(target []byte) {
	c.err = nil
	c.rd.Seek(int64(c.r.seekOffset(target)))
	for c.Next(); c.valid && bytes.Compare(c.e.Key, target) < 0; c.Next() {
	}
}

// Next advances to the next entry.
func (c *Cursor) Next() {
	if c.err != nil {
		c.valid = false
		return
	}
	if uint64(c.rd.Offset()) >= c.r.meta.DataLength {
		c.valid = false
		return
	}
	if err := c.decode(); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, encoding.ErrVarintTermination) {
			err = fmt.Errorf("%w: gen %d truncated record at %d", ErrCorruption, c.r.meta.GenID, c.rd.Offset())
		}
		c.err = err
		c.valid = false
		return
	}
	c.valid = true
}

func (c *Cursor) decode() error {
	keyLen, err := encoding.ReadVarint64(c.rd)
	if err != nil {
		return err
	}
	if keyLen > c.r.meta.DataLength {
		return fmt.Errorf("%w: key length %d", ErrCorruption, keyLen)
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(c.rd, key); err != nil {
		return err
	}
	var fixed [9]byte
	if _, err := io.ReadFull(c.rd, fixed[:]); err != nil {
		return err
	}
	seq, typ := dbformat.UnpackSequenceAndType(encoding.DecodeFixed64(fixed[:8]))
	if !typ.IsValid() {
		return fmt.Errorf("%w: %w %d at key %q", ErrCorruption, dbformat.ErrInvalidValueType, typ, key)
	}
	ct := compression.Type(fixed[8])
	valueLen, err := encoding.ReadVarint64(c.rd)
	if err != nil {
		return err
	}
	if valueLen > c.r.meta.DataLength {
		return fmt.Errorf("%w: value length %d", ErrCorruption, valueLen)
	}
	value := make([]byte, valueLen)
	if _, err := io.ReadFull(c.rd, value); err != nil {
		return err
	}
	if ct != compression.None {
		value, err = compression.Decompress(ct, value)
		if err != nil {
			return fmt.Errorf("%w: value of %q: %v", ErrCorruption, key, err)
		}
	}
	c.e = dbformat.Entry{Key: key, Seq: seq, Type: typ, Value: value}
	return nil
}

// Close releases the cursor's pinned block.
func (c *Cursor) Close() error {
	c.valid = false
	return c.rd.Close()
}

// ReadMeta reads the footer of a generation file directly, without the
// cache. It verifies the last block's trailer.
func ReadMeta(f vfs.RandomAccessFile, blockSize int) (Meta, error) {
	size := f.Size()
	if size < int64(blockSize) || size%int64(blockSize) != 0 {
		return Meta{}, fmt.Errorf("%w: file of %d bytes is not a whole number of %d-byte blocks", ErrCorruption, size, blockSize)
	}
	last := make([]byte, blockSize)
	if _, err := f.ReadAt(last, size-int64(blockSize)); err != nil && !errors.Is(err, io.EOF) {
		return Meta{}, fmt.Errorf("generation: read last block: %w", err)
	}
	if err := checksum.Verify(last); err != nil {
		return Meta{}, fmt.Errorf("%w: last block: %v", ErrCorruption, err)
	}
	payload := checksum.Payload(last)
	return DecodeFooter(payload[len(payload)-FooterSize:])
}
