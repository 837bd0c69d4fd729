package generation

import (
	"bytes"
	"fmt"

	"github.com/aalhour/genkv/internal/checksum"
	"github.com/aalhour/genkv/internal/compression"
	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/encoding"
	"github.com/aalhour/genkv/internal/mempool"
	"github.com/aalhour/genkv/internal/vfs"
)

// WriterOptions controls the physical layout of a new generation.
type WriterOptions struct {
	BlockSize            int
	IndexInterval        int
	Compression          compression.Type
	CompressionThreshold int
	// Pool supplies the block buffer. It must hand out BlockSize blocks.
	Pool *mempool.GrowingPool
}

// Writer streams entries into a generation file.
type Writer struct {
	f    vfs.WritableFile
	opts WriterOptions

	handle  mempool.Handle
	block   []byte
	payload int
	pos     int
	written int64
	blocks  int

	meta     Meta
	lastKey  []byte
	lastSeq  dbformat.SequenceNumber
	hasLast  bool
	index    []byte
	scratch  []byte
	tail     []byte
	finished bool
	err      error
}

// NewWriter prepares a writer. meta supplies the identity and placement
// fields (GenID, UUID, RepoID, StorageSpeed, Priority, CanTail) and
// optionally the superseded span; the rest is computed. A zero span
// defaults to the written sequence range.
func NewWriter(f vfs.WritableFile, meta Meta, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize < MinBlockSize {
		return nil, fmt.Errorf("generation: block size %d below minimum %d", opts.BlockSize, MinBlockSize)
	}
	if opts.Pool == nil || opts.Pool.BlockSize() != opts.BlockSize {
		return nil, fmt.Errorf("generation: writer needs a pool of %d-byte blocks", opts.BlockSize)
	}
	if opts.IndexInterval <= 0 {
		opts.IndexInterval = 16
	}
	h, block, err := opts.Pool.TryAlloc(opts.BlockSize)
	if err != nil {
		return nil, err
	}
	return &Writer{
		f:       f,
		opts:    opts,
		handle:  h,
		block:   block,
		payload: opts.BlockSize - checksum.TrailerSize,
		meta: Meta{
			GenID:        meta.GenID,
			UUID:         meta.UUID,
			RepoID:       meta.RepoID,
			StorageSpeed: meta.StorageSpeed,
			Priority:     meta.Priority,
			CanTail:      meta.CanTail,
			SpanLow:      meta.SpanLow,
			SpanHigh:     meta.SpanHigh,
		},
	}, nil
}

// write appends p to the payload stream, flushing full blocks.
func (w *Writer) write(p []byte) error {
	for len(p) > 0 {
		n := copy(w.block[w.pos:w.payload], p)
		w.pos += n
		w.written += int64(n)
		p = p[n:]
		if w.pos == w.payload {
			if err := w.flushBlock(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) flushBlock() error {
	clear(w.block[w.pos:w.payload])
	checksum.Seal(w.block)
	if _, err := w.f.Write(w.block); err != nil {
		return fmt.Errorf("generation: write block %d: %w", w.blocks, err)
	}
	w.blocks++
	w.pos = 0
	return nil
}

// Add appends e. Entries must arrive in entry order: key ascending, then
// sequence descending, with no duplicate (key, seq).
func (w *Writer) Add(e *dbformat.Entry) error {
	if w.err != nil {
		return w.err
	}
	if w.finished {
		return fmt.Errorf("generation: add after finish")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("%w: %v", dbformat.ErrInvalidValueType, e.Type)
	}
	newKey := !w.hasLast || !bytes.Equal(e.Key, w.lastKey)
	if w.hasLast {
		c := bytes.Compare(e.Key, w.lastKey)
		if c < 0 || (c == 0 && e.Seq >= w.lastSeq) {
			return fmt.Errorf("%w: (%q, %d) after (%q, %d)", ErrOutOfOrder, e.Key, e.Seq, w.lastKey, w.lastSeq)
		}
	}

	offset := uint64(w.written)
	if w.meta.NumEntries%uint64(w.opts.IndexInterval) == 0 {
		w.index = encoding.AppendVarint64(w.index, uint64(len(e.Key)))
		w.index = append(w.index, e.Key...)
		w.index = encoding.AppendVarint64(w.index, offset)
	}

	value := e.Value
	ct := compression.None
	if e.Type == dbformat.TypeValue {
		var err error
		ct, value, err = compression.MaybeCompress(w.opts.Compression, e.Value, w.opts.CompressionThreshold)
		if err != nil {
			w.err = fmt.Errorf("generation: compress value of %q: %w", e.Key, err)
			return w.err
		}
	} else {
		value = nil
	}

	w.scratch = appendRecord(w.scratch[:0], e, byte(ct), value)
	if err := w.write(w.scratch); err != nil {
		w.err = err
		return err
	}

	if w.meta.NumEntries == 0 || e.Seq < w.meta.LowestSeq {
		w.meta.LowestSeq = e.Seq
	}
	if e.Seq > w.meta.HighestSeq {
		w.meta.HighestSeq = e.Seq
	}
	w.meta.NumEntries++
	if e.IsTombstone() {
		w.meta.HasTombstones = true
	}
	if newKey {
		w.meta.NumKeys++
	}
	w.lastKey = append(w.lastKey[:0], e.Key...)
	w.lastSeq = e.Seq
	w.hasLast = true
	return nil
}

// NumEntries returns the number of entries added so far.
func (w *Writer) NumEntries() uint64 { return w.meta.NumEntries }

// Finish writes the index and footer and syncs the file. The file is not
// closed.
func (w *Writer) Finish() (Meta, error) {
	if w.err != nil {
		return Meta{}, w.err
	}
	if w.finished {
		return Meta{}, fmt.Errorf("generation: finish called twice")
	}
	w.finished = true

	if w.meta.SpanHigh == 0 {
		w.meta.SpanLow, w.meta.SpanHigh = w.meta.LowestSeq, w.meta.HighestSeq
	}
	if w.meta.NumEntries > 0 && (w.meta.LowestSeq < w.meta.SpanLow || w.meta.HighestSeq > w.meta.SpanHigh) {
		w.err = fmt.Errorf("%w: entries [%d,%d] outside span [%d,%d]", ErrCorruption,
			w.meta.LowestSeq, w.meta.HighestSeq, w.meta.SpanLow, w.meta.SpanHigh)
		return Meta{}, w.err
	}

	w.meta.DataLength = uint64(w.written)
	w.meta.IndexOffset = uint64(w.written)
	w.meta.IndexLength = uint64(len(w.index))
	if err := w.write(w.index); err != nil {
		w.err = err
		return Meta{}, err
	}

	// Pad so that the footer ends exactly at a block boundary.
	if w.payload-w.pos < FooterSize {
		w.written += int64(w.payload - w.pos)
		if err := w.flushBlock(); err != nil {
			w.err = err
			return Meta{}, err
		}
	}
	pad := w.payload - w.pos - FooterSize
	clear(w.block[w.pos : w.pos+pad])
	w.pos += pad
	w.written += int64(pad)

	footer := EncodeFooter(&w.meta)
	copy(w.block[w.pos:], footer)
	w.pos += FooterSize
	w.written += FooterSize
	checksum.Seal(w.block)
	w.tail = append(w.tail[:0], w.block...)
	if _, err := w.f.Write(w.block); err != nil {
		w.err = fmt.Errorf("generation: write footer block: %w", err)
		return Meta{}, w.err
	}
	w.blocks++
	w.pos = 0

	if err := w.f.Sync(); err != nil {
		w.err = fmt.Errorf("generation: sync: %w", err)
		return Meta{}, w.err
	}
	w.release()
	return w.meta, nil
}

// Blocks returns the number of blocks written.
func (w *Writer) Blocks() int { return w.blocks }

// FooterBlock returns a copy of the final sealed block, valid after Finish.
func (w *Writer) FooterBlock() []byte { return w.tail }

func (w *Writer) release() {
	if !w.handle.IsZero() {
		_ = w.opts.Pool.Free(w.handle)
		w.handle = mempool.Handle{}
		w.block = nil
	}
}

// Abort returns the block buffer to the pool. The caller removes the file.
func (w *Writer) Abort() {
	w.release()
	if w.err == nil {
		w.err = fmt.Errorf("generation: writer aborted")
	}
}
