package layer

import (
	"bytes"
	"context"
	"sort"

	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/iterator"
)

// Range selects keys for a present walker. With Single set only Key is
// visited; otherwise keys in [From, To) are, and a nil To is unbounded.
type Range struct {
	Single bool
	Key    []byte
	From   []byte
	To     []byte
}

// KeyRange returns the range holding exactly key.
func KeyRange(key []byte) Range { return Range{Single: true, Key: key} }

// SpanRange returns the range [from, to).
func SpanRange(from, to []byte) Range { return Range{From: from, To: to} }

func (r Range) start() []byte {
	if r.Single {
		return r.Key
	}
	return r.From
}

func (r Range) past(key []byte) bool {
	if r.Single {
		return !bytes.Equal(key, r.Key)
	}
	return r.To != nil && bytes.Compare(key, r.To) >= 0
}

// PresentWalker yields, for each key of a range, the newest entry with
// seq <= AsOf. Tombstones are yielded only with IgnoreTombstone set.
//
// A walker is lazy, forward-only and not restartable: once Next returns
// false it keeps returning false.
type PresentWalker struct {
	it              iterator.Iterator
	rng             Range
	asOf            dbformat.SequenceNumber
	ignoreTombstone bool
	onClose         func()

	started bool
	done    bool
	cur     dbformat.Entry
	lastKey []byte
	hasLast bool
}

// NewPresentWalker walks it, which must yield entries in entry order.
// onClose runs once when the walker is closed.
func NewPresentWalker(it iterator.Iterator, rng Range, asOf dbformat.SequenceNumber, ignoreTombstone bool, onClose func()) *PresentWalker {
	return &PresentWalker{it: it, rng: rng, asOf: asOf, ignoreTombstone: ignoreTombstone, onClose: onClose}
}

// Next advances to the next visible key.
func (w *PresentWalker) Next() bool {
	if w.done {
		return false
	}
	if !w.started {
		w.started = true
		w.it.Seek(w.rng.start())
	}
	for ; w.it.Valid(); w.it.Next() {
		e := w.it.Entry()
		if w.rng.past(e.Key) {
			break
		}
		if w.hasLast && bytes.Equal(e.Key, w.lastKey) {
			continue
		}
		if e.Seq > w.asOf {
			continue
		}
		// e is the newest visible version of its key.
		w.lastKey = append(w.lastKey[:0], e.Key...)
		w.hasLast = true
		if e.IsTombstone() && !w.ignoreTombstone {
			continue
		}
		w.cur = e.Clone()
		w.it.Next()
		return true
	}
	w.done = true
	return false
}

// Entry returns the current entry.
func (w *PresentWalker) Entry() *dbformat.Entry { return &w.cur }

// Err returns the error that ended the walk, if any.
func (w *PresentWalker) Err() error { return w.it.Err() }

// Close releases the walker's resources.
func (w *PresentWalker) Close() error {
	w.done = true
	if w.onClose != nil {
		w.onClose()
		w.onClose = nil
	}
	return nil
}

// UpdateWalker yields every entry with From <= seq (and seq < To when To is
// non-zero), ordered by sequence number and then key.
//
// Sources must cover disjoint sequence ranges and be ordered newest first,
// which is how a repo lists its layers. The walker reads one source at a
// time, oldest first, so it holds at most one layer's window in memory.
type UpdateWalker struct {
	ctx     context.Context
	sources []Iter
	next    int
	from    dbformat.SequenceNumber
	to      dbformat.SequenceNumber
	onClose func()

	batch []dbformat.Entry
	pos   int
	done  bool
	err   error
}

// NewUpdateWalker walks sources lazily. A zero to means unbounded. The
// walker closes sources.
func NewUpdateWalker(ctx context.Context, sources []Iter, from, to dbformat.SequenceNumber, onClose func()) *UpdateWalker {
	return &UpdateWalker{ctx: ctx, sources: sources, next: len(sources) - 1, from: from, to: to, onClose: onClose}
}

func (w *UpdateWalker) inWindow(seq dbformat.SequenceNumber) bool {
	return seq >= w.from && (w.to == 0 || seq < w.to)
}

// loadSource replaces the batch with the in-window entries of src in
// sequence order.
func (w *UpdateWalker) loadSource(src Iter) error {
	w.batch = w.batch[:0]
	w.pos = 0
	for src.SeekToFirst(); src.Valid(); src.Next() {
		if err := w.ctx.Err(); err != nil {
			return err
		}
		if e := src.Entry(); w.inWindow(e.Seq) {
			w.batch = append(w.batch, e.Clone())
		}
	}
	if err := src.Err(); err != nil {
		return err
	}
	sort.Slice(w.batch, func(i, j int) bool {
		a, b := &w.batch[i], &w.batch[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return bytes.Compare(a.Key, b.Key) < 0
	})
	return nil
}

// Next advances to the next mutation.
func (w *UpdateWalker) Next() bool {
	if w.done {
		return false
	}
	if w.pos+1 < len(w.batch) {
		w.pos++
		return true
	}
	for w.next >= 0 {
		src := w.sources[w.next]
		w.next--
		if err := w.loadSource(src); err != nil {
			w.err = err
			w.done = true
			return false
		}
		if len(w.batch) > 0 {
			return true
		}
	}
	w.batch = nil
	w.done = true
	return false
}

// Entry returns the current mutation.
func (w *UpdateWalker) Entry() *dbformat.Entry { return &w.batch[w.pos] }

// Err returns the error that ended the walk, if any.
func (w *UpdateWalker) Err() error { return w.err }

// Close releases the walker's sources.
func (w *UpdateWalker) Close() error {
	var firstErr error
	for _, src := range w.sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.sources = nil
	w.next = -1
	w.batch = nil
	w.done = true
	if w.onClose != nil {
		w.onClose()
		w.onClose = nil
	}
	return firstErr
}

// NewPresentWalker walks this layer alone.
func (l *Layer) NewPresentWalker(ctx context.Context, rng Range, asOf dbformat.SequenceNumber, ignoreTombstone bool) *PresentWalker {
	it := l.NewIterator(ctx)
	return NewPresentWalker(it, rng, asOf, ignoreTombstone, func() { _ = it.Close() })
}

// NewUpdateWalker walks this layer's mutations in [from, to).
func (l *Layer) NewUpdateWalker(ctx context.Context, from, to dbformat.SequenceNumber) *UpdateWalker {
	return NewUpdateWalker(ctx, []Iter{l.NewIterator(ctx)}, from, to, nil)
}
