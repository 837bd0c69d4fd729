package repo

import (
	"context"
	"sync/atomic"

	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/iterator"
	"github.com/aalhour/genkv/internal/layer"
)

// View pins the layers of a repo as of one sequence number. Layers swapped
// out after the view was taken stay readable until it is closed.
type View struct {
	repo   *Repo
	asOf   dbformat.SequenceNumber
	layers []*layer.Layer // memory layer first, then newest to oldest
	closed atomic.Bool
}

// NewView acquires every layer. asOf is clamped to the last written
// sequence; pass dbformat.MaxSequenceNumber for the latest state.
func (r *Repo) NewView(asOf dbformat.SequenceNumber) (*View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if asOf > r.lastSeq {
		asOf = r.lastSeq
	}
	v := &View{repo: r, asOf: asOf, layers: make([]*layer.Layer, 0, len(r.layers)+1)}
	r.mem.Acquire()
	v.layers = append(v.layers, r.mem)
	for _, l := range r.layers {
		l.Acquire()
		v.layers = append(v.layers, l)
	}
	return v, nil
}

// AsOf returns the view's sequence number.
func (v *View) AsOf() dbformat.SequenceNumber { return v.asOf }

// Layers returns the pinned layers, newest first.
func (v *View) Layers() []*layer.Layer { return v.layers }

// Close releases the pinned layers. It is safe to call more than once.
func (v *View) Close() {
	if !v.closed.CompareAndSwap(false, true) {
		return
	}
	for _, l := range v.layers {
		l.Release()
	}
	v.layers = nil
	v.repo.CollectGarbage()
}

// NewPresentWalker merges the view's layers. For each key in rng it yields
// the newest entry visible at the view's sequence; keys whose newest entry
// is a tombstone are skipped unless ignoreTombstone is set.
func (r *Repo) NewPresentWalker(ctx context.Context, v *View, rng layer.Range, ignoreTombstone bool) *layer.PresentWalker {
	iters := make([]layer.Iter, len(v.layers))
	children := make([]iterator.Iterator, len(v.layers))
	for i, l := range v.layers {
		iters[i] = l.NewIterator(ctx)
		children[i] = iters[i]
	}
	closeAll := func() {
		for _, it := range iters {
			_ = it.Close()
		}
	}
	return layer.NewPresentWalker(iterator.NewMergingIterator(children), rng, v.asOf, ignoreTombstone, closeAll)
}

// NewUpdateWalker yields every mutation with from <= seq < to, in sequence
// order. A zero to means up to the view's sequence. Mutations newer than
// the view are never yielded.
func (r *Repo) NewUpdateWalker(ctx context.Context, v *View, from, to dbformat.SequenceNumber) *layer.UpdateWalker {
	if limit := v.asOf + 1; to == 0 || to > limit {
		to = limit
	}
	var sources []layer.Iter
	for _, l := range v.layers {
		m := l.Meta()
		if m.NumEntries == 0 || m.HighestSeq < from || m.LowestSeq >= to {
			continue
		}
		sources = append(sources, l.NewIterator(ctx))
	}
	return layer.NewUpdateWalker(ctx, sources, from, to, nil)
}

// Get returns the newest entry for key visible at asOf. Tombstones report
// found == false.
func (r *Repo) Get(ctx context.Context, key []byte, asOf dbformat.SequenceNumber) (e dbformat.Entry, found bool, err error) {
	v, err := r.NewView(asOf)
	if err != nil {
		return e, false, err
	}
	defer v.Close()

	w := r.NewPresentWalker(ctx, v, layer.KeyRange(key), false)
	defer w.Close()
	if w.Next() {
		return w.Entry().Clone(), true, nil
	}
	return e, false, w.Err()
}
