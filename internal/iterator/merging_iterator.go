// Package iterator provides the K-way merge used by walkers and merges.
//
// MergingIterator yields the union of several entry iterators in entry
// order (key ascending, sequence descending), using a min-heap over the
// children's current entries.
package iterator

import (
	"container/heap"

	"github.com/aalhour/genkv/internal/dbformat"
)

// Iterator is a forward iterator over entries in entry order.
type Iterator interface {
	// Valid returns true if the iterator is positioned at an entry.
	Valid() bool

	// Entry returns the current entry. It stays valid until the next
	// positioning call.
	Entry() *dbformat.Entry

	// SeekToFirst positions the iterator at the first entry.
	SeekToFirst()

	// Seek positions the iterator at the first entry with key >= target.
	Seek(target []byte)

	// Next advances to the next entry.
	Next()

	// Err returns any error encountered during iteration.
	Err() error
}

// MergingIterator merges multiple sorted iterators into one sorted iterator.
// When two children hold equal entries, the child with the lower index
// comes first; callers order children newest first.
type MergingIterator struct {
	children []Iterator
	minHeap  *iterHeap
	current  int // index of current iterator in children, -1 if invalid
	err      error
}

// NewMergingIterator creates a new merging iterator over the given children.
func NewMergingIterator(children []Iterator) *MergingIterator {
	return &MergingIterator{
		children: children,
		current:  -1,
		minHeap:  &iterHeap{items: make([]heapItem, 0, len(children))},
	}
}

// Valid returns true if the iterator is positioned at a valid entry.
func (mi *MergingIterator) Valid() bool {
	return mi.current >= 0
}

// Entry returns the current entry.
func (mi *MergingIterator) Entry() *dbformat.Entry {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Entry()
}

// Source returns the index of the child holding the current entry.
func (mi *MergingIterator) Source() int {
	return mi.current
}

// SeekToFirst positions the iterator at the smallest entry across all children.
func (mi *MergingIterator) SeekToFirst() {
	mi.reset(func(child Iterator) { child.SeekToFirst() })
}

// Seek positions the iterator at the first entry with key >= target.
func (mi *MergingIterator) Seek(target []byte) {
	mi.reset(func(child Iterator) { child.Seek(target) })
}

func (mi *MergingIterator) reset(position func(Iterator)) {
	mi.err = nil
	mi.minHeap.items = mi.minHeap.items[:0]

	for i, child := range mi.children {
		position(child)
		if err := child.Err(); err != nil {
			mi.err = err
			mi.current = -1
			return
		}
		if child.Valid() {
			mi.minHeap.items = append(mi.minHeap.items, heapItem{index: i, entry: child.Entry()})
		}
	}

	heap.Init(mi.minHeap)
	mi.findSmallest()
}

// Next advances to the next entry.
func (mi *MergingIterator) Next() {
	if !mi.Valid() {
		return
	}

	child := mi.children[mi.current]
	child.Next()

	if err := child.Err(); err != nil {
		mi.err = err
		mi.current = -1
		return
	}
	if child.Valid() {
		mi.minHeap.items[0].entry = child.Entry()
		heap.Fix(mi.minHeap, 0)
	} else {
		heap.Pop(mi.minHeap)
	}

	mi.findSmallest()
}

// Err returns any error encountered during iteration.
func (mi *MergingIterator) Err() error {
	return mi.err
}

// findSmallest sets current to the iterator with the smallest entry.
func (mi *MergingIterator) findSmallest() {
	if mi.minHeap.Len() == 0 {
		mi.current = -1
		return
	}
	mi.current = mi.minHeap.items[0].index
}

type heapItem struct {
	index int              // index into children slice
	entry *dbformat.Entry // current entry of this child
}

type iterHeap struct {
	items []heapItem
}

func (h *iterHeap) Len() int { return len(h.items) }

func (h *iterHeap) Less(i, j int) bool {
	if c := dbformat.CompareEntries(h.items[i].entry, h.items[j].entry); c != 0 {
		return c < 0
	}
	return h.items[i].index < h.items[j].index
}

func (h *iterHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *iterHeap) Push(x any) {
	item, ok := x.(heapItem)
	if !ok {
		return
	}
	h.items = append(h.items, item)
}

func (h *iterHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
