package iterator

import (
	"bytes"
	"sort"

	"github.com/aalhour/genkv/internal/dbformat"
)

// SliceIterator iterates a slice of entries already in entry order.
type SliceIterator struct {
	entries []dbformat.Entry
	pos     int
}

// NewSliceIterator returns an unpositioned iterator over entries.
func NewSliceIterator(entries []dbformat.Entry) *SliceIterator {
	return &SliceIterator{entries: entries, pos: len(entries)}
}

func (it *SliceIterator) Valid() bool { return it.pos < len(it.entries) }

func (it *SliceIterator) Entry() *dbformat.Entry { return &it.entries[it.pos] }

func (it *SliceIterator) SeekToFirst() { it.pos = 0 }

func (it *SliceIterator) Seek(target []byte) {
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		return bytes.Compare(it.entries[i].Key, target) >= 0
	})
}

func (it *SliceIterator) Next() {
	if it.pos < len(it.entries) {
		it.pos++
	}
}

func (it *SliceIterator) Err() error { return nil }
