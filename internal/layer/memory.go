package layer

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/aalhour/genkv/internal/dbformat"
)

const (
	memDegree    = 32
	memBatchSize = 64
)

func entryLess(a, b dbformat.Entry) bool {
	return dbformat.CompareEntries(&a, &b) < 0
}

// memTable is the ordered entry set behind a memory layer.
type memTable struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[dbformat.Entry]
	frozen bool
	bytes  int64
	lowest dbformat.SequenceNumber
	high   dbformat.SequenceNumber
	keys   int
	dels   int
}

func newMemTable() *memTable {
	return &memTable{tree: btree.NewG(memDegree, entryLess)}
}

func (m *memTable) insert(e dbformat.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return ErrFrozen
	}
	if _, found := m.tree.ReplaceOrInsert(e); found {
		return ErrDuplicateEntry
	}
	// A key is new when neither neighbour in entry order shares it.
	shared := false
	m.tree.DescendLessOrEqual(e, func(p dbformat.Entry) bool {
		if p.Seq != e.Seq || !bytes.Equal(p.Key, e.Key) {
			shared = bytes.Equal(p.Key, e.Key)
			return false
		}
		return true
	})
	if !shared {
		m.tree.AscendGreaterOrEqual(e, func(n dbformat.Entry) bool {
			if n.Seq != e.Seq || !bytes.Equal(n.Key, e.Key) {
				shared = bytes.Equal(n.Key, e.Key)
				return false
			}
			return true
		})
	}
	if !shared {
		m.keys++
	}
	if m.tree.Len() == 1 || e.Seq < m.lowest {
		m.lowest = e.Seq
	}
	if e.Seq > m.high {
		m.high = e.Seq
	}
	if e.IsTombstone() {
		m.dels++
	}
	m.bytes += int64(len(e.Key) + len(e.Value) + 16)
	return nil
}

func (m *memTable) freeze() {
	m.mu.Lock()
	m.frozen = true
	m.mu.Unlock()
}

func (m *memTable) isFrozen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen
}

func (m *memTable) stats() (entries, keys int, bytes int64, lowest, highest dbformat.SequenceNumber) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len(), m.keys, m.bytes, m.lowest, m.high
}

func (m *memTable) hasTombstones() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dels > 0
}

// snapshot returns a copy-on-write clone that can be read without locks
// while the original keeps accepting inserts.
func (m *memTable) snapshot() *btree.BTreeG[dbformat.Entry] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Clone()
}

// memIterator walks a snapshot of a memory layer in batches.
type memIterator struct {
	tree  *btree.BTreeG[dbformat.Entry]
	batch []dbformat.Entry
	pos   int
	done  bool
}

func newMemIterator(tree *btree.BTreeG[dbformat.Entry]) *memIterator {
	return &memIterator{tree: tree, done: true}
}

// fill loads the next batch starting at pivot. When skipPivot is set, an
// entry equal to pivot is skipped.
func (it *memIterator) fill(pivot dbformat.Entry, skipPivot bool) {
	it.batch = it.batch[:0]
	it.pos = 0
	it.tree.AscendGreaterOrEqual(pivot, func(e dbformat.Entry) bool {
		if skipPivot && e.Seq == pivot.Seq && bytes.Equal(e.Key, pivot.Key) {
			return true
		}
		it.batch = append(it.batch, e)
		return len(it.batch) < memBatchSize
	})
	it.done = len(it.batch) < memBatchSize
}

func (it *memIterator) Valid() bool { return it.pos < len(it.batch) }

func (it *memIterator) Entry() *dbformat.Entry { return &it.batch[it.pos] }

func (it *memIterator) SeekToFirst() {
	it.batch = it.batch[:0]
	it.pos = 0
	if min, ok := it.tree.Min(); ok {
		it.fill(min, false)
	}
}

func (it *memIterator) Seek(target []byte) {
	it.fill(dbformat.Entry{Key: target, Seq: dbformat.MaxSequenceNumber}, false)
}

func (it *memIterator) Next() {
	if !it.Valid() {
		return
	}
	it.pos++
	if it.pos == len(it.batch) && !it.done {
		it.fill(it.batch[len(it.batch)-1], true)
	}
}

func (it *memIterator) Err() error { return nil }

func (it *memIterator) Close() error {
	it.batch = nil
	it.pos = 0
	return nil
}
