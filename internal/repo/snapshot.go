package repo

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aalhour/genkv/internal/dbformat"
)

// Snapshot pins a sequence number. While it is live, merges keep every
// version a read at that sequence needs.
type Snapshot struct {
	repo      *Repo
	sequence  dbformat.SequenceNumber
	refs      atomic.Int32
	createdAt time.Time

	// Neighbors in the repo's snapshot list; nil once released.
	prev *Snapshot
	next *Snapshot
}

// Sequence returns the sequence number at which this snapshot was taken.
func (s *Snapshot) Sequence() dbformat.SequenceNumber {
	return s.sequence
}

// CreatedAt returns when the snapshot was taken.
func (s *Snapshot) CreatedAt() time.Time {
	return s.createdAt
}

// Ref takes another reference.
func (s *Snapshot) Ref() {
	s.refs.Add(1)
}

// Release drops a reference. The last one unpins the sequence.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) == 0 {
		s.repo.snapshots.remove(s)
	}
}

// snapshotList is a doubly linked list of live snapshots ordered by
// sequence, oldest first.
type snapshotList struct {
	mu   sync.Mutex
	head Snapshot // sentinel
	n    int
}

func (l *snapshotList) init() {
	l.head.prev = &l.head
	l.head.next = &l.head
}

// insert appends s. Snapshots are taken at non-decreasing sequences, so the
// list stays ordered.
func (l *snapshotList) insert(s *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.prev = l.head.prev
	s.next = &l.head
	l.head.prev.next = s
	l.head.prev = s
	l.n++
}

func (l *snapshotList) remove(s *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.prev == nil {
		return
	}
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev, s.next = nil, nil
	l.n--
}

func (l *snapshotList) oldest() (dbformat.SequenceNumber, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n == 0 {
		return 0, false
	}
	return l.head.next.sequence, true
}

func (l *snapshotList) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// NewSnapshot pins the current last sequence.
func (r *Repo) NewSnapshot() *Snapshot {
	// Holding r.mu keeps the sequence and insertion order consistent with
	// concurrent snapshots.
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Snapshot{repo: r, sequence: r.lastSeq, createdAt: time.Now()}
	s.refs.Store(1)
	r.snapshots.insert(s)
	return s
}

// NumSnapshots returns the number of live snapshots.
func (r *Repo) NumSnapshots() int {
	return r.snapshots.count()
}
