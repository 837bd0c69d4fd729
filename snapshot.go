package genkv

// snapshot.go implements snapshot management.
//
// Snapshots provide consistent point-in-time views of a repo. Reads through
// a snapshot see the repo as of its sequence, and merges keep every version
// such a read needs until the snapshot is released.

import (
	"time"

	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/repo"
)

// Snapshot pins one sequence number of a repo.
type Snapshot struct {
	repo *Repo
	snap *repo.Snapshot
}

// Sequence returns the sequence number at which this snapshot was taken.
func (s *Snapshot) Sequence() uint64 {
	return uint64(s.snap.Sequence())
}

// CreatedAt returns when the snapshot was taken.
func (s *Snapshot) CreatedAt() time.Time {
	return s.snap.CreatedAt()
}

// Repo returns the repo the snapshot belongs to.
func (s *Snapshot) Repo() *Repo { return s.repo }

// Release releases the snapshot.
// After calling Release, the snapshot should not be used.
func (s *Snapshot) Release() {
	s.snap.Release()
}

func (s *Snapshot) sequence() dbformat.SequenceNumber { return s.snap.Sequence() }
