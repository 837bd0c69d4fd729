// Package mempool provides fixed-size block pools backed by OS memory.
//
// GrowingPool maps additional chunks from the OS when its free list runs
// dry and serializes allocation with a mutex. LocklessPool carves a single
// region, allocated once, into blocks linked on a lock-free free list.
// Both hand out typed Handles instead of raw pointers: a handle that has
// been freed, or whose block was re-allocated, is detected as stale.
//
// Blocks are not cleared on allocation unless the binary is built with the
// genkvdebug tag.
package mempool

import (
	"errors"
	"fmt"
)

var (
	// ErrBlockTooLarge is returned when a request exceeds the pool's block size.
	ErrBlockTooLarge = errors.New("mempool: request larger than block size")

	// ErrOutOfMemory is returned when the OS refuses to map more memory.
	ErrOutOfMemory = errors.New("mempool: out of memory")

	// ErrExhausted is returned by a LocklessPool with no free blocks.
	ErrExhausted = errors.New("mempool: pool exhausted")

	// ErrAlreadyInitialized is returned by a second LocklessPool.Init.
	ErrAlreadyInitialized = errors.New("mempool: pool already initialized")

	// ErrNotInitialized is returned when allocating from a LocklessPool
	// whose Init has not run.
	ErrNotInitialized = errors.New("mempool: pool not initialized")

	// ErrStaleHandle is returned for handles that no longer own a block.
	ErrStaleHandle = errors.New("mempool: stale handle")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("mempool: pool closed")
)

// Handle names one block of one pool. The zero Handle is never valid.
type Handle struct {
	index uint32
	tag   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.tag == 0
}

// Index returns the block index within its pool.
func (h Handle) Index() int {
	return int(h.index)
}

func (h Handle) String() string {
	return fmt.Sprintf("block#%d/%d", h.index, h.tag)
}
