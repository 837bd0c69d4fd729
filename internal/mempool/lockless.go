package mempool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aalhour/genkv/internal/logging"
)

// LocklessPool is a fixed-capacity pool whose free list is a Treiber stack.
//
// The stack head packs a 32-bit ABA counter with index+1 of the top block
// (0 means empty). Each block carries a state word packing its allocation
// tag with an in-use bit, so frees of stale handles fail with a single CAS.
type LocklessPool struct {
	name      string
	blockSize int
	logger    logging.Logger

	initMu sync.Mutex
	ready  atomic.Bool
	region []byte
	count  int

	head  atomic.Uint64
	next  []atomic.Uint32
	state []atomic.Uint32
	used  atomic.Int64
}

// NewLocklessPool creates a pool of blockCount blocks. A blockCount of 0
// defers allocation to Init.
func NewLocklessPool(name string, blockSize, blockCount int, logger logging.Logger) (*LocklessPool, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("mempool: invalid block size %d", blockSize)
	}
	p := &LocklessPool{
		name:      name,
		blockSize: blockSize,
		logger:    logging.OrDefault(logger),
	}
	if blockCount > 0 {
		if err := p.Init(blockCount); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Init maps count blocks. It may succeed only once.
func (p *LocklessPool) Init(count int) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.count > 0 {
		return ErrAlreadyInitialized
	}
	if count <= 0 {
		return fmt.Errorf("mempool: invalid block count %d", count)
	}
	region, err := mapRegion(count * p.blockSize)
	if err != nil {
		p.logger.Errorf(logging.NSPool+"%s: cannot map %d blocks: %v", p.name, count, err)
		return err
	}
	if err := lockRegion(region); err != nil {
		p.logger.Warnf(logging.NSPool+"%s: mlock failed, pool memory may be swapped: %v", p.name, err)
	}

	p.region = region
	p.count = count
	p.next = make([]atomic.Uint32, count)
	p.state = make([]atomic.Uint32, count)
	for i := range count - 1 {
		p.next[i].Store(uint32(i + 2))
	}
	p.head.Store(1)
	p.ready.Store(true)
	p.logger.Infof(logging.NSPool+"%s: initialized %d blocks of %d bytes", p.name, count, p.blockSize)
	return nil
}

func (p *LocklessPool) block(i uint32) []byte {
	off := int(i) * p.blockSize
	return p.region[off : off+p.blockSize : off+p.blockSize]
}

// Alloc pops a block off the free list.
func (p *LocklessPool) Alloc() (Handle, []byte, error) {
	if !p.ready.Load() {
		return Handle{}, nil, ErrNotInitialized
	}
	for {
		old := p.head.Load()
		top := uint32(old)
		if top == 0 {
			return Handle{}, nil, ErrExhausted
		}
		idx := top - 1
		next := p.next[idx].Load()
		aba := old>>32 + 1
		if !p.head.CompareAndSwap(old, aba<<32|uint64(next)) {
			continue
		}

		tag := p.state[idx].Load()>>1 + 1
		if tag == 1<<31 {
			tag = 1
		}
		p.state[idx].Store(tag<<1 | 1)
		p.used.Add(1)

		b := p.block(idx)
		if zeroOnAlloc {
			clear(b)
		}
		return Handle{index: idx, tag: tag}, b, nil
	}
}

// Free pushes the block named by h back on the free list.
func (p *LocklessPool) Free(h Handle) error {
	if h.IsZero() || int(h.index) >= p.count {
		return fmt.Errorf("%w: %s in %s", ErrStaleHandle, h, p.name)
	}
	if !p.state[h.index].CompareAndSwap(h.tag<<1|1, h.tag<<1) {
		return fmt.Errorf("%w: %s in %s", ErrStaleHandle, h, p.name)
	}
	p.used.Add(-1)
	for {
		old := p.head.Load()
		p.next[h.index].Store(uint32(old))
		aba := old>>32 + 1
		if p.head.CompareAndSwap(old, aba<<32|uint64(h.index+1)) {
			return nil
		}
	}
}

// Bytes returns the block named by h.
func (p *LocklessPool) Bytes(h Handle) ([]byte, error) {
	if h.IsZero() || int(h.index) >= p.count || p.state[h.index].Load() != h.tag<<1|1 {
		return nil, fmt.Errorf("%w: %s in %s", ErrStaleHandle, h, p.name)
	}
	return p.block(h.index), nil
}

// BlockSize returns the size of every block.
func (p *LocklessPool) BlockSize() int { return p.blockSize }

// Capacity returns the number of blocks.
func (p *LocklessPool) Capacity() int { return p.count }

// InUse returns the number of blocks checked out.
func (p *LocklessPool) InUse() int { return int(p.used.Load()) }

// FreeCount returns the number of blocks on the free list.
func (p *LocklessPool) FreeCount() int { return p.count - int(p.used.Load()) }

// Close unmaps the region. Blocks still checked out are reported as a leak.
func (p *LocklessPool) Close() error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if !p.ready.Swap(false) {
		return nil
	}
	if n := p.used.Load(); n > 0 {
		p.logger.Warnf(logging.NSPool+"%s: closing with %d blocks still in use", p.name, n)
	}
	err := unmapRegion(p.region)
	p.region = nil
	p.head.Store(0)
	return err
}
