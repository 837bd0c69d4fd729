package mempool

import (
	"fmt"
	"sync"

	"github.com/aalhour/genkv/internal/logging"
)

// GrowingPool is a mutex-guarded pool of fixed-size blocks that maps more
// memory from the OS whenever its free list is empty.
type GrowingPool struct {
	name        string
	blockSize   int
	extraGrowth int
	logger      logging.Logger

	mu          sync.Mutex
	chunks      [][]byte
	blocks      [][]byte
	tags        []uint32
	inUse       []bool
	free        []uint32
	used        int
	mlockWarned bool
	closed      bool
}

// NewGrowingPool creates a pool of blockSize blocks with initialBlocks
// mapped up front. Each later growth maps max(extraGrowth, 1) blocks.
func NewGrowingPool(name string, blockSize, initialBlocks, extraGrowth int, logger logging.Logger) (*GrowingPool, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("mempool: invalid block size %d", blockSize)
	}
	p := &GrowingPool{
		name:        name,
		blockSize:   blockSize,
		extraGrowth: max(extraGrowth, 1),
		logger:      logging.OrDefault(logger),
	}
	if initialBlocks > 0 {
		p.mu.Lock()
		err := p.growLocked(initialBlocks)
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// growLocked maps n blocks and pushes them on the free list.
func (p *GrowingPool) growLocked(n int) error {
	region, err := mapRegion(n * p.blockSize)
	if err != nil {
		p.logger.Errorf(logging.NSPool+"%s: cannot grow by %d blocks: %v", p.name, n, err)
		return err
	}
	if err := lockRegion(region); err != nil && !p.mlockWarned {
		p.mlockWarned = true
		p.logger.Warnf(logging.NSPool+"%s: mlock failed, pool memory may be swapped: %v", p.name, err)
	}
	p.chunks = append(p.chunks, region)

	base := uint32(len(p.blocks))
	for i := range n {
		off := i * p.blockSize
		p.blocks = append(p.blocks, region[off:off+p.blockSize:off+p.blockSize])
		p.tags = append(p.tags, 0)
		p.inUse = append(p.inUse, false)
	}
	// Push in reverse so that the lowest index is popped first.
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, base+uint32(i))
	}
	p.logger.Infof(logging.NSPool+"%s: grew by %d blocks of %d bytes (capacity %d)", p.name, n, p.blockSize, len(p.blocks))
	return nil
}

// TryAlloc returns a block able to hold size bytes. The returned slice has
// length blockSize.
func (p *GrowingPool) TryAlloc(size int) (Handle, []byte, error) {
	if size > p.blockSize {
		return Handle{}, nil, fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, size, p.blockSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Handle{}, nil, ErrClosed
	}
	if len(p.free) == 0 {
		if err := p.growLocked(p.extraGrowth); err != nil {
			return Handle{}, nil, err
		}
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.tags[idx]++
	if p.tags[idx] == 0 {
		p.tags[idx] = 1
	}
	p.inUse[idx] = true
	p.used++

	b := p.blocks[idx]
	if zeroOnAlloc {
		clear(b)
	}
	return Handle{index: idx, tag: p.tags[idx]}, b, nil
}

func (p *GrowingPool) validLocked(h Handle) bool {
	return !h.IsZero() && int(h.index) < len(p.blocks) && p.inUse[h.index] && p.tags[h.index] == h.tag
}

// Free returns the block named by h to the pool.
func (p *GrowingPool) Free(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.validLocked(h) {
		return fmt.Errorf("%w: %s in %s", ErrStaleHandle, h, p.name)
	}
	p.inUse[h.index] = false
	p.free = append(p.free, h.index)
	p.used--
	return nil
}

// Bytes returns the block named by h.
func (p *GrowingPool) Bytes(h Handle) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.validLocked(h) {
		return nil, fmt.Errorf("%w: %s in %s", ErrStaleHandle, h, p.name)
	}
	return p.blocks[h.index], nil
}

// BlockSize returns the size of every block.
func (p *GrowingPool) BlockSize() int { return p.blockSize }

// FreeCount returns the number of blocks on the free list.
func (p *GrowingPool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InUse returns the number of blocks checked out.
func (p *GrowingPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Capacity returns the number of blocks mapped so far.
func (p *GrowingPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blocks)
}

// Close unmaps all memory. Blocks still checked out are reported as a leak.
func (p *GrowingPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.used > 0 {
		p.logger.Warnf(logging.NSPool+"%s: closing with %d blocks still in use", p.name, p.used)
	}
	var firstErr error
	for _, c := range p.chunks {
		if err := unmapRegion(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.chunks, p.blocks, p.tags, p.inUse, p.free = nil, nil, nil, nil, nil
	return firstErr
}
