// Package cache provides the block cache that sits between generation
// readers and the volume.
//
// The cache owns a fixed number of slots, each holding one volume page.
// Slots are pinned while in use and cannot be evicted. Unpinned slots sit
// on the LRU list of their shard. When the slot pool is exhausted a miss
// evicts an unpinned slot, preferring the least popular of the oldest few
// according to the block hit counter, so a hot block that has not been
// touched for a while survives a cold one that was read once.
package cache

import (
	"container/list"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"github.com/aalhour/genkv/internal/checksum"
	"github.com/aalhour/genkv/internal/hitcount"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/mempool"
)

// ErrNoSlots is returned when every slot is pinned.
var ErrNoSlots = errors.New("cache: all slots pinned")

// evictScanDepth bounds how many LRU slots a single eviction inspects.
const evictScanDepth = 8

// PageReader loads one page of the volume.
type PageReader interface {
	ReadPage(ctx context.Context, page int, buf []byte) error
}

// PageReaderFunc adapts a function to PageReader.
type PageReaderFunc func(ctx context.Context, page int, buf []byte) error

// ReadPage calls f.
func (f PageReaderFunc) ReadPage(ctx context.Context, page int, buf []byte) error {
	return f(ctx, page, buf)
}

// Config describes the cache geometry.
type Config struct {
	// BlockSize is the size of one page.
	BlockSize int
	// CacheSize is the number of slots.
	CacheSize int
	// NumLRU is the number of shards.
	NumLRU int
	// HitCounter tracks block popularity. It must cover every page id.
	HitCounter *hitcount.Counter
	// VerifyChecksums checks the xxh3 trailer of every loaded page.
	VerifyChecksums bool
}

// Slot is one cached page. Its bytes are valid while the slot is pinned.
type Slot struct {
	page   int
	shard  *shard
	handle mempool.Handle
	data   []byte

	// Guarded by shard.mu.
	refs        int32
	elem        *list.Element
	pendingHits uint64
	dropped     bool

	ready chan struct{}
	err   error
}

// Page returns the volume page id held by the slot.
func (s *Slot) Page() int { return s.page }

// Data returns the page bytes, including the checksum trailer.
func (s *Slot) Data() []byte { return s.data }

type shard struct {
	mu    sync.Mutex
	table map[int]*Slot
	lru   *list.List
}

// Cache is a sharded, pinning block cache.
type Cache struct {
	cfg    Config
	reader PageReader
	logger logging.Logger
	pool   *mempool.LocklessPool
	shards []*shard

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	pinned    atomic.Int64
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Pinned    int64
	Resident  int
}

// New creates a cache. Slot buffers are taken from a lock-free pool of
// CacheSize blocks.
func New(cfg Config, reader PageReader, logger logging.Logger) (*Cache, error) {
	if cfg.BlockSize <= checksum.TrailerSize || cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("cache: invalid geometry block=%d slots=%d", cfg.BlockSize, cfg.CacheSize)
	}
	if cfg.HitCounter == nil {
		return nil, errors.New("cache: hit counter is required")
	}
	if cfg.NumLRU <= 0 {
		cfg.NumLRU = 1
	}
	logger = logging.OrDefault(logger)
	pool, err := mempool.NewLocklessPool("cache", cfg.BlockSize, cfg.CacheSize, logger)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:    cfg,
		reader: reader,
		logger: logger,
		pool:   pool,
		shards: make([]*shard, cfg.NumLRU),
	}
	for i := range c.shards {
		c.shards[i] = &shard{table: make(map[int]*Slot), lru: list.New()}
	}
	return c, nil
}

func (c *Cache) shardIndex(page int) int {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(page))
	return int(murmur3.Sum32(key[:]) % uint32(len(c.shards)))
}

// recordHitLocked batches hits on the slot until they are enough to move
// the page's log counter.
func (c *Cache) recordHitLocked(s *Slot) {
	s.pendingHits++
	if s.pendingHits >= hitcount.Step(c.cfg.HitCounter.GetNumHits(s.page)) {
		c.cfg.HitCounter.AddHits(s.page, s.pendingHits)
		s.pendingHits = 0
	}
}

// pinLocked takes a reference on s, pulling it off the LRU if needed.
func (c *Cache) pinLocked(sh *shard, s *Slot) {
	s.refs++
	if s.elem != nil {
		sh.lru.Remove(s.elem)
		s.elem = nil
	}
	c.pinned.Add(1)
}

// Get returns page pinned. Every successful Get must be paired with one
// Release.
func (c *Cache) Get(ctx context.Context, page int) (*Slot, error) {
	idx := c.shardIndex(page)
	sh := c.shards[idx]

	for {
		sh.mu.Lock()
		if s, ok := sh.table[page]; ok {
			c.pinLocked(sh, s)
			c.recordHitLocked(s)
			sh.mu.Unlock()
			c.hits.Add(1)
			return c.waitReady(ctx, s)
		}
		sh.mu.Unlock()

		h, buf, err := c.acquire(idx)
		if err != nil {
			return nil, err
		}

		sh.mu.Lock()
		if _, ok := sh.table[page]; ok {
			// Another goroutine inserted the page while we looked for a buffer.
			sh.mu.Unlock()
			_ = c.pool.Free(h)
			continue
		}
		s := &Slot{page: page, shard: sh, handle: h, data: buf, ready: make(chan struct{})}
		sh.table[page] = s
		c.pinLocked(sh, s)
		c.recordHitLocked(s)
		sh.mu.Unlock()
		c.misses.Add(1)

		return c.load(ctx, s)
	}
}

func (c *Cache) load(ctx context.Context, s *Slot) (*Slot, error) {
	err := c.reader.ReadPage(ctx, s.page, s.data)
	if err == nil && c.cfg.VerifyChecksums {
		if verr := checksum.Verify(s.data); verr != nil {
			err = fmt.Errorf("cache: page %d: %w", s.page, verr)
		}
	}
	if err == nil {
		close(s.ready)
		return s, nil
	}

	sh := s.shard
	sh.mu.Lock()
	s.err = err
	if sh.table[s.page] == s {
		delete(sh.table, s.page)
	}
	s.dropped = true
	sh.mu.Unlock()
	close(s.ready)

	c.logger.Warnf(logging.NSCache+"load of page %d failed: %v", s.page, err)
	c.Release(s)
	return nil, err
}

func (c *Cache) waitReady(ctx context.Context, s *Slot) (*Slot, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		c.Release(s)
		return nil, ctx.Err()
	}
	if s.err != nil {
		c.Release(s)
		return nil, s.err
	}
	return s, nil
}

// acquire returns a free buffer, evicting from the home shard first and
// then from its neighbours. Only one shard lock is held at a time.
func (c *Cache) acquire(home int) (mempool.Handle, []byte, error) {
	h, buf, err := c.pool.Alloc()
	if err == nil {
		return h, buf, nil
	}
	if !errors.Is(err, mempool.ErrExhausted) {
		return mempool.Handle{}, nil, err
	}
	for i := range c.shards {
		if h, buf, ok := c.evictFrom(c.shards[(home+i)%len(c.shards)]); ok {
			return h, buf, nil
		}
	}
	return mempool.Handle{}, nil, ErrNoSlots
}

// evictFrom removes the least popular of the oldest unpinned slots of sh
// and hands its buffer to the caller.
func (c *Cache) evictFrom(sh *shard) (mempool.Handle, []byte, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var victim *Slot
	var best uint8
	n := 0
	for e := sh.lru.Back(); e != nil && n < evictScanDepth; e = e.Prev() {
		s := e.Value.(*Slot)
		hits := c.cfg.HitCounter.GetNumHits(s.page)
		if victim == nil || hits < best {
			victim, best = s, hits
		}
		n++
	}
	if victim == nil {
		return mempool.Handle{}, nil, false
	}
	sh.lru.Remove(victim.elem)
	victim.elem = nil
	delete(sh.table, victim.page)
	c.cfg.HitCounter.Reset(victim.page)
	c.evictions.Add(1)
	return victim.handle, victim.data, true
}

// Release unpins a slot returned by Get.
func (c *Cache) Release(s *Slot) {
	sh := s.shard
	sh.mu.Lock()
	s.refs--
	if s.refs < 0 {
		sh.mu.Unlock()
		panic(fmt.Sprintf("cache: page %d released more times than pinned", s.page))
	}
	c.pinned.Add(-1)
	if s.refs > 0 {
		sh.mu.Unlock()
		return
	}
	if s.dropped {
		sh.mu.Unlock()
		_ = c.pool.Free(s.handle)
		return
	}
	s.elem = sh.lru.PushFront(s)
	sh.mu.Unlock()
}

// Clear drops page from the cache. A pinned slot stays valid for its
// holders and is freed on its last Release.
func (c *Cache) Clear(page int) bool {
	sh := c.shards[c.shardIndex(page)]
	sh.mu.Lock()
	s, ok := sh.table[page]
	if !ok {
		sh.mu.Unlock()
		return false
	}
	delete(sh.table, page)
	c.cfg.HitCounter.Reset(page)
	if s.refs > 0 {
		s.dropped = true
		sh.mu.Unlock()
		return true
	}
	sh.lru.Remove(s.elem)
	s.elem = nil
	sh.mu.Unlock()
	_ = c.pool.Free(s.handle)
	return true
}

// ClearRange drops pages [start, start+n).
func (c *Cache) ClearRange(start, n int) int {
	cleared := 0
	for p := start; p < start+n; p++ {
		if c.Clear(p) {
			cleared++
		}
	}
	return cleared
}

// Replace installs data as the cached image of page. Holders of an older
// image keep it until they release it.
func (c *Cache) Replace(page int, data []byte) error {
	if len(data) != c.cfg.BlockSize {
		return fmt.Errorf("cache: replace page %d with %d bytes, want %d", page, len(data), c.cfg.BlockSize)
	}
	idx := c.shardIndex(page)
	sh := c.shards[idx]

	h, buf, err := c.acquire(idx)
	if err != nil {
		return err
	}
	copy(buf, data)
	s := &Slot{page: page, shard: sh, handle: h, data: buf, ready: make(chan struct{})}
	close(s.ready)

	sh.mu.Lock()
	old, ok := sh.table[page]
	var freeOld bool
	if ok {
		if old.refs > 0 {
			old.dropped = true
		} else {
			sh.lru.Remove(old.elem)
			old.elem = nil
			freeOld = true
		}
	}
	sh.table[page] = s
	s.elem = sh.lru.PushFront(s)
	sh.mu.Unlock()

	if freeOld {
		_ = c.pool.Free(old.handle)
	}
	return nil
}

// Stats returns cache counters.
func (c *Cache) Stats() Stats {
	resident := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		resident += len(sh.table)
		sh.mu.Unlock()
	}
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Pinned:    c.pinned.Load(),
		Resident:  resident,
	}
}

// Capacity returns the number of slots.
func (c *Cache) Capacity() int { return c.cfg.CacheSize }

// BlockSize returns the page size.
func (c *Cache) BlockSize() int { return c.cfg.BlockSize }

// Close releases slot memory. Slots still pinned are reported as leaked by
// the pool. No slot may be used afterwards.
func (c *Cache) Close() error {
	for _, sh := range c.shards {
		sh.mu.Lock()
		for e := sh.lru.Front(); e != nil; e = e.Next() {
			_ = c.pool.Free(e.Value.(*Slot).handle)
		}
		sh.table = make(map[int]*Slot)
		sh.lru.Init()
		sh.mu.Unlock()
	}
	return c.pool.Close()
}
