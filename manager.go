package genkv

// manager.go implements opening, recovering and closing a store.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aalhour/genkv/internal/cache"
	"github.com/aalhour/genkv/internal/compaction"
	"github.com/aalhour/genkv/internal/flush"
	"github.com/aalhour/genkv/internal/generation"
	"github.com/aalhour/genkv/internal/hitcount"
	"github.com/aalhour/genkv/internal/layer"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/mempool"
	"github.com/aalhour/genkv/internal/repo"
	"github.com/aalhour/genkv/internal/vfs"
	"github.com/aalhour/genkv/internal/volume"
)

// Common errors.
var (
	ErrClosed     = errors.New("genkv: store is closed")
	ErrNotFound   = errors.New("genkv: key not found")
	ErrDirMissing = errors.New("genkv: directory does not exist")

	// ErrRepoFailed is returned by writes and merges of a repo stopped by
	// a fatal error. Reads keep working.
	ErrRepoFailed = repo.ErrRepoFailed
)

// lockFileName is the lock file that keeps two processes out of one
// directory.
const lockFileName = "LOCK"

// Manager owns the repos stored in one directory and the I/O stack they
// share: the block volume, the block cache with its hit counter and the
// write buffer pool.
type Manager struct {
	dir  string
	opts Options
	fs   *vfs.GuardedFS
	lock io.Closer
	log  logging.Logger

	hits  *hitcount.Counter
	vol   *volume.Volume
	cache *cache.Cache
	pool  *mempool.GrowingPool
	env   *layer.DiskEnv

	picker Picker
	genIDs atomic.Uint64

	mu     sync.RWMutex
	repos  map[uuid.UUID]*Repo
	closed bool

	fatalMu  sync.Mutex
	fatalMsg string

	bg *backgroundWork
}

// Open opens the store in dir, recovering every repo found there.
func Open(dir string, opts *Options) (*Manager, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	base := opts.FS
	if base == nil {
		base = vfs.Default()
	}
	if !base.Exists(dir) {
		if !opts.CreateIfMissing {
			return nil, fmt.Errorf("%w: %s", ErrDirMissing, dir)
		}
		if err := base.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	lock, err := base.Lock(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("genkv: lock %s: %w", dir, err)
	}

	m := &Manager{
		dir:   dir,
		opts:  *opts,
		fs:    vfs.NewGuardedFS(base),
		lock:  lock,
		log:   logging.OrDefault(opts.Logger),
		repos: make(map[uuid.UUID]*Repo),
	}
	if h, ok := m.log.(interface{ SetFatalHandler(logging.FatalHandler) }); ok {
		h.SetFatalHandler(m.onFatal)
	}
	if err := m.initIO(); err != nil {
		_ = m.closeIO()
		return nil, err
	}
	m.picker = opts.Picker
	if m.picker == nil {
		sr := opts.SizeRatio
		if sr != nil {
			c := *sr
			sr = &c
		}
		m.picker = compaction.NewSizeRatioPicker(sr)
	}

	if err := m.recover(context.Background()); err != nil {
		_ = m.closeRepos()
		_ = m.closeIO()
		return nil, err
	}

	m.bg = newBackgroundWork(m)
	m.bg.Start()
	m.bg.MaybeScheduleMerge()
	return m, nil
}

func (m *Manager) initIO() error {
	o := &m.opts
	m.hits = hitcount.New(o.BlockSize, o.VolumeBlocks)
	m.vol = volume.New(m.fs, o.BlockSize, o.VolumeBlocks, m.log)
	c, err := cache.New(cache.Config{
		BlockSize:       o.BlockSize,
		CacheSize:       o.CacheSize,
		NumLRU:          o.NumLRU,
		HitCounter:      m.hits,
		VerifyChecksums: o.VerifyChecksums,
	}, m.vol, m.log)
	if err != nil {
		return err
	}
	m.cache = c
	pool, err := mempool.NewGrowingPool("write", o.BlockSize, o.PoolInitialBlocks, o.PoolExtraGrowth, m.log)
	if err != nil {
		return err
	}
	m.pool = pool
	m.env = &layer.DiskEnv{
		FS:        m.fs,
		Volume:    m.vol,
		Cache:     m.cache,
		BlockSize: o.BlockSize,
		Logger:    m.log,
		OnRemove:  func(uint64) { recordTick(m.opts.Statistics, TickerGenerationsDeleted, 1) },
	}
	return nil
}

// onFatal records a fatal condition. The repo that hit it has already
// stopped itself.
func (m *Manager) onFatal(msg string) {
	m.fatalMu.Lock()
	if m.fatalMsg == "" {
		m.fatalMsg = msg
	}
	m.fatalMu.Unlock()
}

// Err returns the first fatal condition the store logged, if any.
func (m *Manager) Err() error {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	if m.fatalMsg == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", logging.ErrFatal, m.fatalMsg)
}

func (m *Manager) writerOptions() generation.WriterOptions {
	return generation.WriterOptions{
		BlockSize:            m.opts.BlockSize,
		IndexInterval:        m.opts.IndexInterval,
		Compression:          m.opts.Compression,
		CompressionThreshold: m.opts.CompressionThreshold,
		Pool:                 m.pool,
	}
}

func (m *Manager) nextGenID() uint64 { return m.genIDs.Add(1) }

func (m *Manager) newRepo(id uuid.UUID, kind RepoKind) *Repo {
	r := repo.New(repo.Config{
		ID:   id,
		Kind: kind,
		Dir:  m.dir,
		Env:  m.env,
		Flush: flush.Options{
			Writer:       m.writerOptions(),
			StorageSpeed: m.opts.StorageSpeed,
			Logger:       m.log,
		},
		NextGenID:          m.nextGenID,
		CanTail:            m.opts.CanTail,
		MemLayerMaxEntries: m.opts.MemLayerMaxEntries,
		OpenParallelism:    m.opts.OpenParallelism,
		Logger:             m.log,
	})
	return &Repo{m: m, r: r}
}

// NewRepo creates an empty durable repo.
func (m *Manager) NewRepo() (*Repo, error) {
	return m.CreateRepo(DurableRepo)
}

// CreateRepo creates an empty repo of the given kind. Its record is on
// disk before CreateRepo returns, so the repo survives a reopen even if it
// never flushes.
func (m *Manager) CreateRepo(kind RepoKind) (*Repo, error) {
	if kind != DurableRepo && kind != VolatileRepo {
		return nil, fmt.Errorf("genkv: unknown repo kind %d", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	r := m.newRepo(uuid.New(), kind)
	if err := m.saveRecord(r); err != nil {
		_ = r.r.Close()
		return nil, err
	}
	m.repos[r.ID()] = r
	m.log.Infof(logging.NSManager+"created %s repo %s", kind, r.ID())
	return r, nil
}

// saveRecord persists the identity and watermarks of r.
func (m *Manager) saveRecord(r *Repo) error {
	rec := r.r.Record()
	if err := repo.WriteRecord(m.fs, m.dir, &rec); err != nil {
		return fmt.Errorf("genkv: save repo %s: %w", r.ID(), err)
	}
	return nil
}

// GetRepo returns the repo with the given id.
func (m *Manager) GetRepo(id uuid.UUID) (*Repo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.repos[id]
	return r, ok
}

// Repos returns every repo, ordered by id.
func (m *Manager) Repos() []*Repo {
	m.mu.RLock()
	out := make([]*Repo, 0, len(m.repos))
	for _, r := range m.repos {
		out = append(out, r)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Repo) int { return strings.Compare(a.ID().String(), b.ID().String()) })
	return out
}

// NewSnapshot pins the current state of r.
func (m *Manager) NewSnapshot(r *Repo) *Snapshot {
	return r.NewSnapshot()
}

// Statistics returns the configured statistics, with cache counters
// brought up to date. It is nil when statistics are disabled.
func (m *Manager) Statistics() Statistics {
	s := m.opts.Statistics
	if s == nil {
		return nil
	}
	cs := m.cache.Stats()
	s.SetTickerCount(TickerBlockCacheHit, cs.Hits)
	s.SetTickerCount(TickerBlockCacheMiss, cs.Misses)
	s.SetTickerCount(TickerBlockCacheEviction, cs.Evictions)
	return s
}

// CacheStats is a point-in-time view of block cache activity.
type CacheStats = cache.Stats

// CacheStats returns block cache counters.
func (m *Manager) CacheStats() CacheStats { return m.cache.Stats() }

// PauseBackgroundWork stops background flushes and merges from starting
// until ContinueBackgroundWork.
func (m *Manager) PauseBackgroundWork() { m.bg.Pause() }

// ContinueBackgroundWork resumes background work after
// PauseBackgroundWork.
func (m *Manager) ContinueBackgroundWork() { m.bg.Continue() }

// BackgroundWorkPaused reports whether PauseBackgroundWork is in effect.
func (m *Manager) BackgroundWorkPaused() bool { return m.bg.IsPaused() }

// Close stops background work, flushes and closes every repo and releases
// the shared I/O stack. The store must not be used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.bg.Stop()

	var errs []error
	for _, r := range m.Repos() {
		if r.r.Err() != nil {
			continue
		}
		if err := r.r.Flush(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("flush repo %s: %w", r.ID(), err))
			continue
		}
		errs = append(errs, m.saveRecord(r))
	}
	errs = append(errs, m.closeRepos())
	errs = append(errs, m.closeIO())
	m.log.Infof(logging.NSManager+"closed %s", m.dir)
	return errors.Join(errs...)
}

func (m *Manager) closeRepos() error {
	var errs []error
	for _, r := range m.Repos() {
		if err := r.r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close repo %s: %w", r.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) closeIO() error {
	var errs []error
	if m.cache != nil {
		errs = append(errs, m.cache.Close())
	}
	if m.vol != nil {
		errs = append(errs, m.vol.Close())
	}
	if m.pool != nil {
		errs = append(errs, m.pool.Close())
	}
	m.fs.Shutdown()
	errs = append(errs, m.lock.Close())
	return errors.Join(errs...)
}
