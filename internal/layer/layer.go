// Package layer implements the read-facing units of a repo.
//
// A Layer is a closed tagged variant: either a memory layer holding recent
// mutations in a B-tree, or a disk layer wrapping one published generation.
// Layers are reference counted. A layer marked for delete is destroyed when
// its last reference is released and its owner reports that it is safe to
// remove files; otherwise destruction is handed back to the owner to retry
// at its next safe point.
package layer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aalhour/genkv/internal/arena"
	"github.com/aalhour/genkv/internal/cache"
	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/generation"
	"github.com/aalhour/genkv/internal/iterator"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/vfs"
	"github.com/aalhour/genkv/internal/volume"
)

var (
	// ErrFrozen is returned when inserting into a frozen memory layer.
	ErrFrozen = errors.New("layer: memory layer is frozen")

	// ErrDuplicateEntry is returned when (key, seq) is already present.
	ErrDuplicateEntry = errors.New("layer: duplicate entry")

	// ErrNotMemory is returned by memory-only operations on a disk layer.
	ErrNotMemory = errors.New("layer: not a memory layer")
)

// Kind discriminates layer variants.
type Kind uint8

const (
	// KindMemory is an in-memory batch of mutations.
	KindMemory Kind = iota
	// KindDisk is a published generation file.
	KindDisk
)

func (k Kind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindDisk:
		return "disk"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Owner is the repo a layer belongs to.
type Owner interface {
	// CanRemove reports whether layer files may be removed now.
	CanRemove() bool
	// DeferDestroy hands back a layer whose destruction must wait.
	DeferDestroy(l *Layer)
}

// DiskEnv is the shared I/O stack disk layers read through.
type DiskEnv struct {
	FS        vfs.FS
	Volume    *volume.Volume
	Cache     *cache.Cache
	BlockSize int
	Logger    logging.Logger

	// OnRemove, if set, is called after a generation file is removed.
	OnRemove func(genID uint64)
}

type diskState struct {
	env     *DiskEnv
	path    string
	mapping *volume.Mapping
	reader  *generation.Reader
}

// Layer is one memory or disk layer.
type Layer struct {
	kind  Kind
	id    uint64
	owner Owner

	mem  *memTable
	disk *diskState

	canTail   atomic.Bool
	refs      atomic.Int32
	marked    atomic.Bool
	destroyMu sync.Mutex
	destroyed bool
}

// NewMemory returns an empty memory layer holding one reference.
func NewMemory(id uint64, owner Owner) *Layer {
	l := &Layer{kind: KindMemory, id: id, owner: owner, mem: newMemTable()}
	l.refs.Store(1)
	return l
}

// OpenDisk maps the generation at path and returns a disk layer holding one
// reference.
func OpenDisk(ctx context.Context, env *DiskEnv, path string, owner Owner) (*Layer, error) {
	return openDisk(ctx, env, path, nil, owner)
}

// OpenPublished is OpenDisk for a generation this process just wrote:
// footerBlock, the file's last block, is installed in the cache so opening
// does not read it back from disk.
func OpenPublished(ctx context.Context, env *DiskEnv, path string, footerBlock []byte, owner Owner) (*Layer, error) {
	return openDisk(ctx, env, path, footerBlock, owner)
}

func openDisk(ctx context.Context, env *DiskEnv, path string, footerBlock []byte, owner Owner) (*Layer, error) {
	m, err := env.Volume.Map(path)
	if err != nil {
		return nil, err
	}
	if footerBlock != nil {
		if err := env.Cache.Replace(m.Page(m.Blocks-1), footerBlock); err != nil {
			logging.OrDefault(env.Logger).Debugf(logging.NSCache+"skip warming %s: %v", path, err)
		}
	}
	r, err := generation.Open(ctx, arena.New(env.Cache, m.Start, m.Blocks, env.BlockSize))
	if err != nil {
		env.Cache.ClearRange(m.Start, m.Blocks)
		_ = env.Volume.Unmap(m)
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	meta := r.Meta()
	l := &Layer{
		kind:  KindDisk,
		id:    meta.GenID,
		owner: owner,
		disk:  &diskState{env: env, path: path, mapping: m, reader: r},
	}
	l.canTail.Store(meta.CanTail)
	l.refs.Store(1)
	return l, nil
}

// Kind returns the variant.
func (l *Layer) Kind() Kind { return l.kind }

// ID returns the generation id of a disk layer or the sequence id of a
// memory layer.
func (l *Layer) ID() uint64 { return l.id }

// Path returns the file of a disk layer.
func (l *Layer) Path() string {
	if l.kind == KindDisk {
		return l.disk.path
	}
	return ""
}

// Mapping returns the volume extent of a disk layer.
func (l *Layer) Mapping() *volume.Mapping {
	if l.kind == KindDisk {
		return l.disk.mapping
	}
	return nil
}

// Meta describes the layer. For memory layers only the counters and
// sequence bounds are filled.
func (l *Layer) Meta() generation.Meta {
	switch l.kind {
	case KindMemory:
		entries, keys, _, lo, hi := l.mem.stats()
		return generation.Meta{
			GenID:         l.id,
			NumKeys:       uint64(keys),
			NumEntries:    uint64(entries),
			LowestSeq:     lo,
			HighestSeq:    hi,
			CanTail:       l.canTail.Load(),
			HasTombstones: l.mem.hasTombstones(),
		}
	case KindDisk:
		m := l.disk.reader.Meta()
		m.CanTail = l.canTail.Load()
		return m
	}
	panic("layer: unknown kind")
}

// SizeBytes is the space the layer occupies: file size for disk layers,
// approximate memory for memory layers.
func (l *Layer) SizeBytes() int64 {
	switch l.kind {
	case KindMemory:
		_, _, b, _, _ := l.mem.stats()
		return b
	case KindDisk:
		return int64(l.disk.mapping.Blocks) * int64(l.disk.env.BlockSize)
	}
	return 0
}

// Len returns the number of entries.
func (l *Layer) Len() int {
	return int(l.Meta().NumEntries)
}

// CanTail reports whether the layer is the tail of its repo.
func (l *Layer) CanTail() bool { return l.canTail.Load() }

// SetCanTail sets the tail flag.
func (l *Layer) SetCanTail(v bool) { l.canTail.Store(v) }

// Insert adds e to a memory layer.
func (l *Layer) Insert(e dbformat.Entry) error {
	if l.kind != KindMemory {
		return ErrNotMemory
	}
	return l.mem.insert(e)
}

// Freeze stops a memory layer from accepting inserts.
func (l *Layer) Freeze() {
	if l.kind == KindMemory {
		l.mem.freeze()
	}
}

// Frozen reports whether a memory layer stopped accepting inserts. Disk
// layers are always frozen.
func (l *Layer) Frozen() bool {
	if l.kind == KindMemory {
		return l.mem.isFrozen()
	}
	return true
}

// Iter is an entry iterator that must be closed.
type Iter interface {
	iterator.Iterator
	Close() error
}

// NewIterator returns an unpositioned iterator over every entry.
func (l *Layer) NewIterator(ctx context.Context) Iter {
	switch l.kind {
	case KindMemory:
		return newMemIterator(l.mem.snapshot())
	case KindDisk:
		return l.disk.reader.NewCursor(ctx)
	}
	panic("layer: unknown kind")
}

// Acquire takes a reference.
func (l *Layer) Acquire() {
	if l.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("layer: acquire of released %s layer %d", l.kind, l.id))
	}
}

// Refs returns the current reference count.
func (l *Layer) Refs() int32 { return l.refs.Load() }

// MarkForDelete flags the layer for destruction on its last release.
func (l *Layer) MarkForDelete() { l.marked.Store(true) }

// IsMarked reports whether the layer is marked for delete.
func (l *Layer) IsMarked() bool { return l.marked.Load() }

// Release drops a reference. The last release of a marked layer destroys
// it, or defers to the owner when removal is not safe yet.
func (l *Layer) Release() {
	n := l.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("layer: %s layer %d released more times than acquired", l.kind, l.id))
	}
	if n > 0 || !l.marked.Load() {
		return
	}
	if l.owner != nil && !l.owner.CanRemove() {
		l.owner.DeferDestroy(l)
		return
	}
	_ = l.Destroy()
}

// Destroy frees the layer's resources. For disk layers this drops cached
// pages, frees the volume extent and removes the file; a removal refused
// because the filesystem is shutting down is not an error. Destroy is
// idempotent.
func (l *Layer) Destroy() error {
	l.destroyMu.Lock()
	defer l.destroyMu.Unlock()

	if l.destroyed {
		return nil
	}
	l.destroyed = true
	if l.kind != KindDisk {
		return nil
	}

	d := l.disk
	log := logging.OrDefault(d.env.Logger)
	d.env.Cache.ClearRange(d.mapping.Start, d.mapping.Blocks)
	if err := d.env.Volume.Unmap(d.mapping); err != nil {
		log.Warnf(logging.NSRepo+"unmap %s: %v", d.path, err)
	}
	if err := d.env.FS.Remove(d.path); err != nil {
		if errors.Is(err, vfs.ErrShuttingDown) {
			log.Debugf(logging.NSRepo+"left %s behind during shutdown", d.path)
			return nil
		}
		log.Warnf(logging.NSRepo+"remove %s: %v", d.path, err)
		return err
	}
	log.Debugf(logging.NSRepo+"destroyed gen %d (%s)", l.id, d.path)
	if d.env.OnRemove != nil {
		d.env.OnRemove(l.id)
	}
	return nil
}

// Close releases a disk layer's mapping without removing its file. It is
// used when the owner shuts down.
func (l *Layer) Close() error {
	l.destroyMu.Lock()
	defer l.destroyMu.Unlock()

	if l.destroyed || l.kind != KindDisk {
		l.destroyed = true
		return nil
	}
	l.destroyed = true
	l.disk.env.Cache.ClearRange(l.disk.mapping.Start, l.disk.mapping.Blocks)
	return l.disk.env.Volume.Unmap(l.disk.mapping)
}

// Destroyed reports whether Destroy or Close ran.
func (l *Layer) Destroyed() bool {
	l.destroyMu.Lock()
	defer l.destroyMu.Unlock()
	return l.destroyed
}

func (l *Layer) String() string {
	return fmt.Sprintf("%s layer %d", l.kind, l.id)
}
