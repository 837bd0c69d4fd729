// Package repo manages the layers of one partition.
//
// A Repo holds an active memory layer that takes writes and a list of
// older layers, newest first: frozen memory layers waiting to be flushed,
// then disk layers. Readers pin a consistent set of layers with a View.
// Flushes and merges swap layers in the list; swapped-out layers are
// destroyed once the last view releases them and the repo reports that
// removing files is safe.
//
// A Volatile repo never has disk layers: its flushes collapse the frozen
// memory layers into one instead of writing a generation.
package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aalhour/genkv/internal/batch"
	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/flush"
	"github.com/aalhour/genkv/internal/layer"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/vfs"
)

var (
	// ErrRepoFailed is returned by writes and merges after a fatal error.
	ErrRepoFailed = errors.New("repo: failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("repo: closed")

	// ErrNotContiguous is returned when replaced layers are not adjacent
	// in the layer list.
	ErrNotContiguous = errors.New("repo: replaced layers are not contiguous")

	// ErrUnknownLayer is returned when a layer is not part of the repo.
	ErrUnknownLayer = errors.New("repo: layer not in repo")
)

// Config describes a repo.
type Config struct {
	ID   uuid.UUID
	Kind Kind
	Dir  string
	Env  *layer.DiskEnv

	// Flush controls the generations flushes write.
	Flush flush.Options

	// NextGenID allocates generation ids. Ids must be unique across every
	// repo sharing Dir. Nil uses a counter local to the repo.
	NextGenID func() uint64

	// CanTail marks newly flushed generations as the repo's tail.
	CanTail bool

	// MemLayerMaxEntries is the size at which NeedsFlush reports true.
	// Zero disables the check.
	MemLayerMaxEntries int

	// OpenParallelism bounds concurrent generation opens in Load.
	OpenParallelism int

	Logger logging.Logger
}

// Repo is one partition: a memory layer plus layers newest first.
type Repo struct {
	cfg Config
	log logging.Logger

	mu         sync.Mutex
	mem        *layer.Layer
	layers     []*layer.Layer
	lastSeq    dbformat.SequenceNumber
	memIDs     uint64
	publishing int
	deferred   []*layer.Layer
	failed     error
	closed     bool

	// flushMu serializes flushes.
	flushMu sync.Mutex

	genIDs       atomic.Uint64
	releasedUpTo atomic.Uint64
	snapshots    snapshotList
}

// New creates an empty repo. Existing generations are attached with Load.
func New(cfg Config) *Repo {
	if cfg.OpenParallelism <= 0 {
		cfg.OpenParallelism = 4
	}
	r := &Repo{cfg: cfg, log: logging.OrDefault(cfg.Logger)}
	r.snapshots.init()
	r.mem = r.newMemLocked()
	return r
}

func (r *Repo) newMemLocked() *layer.Layer {
	r.memIDs++
	l := layer.NewMemory(r.memIDs, r)
	l.SetCanTail(r.cfg.CanTail)
	return l
}

// ID returns the repo id recorded in its generations.
func (r *Repo) ID() uuid.UUID { return r.cfg.ID }

// Kind returns the repo's durability class.
func (r *Repo) Kind() Kind { return r.cfg.Kind }

// IsSafe reports whether the repo is durable: flushed data lives in
// generation files and survives a restart.
func (r *Repo) IsSafe() bool { return r.cfg.Kind == Durable }

// Record returns the repo's persisted identity as of now.
func (r *Repo) Record() Record {
	return Record{
		ID:           r.cfg.ID,
		Kind:         r.cfg.Kind,
		LastSeq:      r.LastSequence(),
		ReleasedUpTo: r.ReleasedUpTo(),
	}
}

// Restore applies a saved record to a freshly loaded repo: sequence
// numbering resumes after rec.LastSeq and the release watermark is
// restored.
func (r *Repo) Restore(rec Record) {
	r.mu.Lock()
	r.lastSeq = max(r.lastSeq, rec.LastSeq)
	r.mu.Unlock()
	r.SetReleasedUpTo(rec.ReleasedUpTo)
}

// Dir returns the directory generations live in.
func (r *Repo) Dir() string { return r.cfg.Dir }

// FS returns the filesystem generations are written through.
func (r *Repo) FS() vfs.FS { return r.cfg.Env.FS }

// NextGenID allocates a generation id.
func (r *Repo) NextGenID() uint64 {
	if r.cfg.NextGenID != nil {
		return r.cfg.NextGenID()
	}
	return r.genIDs.Add(1)
}

// LastSequence returns the sequence number of the newest write.
func (r *Repo) LastSequence() dbformat.SequenceNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// usableLocked reports why the repo cannot take writes or merges.
func (r *Repo) usableLocked() error {
	if r.closed {
		return ErrClosed
	}
	if r.failed != nil {
		return fmt.Errorf("%w: %v", ErrRepoFailed, r.failed)
	}
	return nil
}

// Err returns the error that failed the repo, if any.
func (r *Repo) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Fail stops the repo after a fatal error. Later writes and merges return
// ErrRepoFailed; reads keep working. Layer files are no longer removed.
func (r *Repo) Fail(err error) {
	r.mu.Lock()
	first := r.failed == nil
	if first {
		r.failed = err
	}
	r.mu.Unlock()
	if first {
		r.log.Fatalf(logging.NSRepo+"repo %s failed: %v", r.cfg.ID, err)
	}
}

// Load opens the generations at paths and attaches them. Generations whose
// sequence span is covered by a newer generation are leftovers of a merge
// that was published but not cleaned up; they are removed.
func (r *Repo) Load(ctx context.Context, paths []string) error {
	if r.cfg.Kind == Volatile && len(paths) > 0 {
		return fmt.Errorf("%w: volatile repo %s has %d generations", logging.ErrFatal, r.cfg.ID, len(paths))
	}
	opened := make([]*layer.Layer, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.OpenParallelism)
	for i, path := range paths {
		g.Go(func() error {
			l, err := layer.OpenDisk(gctx, r.cfg.Env, path, r)
			if err != nil {
				return err
			}
			opened[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, l := range opened {
			if l != nil {
				_ = l.Close()
			}
		}
		return err
	}

	// Newest generation first: merge outputs always get a higher id than
	// their inputs.
	sort.Slice(opened, func(i, j int) bool { return opened[i].ID() > opened[j].ID() })
	var live, obsolete []*layer.Layer
	for i, l := range opened {
		m := l.Meta()
		if i > 0 && opened[i-1].ID() == l.ID() {
			err := fmt.Errorf("%w: duplicate generation id %d (%s, %s)", logging.ErrFatal, l.ID(), opened[i-1].Path(), l.Path())
			for _, o := range opened {
				_ = o.Close()
			}
			return err
		}
		covered := false
		for _, w := range live {
			wm := w.Meta()
			switch {
			case m.SpanLow >= wm.SpanLow && m.SpanHigh <= wm.SpanHigh:
				covered = true
			case m.SpanLow <= wm.SpanHigh && m.SpanHigh >= wm.SpanLow:
				err := fmt.Errorf("%w: gen %d span [%d,%d] overlaps gen %d span [%d,%d]", logging.ErrFatal,
					l.ID(), m.SpanLow, m.SpanHigh, w.ID(), wm.SpanLow, wm.SpanHigh)
				for _, o := range opened {
					_ = o.Close()
				}
				return err
			}
		}
		if covered {
			obsolete = append(obsolete, l)
		} else {
			live = append(live, l)
		}
	}

	// Attach oldest first so every layer lands at the newest position.
	sort.Slice(live, func(i, j int) bool { return live[i].Meta().SpanHigh < live[j].Meta().SpanHigh })
	for _, l := range live {
		if err := r.AddLayer(l); err != nil {
			return err
		}
	}
	for _, l := range obsolete {
		r.log.Infof(logging.NSRepo+"removing gen %d superseded by a published merge", l.ID())
		l.MarkForDelete()
		l.Release()
	}
	r.CollectGarbage()
	return nil
}

// Apply writes wb to the memory layer. Its records get consecutive
// sequence numbers; the last one is returned.
func (r *Repo) Apply(wb *batch.WriteBatch) (dbformat.SequenceNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.usableLocked(); err != nil {
		return 0, err
	}
	if wb.Count() == 0 {
		return r.lastSeq, nil
	}
	wb.SetSequence(r.lastSeq + 1)
	var c collector
	if err := wb.Iterate(&c); err != nil {
		return 0, err
	}
	for _, e := range c.entries {
		if err := r.mem.Insert(e); err != nil {
			err = fmt.Errorf("%w: insert seq %d: %v", logging.ErrFatal, e.Seq, err)
			r.failed = err
			r.log.Fatalf(logging.NSRepo+"repo %s failed: %v", r.cfg.ID, err)
			return 0, err
		}
	}
	r.lastSeq += dbformat.SequenceNumber(len(c.entries))
	return r.lastSeq, nil
}

// collector validates a batch before any of it is applied.
type collector struct {
	entries []dbformat.Entry
}

func (c *collector) Put(seq dbformat.SequenceNumber, key, value []byte) error {
	c.entries = append(c.entries, dbformat.Entry{Key: bytes.Clone(key), Seq: seq, Type: dbformat.TypeValue, Value: bytes.Clone(value)})
	return nil
}

func (c *collector) Delete(seq dbformat.SequenceNumber, key []byte) error {
	c.entries = append(c.entries, dbformat.Entry{Key: bytes.Clone(key), Seq: seq, Type: dbformat.TypeDeletion})
	return nil
}

// NeedsFlush reports whether the memory layer reached its size limit.
func (r *Repo) NeedsFlush() bool {
	if r.cfg.MemLayerMaxEntries <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem != nil && r.mem.Len() >= r.cfg.MemLayerMaxEntries
}

// Flush freezes the memory layer and writes every frozen memory layer out
// as a disk generation, oldest first. A failed flush keeps the frozen
// layer readable and retries it on the next call. A volatile repo collapses
// its frozen memory layers instead.
func (r *Repo) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.mem.Len() > 0 {
		r.mem.Freeze()
		r.layers = append([]*layer.Layer{r.mem}, r.layers...)
		r.mem = r.newMemLocked()
	}
	var pending []*layer.Layer
	for i := len(r.layers) - 1; i >= 0; i-- {
		if l := r.layers[i]; l.Kind() == layer.KindMemory {
			l.Acquire()
			pending = append(pending, l)
		}
	}
	r.mu.Unlock()

	defer func() {
		for _, l := range pending {
			l.Release()
		}
	}()
	if r.cfg.Kind == Volatile {
		return r.collapseMemory(ctx, pending)
	}
	for _, src := range pending {
		if err := r.flushLayer(ctx, src); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) flushLayer(ctx context.Context, src *layer.Layer) error {
	res, err := flush.NewJob(r, src, r.cfg.Flush).Run(ctx)
	if err != nil {
		if errors.Is(err, flush.ErrNoOutput) {
			return r.ReplaceLayers([]*layer.Layer{src}, nil)
		}
		if errors.Is(err, logging.ErrFatal) {
			r.Fail(err)
		} else {
			r.log.Warnf(logging.NSFlush+"repo %s: %v", r.cfg.ID, err)
		}
		return err
	}
	disk, err := r.OpenPublished(ctx, res.Path, res.FooterBlock)
	if err != nil {
		return err
	}
	if err := r.ReplaceLayers([]*layer.Layer{src}, disk); err != nil {
		disk.MarkForDelete()
		disk.Release()
		return err
	}
	return nil
}

// collapseMemory replaces the frozen memory layers in pending, oldest first,
// with one frozen memory layer holding their mutations above the release
// watermark. Whole mutations are dropped, not just superseded versions, so
// nothing is dropped while a snapshot is live. A lone layer with nothing to
// drop is left alone.
func (r *Repo) collapseMemory(ctx context.Context, pending []*layer.Layer) error {
	if len(pending) == 0 {
		return nil
	}
	w := min(r.ReleasedUpTo(), r.LastSequence())
	if r.snapshots.count() > 0 {
		w = 0
	}
	if len(pending) == 1 && pending[0].Meta().LowestSeq > w {
		return nil
	}

	r.mu.Lock()
	out := r.newMemLocked()
	r.mu.Unlock()
	kept, dropped := 0, 0
	for _, src := range pending {
		it := src.NewIterator(ctx)
		for it.SeekToFirst(); it.Valid(); it.Next() {
			e := it.Entry()
			if e.Seq <= w {
				dropped++
				continue
			}
			if err := out.Insert(*e); err != nil {
				_ = it.Close()
				err = fmt.Errorf("%w: collapse seq %d: %v", logging.ErrFatal, e.Seq, err)
				r.Fail(err)
				return err
			}
			kept++
		}
		err := it.Err()
		_ = it.Close()
		if err != nil {
			return fmt.Errorf("repo: collapse memory layers: %w", err)
		}
	}
	out.Freeze()

	if kept == 0 {
		out.Release()
		out = nil
	}
	if err := r.ReplaceLayers(pending, out); err != nil {
		if out != nil {
			out.Release()
		}
		return err
	}
	r.log.Debugf(logging.NSFlush+"repo %s: collapsed %d memory layers, kept %d entries, dropped %d",
		r.cfg.ID, len(pending), kept, dropped)
	return nil
}

// OpenPublished opens a generation this repo just wrote as a disk layer
// owned by the repo.
func (r *Repo) OpenPublished(ctx context.Context, path string, footerBlock []byte) (*layer.Layer, error) {
	l, err := layer.OpenPublished(ctx, r.cfg.Env, path, footerBlock, r)
	if err != nil {
		_ = r.cfg.Env.FS.Remove(path)
		return nil, fmt.Errorf("repo: open published %s: %w", path, err)
	}
	return l, nil
}

// clearTailLocked drops the tail flag of every layer except keep.
func (r *Repo) clearTailLocked(keep *layer.Layer) {
	for _, l := range r.layers {
		if l != keep && l.CanTail() {
			l.SetCanTail(false)
		}
	}
}

// AddLayer attaches l at the newest position behind the memory layer,
// taking over the caller's reference. A tailable layer becomes the repo's
// only tail.
func (r *Repo) AddLayer(l *layer.Layer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if l.CanTail() {
		r.clearTailLocked(l)
	}
	r.layers = append([]*layer.Layer{l}, r.layers...)
	m := l.Meta()
	if top := max(m.SpanHigh, m.HighestSeq); top > r.lastSeq {
		r.lastSeq = top
	}
	r.log.Debugf(logging.NSRepo+"repo %s: added %s", r.cfg.ID, l)
	return nil
}

// ReplaceLayers swaps inputs, which must be adjacent in the layer list, for
// output at the position of the newest input. The inputs are marked for
// delete and the repo's references to them are dropped. A nil output just
// removes the inputs.
func (r *Repo) ReplaceLayers(inputs []*layer.Layer, output *layer.Layer) error {
	if len(inputs) == 0 {
		return fmt.Errorf("repo: replace with no inputs")
	}
	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	pos := make([]int, len(inputs))
	for i, in := range inputs {
		pos[i] = -1
		for j, l := range r.layers {
			if l == in {
				pos[i] = j
				break
			}
		}
		if pos[i] < 0 {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownLayer, in)
		}
	}
	sort.Ints(pos)
	for i := 1; i < len(pos); i++ {
		if pos[i] != pos[i-1]+1 {
			r.mu.Unlock()
			return ErrNotContiguous
		}
	}
	first, last := pos[0], pos[len(pos)-1]

	next := make([]*layer.Layer, 0, len(r.layers)-len(inputs)+1)
	next = append(next, r.layers[:first]...)
	if output != nil {
		next = append(next, output)
	}
	next = append(next, r.layers[last+1:]...)
	r.layers = next
	if output != nil && output.CanTail() {
		r.clearTailLocked(output)
	}
	r.publishing++
	r.mu.Unlock()

	for _, in := range inputs {
		in.MarkForDelete()
		in.Release()
	}

	r.mu.Lock()
	r.publishing--
	r.mu.Unlock()
	r.CollectGarbage()
	return nil
}

// AcquireDiskLayers returns the disk layers, newest first, each with a
// reference the caller must release.
func (r *Repo) AcquireDiskLayers() []*layer.Layer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*layer.Layer
	for _, l := range r.layers {
		if l.Kind() == layer.KindDisk {
			l.Acquire()
			out = append(out, l)
		}
	}
	return out
}

// IsOldest reports whether l is the oldest layer of the repo.
func (r *Repo) IsOldest(l *layer.Layer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.layers) > 0 && r.layers[len(r.layers)-1] == l
}

// NumLayers returns the number of layers, the memory layer excluded.
func (r *Repo) NumLayers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.layers)
}

// CanRemove reports whether layer files may be removed now: the repo has
// not failed and no layer swap is being published.
func (r *Repo) CanRemove() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removableLocked()
}

func (r *Repo) removableLocked() bool {
	return r.failed == nil && r.publishing == 0
}

// DeferDestroy queues a layer whose last reference was released while
// removal was unsafe.
func (r *Repo) DeferDestroy(l *layer.Layer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deferred = append(r.deferred, l)
}

// CollectGarbage destroys deferred layers if it is safe to do so and
// returns how many were destroyed.
func (r *Repo) CollectGarbage() int {
	r.mu.Lock()
	if !r.removableLocked() || len(r.deferred) == 0 {
		r.mu.Unlock()
		return 0
	}
	victims := r.deferred
	r.deferred = nil
	r.mu.Unlock()

	for _, l := range victims {
		_ = l.Destroy()
	}
	return len(victims)
}

// PendingDestroy returns the number of layers waiting for a safe point.
func (r *Repo) PendingDestroy() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deferred)
}

// ReleasedUpTo returns the release watermark.
func (r *Repo) ReleasedUpTo() dbformat.SequenceNumber {
	return dbformat.SequenceNumber(r.releasedUpTo.Load())
}

// SetReleasedUpTo raises the release watermark: no reader needs versions
// superseded at or below seq anymore. Lower values are ignored.
func (r *Repo) SetReleasedUpTo(seq dbformat.SequenceNumber) {
	for {
		cur := r.releasedUpTo.Load()
		if uint64(seq) <= cur {
			return
		}
		if r.releasedUpTo.CompareAndSwap(cur, uint64(seq)) {
			return
		}
	}
}

// MergeWatermark returns the release_up_to value merges may use: the
// release watermark, lowered to the oldest live snapshot.
func (r *Repo) MergeWatermark() dbformat.SequenceNumber {
	w := r.ReleasedUpTo()
	if seq, ok := r.snapshots.oldest(); ok && seq < w {
		w = seq
	}
	return w
}

// Close detaches every layer without removing live files. Layers already
// marked for delete are removed unless the repo failed. Unflushed writes in the memory layer are
// dropped; callers flush first.
func (r *Repo) Close() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	failed := r.failed != nil
	mem, layers, deferred := r.mem, r.layers, r.deferred
	r.mem, r.layers, r.deferred = nil, nil, nil
	r.mu.Unlock()

	if n := mem.Len(); n > 0 {
		r.log.Warnf(logging.NSRepo+"repo %s: closing with %d unflushed entries", r.cfg.ID, n)
	}
	if r.cfg.Kind == Volatile {
		n := 0
		for _, l := range layers {
			n += l.Len()
		}
		if n > 0 {
			r.log.Infof(logging.NSRepo+"repo %s: dropping %d volatile entries", r.cfg.ID, n)
		}
	}
	var firstErr error
	for _, l := range layers {
		if n := l.Refs(); n > 1 {
			r.log.Warnf(logging.NSRepo+"repo %s: %s still has %d readers at close", r.cfg.ID, l, n-1)
		}
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, l := range deferred {
		release := l.Destroy
		if failed {
			release = l.Close
		}
		if err := release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
