package genkv

// repo.go implements the public Repo API: writes, reads, walkers, flushes
// and merges of one partition.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aalhour/genkv/internal/compaction"
	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/layer"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/repo"
)

// ErrForeignSnapshot is returned when a read uses a snapshot of another
// repo.
var ErrForeignSnapshot = errors.New("genkv: snapshot belongs to another repo")

// LayerInfo describes a disk layer of a repo.
type LayerInfo = compaction.LayerInfo

// RepoKind is the durability class of a repo, fixed at creation.
type RepoKind = repo.Kind

const (
	// DurableRepo flushes to generation files and survives a restart.
	DurableRepo = repo.Durable
	// VolatileRepo keeps its data in memory only. Flushes collapse its
	// memory layers and drop mutations at or below the release watermark
	// while no snapshot is live; after a reopen the repo exists again, empty, and numbers new writes
	// after the last sequence it had handed out.
	VolatileRepo = repo.Volatile
)

// Repo is one partition of the store: an ordered set of generations plus
// the memory layer taking new writes.
type Repo struct {
	m *Manager
	r *repo.Repo

	// mergeMu serializes merges of this repo.
	mergeMu      sync.Mutex
	flushPending atomic.Bool
}

// ID returns the repo id.
func (r *Repo) ID() uuid.UUID { return r.r.ID() }

// Kind returns the repo's durability class.
func (r *Repo) Kind() RepoKind { return r.r.Kind() }

// IsSafe reports whether the repo is durable.
func (r *Repo) IsSafe() bool { return r.r.IsSafe() }

// Put sets key to value and returns the sequence number of the write.
func (r *Repo) Put(key, value []byte) (uint64, error) {
	wb := NewWriteBatch()
	wb.Put(key, value)
	return r.Write(wb)
}

// Delete writes a tombstone for key and returns its sequence number.
func (r *Repo) Delete(key []byte) (uint64, error) {
	wb := NewWriteBatch()
	wb.Delete(key)
	return r.Write(wb)
}

// Write applies wb atomically. Its records get consecutive sequence
// numbers; the last one is returned.
func (r *Repo) Write(wb *WriteBatch) (uint64, error) {
	start := time.Now()
	seq, err := r.r.Apply(wb.internal)
	if err != nil {
		return 0, err
	}
	s := r.m.opts.Statistics
	recordTick(s, TickerNumberKeysWritten, uint64(wb.Count()))
	measure(s, HistogramWriteMicros, uint64(time.Since(start).Microseconds()))
	r.maybeFlush()
	return uint64(seq), nil
}

// maybeFlush hands a full memory layer to a background worker, or flushes
// it inline when there are none.
func (r *Repo) maybeFlush() {
	if !r.r.NeedsFlush() || !r.flushPending.CompareAndSwap(false, true) {
		return
	}
	if r.m.bg.scheduleFlush(r) {
		return
	}
	r.flushPending.Store(false)
	_ = r.flush(context.Background())
}

// asOf returns the sequence a read with ro observes.
func (r *Repo) asOf(ro *ReadOptions) (dbformat.SequenceNumber, error) {
	switch {
	case ro == nil:
		return dbformat.MaxSequenceNumber, nil
	case ro.Snapshot != nil:
		if ro.Snapshot.repo != r {
			return 0, ErrForeignSnapshot
		}
		return ro.Snapshot.sequence(), nil
	case ro.Sequence != 0:
		return dbformat.SequenceNumber(ro.Sequence), nil
	default:
		return dbformat.MaxSequenceNumber, nil
	}
}

// Get returns the value of key. It returns ErrNotFound if the key does not
// exist or its newest visible version is a tombstone.
func (r *Repo) Get(key []byte, ro *ReadOptions) ([]byte, error) {
	asOf, err := r.asOf(ro)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	e, found, err := r.r.Get(context.Background(), key, asOf)
	s := r.m.opts.Statistics
	recordTick(s, TickerNumberKeysRead, 1)
	measure(s, HistogramGetMicros, uint64(time.Since(start).Microseconds()))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	recordTick(s, TickerNumberKeysFound, 1)
	return e.Value, nil
}

// NewPresentWalker walks the keys in [from, to) in ascending order,
// yielding the newest visible version of each. A nil from starts at the
// first key and a nil to runs to the last one.
func (r *Repo) NewPresentWalker(from, to []byte, ro *ReadOptions) (*Walker, error) {
	return r.newWalker(layer.SpanRange(from, to), ro)
}

// NewKeyWalker yields the newest visible version of key, if any.
func (r *Repo) NewKeyWalker(key []byte, ro *ReadOptions) (*Walker, error) {
	return r.newWalker(layer.KeyRange(key), ro)
}

func (r *Repo) newWalker(rng layer.Range, ro *ReadOptions) (*Walker, error) {
	asOf, err := r.asOf(ro)
	if err != nil {
		return nil, err
	}
	v, err := r.r.NewView(asOf)
	if err != nil {
		return nil, err
	}
	ignore := ro != nil && ro.IgnoreTombstone
	return &Walker{
		stats: r.m.opts.Statistics,
		view:  v,
		w:     r.r.NewPresentWalker(context.Background(), v, rng, ignore),
	}, nil
}

// NewUpdateWalker yields every mutation with from <= seq < to in sequence
// order. A zero to runs to the newest write at the time of the call.
func (r *Repo) NewUpdateWalker(from, to uint64) (*UpdateWalker, error) {
	v, err := r.r.NewView(dbformat.MaxSequenceNumber)
	if err != nil {
		return nil, err
	}
	w := r.r.NewUpdateWalker(context.Background(), v, dbformat.SequenceNumber(from), dbformat.SequenceNumber(to))
	return &UpdateWalker{view: v, w: w}, nil
}

// Flush writes the memory layer out as a generation.
func (r *Repo) Flush(ctx context.Context) error {
	return r.flush(ctx)
}

func (r *Repo) flush(ctx context.Context) error {
	s := r.m.opts.Statistics
	start := time.Now()
	if err := r.r.Flush(ctx); err != nil {
		recordTick(s, TickerFlushFailures, 1)
		r.m.log.Warnf(logging.NSFlush+"repo %s: %v", r.ID(), err)
		return err
	}
	recordTick(s, TickerFlushCount, 1)
	measure(s, HistogramFlushMicros, uint64(time.Since(start).Microseconds()))
	r.m.bg.MaybeScheduleMerge()
	return nil
}

// Compact runs one merge chosen by the configured picker. It reports
// whether anything was merged.
func (r *Repo) Compact(ctx context.Context) (bool, error) {
	return r.merge(ctx, r.m.picker)
}

// CompactAll merges every disk layer into one generation.
func (r *Repo) CompactAll(ctx context.Context) (bool, error) {
	return r.merge(ctx, compaction.ManualPicker{})
}

// CompactLayers merges the disk layers with the given generation ids.
// They must be adjacent; otherwise nothing is merged.
func (r *Repo) CompactLayers(ctx context.Context, ids []uint64) (bool, error) {
	return r.merge(ctx, compaction.ManualPicker{IDs: ids})
}

func (r *Repo) merge(ctx context.Context, p Picker) (bool, error) {
	r.mergeMu.Lock()
	defer r.mergeMu.Unlock()
	return r.mergeLocked(ctx, p)
}

// mergeLocked picks, runs and publishes one merge. mergeMu must be held.
func (r *Repo) mergeLocked(ctx context.Context, p Picker) (bool, error) {
	if err := r.r.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrRepoFailed, err)
	}
	disk := r.r.AcquireDiskLayers()
	defer func() {
		for _, l := range disk {
			l.Release()
		}
	}()
	plan := p.Pick(compaction.Describe(disk, r.watermark()))
	if plan == nil {
		return false, nil
	}
	inputs := disk[plan.Start:plan.End]

	canTailTombstone := !plan.IncludesOldest
	if o := r.m.opts.CanTailTombstone; o != nil {
		canTailTombstone = *o
	}
	canTail := false
	for _, l := range inputs {
		canTail = canTail || l.CanTail()
	}

	s := r.m.opts.Statistics
	r.m.log.Debugf(logging.NSMerge+"repo %s: %s", r.ID(), plan)
	job := &compaction.Job{
		Repo:             r.r,
		Inputs:           inputs,
		ReleaseUpTo:      r.r.MergeWatermark(),
		AsOf:             r.r.LastSequence(),
		CanTail:          canTail,
		CanTailTombstone: canTailTombstone,
		StorageSpeed:     plan.StorageSpeed,
		Priority:         plan.Priority,
		Writer:           r.m.writerOptions(),
		Logger:           r.m.log,
	}
	res, err := job.Run(ctx)
	if err != nil {
		recordTick(s, TickerMergeFailures, 1)
		if errors.Is(err, logging.ErrFatal) {
			r.r.Fail(err)
		} else {
			r.m.log.Warnf(logging.NSMerge+"repo %s: %v", r.ID(), err)
		}
		return false, err
	}

	out, err := r.r.OpenPublished(ctx, res.Path, res.FooterBlock)
	if err != nil {
		recordTick(s, TickerMergeFailures, 1)
		return false, err
	}
	if err := r.r.ReplaceLayers(inputs, out); err != nil {
		recordTick(s, TickerMergeFailures, 1)
		out.MarkForDelete()
		out.Release()
		return false, err
	}

	recordTick(s, TickerMergeCount, 1)
	recordTick(s, TickerMergeWriteBytes, uint64(res.Stats.BytesWritten))
	recordTick(s, TickerMergeKeyDropObsolete, res.Stats.DroppedVersions)
	recordTick(s, TickerMergeKeyDropTombstone, res.Stats.DroppedTombstones)
	measure(s, HistogramMergeMicros, uint64(res.Stats.Duration.Microseconds()))
	measure(s, HistogramMergeInputLayers, uint64(len(inputs)))
	return true, nil
}

// NewSnapshot pins the repo's current sequence. Merges keep every version
// a read at that sequence needs until the snapshot is released.
func (r *Repo) NewSnapshot() *Snapshot {
	return &Snapshot{repo: r, snap: r.r.NewSnapshot()}
}

// SetReleasedUpTo declares that no reader needs versions superseded at or
// below seq. Merges may then collapse them. Lower values than the current
// watermark are ignored.
func (r *Repo) SetReleasedUpTo(seq uint64) {
	r.r.SetReleasedUpTo(dbformat.SequenceNumber(seq))
	r.m.bg.MaybeScheduleMerge()
}

// ReleasedUpTo returns the release watermark.
func (r *Repo) ReleasedUpTo() uint64 { return uint64(r.r.ReleasedUpTo()) }

// LastSequence returns the sequence number of the newest write.
func (r *Repo) LastSequence() uint64 { return uint64(r.r.LastSequence()) }

// NumLayers returns the number of frozen and disk layers.
func (r *Repo) NumLayers() int { return r.r.NumLayers() }

// Layers describes the disk layers, newest first.
func (r *Repo) Layers() []LayerInfo {
	disk := r.r.AcquireDiskLayers()
	defer func() {
		for _, l := range disk {
			l.Release()
		}
	}()
	return compaction.Describe(disk, r.watermark())
}

// watermark is the highest sequence a merge may collapse versions at.
func (r *Repo) watermark() dbformat.SequenceNumber {
	return min(r.r.MergeWatermark(), r.r.LastSequence())
}

// Err returns the fatal error that stopped the repo, if any. A failed repo
// still serves reads.
func (r *Repo) Err() error { return r.r.Err() }

// Walker iterates over the newest visible version of each key in a range.
// It pins the layers it reads until Close.
//
//	w, err := r.NewPresentWalker(nil, nil, nil)
//	...
//	defer w.Close()
//	for w.Next() {
//	    fmt.Printf("%s=%s\n", w.Key(), w.Value())
//	}
//	if err := w.Err(); err != nil { ... }
type Walker struct {
	stats Statistics
	view  *repo.View
	w     *layer.PresentWalker
}

// Next advances to the next key and reports whether there is one.
func (w *Walker) Next() bool {
	if !w.w.Next() {
		return false
	}
	recordTick(w.stats, TickerNumberWalkerNext, 1)
	return true
}

// Key returns the current key. It is valid until the next call to Next.
func (w *Walker) Key() []byte { return w.w.Entry().Key }

// Value returns the current value. It is empty for tombstones.
func (w *Walker) Value() []byte { return w.w.Entry().Value }

// Sequence returns the sequence number of the current version.
func (w *Walker) Sequence() uint64 { return uint64(w.w.Entry().Seq) }

// IsTombstone reports whether the current version is a deletion. It is only
// ever true with ReadOptions.IgnoreTombstone.
func (w *Walker) IsTombstone() bool { return w.w.Entry().IsTombstone() }

// Err returns the error that stopped the walk, if any.
func (w *Walker) Err() error { return w.w.Err() }

// Close releases the walker. It is safe to call more than once.
func (w *Walker) Close() error {
	err := w.w.Close()
	w.view.Close()
	return err
}

// UpdateWalker iterates over mutations in sequence order.
type UpdateWalker struct {
	view *repo.View
	w    *layer.UpdateWalker
}

// Next advances to the next mutation and reports whether there is one.
func (w *UpdateWalker) Next() bool { return w.w.Next() }

// Key returns the key of the current mutation.
func (w *UpdateWalker) Key() []byte { return w.w.Entry().Key }

// Value returns the value of the current mutation. It is empty for
// deletions.
func (w *UpdateWalker) Value() []byte { return w.w.Entry().Value }

// Sequence returns the sequence number of the current mutation.
func (w *UpdateWalker) Sequence() uint64 { return uint64(w.w.Entry().Seq) }

// IsTombstone reports whether the current mutation is a deletion.
func (w *UpdateWalker) IsTombstone() bool { return w.w.Entry().IsTombstone() }

// Err returns the error that stopped the walk, if any.
func (w *UpdateWalker) Err() error { return w.w.Err() }

// Close releases the walker. It is safe to call more than once.
func (w *UpdateWalker) Close() error {
	err := w.w.Close()
	w.view.Close()
	return err
}
