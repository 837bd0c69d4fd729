package compaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/generation"
	"github.com/aalhour/genkv/internal/iterator"
	"github.com/aalhour/genkv/internal/layer"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/vfs"
)

// ErrNoInputs is returned by a job without inputs.
var ErrNoInputs = errors.New("compaction: no inputs")

// Repo is what a merge needs from the repo it writes for.
type Repo interface {
	ID() uuid.UUID
	NextGenID() uint64
	Dir() string
	FS() vfs.FS
}

// Job merges adjacent disk layers into one generation.
type Job struct {
	Repo Repo

	// Inputs are adjacent layers, newest first.
	Inputs []*layer.Layer

	// ReleaseUpTo is the release watermark: per key, versions at or
	// below it collapse to the newest one.
	ReleaseUpTo dbformat.SequenceNumber
	// AsOf is the newest sequence served to any reader; versions above it
	// are kept untouched.
	AsOf dbformat.SequenceNumber

	// CanTail is recorded on the output.
	CanTail bool
	// CanTailTombstone keeps collapsed tombstones in the output. It must be
	// set unless the inputs reach the oldest layer, or older layers could
	// resurface what the tombstone hid.
	CanTailTombstone bool

	StorageSpeed generation.StorageSpeed
	Priority     uint16

	Writer generation.WriterOptions
	Logger logging.Logger
}

// Stats counts what a merge did.
type Stats struct {
	InputEntries      uint64
	OutputEntries     uint64
	DroppedVersions   uint64
	DroppedTombstones uint64
	BytesWritten      int64
	Duration          time.Duration
}

// Result describes a published merge output.
type Result struct {
	Meta        generation.Meta
	Path        string
	FooterBlock []byte
	Stats       Stats
}

// checkEvery is how many entries are merged between context checks.
const checkEvery = 1024

// validate checks the inputs before anything is written. Violations of
// generation invariants are fatal.
func (j *Job) validate() (spanLow, spanHigh dbformat.SequenceNumber, err error) {
	if len(j.Inputs) == 0 {
		return 0, 0, ErrNoInputs
	}
	seen := make(map[uint64]bool, len(j.Inputs))
	for i, in := range j.Inputs {
		if in.Kind() != layer.KindDisk {
			return 0, 0, fmt.Errorf("compaction: input %s is not a disk layer", in)
		}
		m := in.Meta()
		if seen[m.GenID] {
			return 0, 0, fmt.Errorf("%w: duplicate input gen %d", logging.ErrFatal, m.GenID)
		}
		seen[m.GenID] = true
		if m.NumEntries > 0 && m.HighestSeq < m.LowestSeq {
			return 0, 0, fmt.Errorf("%w: gen %d highest seq %d below lowest seq %d", logging.ErrFatal, m.GenID, m.HighestSeq, m.LowestSeq)
		}
		if i > 0 {
			if newer := j.Inputs[i-1].Meta(); m.SpanHigh >= newer.SpanLow {
				return 0, 0, fmt.Errorf("%w: input gen %d span [%d,%d] not older than gen %d span [%d,%d]", logging.ErrFatal,
					m.GenID, m.SpanLow, m.SpanHigh, newer.GenID, newer.SpanLow, newer.SpanHigh)
			}
		}
		if i == 0 || m.SpanLow < spanLow {
			spanLow = m.SpanLow
		}
		spanHigh = max(spanHigh, m.SpanHigh)
	}
	return spanLow, spanHigh, nil
}

// openInputs positions one cursor per input, loading their first blocks in
// parallel.
func (j *Job) openInputs(ctx context.Context) ([]layer.Iter, error) {
	iters := make([]layer.Iter, len(j.Inputs))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range j.Inputs {
		g.Go(func() error {
			it := in.NewIterator(gctx)
			iters[i] = it
			it.SeekToFirst()
			if err := it.Err(); err != nil {
				return fmt.Errorf("open %s: %w", in, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, it := range iters {
			if it != nil {
				_ = it.Close()
			}
		}
		return nil, err
	}
	return iters, nil
}

// Run merges the inputs and publishes the output generation. On error
// nothing is published and the inputs are untouched. A merge whose inputs
// collapse to nothing still publishes an empty generation covering their
// sequence span.
func (j *Job) Run(ctx context.Context) (*Result, error) {
	log := logging.OrDefault(j.Logger)
	start := time.Now()

	spanLow, spanHigh, err := j.validate()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iters, err := j.openInputs(ctx)
	if err != nil {
		return nil, fmt.Errorf("compaction: %w", err)
	}
	defer func() {
		for _, it := range iters {
			_ = it.Close()
		}
	}()
	children := make([]iterator.Iterator, len(iters))
	for i, it := range iters {
		children[i] = it
	}

	b, err := generation.NewBuilder(j.Repo.FS(), j.Repo.Dir(), generation.Meta{
		GenID:        j.Repo.NextGenID(),
		RepoID:       j.Repo.ID(),
		StorageSpeed: j.StorageSpeed,
		Priority:     j.Priority,
		CanTail:      j.CanTail,
		SpanLow:      spanLow,
		SpanHigh:     spanHigh,
	}, j.Writer)
	if err != nil {
		return nil, fmt.Errorf("compaction: %w", err)
	}
	b.AllowEmpty()

	stats, err := j.process(ctx, iterator.NewMergingIterator(children), b)
	if err != nil {
		b.Abort()
		return nil, err
	}
	meta, err := b.Publish()
	if err != nil {
		return nil, fmt.Errorf("compaction: %w", err)
	}
	stats.Duration = time.Since(start)
	stats.BytesWritten = int64(b.Blocks()) * int64(j.Writer.BlockSize)

	log.Infof(logging.NSMerge+"merged %d layers into gen %d: %d -> %d entries, %d versions and %d tombstones dropped in %v",
		len(j.Inputs), meta.GenID, stats.InputEntries, stats.OutputEntries, stats.DroppedVersions, stats.DroppedTombstones, stats.Duration)
	return &Result{Meta: meta, Path: b.Path(), FooterBlock: b.FooterBlock(), Stats: stats}, nil
}

// process applies the keep/drop rule to every key:
//
//   - versions newer than min(AsOf, ReleaseUpTo) are kept;
//   - of the remaining versions only the newest is kept, and it is dropped
//     too when it is a tombstone and CanTailTombstone is false.
func (j *Job) process(ctx context.Context, it *iterator.MergingIterator, b *generation.Builder) (Stats, error) {
	var st Stats
	watermark := min(j.AsOf, j.ReleaseUpTo)

	var (
		curKey    []byte
		hasKey    bool
		collapsed bool // a version <= watermark was already decided for curKey
		lastSeq   dbformat.SequenceNumber
	)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if st.InputEntries%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return st, err
			}
		}
		st.InputEntries++
		e := it.Entry()

		if !hasKey || !bytes.Equal(e.Key, curKey) {
			curKey = append(curKey[:0], e.Key...)
			hasKey = true
			collapsed = false
		} else if e.Seq == lastSeq {
			// The same version in two inputs.
			st.DroppedVersions++
			continue
		}
		lastSeq = e.Seq

		switch {
		case e.Seq > watermark:
		case collapsed:
			st.DroppedVersions++
			continue
		default:
			collapsed = true
			if e.IsTombstone() && !j.CanTailTombstone {
				st.DroppedTombstones++
				continue
			}
		}

		if err := b.Add(e); err != nil {
			if errors.Is(err, generation.ErrOutOfOrder) {
				return st, fmt.Errorf("%w: merge input out of order: %v", logging.ErrFatal, err)
			}
			return st, fmt.Errorf("compaction: %w", err)
		}
		st.OutputEntries++
	}
	if err := it.Err(); err != nil {
		return st, fmt.Errorf("compaction: read inputs: %w", err)
	}
	return st, nil
}
