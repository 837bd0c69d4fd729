// Package flush writes a frozen memory layer out as a disk generation.
//
// This package is internal and not part of the public API.
package flush

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aalhour/genkv/internal/generation"
	"github.com/aalhour/genkv/internal/layer"
	"github.com/aalhour/genkv/internal/logging"
	"github.com/aalhour/genkv/internal/vfs"
)

// ErrNoOutput is returned when a flush produces no output (empty layer).
var ErrNoOutput = errors.New("flush: no output")

// ErrNotFrozen is returned when the source layer still accepts writes.
var ErrNotFrozen = errors.New("flush: source layer is not a frozen memory layer")

// Repo is what a flush job needs from the repo it writes for.
type Repo interface {
	// ID identifies the repo in generation footers.
	ID() uuid.UUID

	// NextGenID allocates a generation id.
	NextGenID() uint64

	// Dir is the directory generations are published in.
	Dir() string

	// FS returns the filesystem to write through.
	FS() vfs.FS
}

// Options controls the generation a flush writes.
type Options struct {
	Writer       generation.WriterOptions
	StorageSpeed generation.StorageSpeed
	Priority     uint16
	Logger       logging.Logger
}

// Result describes a published flush output.
type Result struct {
	Meta        generation.Meta
	Path        string
	FooterBlock []byte
}

// Job flushes one memory layer.
type Job struct {
	repo Repo
	src  *layer.Layer
	opts Options
}

// NewJob creates a flush job for src, which must be frozen.
func NewJob(repo Repo, src *layer.Layer, opts Options) *Job {
	return &Job{repo: repo, src: src, opts: opts}
}

// Run writes every entry of the source layer, oldest versions included, to
// a new generation and publishes it. A failed run leaves no file behind.
func (j *Job) Run(ctx context.Context) (*Result, error) {
	if j.src.Kind() != layer.KindMemory || !j.src.Frozen() {
		return nil, ErrNotFrozen
	}
	log := logging.OrDefault(j.opts.Logger)
	start := time.Now()

	src := j.src.Meta()
	if src.NumEntries == 0 {
		return nil, ErrNoOutput
	}
	meta := generation.Meta{
		GenID:        j.repo.NextGenID(),
		RepoID:       j.repo.ID(),
		StorageSpeed: j.opts.StorageSpeed,
		Priority:     j.opts.Priority,
		CanTail:      j.src.CanTail(),
	}
	b, err := generation.NewBuilder(j.repo.FS(), j.repo.Dir(), meta, j.opts.Writer)
	if err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	it := j.src.NewIterator(ctx)
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			b.Abort()
			return nil, err
		}
		if err := b.Add(it.Entry()); err != nil {
			b.Abort()
			return nil, fmt.Errorf("flush: add entry: %w", err)
		}
	}
	if err := it.Err(); err != nil {
		b.Abort()
		return nil, fmt.Errorf("flush: memory layer iteration: %w", err)
	}

	out, err := b.Publish()
	if err != nil {
		if errors.Is(err, generation.ErrNoOutput) {
			return nil, ErrNoOutput
		}
		return nil, fmt.Errorf("flush: %w", err)
	}
	if err := checkOutput(src, out); err != nil {
		_ = j.repo.FS().Remove(b.Path())
		return nil, err
	}

	log.Infof(logging.NSFlush+"gen %d: %d entries, %d keys, seq [%d,%d] in %v",
		out.GenID, out.NumEntries, out.NumKeys, out.LowestSeq, out.HighestSeq, time.Since(start))
	return &Result{Meta: out, Path: b.Path(), FooterBlock: b.FooterBlock()}, nil
}

// checkOutput fails fatally unless out holds exactly the entries and
// sequence span of src.
func checkOutput(src, out generation.Meta) error {
	if out.NumEntries != src.NumEntries || out.LowestSeq != src.LowestSeq || out.HighestSeq != src.HighestSeq {
		return fmt.Errorf("%w: flush of %d entries seq [%d,%d] wrote %d entries seq [%d,%d]", logging.ErrFatal,
			src.NumEntries, src.LowestSeq, src.HighestSeq, out.NumEntries, out.LowestSeq, out.HighestSeq)
	}
	return nil
}
