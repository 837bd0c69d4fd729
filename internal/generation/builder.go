package generation

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/aalhour/genkv/internal/dbformat"
	"github.com/aalhour/genkv/internal/vfs"
)

// ErrNoOutput is returned by Publish when nothing was added.
var ErrNoOutput = errors.New("generation: no output")

// Builder writes a generation under a temporary name and publishes it with
// a rename once it is durable. A builder that is not published leaves
// nothing behind.
type Builder struct {
	fs    vfs.FS
	dir   string
	tmp   string
	final string

	f          vfs.WritableFile
	w          *Writer
	allowEmpty bool
	done       bool
}

// NewBuilder creates the temp file for a generation in dir. A nil meta.UUID
// is replaced with a fresh one.
func NewBuilder(fs vfs.FS, dir string, meta Meta, opts WriterOptions) (*Builder, error) {
	if meta.UUID == uuid.Nil {
		meta.UUID = uuid.New()
	}
	b := &Builder{
		fs:    fs,
		dir:   dir,
		tmp:   filepath.Join(dir, TempFileName(meta.GenID, meta.UUID)),
		final: filepath.Join(dir, FileName(meta.GenID, meta.UUID)),
	}
	f, err := fs.Create(b.tmp)
	if err != nil {
		return nil, fmt.Errorf("generation: create %s: %w", b.tmp, err)
	}
	w, err := NewWriter(f, meta, opts)
	if err != nil {
		_ = f.Close()
		_ = fs.Remove(b.tmp)
		return nil, err
	}
	b.f = f
	b.w = w
	return b, nil
}

// Add appends e in entry order.
func (b *Builder) Add(e *dbformat.Entry) error {
	return b.w.Add(e)
}

// NumEntries returns the number of entries added so far.
func (b *Builder) NumEntries() uint64 { return b.w.NumEntries() }

// Blocks returns the number of blocks written, footer included once
// published.
func (b *Builder) Blocks() int { return b.w.Blocks() }

// AllowEmpty lets Publish write a generation without entries. A merge whose
// inputs collapse to nothing publishes one so its span outlives the inputs.
func (b *Builder) AllowEmpty() { b.allowEmpty = true }

// Path returns the name the generation is published under.
func (b *Builder) Path() string { return b.final }

// FooterBlock returns the last block image, valid after Publish.
func (b *Builder) FooterBlock() []byte { return b.w.FooterBlock() }

// Publish finishes and syncs the file, renames it to its final name and
// syncs the directory. On any failure the temp file is removed. An empty
// builder returns ErrNoOutput and publishes nothing unless AllowEmpty was
// called.
func (b *Builder) Publish() (Meta, error) {
	if b.done {
		return Meta{}, fmt.Errorf("generation: builder already finished")
	}
	if b.w.NumEntries() == 0 && !b.allowEmpty {
		b.Abort()
		return Meta{}, ErrNoOutput
	}
	meta, err := b.w.Finish()
	if err != nil {
		b.Abort()
		return Meta{}, err
	}
	if err := b.f.Close(); err != nil {
		b.f = nil
		b.Abort()
		return Meta{}, fmt.Errorf("generation: close %s: %w", b.tmp, err)
	}
	b.f = nil
	if err := b.fs.Rename(b.tmp, b.final); err != nil {
		b.Abort()
		return Meta{}, fmt.Errorf("generation: publish %s: %w", b.final, err)
	}
	b.done = true
	if err := b.fs.SyncDir(b.dir); err != nil {
		// The rename happened; a generation that may vanish on crash must
		// not be handed out.
		_ = b.fs.Remove(b.final)
		return Meta{}, fmt.Errorf("generation: sync dir %s: %w", b.dir, err)
	}
	return meta, nil
}

// Abort discards the generation. It is a no-op after a successful Publish.
func (b *Builder) Abort() {
	if b.done {
		return
	}
	b.done = true
	b.w.Abort()
	if b.f != nil {
		_ = b.f.Close()
		b.f = nil
	}
	_ = b.fs.Remove(b.tmp)
}
