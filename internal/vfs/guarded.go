package vfs

import (
	"io"
	"os"
	"sync/atomic"
)

// GuardedFS forwards to a base FS until Shutdown is called. After that,
// every operation that touches the disk fails with ErrShuttingDown.
// Files opened before Shutdown keep working.
type GuardedFS struct {
	base FS
	down atomic.Bool
}

// NewGuardedFS wraps base.
func NewGuardedFS(base FS) *GuardedFS {
	return &GuardedFS{base: base}
}

// Shutdown makes all further operations fail. It is idempotent.
func (g *GuardedFS) Shutdown() {
	g.down.Store(true)
}

// IsShuttingDown reports whether Shutdown has been called.
func (g *GuardedFS) IsShuttingDown() bool {
	return g.down.Load()
}

func (g *GuardedFS) Create(name string) (WritableFile, error) {
	if g.down.Load() {
		return nil, ErrShuttingDown
	}
	return g.base.Create(name)
}

func (g *GuardedFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	if g.down.Load() {
		return nil, ErrShuttingDown
	}
	return g.base.OpenRandomAccess(name)
}

func (g *GuardedFS) Rename(oldname, newname string) error {
	if g.down.Load() {
		return ErrShuttingDown
	}
	return g.base.Rename(oldname, newname)
}

func (g *GuardedFS) Remove(name string) error {
	if g.down.Load() {
		return ErrShuttingDown
	}
	return g.base.Remove(name)
}

func (g *GuardedFS) MkdirAll(path string, perm os.FileMode) error {
	if g.down.Load() {
		return ErrShuttingDown
	}
	return g.base.MkdirAll(path, perm)
}

func (g *GuardedFS) Stat(name string) (os.FileInfo, error) {
	return g.base.Stat(name)
}

func (g *GuardedFS) Exists(name string) bool {
	return g.base.Exists(name)
}

func (g *GuardedFS) ListDir(path string) ([]string, error) {
	return g.base.ListDir(path)
}

func (g *GuardedFS) Lock(name string) (io.Closer, error) {
	if g.down.Load() {
		return nil, ErrShuttingDown
	}
	return g.base.Lock(name)
}

func (g *GuardedFS) SyncDir(path string) error {
	if g.down.Load() {
		return ErrShuttingDown
	}
	return g.base.SyncDir(path)
}
