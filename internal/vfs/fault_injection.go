package vfs

import (
	"errors"
	"io"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrInjectedReadError is returned when a read error is injected.
	ErrInjectedReadError = errors.New("vfs: injected read error")

	// ErrInjectedWriteError is returned when a write error is injected.
	ErrInjectedWriteError = errors.New("vfs: injected write error")

	// ErrInjectedSyncError is returned when a sync error is injected.
	ErrInjectedSyncError = errors.New("vfs: injected sync error")

	// ErrInjectedRenameError is returned when a rename error is injected.
	ErrInjectedRenameError = errors.New("vfs: injected rename error")
)

// FaultInjectionFS wraps an FS and allows injecting errors.
// It tracks unsynced data per file to simulate data loss on crash.
type FaultInjectionFS struct {
	base FS

	mu sync.RWMutex

	fileState map[string]*fileState

	injectReadError   bool
	injectWriteError  bool
	injectSyncError   bool
	injectRenameError bool
	readErrorPath     string
	writeErrorPath    string

	// writesBeforeError counts down successful writes before an armed
	// write error fires. Negative means disarmed.
	writesBeforeError int

	// When inactive, all mutations fail with ErrShuttingDown.
	filesystemActive bool
}

type fileState struct {
	pos       int64
	syncedPos int64
	dirSynced bool
}

// NewFaultInjectionFS creates a new fault-injecting filesystem wrapper.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:              base,
		fileState:         make(map[string]*fileState),
		writesBeforeError: -1,
		filesystemActive:  true,
	}
}

// SetFilesystemActive enables or disables the filesystem.
// When disabled, all mutations fail with ErrShuttingDown.
func (fs *FaultInjectionFS) SetFilesystemActive(active bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.filesystemActive = active
}

// InjectReadError makes opens of path fail. An empty path matches every file.
func (fs *FaultInjectionFS) InjectReadError(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectReadError = true
	fs.readErrorPath = path
}

// InjectWriteError makes creates and writes to path fail. An empty path
// matches every file.
func (fs *FaultInjectionFS) InjectWriteError(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectWriteError = true
	fs.writeErrorPath = path
}

// InjectWriteErrorAfter lets n writes succeed, then fails every later write.
func (fs *FaultInjectionFS) InjectWriteErrorAfter(n int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.writesBeforeError = n
}

// InjectSyncError makes every file sync fail.
func (fs *FaultInjectionFS) InjectSyncError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectSyncError = true
}

// InjectRenameError makes every rename fail.
func (fs *FaultInjectionFS) InjectRenameError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectRenameError = true
}

// ClearErrors clears all error injection.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectReadError = false
	fs.injectWriteError = false
	fs.injectSyncError = false
	fs.injectRenameError = false
	fs.readErrorPath = ""
	fs.writeErrorPath = ""
	fs.writesBeforeError = -1
}

// DropUnsyncedData simulates a crash by truncating every tracked file to its
// last synced size.
func (fs *FaultInjectionFS) DropUnsyncedData() error {
	fs.mu.Lock()
	states := make(map[string]*fileState)
	maps.Copy(states, fs.fileState)
	fs.mu.Unlock()

	for path, state := range states {
		if state.syncedPos >= state.pos {
			continue
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0644)
		if err != nil {
			continue
		}
		_ = f.Truncate(state.syncedPos)
		_ = f.Close()

		fs.mu.Lock()
		if s, ok := fs.fileState[path]; ok {
			s.pos = state.syncedPos
		}
		fs.mu.Unlock()
	}
	return nil
}

// GetFileState returns the tracked state for a file.
func (fs *FaultInjectionFS) GetFileState(path string) (syncedPos, currentPos int64, ok bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	abs, _ := filepath.Abs(path)
	state, exists := fs.fileState[abs]
	if !exists {
		return 0, 0, false
	}
	return state.syncedPos, state.pos, true
}

// writeErr reports the error an attempted write to path should fail with.
// Caller holds at least the read lock.
func (fs *FaultInjectionFS) writeErr(path string) error {
	if !fs.filesystemActive {
		return ErrShuttingDown
	}
	if fs.injectWriteError && (fs.writeErrorPath == "" || fs.writeErrorPath == path) {
		return ErrInjectedWriteError
	}
	return nil
}

func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	absPath, _ := filepath.Abs(name)

	fs.mu.RLock()
	err := fs.writeErr(absPath)
	fs.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	baseFile, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	fs.fileState[absPath] = &fileState{}
	fs.mu.Unlock()

	return &faultWritableFile{base: baseFile, fs: fs, path: absPath}, nil
}

func (fs *FaultInjectionFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	absPath, _ := filepath.Abs(name)

	fs.mu.RLock()
	if fs.injectReadError && (fs.readErrorPath == "" || fs.readErrorPath == absPath) {
		fs.mu.RUnlock()
		return nil, ErrInjectedReadError
	}
	fs.mu.RUnlock()

	return fs.base.OpenRandomAccess(name)
}

func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	fs.mu.RLock()
	if !fs.filesystemActive {
		fs.mu.RUnlock()
		return ErrShuttingDown
	}
	if fs.injectRenameError {
		fs.mu.RUnlock()
		return ErrInjectedRenameError
	}
	fs.mu.RUnlock()

	if err := fs.base.Rename(oldname, newname); err != nil {
		return err
	}

	absOld, _ := filepath.Abs(oldname)
	absNew, _ := filepath.Abs(newname)
	fs.mu.Lock()
	if state, ok := fs.fileState[absOld]; ok {
		fs.fileState[absNew] = state
		delete(fs.fileState, absOld)
	}
	fs.mu.Unlock()
	return nil
}

func (fs *FaultInjectionFS) Remove(name string) error {
	fs.mu.RLock()
	active := fs.filesystemActive
	fs.mu.RUnlock()
	if !active {
		return ErrShuttingDown
	}

	if err := fs.base.Remove(name); err != nil {
		return err
	}

	absPath, _ := filepath.Abs(name)
	fs.mu.Lock()
	delete(fs.fileState, absPath)
	fs.mu.Unlock()
	return nil
}

func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	fs.mu.RLock()
	active := fs.filesystemActive
	fs.mu.RUnlock()
	if !active {
		return ErrShuttingDown
	}
	return fs.base.MkdirAll(path, perm)
}

func (fs *FaultInjectionFS) Stat(name string) (os.FileInfo, error) {
	return fs.base.Stat(name)
}

func (fs *FaultInjectionFS) Exists(name string) bool {
	return fs.base.Exists(name)
}

func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) {
	return fs.base.ListDir(path)
}

func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error) {
	return fs.base.Lock(name)
}

// SyncDir marks every tracked file in the directory as durable by name.
func (fs *FaultInjectionFS) SyncDir(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.filesystemActive {
		return ErrShuttingDown
	}
	if err := fs.base.SyncDir(path); err != nil {
		return err
	}
	absPath, _ := filepath.Abs(path)
	for filePath, state := range fs.fileState {
		if filepath.Dir(filePath) == absPath {
			state.dirSynced = true
		}
	}
	return nil
}

// faultWritableFile wraps WritableFile with fault injection.
type faultWritableFile struct {
	base WritableFile
	fs   *FaultInjectionFS
	path string
}

func (f *faultWritableFile) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	if err := f.fs.writeErr(f.path); err != nil {
		f.fs.mu.Unlock()
		return 0, err
	}
	if f.fs.writesBeforeError == 0 {
		f.fs.mu.Unlock()
		return 0, ErrInjectedWriteError
	}
	if f.fs.writesBeforeError > 0 {
		f.fs.writesBeforeError--
	}
	f.fs.mu.Unlock()

	n, err := f.base.Write(p)
	if err != nil {
		return n, err
	}

	f.fs.mu.Lock()
	if state, ok := f.fs.fileState[f.path]; ok {
		state.pos += int64(n)
	}
	f.fs.mu.Unlock()
	return n, nil
}

func (f *faultWritableFile) Close() error {
	return f.base.Close()
}

func (f *faultWritableFile) Sync() error {
	f.fs.mu.RLock()
	if f.fs.injectSyncError {
		f.fs.mu.RUnlock()
		return ErrInjectedSyncError
	}
	f.fs.mu.RUnlock()

	if err := f.base.Sync(); err != nil {
		return err
	}

	f.fs.mu.Lock()
	if state, ok := f.fs.fileState[f.path]; ok {
		state.syncedPos = state.pos
	}
	f.fs.mu.Unlock()
	return nil
}

func (f *faultWritableFile) Size() (int64, error) {
	return f.base.Size()
}
