package vfs

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock holds an flock(2) on an open file.
type fileLock struct {
	f *os.File
}

// lockFile acquires an exclusive, non-blocking lock on the named file,
// creating it if needed.
func lockFile(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Close() error {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
