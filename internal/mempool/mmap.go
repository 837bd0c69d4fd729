package mempool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapRegion maps size bytes of anonymous private memory.
func mapRegion(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrOutOfMemory, size, err)
	}
	return b, nil
}

// lockRegion pins b in RAM.
func lockRegion(b []byte) error {
	return unix.Mlock(b)
}

func unmapRegion(b []byte) error {
	return unix.Munmap(b)
}
