//go:build linux || darwin || freebsd || netbsd || openbsd

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Map backs a region with a shared file mapping so that separate processes,
// or a later dump, see the same bytes. The file is created and sized if it
// does not exist; an existing file must be at least size bytes.
func Map(path string, base uint64, size int) (*Region, error) {
	if err := checkShape(base, size); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	if info.Size() < int64(size) {
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			return nil, fmt.Errorf("shm: resize %s: %w", path, err)
		}
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &Region{
		base:  base,
		mem:   mem,
		file:  file,
		unmap: unix.Munmap,
	}, nil
}
