//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package shm

import "errors"

// Map is unavailable without a unix mmap; use New for an in-process region.
func Map(path string, base uint64, size int) (*Region, error) {
	return nil, errors.New("shm: file-backed regions are not supported on this platform")
}
