// Package shm models the reserved shared-memory region that every core maps
// at the same machine address.
//
// A Region is addressed with machine addresses, not offsets: a block address
// written into a descriptor by one core is dereferenced unchanged by another.
// All word accessors are atomic so the only ordering the cores rely on is the
// one the ring protocol establishes with Barrier.
package shm

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"icc/utils"
)

// ErrOutOfRange is returned when an address span falls outside the region.
var ErrOutOfRange = errors.New("shm: address out of range")

// Region is the shared region descriptor: a base machine address, a size and
// the mapping that backs it.
type Region struct {
	base  uint64
	mem   []byte
	words []uint64 // heap backing; keeps mem 8-byte aligned and alive

	file   *os.File
	unmap  func([]byte) error
	closed uint32
}

// New allocates a heap-backed region of size bytes located at base.
// Cores running in one process share it directly.
func New(base uint64, size int) (*Region, error) {
	if err := checkShape(base, size); err != nil {
		return nil, err
	}
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return &Region{base: base, mem: mem, words: words}, nil
}

func checkShape(base uint64, size int) error {
	if size <= 0 {
		return fmt.Errorf("shm: invalid region size %d", size)
	}
	if base == 0 || base%8 != 0 {
		return fmt.Errorf("shm: region base %#x must be non-zero and 8-byte aligned", base)
	}
	if base+uint64(size) < base {
		return fmt.Errorf("shm: region %#x+%d wraps the address space", base, size)
	}
	return nil
}

// Base returns the machine address of the first byte.
func (r *Region) Base() uint64 { return r.base }

// Size returns the region length in bytes.
func (r *Region) Size() int { return len(r.mem) }

// Contains reports whether [addr, addr+n) lies inside the region.
func (r *Region) Contains(addr uint64, n int) bool {
	if n < 0 || addr < r.base {
		return false
	}
	off := addr - r.base
	return off <= uint64(len(r.mem)) && uint64(n) <= uint64(len(r.mem))-off
}

// Bytes returns the n bytes at addr. The slice aliases shared memory.
func (r *Region) Bytes(addr uint64, n int) ([]byte, error) {
	if !r.Contains(addr, n) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrOutOfRange, addr, n)
	}
	off := addr - r.base
	return r.mem[off : off+uint64(n) : off+uint64(n)], nil
}

// ptr resolves an aligned word address. Misuse is a layout bug, so it panics.
func (r *Region) ptr(addr uint64, size uint64) unsafe.Pointer {
	if addr%size != 0 || !r.Contains(addr, int(size)) {
		panic("shm: bad word access at " + utils.Hex(addr))
	}
	return unsafe.Pointer(&r.mem[addr-r.base])
}

// Load32 atomically reads the 32-bit word at addr.
//
//go:nosplit
func (r *Region) Load32(addr uint64) uint32 {
	return atomic.LoadUint32((*uint32)(r.ptr(addr, 4)))
}

// Store32 atomically writes the 32-bit word at addr.
//
//go:nosplit
func (r *Region) Store32(addr uint64, v uint32) {
	atomic.StoreUint32((*uint32)(r.ptr(addr, 4)), v)
}

// Load64 atomically reads the 64-bit word at addr.
//
//go:nosplit
func (r *Region) Load64(addr uint64) uint64 {
	return atomic.LoadUint64((*uint64)(r.ptr(addr, 8)))
}

// Store64 atomically writes the 64-bit word at addr.
//
//go:nosplit
func (r *Region) Store64(addr uint64, v uint64) {
	atomic.StoreUint64((*uint64)(r.ptr(addr, 8)), v)
}

// Add64 atomically adds delta to the 64-bit word at addr. Only the single
// writer of a field may call it; readers use Load64.
//
//go:nosplit
func (r *Region) Add64(addr uint64, delta uint64) uint64 {
	return atomic.AddUint64((*uint64)(r.ptr(addr, 8)), delta)
}

// Close releases a file-backed mapping. Heap regions are left to the GC.
func (r *Region) Close() error {
	if !atomic.CompareAndSwapUint32(&r.closed, 0, 1) {
		return nil
	}
	var err error
	if r.unmap != nil {
		err = r.unmap(r.mem)
	}
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
	}
	r.mem = nil
	r.words = nil
	return err
}

var fence uint32

// Barrier orders every shared-memory access before it against every access
// after it (the dsb between writing descriptors and raising the signal).
//
//go:nosplit
func Barrier() {
	atomic.AddUint32(&fence, 1)
}
