// Package blockpool tracks the lifetime of one core's payload blocks.
//
// Every block has an ownership record:
//
//	0         free
//	Sentinel  claimed by the owner, not yet published
//	mask      bit per destination core still holding an unread reference
//
// Records live in the owning core's private memory and only the owning core
// changes them; peers signal that they are done purely by advancing their
// ring tail, which the owner observes when it reclaims.
package blockpool

import (
	"sync/atomic"

	"icc/layout"
)

// Sentinel marks a block claimed but not yet published. It is disjoint from
// every destination mask a real enqueue can produce.
const Sentinel = ^uint32(0)

// Pool is one core's block index table.
type Pool struct {
	base    uint64
	end     uint64
	unit    uint64
	records []uint32
	cursor  uint32
}

// New builds the table for core's pool in geometry g.
func New(g layout.Geometry, core int) *Pool {
	return &Pool{
		base:    g.BlockBase(core),
		end:     g.BlockEnd(core),
		unit:    uint64(g.BlockUnit),
		records: make([]uint32, g.BlockCount()),
	}
}

// Len is the number of blocks.
func (p *Pool) Len() int { return len(p.records) }

// Base is the first block address.
func (p *Pool) Base() uint64 { return p.base }

// Cursor is the persisted round-robin position.
func (p *Pool) Cursor() uint32 { return atomic.LoadUint32(&p.cursor) }

// Legal reports whether addr is a unit-aligned block inside this pool.
//
//go:nosplit
func (p *Pool) Legal(addr uint64) bool {
	return addr >= p.base && addr < p.end && addr%p.unit == 0
}

// index converts a legal address to its table slot.
//
//go:nosplit
func (p *Pool) index(addr uint64) int { return int((addr - p.base) / p.unit) }

// Addr is the address of table slot i.
//
//go:nosplit
func (p *Pool) Addr(i int) uint64 { return p.base + uint64(i)*p.unit }

// Record returns the ownership record for addr, or 0 if addr is not legal.
func (p *Pool) Record(addr uint64) uint32 {
	if !p.Legal(addr) {
		return 0
	}
	return atomic.LoadUint32(&p.records[p.index(addr)])
}

// Claim scans round-robin from the cursor for a free block, marks it with
// the Sentinel and returns its address. The cursor stays on the claimed
// slot. ok is false after one full loop with nothing free.
func (p *Pool) Claim() (addr uint64, ok bool) {
	n := uint32(len(p.records))
	if n == 0 {
		return 0, false
	}
	start := atomic.LoadUint32(&p.cursor) % n
	i := start
	for {
		if atomic.CompareAndSwapUint32(&p.records[i], 0, Sentinel) {
			atomic.StoreUint32(&p.cursor, i)
			return p.Addr(int(i)), true
		}
		i = (i + 1) % n
		if i == start {
			atomic.StoreUint32(&p.cursor, i)
			return 0, false
		}
	}
}

// ClaimAt takes a specific free block, as reclaim does when a record drops
// to zero.
func (p *Pool) ClaimAt(addr uint64) bool {
	if !p.Legal(addr) {
		return false
	}
	return atomic.CompareAndSwapUint32(&p.records[p.index(addr)], 0, Sentinel)
}

// Publish sets the record of addr to the destination mask it was sent to.
func (p *Pool) Publish(addr uint64, dest uint32) {
	if p.Legal(addr) {
		atomic.StoreUint32(&p.records[p.index(addr)], dest)
	}
}

// Drop clears core's read claim on addr and returns the remaining record.
// Illegal addresses report Sentinel so callers never treat them as free.
func (p *Pool) Drop(addr uint64, core int) uint32 {
	if !p.Legal(addr) {
		return Sentinel
	}
	rec := &p.records[p.index(addr)]
	bit := uint32(1) << uint(core)
	for {
		old := atomic.LoadUint32(rec)
		if old == Sentinel {
			return old
		}
		if atomic.CompareAndSwapUint32(rec, old, old&^bit) {
			return old &^ bit
		}
	}
}

// Release frees addr immediately. Illegal addresses are ignored; the return
// value reports whether anything was freed.
func (p *Pool) Release(addr uint64) bool {
	if !p.Legal(addr) {
		return false
	}
	atomic.StoreUint32(&p.records[p.index(addr)], 0)
	return true
}

// Free counts blocks whose record is zero.
func (p *Pool) Free() int {
	n := 0
	for i := range p.records {
		if atomic.LoadUint32(&p.records[i]) == 0 {
			n++
		}
	}
	return n
}
