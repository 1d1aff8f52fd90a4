package icc

import (
	"fmt"

	"icc/debug"
	"icc/ring"
	"icc/utils"
)

// RequestBlock hands out a free payload block from this core's pool.
//
// It first settles claims on blocks the peers have finished reading: every
// descriptor in a ring's consumed window drops its reader's bit once and is
// then emptied. The first block whose record reaches zero that way is
// returned. Only when reclaim finds nothing does it fall back to a
// round-robin scan from the pool cursor.
func (e *Engine) RequestBlock() (uint64, error) {
	if e.isClosed() {
		return 0, ErrNotInitialized
	}
	if addr := e.reclaim(); addr != 0 {
		return addr, nil
	}
	if addr, ok := e.pool.Claim(); ok {
		return addr, nil
	}
	debug.DropMessage("ICC", "No available block at core "+utils.Itoa(e.self))
	return 0, fmt.Errorf("%w: no free block at core %d", ErrResourceExhausted, e.self)
}

func (e *Engine) reclaim() uint64 {
	var got uint64
	for t, p := range e.out {
		if p == nil {
			continue
		}
		p.Consumed(func(i uint32, d ring.Descriptor) bool {
			if d.Empty() {
				return true
			}
			rec := e.pool.Drop(d.Addr, t)
			p.Clear(i)
			if rec == 0 && e.pool.ClaimAt(d.Addr) {
				got = d.Addr
				return false
			}
			return true
		})
		if got != 0 {
			return got
		}
	}
	return 0
}

// ReleaseBlock returns addr to the pool at once, whatever its readers. An
// address outside this core's pool is logged and ignored.
func (e *Engine) ReleaseBlock(addr uint64) {
	if e.isClosed() {
		return
	}
	if !e.pool.Release(addr) {
		debug.DropMessage("ICC", "Release illegal block "+utils.Hex(addr)+" at core "+utils.Itoa(e.self))
	}
}

// Block exposes a whole payload block of this core's pool for filling.
func (e *Engine) Block(addr uint64) ([]byte, error) {
	if !e.pool.Legal(addr) {
		return nil, fmt.Errorf("%w: block %#x not in core %d pool", ErrInvalidArgument, addr, e.self)
	}
	return e.mem.Bytes(addr, e.geo.BlockUnit)
}

// Payload exposes the first count bytes of any core's block, as a callback
// receives them. The slice aliases shared memory and must not outlive the
// callback that delivered addr.
func (e *Engine) Payload(addr uint64, count uint32) ([]byte, error) {
	owner := e.geo.BlockOwner(addr)
	if owner < 0 || !e.fromPool(owner, addr) || uint64(count) > uint64(e.geo.BlockUnit) {
		return nil, fmt.Errorf("%w: payload %#x+%d", ErrInvalidArgument, addr, count)
	}
	return e.mem.Bytes(addr, int(count))
}

// FreeBlocks counts blocks with no claim left on them. Claims not yet
// settled by reclaim still count as held.
func (e *Engine) FreeBlocks() int { return e.pool.Free() }
