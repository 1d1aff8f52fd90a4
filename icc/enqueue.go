package icc

import (
	"fmt"
	"math/bits"

	"icc/debug"
	"icc/ring"
	"icc/shm"
	"icc/utils"
)

// Enqueue publishes one block to every core in mask and raises the ICC SGI
// on them with a single broadcast. The own-core bit is ignored.
//
// All checks run before anything is written: if any destination ring is
// full the call fails with ErrResourceExhausted, bumps that ring's busy
// counter and leaves every ring and the block record untouched.
func (e *Engine) Enqueue(mask uint32, addr uint64, count uint32) error {
	if e.isClosed() {
		return ErrNotInitialized
	}
	dest := mask &^ (1 << uint(e.self))
	if dest == 0 {
		return fmt.Errorf("%w: core mask %#x names no peer of core %d", ErrInvalidArgument, mask, e.self)
	}
	if dest&^e.geo.CoreMask() != 0 {
		debug.DropMessage("ICC", "Input coreid error "+utils.Hex(uint64(mask)))
		return fmt.Errorf("%w: core mask %#x exceeds %d cores", ErrInvalidArgument, mask, e.geo.Cores)
	}
	if uint64(count) > uint64(e.geo.BlockUnit) {
		debug.DropMessage("ICC", "Set block failed! byte count "+utils.Utoa(uint64(count))+
			" exceeds block unit "+utils.Itoa(e.geo.BlockUnit))
		return fmt.Errorf("%w: byte count %d exceeds block unit %d", ErrInvalidArgument, count, e.geo.BlockUnit)
	}
	if !e.pool.Legal(addr) {
		debug.DropMessage("ICC", "The block "+utils.Hex(addr)+" is illegal for core "+utils.Itoa(e.self))
		return fmt.Errorf("%w: block %#x not in core %d pool", ErrInvalidArgument, addr, e.self)
	}

	full := 0
	e.eachPeer(dest, func(t int, p *ring.Producer) {
		if p.Full() {
			p.NoteFull()
			full++
		}
	})
	if full > 0 {
		return fmt.Errorf("%w: %d of %d destination rings of core %d full",
			ErrResourceExhausted, full, bits.OnesCount32(dest), e.self)
	}

	// The head slots are about to be overwritten: settle whatever claim
	// they still carry so the block they named is not leaked.
	e.eachPeer(dest, func(t int, p *ring.Producer) {
		if old := p.AtHead(); !old.Empty() {
			e.pool.Drop(old.Addr, t)
			p.Clear(p.Head())
		}
	})
	e.pool.Publish(addr, dest)
	d := ring.Descriptor{Addr: addr, Count: count}
	e.eachPeer(dest, func(t int, p *ring.Producer) {
		p.Push(d)
		p.NoteSignal()
	})
	shm.Barrier()
	e.ic.SendSignal(dest, e.sgi)
	return nil
}

// eachPeer calls fn for every destination bit set in dest, lowest first.
func (e *Engine) eachPeer(dest uint32, fn func(t int, p *ring.Producer)) {
	for t := 0; dest != 0; t, dest = t+1, dest>>1 {
		if dest&1 != 0 && e.out[t] != nil {
			fn(t, e.out[t])
		}
	}
}

// RingState reports the block address the dest core will read next from
// this core's ring, or 0 when that ring is empty or dest is not a peer.
func (e *Engine) RingState(dest int) uint64 {
	if !e.geo.ValidCore(dest) || dest == e.self {
		debug.DropMessage("ICC", "Input coreid error "+utils.Itoa(dest))
		return 0
	}
	p := e.out[dest]
	if p.Empty() {
		return 0
	}
	return p.Slot(p.Tail()).Addr
}
