package icc

import (
	"fmt"
	"sync/atomic"

	"icc/debug"
	"icc/utils"
)

// AllSources registers a callback for every peer at once.
const AllSources = -1

// Handler receives one message in interrupt context: the sending core, the
// block address and its byte count. It must not block. The block may be
// reclaimed by its owner once the handler returns.
type Handler func(src int, addr uint64, count uint32)

// dispatchTable maps a source core to its Handler. Slots are swapped
// atomically so registration may race with delivery: a message sees either
// the old or the new handler, never a torn one.
type dispatchTable struct {
	slots []atomic.Pointer[Handler]
}

func (t *dispatchTable) init(cores int) { t.slots = make([]atomic.Pointer[Handler], cores) }

func (t *dispatchTable) set(src int, h Handler) {
	if h == nil {
		t.slots[src].Store(nil)
		return
	}
	t.slots[src].Store(&h)
}

func (t *dispatchTable) get(src int) Handler {
	if p := t.slots[src].Load(); p != nil {
		return *p
	}
	return nil
}

func (t *dispatchTable) clear() {
	for i := range t.slots {
		t.slots[i].Store(nil)
	}
}

// RegisterCallback binds h to messages from src, replacing any earlier
// binding; AllSources binds every peer. A nil h unbinds. The own core is
// never a valid source.
func (e *Engine) RegisterCallback(src int, h Handler) error {
	if e.isClosed() {
		return ErrNotInitialized
	}
	if src == AllSources {
		for i := range e.table.slots {
			if i != e.self {
				e.table.set(i, h)
			}
		}
		return nil
	}
	if !e.geo.ValidCore(src) || src == e.self {
		debug.DropMessage("ICC", "Input coreid error "+utils.Itoa(src))
		return fmt.Errorf("%w: callback source %d for core %d", ErrInvalidArgument, src, e.self)
	}
	e.table.set(src, h)
	return nil
}

// handleSignal is the SGI entry point installed at Init.
func (e *Engine) handleSignal(sgi uint32, src int) {
	if e.isClosed() {
		return
	}
	switch {
	case sgi != e.sgi:
		e.violation(fmt.Errorf("%w: wrong SGI number %d, expect %d", ErrProtocolViolation, sgi, e.sgi))
	case src == e.self:
		e.violation(fmt.Errorf("%w: self-icc not supported (core %d)", ErrProtocolViolation, src))
	case !e.geo.ValidCore(src):
		e.violation(fmt.Errorf("%w: signal from unknown core %d", ErrProtocolViolation, src))
	default:
		e.drain(src)
	}
}

func (e *Engine) violation(err error) {
	atomic.AddUint64(&e.violations, 1)
	debug.DropError("ICC core "+utils.Itoa(e.self), err)
}

// drain consumes exactly the descriptors pending on src's ring when it is
// entered. Later arrivals wait for the next signal, which the sender raises
// after publishing them.
func (e *Engine) drain(src int) uint32 {
	c := e.in[src]
	valid := c.Pending()
	for i := uint32(0); i < valid; i++ {
		d := c.Peek()
		switch {
		case !e.fromPool(src, d.Addr) || uint64(d.Count) > uint64(e.geo.BlockUnit):
			e.violation(fmt.Errorf("%w: bad descriptor %#x+%d from core %d",
				ErrProtocolViolation, d.Addr, d.Count, src))
		default:
			if h := e.table.get(src); h != nil {
				h(src, d.Addr, d.Count)
				atomic.AddUint64(&e.delivered, 1)
			} else {
				atomic.AddUint64(&e.unhandled, 1)
				debug.DropMessage("ICC", "Get the SGI "+utils.Utoa(uint64(e.sgi))+" from core "+utils.Itoa(src)+
					"; block: "+utils.Hex(d.Addr)+", byte: "+utils.Utoa(uint64(d.Count)))
			}
		}
		c.Advance()
	}
	return valid
}

// fromPool reports whether addr is the start of a block in src's pool.
func (e *Engine) fromPool(src int, addr uint64) bool {
	if e.geo.BlockOwner(addr) != src {
		return false
	}
	return (addr-e.geo.BlockBase(src))%uint64(e.geo.BlockUnit) == 0
}
