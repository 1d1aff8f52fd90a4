// ring.go
//
// Single-producer/single-consumer descriptor ring living in shared memory.
// One ring exists per ordered (source, destination) core pair, in the source
// core's slice of the region.  The producer owns `head`, the descriptor array
// and the counters; the consumer owns `tail`.  Each index sits on its own
// cache line so the two cores never write the same line.
//
// Capacity is desc_num slots, usable depth desc_num-1:
//
//	empty  ⇔ head == tail
//	full   ⇔ (head+1) % desc_num == tail
//
// The slot at `head` is never inside the unread window [tail, head), so the
// producer may inspect or rewrite it without racing the consumer.

package ring

import (
	"icc/layout"
	"icc/shm"
)

// Header field offsets. These and the descriptor layout are the wire contract
// between cores built from the same source.
const (
	offSrc      = 0  // uint32 source core
	offDst      = 4  // uint32 destination core
	offSGI      = 8  // uint32 notification signal
	offDescNum  = 12 // uint32 descriptor slots
	offDescBase = 16 // uint64 descriptor array address
	offBusy     = 24 // uint64 full-ring occurrences
	offIRQ      = 32 // uint64 signals raised through this ring
	offHead     = 64 // uint32 producer cursor, own cache line
	offTail     = 128

	descAddr  = 0 // uint64 block address; 0 marks an empty slot
	descCount = 8 // uint32 byte count
)

// Descriptor references one payload block.
type Descriptor struct {
	Addr  uint64
	Count uint32
}

// Empty reports whether the slot carries no block.
func (d Descriptor) Empty() bool { return d.Addr == 0 }

// view is the read side both parties share.
type view struct {
	mem  *shm.Region
	hdr  uint64
	desc uint64
	n    uint32
	src  int
	dst  int
}

func newView(mem *shm.Region, g layout.Geometry, src, dst int) view {
	return view{
		mem:  mem,
		hdr:  g.RingBase(src, dst),
		desc: g.DescBase(src, dst),
		n:    uint32(g.RingEntries),
		src:  src,
		dst:  dst,
	}
}

// Src is the producing core.
func (v *view) Src() int { return v.src }

// Dst is the consuming core.
func (v *view) Dst() int { return v.dst }

// Base is the header address.
func (v *view) Base() uint64 { return v.hdr }

// Len is desc_num.
func (v *view) Len() uint32 { return v.n }

// Head is the next slot the producer writes.
//
//go:nosplit
func (v *view) Head() uint32 { return v.mem.Load32(v.hdr + offHead) }

// Tail is the next slot the consumer reads.
//
//go:nosplit
func (v *view) Tail() uint32 { return v.mem.Load32(v.hdr + offTail) }

// indices loads head and tail once. ok is false when either is out of range,
// which only happens if the header was never initialised or got trampled.
func (v *view) indices() (h, t uint32, ok bool) {
	h, t = v.Head(), v.Tail()
	return h, t, h < v.n && t < v.n
}

// Empty reports head == tail.
func (v *view) Empty() bool {
	h, t, _ := v.indices()
	return h == t
}

// Full reports (head+1) % desc_num == tail. A corrupt header reads as full so
// the producer never writes through it.
func (v *view) Full() bool {
	h, t, ok := v.indices()
	return !ok || (h+1)%v.n == t
}

// Pending is the number of unread descriptors.
func (v *view) Pending() uint32 {
	h, t, ok := v.indices()
	if !ok {
		return 0
	}
	if h >= t {
		return h - t
	}
	return v.n - t + h
}

// Slot reads descriptor i.
func (v *view) Slot(i uint32) Descriptor {
	a := v.desc + uint64(i%v.n)*layout.DescSize
	return Descriptor{
		Addr:  v.mem.Load64(a + descAddr),
		Count: v.mem.Load32(a + descCount),
	}
}

// Stats reads the header as stored in shared memory.
func (v *view) Stats() Stats {
	return Stats{
		Src:        int(v.mem.Load32(v.hdr + offSrc)),
		Dst:        int(v.mem.Load32(v.hdr + offDst)),
		Base:       v.hdr,
		SGI:        v.mem.Load32(v.hdr + offSGI),
		DescNum:    v.mem.Load32(v.hdr + offDescNum),
		DescBase:   v.mem.Load64(v.hdr + offDescBase),
		Head:       v.Head(),
		Tail:       v.Tail(),
		Busy:       v.mem.Load64(v.hdr + offBusy),
		Interrupts: v.mem.Load64(v.hdr + offIRQ),
	}
}

// ───────────────────────────── producer side ──────────────────────────────

// Producer is the source core's handle. It alone writes head, descriptors and
// counters.
type Producer struct{ view }

// NewProducer opens the src → dst ring for writing.
func NewProducer(mem *shm.Region, g layout.Geometry, src, dst int) *Producer {
	return &Producer{newView(mem, g, src, dst)}
}

// Reset puts the ring in the empty state with zeroed descriptors and counters.
// Called once at init, before any peer is signalled.
func (p *Producer) Reset(sgi uint32) {
	m := p.mem
	m.Store32(p.hdr+offSrc, uint32(p.src))
	m.Store32(p.hdr+offDst, uint32(p.dst))
	m.Store32(p.hdr+offSGI, sgi)
	m.Store32(p.hdr+offDescNum, p.n)
	m.Store64(p.hdr+offDescBase, p.desc)
	m.Store64(p.hdr+offBusy, 0)
	m.Store64(p.hdr+offIRQ, 0)
	m.Store32(p.hdr+offHead, 0)
	m.Store32(p.hdr+offTail, 0)
	for i := uint32(0); i < p.n; i++ {
		p.Clear(i)
	}
}

// AtHead reads the slot the next Push will overwrite.
func (p *Producer) AtHead() Descriptor { return p.Slot(p.Head()) }

// Push writes d at head and publishes it by advancing head. The caller checks
// Full first; Push itself never blocks or fails.
//
//go:nosplit
func (p *Producer) Push(d Descriptor) {
	h := p.Head()
	a := p.desc + uint64(h)*layout.DescSize
	p.mem.Store32(a+descCount, d.Count)
	p.mem.Store64(a+descAddr, d.Addr)
	p.mem.Store32(p.hdr+offHead, (h+1)%p.n)
}

// Clear empties slot i. Only slots outside the unread window may be cleared.
func (p *Producer) Clear(i uint32) {
	a := p.desc + uint64(i%p.n)*layout.DescSize
	p.mem.Store64(a+descAddr, 0)
	p.mem.Store32(a+descCount, 0)
}

// Consumed visits the slots the consumer has finished with, oldest first:
// [head, tail) walking forward, which always includes the head slot. fn may
// Clear the slot it is given; returning false stops the walk.
func (p *Producer) Consumed(fn func(i uint32, d Descriptor) bool) {
	h, t, ok := p.indices()
	if !ok {
		return
	}
	i := h
	for {
		if !fn(i, p.Slot(i)) {
			return
		}
		i = (i + 1) % p.n
		if i == t {
			return
		}
	}
}

// NoteFull counts one rejected enqueue against this ring.
func (p *Producer) NoteFull() { p.mem.Add64(p.hdr+offBusy, 1) }

// NoteSignal counts one notification raised through this ring.
func (p *Producer) NoteSignal() { p.mem.Add64(p.hdr+offIRQ, 1) }

// ───────────────────────────── consumer side ──────────────────────────────

// Consumer is the destination core's handle. It alone writes tail.
type Consumer struct{ view }

// NewConsumer opens the src → dst ring for reading.
func NewConsumer(mem *shm.Region, g layout.Geometry, src, dst int) *Consumer {
	return &Consumer{newView(mem, g, src, dst)}
}

// Peek reads the descriptor at tail without consuming it.
func (c *Consumer) Peek() Descriptor { return c.Slot(c.Tail()) }

// Advance consumes the descriptor at tail.
//
//go:nosplit
func (c *Consumer) Advance() {
	t := c.Tail()
	c.mem.Store32(c.hdr+offTail, (t+1)%c.n)
}
