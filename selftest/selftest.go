// Package selftest is the ICC functional test application. Every core
// broadcasts checksummed payloads to its peers and verifies what it receives.
//
// Payload layout inside a block:
//
//	[0:4)   sequence number, little endian
//	[4:36)  SHA3-256 of sequence number || body
//	[36:n)  body
package selftest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/crypto/sha3"

	"icc/debug"
	"icc/icc"
	"icc/utils"
)

// HeaderSize is the fixed prefix of every payload.
const HeaderSize = 4 + 32

// ErrShort is returned when a body does not fit in one block.
var ErrShort = errors.New("selftest: block too small")

// Encode writes seq, digest and body into buf and returns the byte count.
func Encode(buf []byte, seq uint32, body []byte) (int, error) {
	n := HeaderSize + len(body)
	if n > len(buf) {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrShort, n, len(buf))
	}
	binary.LittleEndian.PutUint32(buf, seq)
	copy(buf[HeaderSize:], body)
	sum := digest(buf[:4], body)
	copy(buf[4:HeaderSize], sum[:])
	return n, nil
}

// Verify checks a received payload and returns its sequence number and body.
func Verify(p []byte) (seq uint32, body []byte, ok bool) {
	if len(p) < HeaderSize {
		return 0, nil, false
	}
	body = p[HeaderSize:]
	sum := digest(p[:4], body)
	if string(sum[:]) != string(p[4:HeaderSize]) {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint32(p), body, true
}

func digest(seq, body []byte) [32]byte {
	h := sha3.New256()
	h.Write(seq)
	h.Write(body)
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// Stats counts one node's traffic.
type Stats struct {
	Core     int    `json:"core"`
	Sent     uint64 `json:"sent"`
	Busy     uint64 `json:"busy"`
	Received uint64 `json:"received"`
	Good     uint64 `json:"good"`
	Bad      uint64 `json:"bad"`
}

// Node wraps one core's engine with the test callback installed for all
// peers.
type Node struct {
	e   *icc.Engine
	seq uint32

	sent, busy, received, good, bad atomic.Uint64
}

// NewNode installs the verifying callback on e.
func NewNode(e *icc.Engine) (*Node, error) {
	n := &Node{e: e}
	if err := e.RegisterCallback(icc.AllSources, n.receive); err != nil {
		return nil, err
	}
	return n, nil
}

// Engine is the wrapped engine.
func (n *Node) Engine() *icc.Engine { return n.e }

func (n *Node) receive(src int, addr uint64, count uint32) {
	n.received.Add(1)
	p, err := n.e.Payload(addr, count)
	if err != nil {
		n.bad.Add(1)
		return
	}
	if _, _, ok := Verify(p); !ok {
		n.bad.Add(1)
		debug.DropMessage("SELFTEST", "core "+utils.Itoa(n.e.CoreID())+" bad payload from core "+
			utils.Itoa(src)+" at "+utils.Hex(addr))
		return
	}
	n.good.Add(1)
}

// Send puts body in a fresh block and enqueues it to mask. A full ring or
// empty pool comes back as icc.ErrResourceExhausted with the block returned
// to the pool.
func (n *Node) Send(mask uint32, body []byte) error {
	addr, err := n.e.RequestBlock()
	if err != nil {
		return err
	}
	buf, err := n.e.Block(addr)
	if err != nil {
		n.e.ReleaseBlock(addr)
		return err
	}
	count, err := Encode(buf, n.seq, body)
	if err != nil {
		n.e.ReleaseBlock(addr)
		return err
	}
	if err := n.e.Enqueue(mask, addr, uint32(count)); err != nil {
		n.e.ReleaseBlock(addr)
		if errors.Is(err, icc.ErrResourceExhausted) {
			n.busy.Add(1)
		}
		return err
	}
	n.seq++
	n.sent.Add(1)
	return nil
}

// Stats reads the counters.
func (n *Node) Stats() Stats {
	return Stats{
		Core:     n.e.CoreID(),
		Sent:     n.sent.Load(),
		Busy:     n.busy.Load(),
		Received: n.received.Load(),
		Good:     n.good.Load(),
		Bad:      n.bad.Load(),
	}
}

// Body builds the deterministic body core sends in round r.
func Body(core, r, size int) []byte {
	b := make([]byte, size)
	seed := sha3.Sum256([]byte{byte(core), byte(r), byte(r >> 8), byte(r >> 16)})
	for i := range b {
		b[i] = seed[i%len(seed)] ^ byte(i)
	}
	return b
}

// Run makes every node broadcast rounds payloads of size bytes to all its
// peers. A send that finds a ring full or the pool empty is retried until
// ctx ends. The receiving side is driven by whoever services the
// interrupts.
func Run(ctx context.Context, nodes []*Node, rounds, size int) error {
	for r := 0; r < rounds; r++ {
		for _, n := range nodes {
			g := n.e.Geometry()
			mask := g.CoreMask() &^ (1 << uint(n.e.CoreID()))
			body := Body(n.e.CoreID(), r, size)
			for {
				err := n.Send(mask, body)
				if err == nil {
					break
				}
				if !errors.Is(err, icc.ErrResourceExhausted) {
					return err
				}
				if ctx.Err() != nil {
					return fmt.Errorf("core %d round %d: %w", n.e.CoreID(), r, ctx.Err())
				}
				runtime.Gosched()
			}
		}
	}
	return nil
}

// Settled reports whether every sent payload has been received by every peer.
func Settled(nodes []*Node) bool {
	var sent, received uint64
	for _, n := range nodes {
		st := n.Stats()
		sent += st.Sent * uint64(len(nodes)-1)
		received += st.Received
	}
	return received >= sent
}
