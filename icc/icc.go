// Package icc is the inter-core communication engine one core runs.
//
// Each core owns an Engine. Through it the core allocates payload blocks from
// its own pool, publishes them to any set of peer cores over per-pair
// descriptor rings, and receives peers' messages in interrupt context via a
// per-source callback table. No call blocks and no lock is shared between
// cores: each ring field has exactly one writer, and block ownership records
// are only touched by the core that owns the pool.
package icc

import (
	"fmt"
	"sync/atomic"

	"icc/blockpool"
	"icc/constants"
	"icc/debug"
	"icc/layout"
	"icc/ring"
	"icc/shm"
	"icc/utils"
)

// InterruptController is the slice of the interrupt controller the engine
// uses: install the entry point for one SGI and raise an SGI on a core set.
type InterruptController interface {
	RegisterSignalHandler(sgi uint32, h func(sgi uint32, src int)) error
	SendSignal(mask uint32, sgi uint32)
}

// CoreIdentity resolves which core the caller is running on.
type CoreIdentity interface {
	CurrentCoreID() int
	IsValidCore(id int) bool
}

// Options configures one engine. Every core must use the same values.
type Options struct {
	Geometry layout.Geometry
	SGI      uint32
}

// DefaultOptions uses the constants package geometry and reserved SGI.
func DefaultOptions() Options {
	return Options{Geometry: layout.Default(), SGI: constants.SGI}
}

// Engine is one core's ICC context: its outbound rings, its view of inbound
// rings, its block pool and its callback table.
type Engine struct {
	geo  layout.Geometry
	self int
	sgi  uint32
	mem  *shm.Region
	ic   InterruptController

	out   []*ring.Producer // by destination; nil at self
	in    []*ring.Consumer // by source; nil at self
	pool  *blockpool.Pool
	table dispatchTable

	closed     uint32
	delivered  uint64
	unhandled  uint64
	violations uint64
}

// Init brings up ICC for the calling core. Everything that can fail is
// checked before the first shared-memory write; on error no engine exists
// and no interrupt entry is installed.
func Init(mem *shm.Region, id CoreIdentity, ic InterruptController, opts Options) (*Engine, error) {
	if id == nil || ic == nil || mem == nil {
		return nil, fmt.Errorf("%w: missing region, identity or interrupt controller", ErrConfiguration)
	}
	self := id.CurrentCoreID()
	g := opts.Geometry

	if err := g.Check(); err != nil {
		debug.DropError("Core"+utils.Itoa(self)+" check resource failed", err)
		return nil, err
	}
	if !id.IsValidCore(self) || !g.ValidCore(self) {
		return nil, fmt.Errorf("%w: core id %d not valid for %d cores", ErrConfiguration, self, g.Cores)
	}
	if opts.SGI > constants.MaxSGI {
		debug.DropMessage("ICC", "Error hw_irq "+utils.Utoa(uint64(opts.SGI))+"! ICC uses SGI interrupt [0 - 15]")
		return nil, fmt.Errorf("%w: SGI %d outside [0, %d]", ErrConfiguration, opts.SGI, constants.MaxSGI)
	}
	if !mem.Contains(g.RegionBase, int(g.Span())) {
		return nil, fmt.Errorf("%w: region %#x+%d does not cover geometry %#x+%d",
			ErrConfiguration, mem.Base(), mem.Size(), g.RegionBase, g.Span())
	}

	e := &Engine{
		geo:  g,
		self: self,
		sgi:  opts.SGI,
		mem:  mem,
		ic:   ic,
		out:  make([]*ring.Producer, g.Cores),
		in:   make([]*ring.Consumer, g.Cores),
		pool: blockpool.New(g, self),
	}
	e.table.init(g.Cores)

	for peer := 0; peer < g.Cores; peer++ {
		if peer == self {
			continue
		}
		e.out[peer] = ring.NewProducer(mem, g, self, peer)
		e.out[peer].Reset(opts.SGI)
		e.in[peer] = ring.NewConsumer(mem, g, peer, self)
	}
	shm.Barrier()

	if err := ic.RegisterSignalHandler(opts.SGI, e.handleSignal); err != nil {
		debug.DropError("Core"+utils.Itoa(self)+" Irq "+utils.Utoa(uint64(opts.SGI))+" register error", err)
		return nil, fmt.Errorf("%w: register SGI %d: %v", ErrConfiguration, opts.SGI, err)
	}
	return e, nil
}

// Close uninstalls the interrupt entry and empties the callback table.
// Later calls on the engine fail with ErrNotInitialized.
func (e *Engine) Close() error {
	if !atomic.CompareAndSwapUint32(&e.closed, 0, 1) {
		return nil
	}
	e.table.clear()
	return e.ic.RegisterSignalHandler(e.sgi, nil)
}

func (e *Engine) isClosed() bool { return atomic.LoadUint32(&e.closed) != 0 }

// CoreID is the core this engine runs on.
func (e *Engine) CoreID() int { return e.self }

// Geometry is the layout the engine was initialised with.
func (e *Engine) Geometry() layout.Geometry { return e.geo }

// SGI is the reserved notification signal.
func (e *Engine) SGI() uint32 { return e.sgi }
