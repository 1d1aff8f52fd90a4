// Package gic is a software stand-in for the generic interrupt controller's
// SGI path: any core can raise a software-generated interrupt on any set of
// cores, and each target core's CPU interface delivers it, tagged with the
// sending core, to the handler registered for that SGI.
//
// Pending state mirrors GICv2: one pending bit per (SGI, source core) on every
// target, so repeated sends from one source before delivery coalesce.
package gic

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"icc/constants"
	"icc/control"
	"icc/debug"
	"icc/utils"
)

// NumSGI is the number of software-generated interrupt ids (0-15).
const NumSGI = constants.MaxSGI + 1

var (
	// ErrInvalidSignal reports an SGI id outside [0, NumSGI).
	ErrInvalidSignal = errors.New("gic: invalid SGI")
	// ErrInvalidCore reports a core id the distributor does not serve.
	ErrInvalidCore = errors.New("gic: invalid core")
)

// Handler runs in interrupt context on the target core. It must not block.
type Handler = func(sgi uint32, src int)

// Distributor routes SGIs between the CPU interfaces of one SoC.
type Distributor struct {
	cpus []*CPU
	sw   *control.Switch

	wg      sync.WaitGroup
	started uint32
}

// New builds a distributor for cores CPU interfaces.
func New(cores int) (*Distributor, error) {
	if cores < 1 || cores > constants.MaxMaskCores {
		return nil, fmt.Errorf("%w: %d cores", ErrInvalidCore, cores)
	}
	d := &Distributor{
		cpus: make([]*CPU, cores),
		sw:   control.New(time.Duration(constants.HotWindowNs)),
	}
	for i := range d.cpus {
		d.cpus[i] = &CPU{id: i, d: d, wake: make(chan struct{}, 1)}
	}
	return d, nil
}

// Cores is the number of CPU interfaces.
func (d *Distributor) Cores() int { return len(d.cpus) }

// CPU returns core id's interface, or nil when id is out of range.
func (d *Distributor) CPU(id int) *CPU {
	if id < 0 || id >= len(d.cpus) {
		return nil
	}
	return d.cpus[id]
}

// CPU is one core's interface to the distributor. It doubles as that core's
// identity: code running "on" a core holds its CPU.
type CPU struct {
	id int
	d  *Distributor

	pending  [NumSGI]uint32 // per SGI: bit per source core
	handlers [NumSGI]atomic.Pointer[Handler]
	wake     chan struct{}

	raised   uint64
	served   uint64
	spurious uint64
}

// CurrentCoreID is the id of the core this interface belongs to.
func (c *CPU) CurrentCoreID() int { return c.id }

// IsValidCore reports whether id names a core on this SoC.
func (c *CPU) IsValidCore(id int) bool { return id >= 0 && id < len(c.d.cpus) }

// RegisterSignalHandler installs h for sgi on this core; nil removes it.
func (c *CPU) RegisterSignalHandler(sgi uint32, h Handler) error {
	if sgi >= NumSGI {
		return fmt.Errorf("%w: %d, SGIs are [0 - %d]", ErrInvalidSignal, sgi, NumSGI-1)
	}
	if h == nil {
		c.handlers[sgi].Store(nil)
		return nil
	}
	c.handlers[sgi].Store(&h)
	return nil
}

// SendSignal raises sgi on every core in mask, sourced from this core.
// Bits naming cores that do not exist are dropped with a log line.
func (c *CPU) SendSignal(mask uint32, sgi uint32) {
	if sgi >= NumSGI {
		debug.DropMessage("GIC", "core "+utils.Itoa(c.id)+" sent invalid SGI "+utils.Utoa(uint64(sgi)))
		return
	}
	if stray := mask &^ (uint32(1)<<uint(len(c.d.cpus)) - 1); stray != 0 && len(c.d.cpus) < 32 {
		debug.DropMessage("GIC", "core "+utils.Itoa(c.id)+" targeted missing cores "+utils.Hex(uint64(stray)))
		mask &^= stray
	}
	bit := uint32(1) << uint(c.id)
	for t := 0; mask != 0; t, mask = t+1, mask>>1 {
		if mask&1 == 0 {
			continue
		}
		dst := c.d.cpus[t]
		atomic.OrUint32(&dst.pending[sgi], bit)
		atomic.AddUint64(&dst.raised, 1)
		select {
		case dst.wake <- struct{}{}:
		default:
		}
	}
	c.d.sw.SignalActivity()
}

// Pending reports whether any SGI is waiting on this core.
func (c *CPU) Pending() bool {
	for i := range c.pending {
		if atomic.LoadUint32(&c.pending[i]) != 0 {
			return true
		}
	}
	return false
}

// Service acknowledges and dispatches everything pending on this core and
// returns how many (SGI, source) interrupts it delivered. It is the body of
// the core's interrupt context: callers must not run two Services for the
// same core at once. Tests call it directly instead of starting the loops.
func (c *CPU) Service() int {
	n := 0
	for sgi := uint32(0); sgi < NumSGI; sgi++ {
		srcs := atomic.SwapUint32(&c.pending[sgi], 0)
		for src := 0; srcs != 0; src, srcs = src+1, srcs>>1 {
			if srcs&1 == 0 {
				continue
			}
			n++
			h := c.handlers[sgi].Load()
			if h == nil {
				atomic.AddUint64(&c.spurious, 1)
				debug.DropMessage("GIC", "core "+utils.Itoa(c.id)+" unhandled SGI "+utils.Utoa(uint64(sgi))+
					" from core "+utils.Itoa(src))
				continue
			}
			(*h)(sgi, src)
		}
	}
	if n > 0 {
		atomic.AddUint64(&c.served, uint64(n))
	}
	return n
}

// Stats is a snapshot of one CPU interface's counters.
type Stats struct {
	Raised   uint64 `json:"raised"`
	Served   uint64 `json:"served"`
	Spurious uint64 `json:"spurious"`
}

// Stats reads this interface's counters.
func (c *CPU) Stats() Stats {
	return Stats{
		Raised:   atomic.LoadUint64(&c.raised),
		Served:   atomic.LoadUint64(&c.served),
		Spurious: atomic.LoadUint64(&c.spurious),
	}
}
