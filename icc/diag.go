package icc

import (
	"fmt"
	"io"
	"sync/atomic"

	"icc/layout"
	"icc/ring"
	"icc/shm"
)

// Diagnostics is a read-only snapshot of one engine: the layout it runs on,
// its allocator cursor, its dispatch counters and the header of every ring
// it produces into.
type Diagnostics struct {
	CoreID      int          `json:"core_id"`
	Cores       int          `json:"cores"`
	SGI         uint32       `json:"sgi"`
	RegionBase  uint64       `json:"region_base"`
	RegionSize  uint64       `json:"region_size"`
	CoreSpace   uint64       `json:"core_space"`
	RingEntries int          `json:"ring_entries"`
	BlockUnit   int          `json:"block_unit"`
	BlockBase   uint64       `json:"block_base"`
	BlockCount  int          `json:"block_count"`
	BlockCursor uint32       `json:"block_idx"`
	FreeBlocks  int          `json:"free_blocks"`
	Delivered   uint64       `json:"delivered"`
	Unhandled   uint64       `json:"unhandled"`
	Violations  uint64       `json:"violations"`
	Rings       []ring.Stats `json:"rings"`
}

// Diagnostics reads the current state. It writes nothing.
func (e *Engine) Diagnostics() Diagnostics {
	g := e.geo
	d := Diagnostics{
		CoreID:      e.self,
		Cores:       g.Cores,
		SGI:         e.sgi,
		RegionBase:  g.RegionBase,
		RegionSize:  g.RegionSize,
		CoreSpace:   g.CoreSpace(),
		RingEntries: g.RingEntries,
		BlockUnit:   g.BlockUnit,
		BlockBase:   e.pool.Base(),
		BlockCount:  e.pool.Len(),
		BlockCursor: e.pool.Cursor(),
		FreeBlocks:  e.pool.Free(),
		Delivered:   atomic.LoadUint64(&e.delivered),
		Unhandled:   atomic.LoadUint64(&e.unhandled),
		Violations:  atomic.LoadUint64(&e.violations),
	}
	for _, p := range e.out {
		if p != nil {
			d.Rings = append(d.Rings, p.Stats())
		}
	}
	return d
}

// Show writes Diagnostics as a text report.
func (e *Engine) Show(w io.Writer) error {
	return e.Diagnostics().Write(w)
}

// Write renders the snapshot in the report format Show uses.
func (d Diagnostics) Write(w io.Writer) error {
	ew := &errWriter{w: w}
	ew.printf("ICC core %d: cores=%d sgi=%d\n", d.CoreID, d.Cores, d.SGI)
	ew.printf("  region base=%#x size=%#x core_space=%#x\n", d.RegionBase, d.RegionSize, d.CoreSpace)
	ew.printf("  blocks base=%#x unit=%#x count=%d idx=%d free=%d\n",
		d.BlockBase, d.BlockUnit, d.BlockCount, d.BlockCursor, d.FreeBlocks)
	ew.printf("  delivered=%d unhandled=%d violations=%d\n", d.Delivered, d.Unhandled, d.Violations)
	for _, r := range d.Rings {
		writeRing(ew, r)
	}
	return ew.err
}

func writeRing(ew *errWriter, r ring.Stats) {
	ew.printf("  ring %d->%d base=%#x sgi=%d desc_num=%d desc_base=%#x head=%d tail=%d busy=%d irq=%d\n",
		r.Src, r.Dst, r.Base, r.SGI, r.DescNum, r.DescBase, r.Head, r.Tail, r.Busy, r.Interrupts)
}

// InspectRegion reads every ring header in a region laid out with g, without
// opening an engine. Rings no core has initialised read as zeros.
func InspectRegion(mem *shm.Region, g layout.Geometry) ([]ring.Stats, error) {
	if err := g.Check(); err != nil {
		return nil, err
	}
	if !mem.Contains(g.RegionBase, int(g.Span())) {
		return nil, fmt.Errorf("%w: region %#x+%d does not cover geometry", ErrConfiguration, mem.Base(), mem.Size())
	}
	var out []ring.Stats
	for src := 0; src < g.Cores; src++ {
		for dst := 0; dst < g.Cores; dst++ {
			if src != dst {
				out = append(out, ring.Inspect(mem, g, src, dst))
			}
		}
	}
	return out, nil
}

// WriteRings renders ring headers in the report format.
func WriteRings(w io.Writer, rings []ring.Stats) error {
	ew := &errWriter{w: w}
	for _, r := range rings {
		writeRing(ew, r)
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
