// Package layout derives every ICC address from a core id and the build-time
// geometry. It holds no state: each core computes its own and its peers'
// ring, descriptor and block addresses independently with the same math.
//
// Per-core slice of the shared region:
//
//	CoreBase(c) ┬ ring header → core 0      RingHeaderSize bytes each
//	            │ ring header → core 1
//	            │ ...
//	            ├ descriptors → core 0      RingEntries × DescSize each
//	            │ descriptors → core 1
//	            │ ...
//	BlockBase(c)┼ block 0                   BlockUnit bytes each
//	            │ ...
//	BlockEnd(c) ┴
//
// The ring for a (src, dst) pair lives in the source core's slice; the
// destination only ever writes its tail index there.
package layout

import (
	"errors"
	"fmt"

	"icc/constants"
	"icc/utils"
)

// ErrConfiguration reports a geometry that cannot fit the shared region.
var ErrConfiguration = errors.New("icc: configuration error")

const (
	// RingHeaderSize is the footprint of one ring header: a metadata line,
	// then the producer's head and the consumer's tail on their own lines.
	RingHeaderSize = 192

	// DescSize is the footprint of one descriptor: 64-bit block address,
	// 32-bit byte count, 32 bits of padding.
	DescSize = 16
)

// Geometry is the build-time shape of the shared region.
type Geometry struct {
	Cores         int    `json:"cores"`           // cores sharing the region
	RingEntries   int    `json:"ring_entries"`    // descriptor slots per ring
	BlockUnit     int    `json:"block_unit"`      // payload block size in bytes
	RegionBase    uint64 `json:"region_base"`     // machine address of the region
	RegionSize    uint64 `json:"region_size"`     // region length in bytes
	RingDescSpace uint64 `json:"ring_desc_space"` // per-core bytes reserved for ring headers + descriptors
}

// Default returns the geometry described by the constants package.
func Default() Geometry {
	return Geometry{
		Cores:         constants.MaxCores,
		RingEntries:   constants.RingEntries,
		BlockUnit:     constants.BlockUnitSize,
		RegionBase:    constants.ShareReserveBase,
		RegionSize:    constants.ShareReserveSize,
		RingDescSpace: constants.RingDescSpace,
	}
}

// Fit sizes a region at base that gives each core exactly blocks payload
// blocks, with the ring space rounded up to the block unit.
func Fit(cores, entries, unit, blocks int, base uint64) Geometry {
	g := Geometry{Cores: cores, RingEntries: entries, BlockUnit: unit, RegionBase: base}
	if unit > 0 {
		u := uint64(unit)
		g.RingDescSpace = (g.RingBytes() + u - 1) / u * u
	}
	g.RegionSize = uint64(cores) * (g.RingDescSpace + uint64(blocks)*uint64(unit))
	return g
}

// RingBytes is the space rings and descriptors actually need per core.
func (g Geometry) RingBytes() uint64 {
	return uint64(g.RingEntries)*uint64(g.Cores)*DescSize + uint64(g.Cores)*RingHeaderSize
}

// Check validates the geometry before anything is written to shared memory.
func (g Geometry) Check() error {
	switch {
	case g.Cores < 2 || g.Cores > constants.MaxMaskCores:
		return fmt.Errorf("%w: core count %d outside [2, %d]", ErrConfiguration, g.Cores, constants.MaxMaskCores)
	case g.RingEntries < 2:
		return fmt.Errorf("%w: ring needs at least 2 entries, got %d", ErrConfiguration, g.RingEntries)
	case g.BlockUnit < 8 || g.BlockUnit%8 != 0:
		return fmt.Errorf("%w: block unit %d must be a positive multiple of 8", ErrConfiguration, g.BlockUnit)
	case g.RegionBase == 0 || g.RegionBase%uint64(g.BlockUnit) != 0:
		return fmt.Errorf("%w: region base %#x must be non-zero and unit aligned", ErrConfiguration, g.RegionBase)
	case g.RingDescSpace%uint64(g.BlockUnit) != 0:
		return fmt.Errorf("%w: ring space %d is not a multiple of the block unit %d", ErrConfiguration, g.RingDescSpace, g.BlockUnit)
	case g.RegionBase+g.RegionSize < g.RegionBase:
		return fmt.Errorf("%w: region %#x+%d wraps the address space", ErrConfiguration, g.RegionBase, g.RegionSize)
	}

	if need := g.RingBytes(); need > g.RingDescSpace {
		return fmt.Errorf("%w: ring space %d is not enough for %d rings and %d descriptors (need %d)",
			ErrConfiguration, g.RingDescSpace, g.Cores, g.Cores*g.RingEntries, need)
	}
	if g.BlockCount() == 0 {
		return fmt.Errorf("%w: core slice %d leaves no room for a %d byte block after %d bytes of rings",
			ErrConfiguration, g.CoreSpace(), g.BlockUnit, g.RingDescSpace)
	}
	return nil
}

// ValidCore reports whether id names a core in this geometry.
func (g Geometry) ValidCore(id int) bool { return id >= 0 && id < g.Cores }

// CoreMask is the mask of every core in the geometry.
func (g Geometry) CoreMask() uint32 { return utils.LowMask(g.Cores) }

// CoreSpace is the per-core slice, rounded down to whole blocks.
func (g Geometry) CoreSpace() uint64 {
	if g.Cores <= 0 || g.BlockUnit <= 0 {
		return 0
	}
	s := g.RegionSize / uint64(g.Cores)
	return s - s%uint64(g.BlockUnit)
}

// CoreBase is the first address of a core's slice.
func (g Geometry) CoreBase(core int) uint64 {
	return g.RegionBase + uint64(core)*g.CoreSpace()
}

// RingBase is the header address of the ring carrying src → dst messages.
func (g Geometry) RingBase(src, dst int) uint64 {
	return g.CoreBase(src) + uint64(dst)*RingHeaderSize
}

// DescBase is the descriptor array of the src → dst ring.
func (g Geometry) DescBase(src, dst int) uint64 {
	return g.CoreBase(src) + uint64(g.Cores)*RingHeaderSize +
		uint64(dst)*uint64(g.RingEntries)*DescSize
}

// BlockBase is the first block of a core's pool.
func (g Geometry) BlockBase(core int) uint64 {
	return g.CoreBase(core) + g.RingDescSpace
}

// BlockCount is the number of blocks in each core's pool.
func (g Geometry) BlockCount() int {
	cs := g.CoreSpace()
	if g.BlockUnit <= 0 || cs <= g.RingDescSpace {
		return 0
	}
	return int((cs - g.RingDescSpace) / uint64(g.BlockUnit))
}

// BlockEnd is the first address past a core's pool.
func (g Geometry) BlockEnd(core int) uint64 {
	return g.BlockBase(core) + uint64(g.BlockCount())*uint64(g.BlockUnit)
}

// BlockOwner returns the core whose pool contains addr, or -1.
func (g Geometry) BlockOwner(addr uint64) int {
	cs := g.CoreSpace()
	if cs == 0 || addr < g.RegionBase {
		return -1
	}
	core := int((addr - g.RegionBase) / cs)
	if core >= g.Cores || addr < g.BlockBase(core) || addr >= g.BlockEnd(core) {
		return -1
	}
	return core
}

// Span is the number of region bytes the geometry addresses.
func (g Geometry) Span() uint64 { return uint64(g.Cores) * g.CoreSpace() }
