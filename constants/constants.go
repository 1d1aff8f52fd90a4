// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: constants.go — Inter-core communication tunables
//
// Purpose:
//   - Defines the build-time geometry of the shared ICC region: how many cores
//     share it, how many descriptors each ring holds, and how big a payload
//     block is.
//   - Every core derives every other core's ring and block addresses from these
//     values alone, so all cores must be built with identical constants.
//
// Notes:
//   - The reserved region mirrors the DDR carve-out the boot firmware leaves
//     untouched: one slice per core, ring headers + descriptors first, then the
//     block pool.
//
// ⚠️ No runtime logic here: all values must be compile-time resolvable
// ─────────────────────────────────────────────────────────────────────────────

package constants

// ───────────────────────────── Cores & signals ─────────────────────────────

const (
	// MaxCores is the default number of cores sharing the region.
	MaxCores = 4

	// MaxMaskCores bounds the core count so a destination set fits a uint32.
	MaxMaskCores = 32

	// SGI is the software-generated interrupt reserved for ICC notification.
	SGI = 8

	// MaxSGI is the highest SGI id the interrupt controller accepts (SGIs are 0-15).
	MaxSGI = 15
)

// ─────────────────────────────── Ring sizing ────────────────────────────────

const (
	// RingEntries is the descriptor count per ring; usable depth is one less.
	RingEntries = 16

	// RingDescSpace is the per-core space reserved for ring headers and
	// descriptor arrays. The remainder of the core slice is block pool.
	RingDescSpace = 64 << 10 // 64 KiB
)

// ─────────────────────────────── Block pool ─────────────────────────────────

const (
	// BlockUnitSize is the fixed payload block size in bytes.
	BlockUnitSize = 4 << 10 // 4 KiB

	// ShareReserveBase is the machine address of the reserved shared region.
	// Zero is never a valid block address; it marks an empty descriptor.
	ShareReserveBase = 0xFB00_0000

	// ShareReserveSize is the total size of the reserved shared region.
	ShareReserveSize = 4 << 20 // 4 MiB → 1 MiB per core at MaxCores
)

// ───────────────────────────── CPU interface loop ───────────────────────────

const (
	// SpinBudget is the number of empty polls before a CPU interface parks.
	SpinBudget = 256

	// HotWindowNs keeps a CPU interface in tight polling after recent traffic.
	HotWindowNs = 2_000_000 // 2 ms
)
