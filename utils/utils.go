package utils

import "unsafe"

///////////////////////////////////////////////////////////////////////////////
// Conversion Utilities — Zero-Alloc Casts
///////////////////////////////////////////////////////////////////////////////

// B2s converts a []byte to a string **without** allocation.
// ⚠️ Caller must ensure the input slice remains valid and unchanged.
// Used for human-readable print paths.
//
//go:nosplit
//go:inline
func B2s(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

///////////////////////////////////////////////////////////////////////////////
// Number Formatting — Diagnostics Without fmt
///////////////////////////////////////////////////////////////////////////////

// Itoa formats a signed integer in base 10.
//
//go:nosplit
func Itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	u := uint64(n)
	if neg {
		u = uint64(-n)
	}
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Utoa formats an unsigned 64-bit integer in base 10.
//
//go:nosplit
func Utoa(u uint64) string {
	if u == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}

const hexDigits = "0123456789abcdef"

// Hex formats u as a 0x-prefixed lowercase hex string with no leading zeros.
// Block and ring addresses are always printed this way.
//
//go:nosplit
func Hex(u uint64) string {
	if u == 0 {
		return "0x0"
	}
	var buf [18]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = hexDigits[u&0xF]
		u >>= 4
	}
	i--
	buf[i] = 'x'
	i--
	buf[i] = '0'
	return string(buf[i:])
}

///////////////////////////////////////////////////////////////////////////////
// Bit Helpers — Core Masks
///////////////////////////////////////////////////////////////////////////////

// LowMask returns a mask with the low n bits set (n ≤ 32).
//
//go:nosplit
//go:inline
func LowMask(n int) uint32 {
	if n <= 0 {
		return 0
	}
	if n >= 32 {
		return ^uint32(0)
	}
	return uint32(1)<<uint(n) - 1
}
