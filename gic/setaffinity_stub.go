//go:build !linux || tinygo

// setaffinity_stub.go — No-op fallback for non-Linux or TinyGo builds

package gic

// setAffinity is a no-op where sched_setaffinity is unavailable.
func setAffinity(cpu int) {}
