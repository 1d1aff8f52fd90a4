//go:build linux && !tinygo

// setaffinity_linux.go
//
// Pins the calling OS thread to one logical CPU with sched_setaffinity(2).
// Errors are ignored: in a container or restricted cgroup the call may be
// refused, and the fallback is simply "no pin".

package gic

import "golang.org/x/sys/unix"

// setAffinity pins the *current thread* to `cpu` (0-based).
func setAffinity(cpu int) {
	if cpu < 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	_ = unix.SchedSetaffinity(0, &set)
}
