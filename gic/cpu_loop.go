// -----------------------------------------------------------------------------
// cpu_loop.go — Per-core interrupt delivery loop pinned to one OS thread
// -----------------------------------------------------------------------------
//
//  Each simulated core gets a goroutine locked to an OS thread (and, on Linux,
//  to a CPU) that plays the role of the core's exception vector: whenever an
//  SGI is pending it runs Service, which executes the registered handlers to
//  completion.
//
//  Spin strategy:
//   • hot  – recent signal traffic (Switch.Hot or within the hot window):
//            poll with cpuRelax between misses
//   • cold – after SpinBudget misses, park on the wake channel (WFE); a send
//            refills the channel so a signal raised between the last poll and
//            the park is never lost
//   • stop – Switch.Shutdown closes Quit; the loop exits on its next pass
// -----------------------------------------------------------------------------

package gic

import (
	"runtime"
	"sync/atomic"
	"time"

	"icc/constants"
)

const hotWindow = time.Duration(constants.HotWindowNs)

// Start launches one delivery loop per core. It is a no-op after the first
// call. Loops run until Stop.
func (d *Distributor) Start() {
	if !atomic.CompareAndSwapUint32(&d.started, 0, 1) {
		return
	}
	for _, c := range d.cpus {
		d.wg.Add(1)
		go c.run()
	}
}

// Stop shuts every loop down and waits for them to exit.
func (d *Distributor) Stop() {
	d.sw.Shutdown()
	d.wg.Wait()
}

func (c *CPU) run() {
	runtime.LockOSThread()
	setAffinity(c.id % runtime.NumCPU())
	defer func() {
		runtime.UnlockOSThread()
		c.d.wg.Done()
	}()

	sw := c.d.sw
	last := time.Now()
	miss := 0

	for {
		if c.Service() > 0 {
			last, miss = time.Now(), 0
			continue
		}

		if sw.Stopping() {
			return
		}
		sw.PollCooldown()

		if sw.Hot() || time.Since(last) <= hotWindow {
			cpuRelax()
			continue
		}

		if miss++; miss >= constants.SpinBudget {
			miss = 0
			select {
			case <-c.wake:
			case <-sw.Quit():
			}
			continue
		}
		cpuRelax()
	}
}

// cpuRelax yields the thread between polls. Simulated cores share host CPUs
// with the test runner, so a bare spin would starve it.
func cpuRelax() { runtime.Gosched() }
