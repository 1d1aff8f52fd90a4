// control.go — Run/stop and activity flags for pinned CPU-interface loops
// ============================================================================
// SYSTEM CONTROL ORCHESTRATION
// ============================================================================
//
// A Switch coordinates the per-core interrupt loops of one simulated SoC:
//
//   • hot flag:  raised by every signal send, cleared after a cooldown with no
//                traffic; loops stay in tight polling while it is set
//   • stop flag: one-way shutdown request observed by every loop
//   • quit chan: closed on shutdown so parked loops wake immediately
//
// Threading model:
//   • Producers call SignalActivity() on the send path
//   • Loops poll Hot()/Stopping() and call PollCooldown() while idle
//   • Shutdown() may be called from any goroutine, any number of times

package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// Switch holds the coordination flags shared by all loops of one SoC.
type Switch struct {
	hot  uint32 // 1 = recent signal traffic
	stop uint32 // 1 = shutdown requested

	lastHot    int64 // unix ns of last SignalActivity
	cooldownNs int64

	quit chan struct{}
	once sync.Once
}

// New returns a running Switch whose hot flag decays after cooldown.
func New(cooldown time.Duration) *Switch {
	return &Switch{
		cooldownNs: int64(cooldown),
		quit:       make(chan struct{}),
	}
}

// ============================================================================
// ACTIVITY SIGNALING
// ============================================================================

// SignalActivity marks the system hot and records when.
//
//go:nosplit
func (s *Switch) SignalActivity() {
	atomic.StoreInt64(&s.lastHot, time.Now().UnixNano())
	atomic.StoreUint32(&s.hot, 1)
}

// PollCooldown clears the hot flag once the cooldown has elapsed.
//
//go:nosplit
func (s *Switch) PollCooldown() {
	if atomic.LoadUint32(&s.hot) == 1 &&
		time.Now().UnixNano()-atomic.LoadInt64(&s.lastHot) > s.cooldownNs {
		atomic.StoreUint32(&s.hot, 0)
	}
}

// Hot reports recent activity.
func (s *Switch) Hot() bool { return atomic.LoadUint32(&s.hot) == 1 }

// ============================================================================
// SHUTDOWN
// ============================================================================

// Shutdown sets the stop flag and wakes every parked loop.
func (s *Switch) Shutdown() {
	atomic.StoreUint32(&s.stop, 1)
	s.once.Do(func() { close(s.quit) })
}

// Stopping reports whether Shutdown has been called.
func (s *Switch) Stopping() bool { return atomic.LoadUint32(&s.stop) != 0 }

// Quit is closed by Shutdown.
func (s *Switch) Quit() <-chan struct{} { return s.quit }
