package gic

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"icc/debug"
)

func quiet(t *testing.T) {
	prev := debug.SetOutput(nil)
	t.Cleanup(func() { debug.SetOutput(prev) })
}

func TestNewRejectsBadCoreCount(t *testing.T) {
	if _, err := New(0); !errors.Is(err, ErrInvalidCore) {
		t.Fatalf("want ErrInvalidCore, got %v", err)
	}
	if _, err := New(33); !errors.Is(err, ErrInvalidCore) {
		t.Fatalf("want ErrInvalidCore, got %v", err)
	}
}

func TestRegisterRejectsNonSGI(t *testing.T) {
	d, _ := New(2)
	if err := d.CPU(0).RegisterSignalHandler(16, func(uint32, int) {}); !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("want ErrInvalidSignal, got %v", err)
	}
}

func TestIdentity(t *testing.T) {
	d, _ := New(3)
	c := d.CPU(2)
	if c.CurrentCoreID() != 2 || !c.IsValidCore(0) || c.IsValidCore(3) || c.IsValidCore(-1) {
		t.Fatal("identity mismatch")
	}
	if d.CPU(3) != nil || d.CPU(-1) != nil {
		t.Fatal("out-of-range CPU must be nil")
	}
}

// TestServiceDeliversSourceTaggedSignals raises from two sources and checks
// each is delivered once with the right source id.
func TestServiceDeliversSourceTaggedSignals(t *testing.T) {
	d, _ := New(4)
	var got []int
	d.CPU(3).RegisterSignalHandler(8, func(sgi uint32, src int) {
		if sgi != 8 {
			t.Errorf("sgi = %d", sgi)
		}
		got = append(got, src)
	})

	d.CPU(0).SendSignal(1<<3, 8)
	d.CPU(1).SendSignal(1<<3|1<<2, 8)
	d.CPU(1).SendSignal(1<<3, 8) // coalesces with the previous send

	if !d.CPU(3).Pending() {
		t.Fatal("core 3 should have a pending SGI")
	}
	if n := d.CPU(3).Service(); n != 2 {
		t.Fatalf("served %d, want 2", n)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("sources %v, want [0 1]", got)
	}
	if d.CPU(3).Pending() {
		t.Fatal("pending not acknowledged")
	}
	// core 2 has no handler: counted as spurious, not delivered
	quiet(t)
	if n := d.CPU(2).Service(); n != 1 {
		t.Fatalf("core 2 served %d, want 1", n)
	}
	if st := d.CPU(2).Stats(); st.Spurious != 1 || st.Raised != 1 {
		t.Fatalf("core 2 stats %+v", st)
	}
}

func TestSendDropsMissingCores(t *testing.T) {
	quiet(t)
	d, _ := New(2)
	d.CPU(0).SendSignal(1<<1|1<<5, 8)
	if st := d.CPU(1).Stats(); st.Raised != 1 {
		t.Fatalf("raised %d, want 1", st.Raised)
	}
}

func TestUnregister(t *testing.T) {
	quiet(t)
	d, _ := New(2)
	var hits int32
	d.CPU(1).RegisterSignalHandler(8, func(uint32, int) { atomic.AddInt32(&hits, 1) })
	d.CPU(1).RegisterSignalHandler(8, nil)
	d.CPU(0).SendSignal(1<<1, 8)
	d.CPU(1).Service()
	if hits != 0 {
		t.Fatal("handler ran after unregister")
	}
}

// TestLoopsDeliverAndStop runs the pinned loops, including a send after the
// loops have gone cold and parked.
func TestLoopsDeliverAndStop(t *testing.T) {
	d, _ := New(2)
	var hits int32
	d.CPU(1).RegisterSignalHandler(8, func(uint32, int) { atomic.AddInt32(&hits, 1) })
	d.Start()
	d.Start() // second call is a no-op

	d.CPU(0).SendSignal(1<<1, 8)
	waitFor(t, func() bool { return atomic.LoadInt32(&hits) == 1 })

	time.Sleep(3 * hotWindow) // let the loop park
	d.CPU(0).SendSignal(1<<1, 8)
	waitFor(t, func() bool { return atomic.LoadInt32(&hits) == 2 })

	done := make(chan struct{})
	go func() { d.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loops did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(100 * time.Microsecond)
	}
}
