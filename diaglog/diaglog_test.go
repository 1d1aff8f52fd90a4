package diaglog

import (
	"testing"

	"icc/debug"
	"icc/icc"
	"icc/layout"
	"icc/ring"
)

func testGeometry() layout.Geometry {
	return layout.Geometry{
		Cores:         2,
		RingEntries:   4,
		BlockUnit:     256,
		RegionBase:    0x8000_0000,
		RegionSize:    2 * 2048,
		RingDescSpace: 1024,
	}
}

func openMemory(t *testing.T) *Recorder {
	t.Helper()
	prev := debug.SetOutput(nil)
	t.Cleanup(func() { debug.SetOutput(prev) })
	r, err := Open(":memory:", testGeometry(), 8)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func snapshot(core int, busy uint64) icc.Diagnostics {
	return icc.Diagnostics{
		CoreID:      core,
		Cores:       2,
		SGI:         8,
		BlockCount:  4,
		BlockCursor: 2,
		FreeBlocks:  3,
		Delivered:   7,
		Rings: []ring.Stats{
			{Src: core, Dst: 1 - core, Head: 3, Tail: 1, Busy: busy, Interrupts: 5},
		},
	}
}

func TestConfigRoundTrip(t *testing.T) {
	r := openMemory(t)
	g, sgi, err := r.Config()
	if err != nil {
		t.Fatal(err)
	}
	if g != testGeometry() || sgi != 8 {
		t.Fatalf("config %+v sgi %d", g, sgi)
	}
}

func TestRecordAndLatest(t *testing.T) {
	r := openMemory(t)
	if _, err := r.Record(snapshot(0, 1), snapshot(1, 2)); err != nil {
		t.Fatal(err)
	}
	seq, err := r.Record(snapshot(0, 4), snapshot(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 {
		t.Fatalf("seq %d", seq)
	}

	d, err := r.Latest(0)
	if err != nil {
		t.Fatal(err)
	}
	if d.CoreID != 0 || d.Delivered != 7 || len(d.Rings) != 1 || d.Rings[0].Busy != 4 {
		t.Fatalf("latest %+v", d)
	}
	if n, err := r.BusyTotal(1); err != nil || n != 3 {
		t.Fatalf("busy total seq 1 = %d, %v", n, err)
	}
	if n, err := r.BusyTotal(2); err != nil || n != 4 {
		t.Fatalf("busy total seq 2 = %d, %v", n, err)
	}
}

func TestLatestMissingCore(t *testing.T) {
	r := openMemory(t)
	if _, err := r.Latest(1); err == nil {
		t.Fatal("want error for core with no snapshot")
	}
}
