package icc

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"icc/debug"
	"icc/gic"
	"icc/layout"
	"icc/ring"
	"icc/shm"
)

const testSGI = 8

// testGeometry: 3 cores, 4-entry rings (3 usable), 4 blocks of 256 bytes per
// core.
func testGeometry() layout.Geometry {
	return layout.Geometry{
		Cores:         3,
		RingEntries:   4,
		BlockUnit:     256,
		RegionBase:    0x8000_0000,
		RegionSize:    3 * 2048,
		RingDescSpace: 1024,
	}
}

type cluster struct {
	g   layout.Geometry
	mem *shm.Region
	d   *gic.Distributor
	e   []*Engine
}

func newCluster(t testing.TB, g layout.Geometry) *cluster {
	t.Helper()
	mem, err := shm.New(g.RegionBase, int(g.RegionSize))
	if err != nil {
		t.Fatal(err)
	}
	d, err := gic.New(g.Cores)
	if err != nil {
		t.Fatal(err)
	}
	c := &cluster{g: g, mem: mem, d: d}
	for i := 0; i < g.Cores; i++ {
		e, err := Init(mem, d.CPU(i), d.CPU(i), Options{Geometry: g, SGI: testSGI})
		if err != nil {
			t.Fatalf("init core %d: %v", i, err)
		}
		c.e = append(c.e, e)
	}
	return c
}

func (c *cluster) service(core int) int { return c.d.CPU(core).Service() }

func capture(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	prev := debug.SetOutput(&buf)
	t.Cleanup(func() { debug.SetOutput(prev) })
	return &buf
}

type msg struct {
	src   int
	addr  uint64
	count uint32
}

func recorder(out *[]msg) Handler {
	return func(src int, addr uint64, count uint32) {
		*out = append(*out, msg{src, addr, count})
	}
}

func TestInitResetsOwnRings(t *testing.T) {
	c := newCluster(t, testGeometry())
	d := c.e[1].Diagnostics()
	if d.CoreID != 1 || d.BlockCount != 4 || d.FreeBlocks != 4 || len(d.Rings) != 2 {
		t.Fatalf("diagnostics %+v", d)
	}
	for _, r := range d.Rings {
		if r.Src != 1 || r.Dst == 1 || r.SGI != testSGI || r.DescNum != 4 || r.Head != 0 || r.Tail != 0 {
			t.Fatalf("ring %+v", r)
		}
		if r.DescBase != c.g.DescBase(1, r.Dst) {
			t.Fatalf("ring %d->%d desc base %#x", r.Src, r.Dst, r.DescBase)
		}
	}
}

func TestInitConfigurationErrors(t *testing.T) {
	capture(t)
	g := testGeometry()
	mem, _ := shm.New(g.RegionBase, int(g.RegionSize))
	d, _ := gic.New(3)

	small := g
	small.RingDescSpace = 512 // rings need 768
	short, _ := shm.New(g.RegionBase, 2048)

	cases := []struct {
		name string
		mem  *shm.Region
		opts Options
	}{
		{"ring space", mem, Options{Geometry: small, SGI: testSGI}},
		{"sgi", mem, Options{Geometry: g, SGI: 16}},
		{"region", short, Options{Geometry: g, SGI: testSGI}},
	}
	for _, tc := range cases {
		e, err := Init(tc.mem, d.CPU(0), d.CPU(0), tc.opts)
		if !errors.Is(err, ErrConfiguration) || e != nil {
			t.Fatalf("%s: got %v, %v", tc.name, e, err)
		}
	}
	// nothing was installed: the signal is spurious
	d.CPU(1).SendSignal(1, testSGI)
	d.CPU(0).Service()
	if st := d.CPU(0).Stats(); st.Spurious != 1 {
		t.Fatalf("handler installed by failed init: %+v", st)
	}
	// nothing was written
	if r := ring.Inspect(mem, g, 0, 1); r.DescNum != 0 || r.SGI != 0 {
		t.Fatalf("failed init wrote ring header %+v", r)
	}
}

// One block from core 0 to core 1.
func TestSendReceive(t *testing.T) {
	c := newCluster(t, testGeometry())
	var got []msg
	if err := c.e[1].RegisterCallback(0, recorder(&got)); err != nil {
		t.Fatal(err)
	}

	b, err := c.e[0].RequestBlock()
	if err != nil {
		t.Fatal(err)
	}
	buf, err := c.e[0].Block(b)
	if err != nil {
		t.Fatal(err)
	}
	copy(buf, "ping")
	if err := c.e[0].Enqueue(1<<1, b, 64); err != nil {
		t.Fatal(err)
	}
	if a := c.e[0].RingState(1); a != b {
		t.Fatalf("ring state %#x, want %#x", a, b)
	}
	if n := c.service(1); n != 1 {
		t.Fatalf("served %d", n)
	}
	if len(got) != 1 || got[0] != (msg{0, b, 64}) {
		t.Fatalf("got %+v", got)
	}
	p, err := c.e[1].Payload(b, 4)
	if err != nil || string(p) != "ping" {
		t.Fatalf("payload %q, %v", p, err)
	}
	if a := c.e[0].RingState(1); a != 0 {
		t.Fatalf("ring state after drain %#x", a)
	}
	d := c.e[0].Diagnostics()
	if r := d.Rings[0]; r.Dst != 1 || r.Head != 1 || r.Tail != 1 || r.Interrupts != 1 || r.Busy != 0 {
		t.Fatalf("ring %+v", r)
	}
	if c.e[1].Diagnostics().Delivered != 1 {
		t.Fatal("delivered counter")
	}
}

func TestFullRingRejectsWithoutSideEffects(t *testing.T) {
	capture(t)
	c := newCluster(t, testGeometry())
	e := c.e[0]
	var blocks []uint64
	for i := 0; i < 4; i++ {
		b, err := e.RequestBlock()
		if err != nil {
			t.Fatal(err)
		}
		blocks = append(blocks, b)
	}
	for _, b := range blocks[:3] {
		if err := e.Enqueue(1<<1, b, 8); err != nil {
			t.Fatal(err)
		}
	}
	before := e.Diagnostics().Rings
	err := e.Enqueue(1<<1|1<<2, blocks[3], 8)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("want ErrResourceExhausted, got %v", err)
	}
	after := e.Diagnostics().Rings
	if after[0].Head != before[0].Head || after[0].Busy != 1 {
		t.Fatalf("ring to 1: %+v", after[0])
	}
	// the ring to core 2 had room but must be untouched too
	if after[1].Head != 0 || after[1].Busy != 0 || after[1].Interrupts != 0 {
		t.Fatalf("ring to 2: %+v", after[1])
	}
	if rec := e.pool.Record(blocks[3]); rec != ^uint32(0) {
		t.Fatalf("record %#x changed", rec)
	}
	// one pending signal for the three accepted sends
	if n := c.service(1); n != 1 {
		t.Fatalf("served %d", n)
	}
	if c.service(2) != 0 {
		t.Fatal("core 2 signalled")
	}
}

// A block sent to two cores comes back only after both have read it.
func TestMulticastReclaim(t *testing.T) {
	capture(t)
	c := newCluster(t, testGeometry())
	e := c.e[0]
	for i := range 4 {
		b, err := e.RequestBlock()
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 {
			e.ReleaseBlock(b)
		}
	}
	b := e.pool.Addr(0)
	if err := e.Enqueue(1<<1|1<<2, b, 16); err != nil {
		t.Fatal(err)
	}
	if rec := e.pool.Record(b); rec != 1<<1|1<<2 {
		t.Fatalf("record %#x", rec)
	}

	c.service(1)
	got, err := e.RequestBlock()
	if err != nil {
		t.Fatal(err)
	}
	if got == b {
		t.Fatal("block reclaimed while core 2 has not read it")
	}
	if rec := e.pool.Record(b); rec != 1<<2 {
		t.Fatalf("record after core 1 read %#x", rec)
	}
	e.ReleaseBlock(got)

	c.service(2)
	got, err = e.RequestBlock()
	if err != nil || got != b {
		t.Fatalf("got %#x, %v; want %#x", got, err, b)
	}
	// each descriptor is settled once
	if rec := e.pool.Record(b); rec != ^uint32(0) {
		t.Fatalf("record %#x", rec)
	}
}

func TestReclaimSkipsUnreadDescriptors(t *testing.T) {
	c := newCluster(t, testGeometry())
	e := c.e[0]
	b, _ := e.RequestBlock()
	if err := e.Enqueue(1<<1, b, 1); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		got, err := e.RequestBlock()
		if err != nil {
			t.Fatal(err)
		}
		if got == b {
			t.Fatal("unread block handed out")
		}
	}
	capture(t)
	if _, err := e.RequestBlock(); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("want ErrResourceExhausted, got %v", err)
	}
}

func TestFIFOOrder(t *testing.T) {
	c := newCluster(t, testGeometry())
	var got []msg
	c.e[2].RegisterCallback(0, recorder(&got))
	var sent []uint64
	for i := range 3 {
		b, err := c.e[0].RequestBlock()
		if err != nil {
			t.Fatal(err)
		}
		if err := c.e[0].Enqueue(1<<2, b, uint32(10+i)); err != nil {
			t.Fatal(err)
		}
		sent = append(sent, b)
	}
	c.service(2)
	if len(got) != 3 {
		t.Fatalf("got %d messages", len(got))
	}
	for i, m := range got {
		if m.addr != sent[i] || m.count != uint32(10+i) {
			t.Fatalf("message %d = %+v", i, m)
		}
	}
}

func TestEnqueueValidation(t *testing.T) {
	log := capture(t)
	c := newCluster(t, testGeometry())
	e := c.e[0]
	b, _ := e.RequestBlock()
	foreign := c.g.BlockBase(1)

	cases := []struct {
		name  string
		mask  uint32
		addr  uint64
		count uint32
	}{
		{"self only", 1 << 0, b, 1},
		{"empty", 0, b, 1},
		{"missing core", 1 << 5, b, 1},
		{"oversize", 1 << 1, b, 257},
		{"foreign block", 1 << 1, foreign, 1},
		{"unaligned", 1 << 1, b + 8, 1},
	}
	for _, tc := range cases {
		if err := e.Enqueue(tc.mask, tc.addr, tc.count); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: want ErrInvalidArgument, got %v", tc.name, err)
		}
	}
	for _, r := range e.Diagnostics().Rings {
		if r.Head != 0 || r.Busy != 0 || r.Interrupts != 0 {
			t.Fatalf("ring mutated: %+v", r)
		}
	}
	if c.service(1)+c.service(2) != 0 {
		t.Fatal("signal raised")
	}
	if !strings.Contains(log.String(), "illegal") {
		t.Fatalf("log %q", log.String())
	}
	// full unit is allowed; the self bit alongside a peer is ignored
	if err := e.Enqueue(1<<0|1<<1, b, 256); err != nil {
		t.Fatal(err)
	}
}

func TestProtocolViolations(t *testing.T) {
	log := capture(t)
	c := newCluster(t, testGeometry())
	e := c.e[1]
	e.handleSignal(3, 0)
	e.handleSignal(testSGI, 1)
	e.handleSignal(testSGI, 9)
	if v := e.Diagnostics().Violations; v != 3 {
		t.Fatalf("violations %d", v)
	}
	for _, s := range []string{"wrong SGI", "self-icc", "unknown core"} {
		if !strings.Contains(log.String(), s) {
			t.Fatalf("log missing %q: %q", s, log.String())
		}
	}

	// a descriptor naming a block outside the sender's pool is skipped
	var got []msg
	e.RegisterCallback(0, recorder(&got))
	raw := ring.NewProducer(c.mem, c.g, 0, 1)
	raw.Push(ring.Descriptor{Addr: c.g.BlockBase(2), Count: 4})
	e.handleSignal(testSGI, 0)
	if len(got) != 0 || e.Diagnostics().Violations != 4 {
		t.Fatalf("bad descriptor delivered: %+v", got)
	}
	if raw.Pending() != 0 {
		t.Fatal("bad descriptor not consumed")
	}
}

func TestUnhandledDrains(t *testing.T) {
	log := capture(t)
	c := newCluster(t, testGeometry())
	b, _ := c.e[2].RequestBlock()
	if err := c.e[2].Enqueue(1<<0, b, 5); err != nil {
		t.Fatal(err)
	}
	c.service(0)
	if c.e[0].Diagnostics().Unhandled != 1 || c.e[2].RingState(0) != 0 {
		t.Fatal("unhandled descriptor must still be consumed")
	}
	if !strings.Contains(log.String(), "from core 2") {
		t.Fatalf("log %q", log.String())
	}
}

func TestRegisterCallback(t *testing.T) {
	capture(t)
	c := newCluster(t, testGeometry())
	e := c.e[2]
	var got []msg
	if err := e.RegisterCallback(AllSources, recorder(&got)); err != nil {
		t.Fatal(err)
	}
	for _, bad := range []int{2, 3, -2} {
		if err := e.RegisterCallback(bad, nil); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("source %d: %v", bad, err)
		}
	}
	for src := 0; src < 2; src++ {
		b, _ := c.e[src].RequestBlock()
		if err := c.e[src].Enqueue(1<<2, b, uint32(src+1)); err != nil {
			t.Fatal(err)
		}
	}
	c.service(2)
	if len(got) != 2 || got[0].src != 0 || got[1].src != 1 {
		t.Fatalf("got %+v", got)
	}

	// a later registration for one source replaces the wildcard for it
	var only []msg
	e.RegisterCallback(1, recorder(&only))
	b, _ := c.e[1].RequestBlock()
	c.e[1].Enqueue(1<<2, b, 9)
	c.service(2)
	if len(only) != 1 || len(got) != 2 {
		t.Fatalf("replacement: only=%+v got=%+v", only, got)
	}
}

func TestRingStateBadCore(t *testing.T) {
	capture(t)
	c := newCluster(t, testGeometry())
	for _, d := range []int{0, 3, -1} {
		if a := c.e[0].RingState(d); a != 0 {
			t.Fatalf("dest %d: %#x", d, a)
		}
	}
}

func TestClose(t *testing.T) {
	capture(t)
	c := newCluster(t, testGeometry())
	b, _ := c.e[0].RequestBlock()
	if err := c.e[1].Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.e[1].Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.e[1].RequestBlock(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("got %v", err)
	}
	if err := c.e[1].RegisterCallback(0, nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("got %v", err)
	}
	c.e[0].Enqueue(1<<1, b, 1)
	c.service(1)
	if st := c.d.CPU(1).Stats(); st.Spurious != 1 {
		t.Fatalf("closed engine still handles: %+v", st)
	}
}

func TestShowAndInspect(t *testing.T) {
	c := newCluster(t, testGeometry())
	b, _ := c.e[0].RequestBlock()
	c.e[0].Enqueue(1<<2, b, 1)

	var out bytes.Buffer
	if err := c.e[0].Show(&out); err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"ICC core 0", "ring 0->1", "ring 0->2", "head=1"} {
		if !strings.Contains(out.String(), s) {
			t.Fatalf("report missing %q:\n%s", s, out.String())
		}
	}

	rings, err := InspectRegion(c.mem, c.g)
	if err != nil {
		t.Fatal(err)
	}
	if len(rings) != 6 {
		t.Fatalf("%d rings", len(rings))
	}
	if r := rings[1]; r.Src != 0 || r.Dst != 2 || r.Head != 1 {
		t.Fatalf("ring %+v", r)
	}
	out.Reset()
	if err := WriteRings(&out, rings); err != nil || strings.Count(out.String(), "\n") != 6 {
		t.Fatalf("rings report %q, %v", out.String(), err)
	}
}

// A message published while the receiver is draining waits for the next
// signal instead of extending the current drain.
func TestDrainDefersArrivals(t *testing.T) {
	c := newCluster(t, testGeometry())
	var got []msg
	c.e[1].RegisterCallback(0, func(src int, addr uint64, count uint32) {
		got = append(got, msg{src, addr, count})
		if len(got) != 1 {
			return
		}
		b, err := c.e[0].RequestBlock()
		if err != nil {
			t.Error(err)
			return
		}
		if err := c.e[0].Enqueue(1<<1, b, 2); err != nil {
			t.Error(err)
		}
	})

	b, _ := c.e[0].RequestBlock()
	if err := c.e[0].Enqueue(1<<1, b, 1); err != nil {
		t.Fatal(err)
	}
	if n := c.service(1); n != 1 || len(got) != 1 {
		t.Fatalf("first service: served %d, delivered %d", n, len(got))
	}
	if c.e[0].RingState(1) == 0 {
		t.Fatal("message sent during drain should still be pending")
	}
	if n := c.service(1); n != 1 || len(got) != 2 || got[1].count != 2 {
		t.Fatalf("second service: served %d, got %+v", n, got)
	}
	if c.e[0].RingState(1) != 0 {
		t.Fatal("ring not drained")
	}
}

// Wrapping onto a consumed head slot settles the claim the old descriptor
// still holds, even when no RequestBlock ran in between.
func TestEnqueueSupersedesConsumedHead(t *testing.T) {
	c := newCluster(t, testGeometry())
	c.e[1].RegisterCallback(0, func(int, uint64, uint32) {})
	e := c.e[0]

	var blocks []uint64
	for range 4 {
		b, err := e.RequestBlock()
		if err != nil {
			t.Fatal(err)
		}
		blocks = append(blocks, b)
	}
	for _, b := range blocks {
		if err := e.Enqueue(1<<1, b, 1); err != nil {
			t.Fatal(err)
		}
		c.service(1)
	}
	// head has wrapped to slot 0, which still names the consumed B0
	if st := e.Diagnostics().Rings[0]; st.Head != 0 || st.Tail != 0 {
		t.Fatalf("ring %+v", st)
	}
	b0, b3 := blocks[0], blocks[3]
	if rec := e.pool.Record(b0); rec != 1<<1 {
		t.Fatalf("B0 record %#x before supersede", rec)
	}
	if e.FreeBlocks() != 0 {
		t.Fatalf("free %d before release", e.FreeBlocks())
	}

	e.ReleaseBlock(b3)
	if err := e.Enqueue(1<<1, b3, 1); err != nil {
		t.Fatal(err)
	}
	if rec := e.pool.Record(b0); rec != 0 {
		t.Fatalf("B0 record %#x after supersede, want 0", rec)
	}
	if rec := e.pool.Record(b3); rec != 1<<1 {
		t.Fatalf("B3 record %#x", rec)
	}
	if e.FreeBlocks() != 1 {
		t.Fatalf("free %d after supersede, want 1", e.FreeBlocks())
	}
	if a := e.RingState(1); a != b3 {
		t.Fatalf("ring state %#x, want %#x", a, b3)
	}
}
