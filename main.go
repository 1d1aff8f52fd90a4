// ════════════════════════════════════════════════════════════════════════════════════════════════
// ICC Simulator - Main Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: multi-core inter-core communication simulator
//
// Description:
//   Boots N simulated cores on one shared region, each running its own ICC engine behind a
//   software interrupt controller, then drives the self-test application across them and
//   reports every core's diagnostics.
//
// Phases:
//   - Phase 0: flags, geometry, shared region (heap or file mapping), log sinks
//   - Phase 1: per-core ICC init and callback installation
//   - Phase 2: pinned delivery loops + self-test traffic until settled
//   - Phase 3: diagnostics report (text or JSON) and optional SQLite snapshot
//
//   -dump skips everything but Phase 0 and prints the ring headers already present in a
//   mapped region file.
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"icc/console"
	"icc/constants"
	"icc/debug"
	"icc/diaglog"
	"icc/gic"
	"icc/icc"
	"icc/layout"
	"icc/selftest"
	"icc/shm"
	"icc/utils"
)

type config struct {
	cores, entries, unit, blocks int
	sgi                          uint
	rounds, size                 int
	timeout                      time.Duration
	shmPath                      string
	dump, asJSON                 bool
	dbPath                       string
	consoleDev                   string
	baud                         int
}

func parseFlags(args []string) (config, error) {
	var c config
	fs := flag.NewFlagSet("icc", flag.ContinueOnError)
	fs.IntVar(&c.cores, "cores", constants.MaxCores, "simulated cores sharing the region")
	fs.IntVar(&c.entries, "entries", constants.RingEntries, "descriptor slots per ring")
	fs.IntVar(&c.unit, "unit", constants.BlockUnitSize, "payload block size in bytes")
	fs.IntVar(&c.blocks, "blocks", 0, "blocks per core; 0 uses the reserved region size")
	fs.UintVar(&c.sgi, "sgi", constants.SGI, "software-generated interrupt reserved for ICC")
	fs.IntVar(&c.rounds, "rounds", 1000, "self-test broadcast rounds per core")
	fs.IntVar(&c.size, "size", 256, "self-test payload body bytes")
	fs.DurationVar(&c.timeout, "timeout", 30*time.Second, "self-test deadline")
	fs.StringVar(&c.shmPath, "shm", "", "back the region with this file instead of the heap")
	fs.BoolVar(&c.dump, "dump", false, "print ring headers found in -shm and exit")
	fs.BoolVar(&c.asJSON, "json", false, "print diagnostics as JSON")
	fs.StringVar(&c.dbPath, "db", "", "record diagnostics snapshots into this SQLite file")
	fs.StringVar(&c.consoleDev, "console", "", "mirror log lines to this serial device")
	fs.IntVar(&c.baud, "baud", 115200, "serial console baud rate")
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if c.sgi > constants.MaxSGI {
		return c, fmt.Errorf("-sgi %d outside [0, %d]", c.sgi, constants.MaxSGI)
	}
	if c.dump && c.shmPath == "" {
		return c, fmt.Errorf("-dump needs -shm")
	}
	return c, nil
}

func (c config) geometry() layout.Geometry {
	if c.blocks > 0 {
		return layout.Fit(c.cores, c.entries, c.unit, c.blocks, constants.ShareReserveBase)
	}
	g := layout.Default()
	g.Cores, g.RingEntries, g.BlockUnit = c.cores, c.entries, c.unit
	return g
}

func main() {
	c, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := run(c, os.Stdout); err != nil {
		debug.DropError("FATAL", err)
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ORCHESTRATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func run(c config, stdout io.Writer) error {
	// PHASE 0: sinks, geometry and shared region
	if c.consoleDev != "" {
		cfg := console.DefaultConfig(c.consoleDev)
		cfg.Baud = c.baud
		port, err := console.Open(cfg)
		if err != nil {
			return err
		}
		defer port.Close()
		defer console.Mirror(port)()
	}

	g := c.geometry()
	if err := g.Check(); err != nil {
		return err
	}
	mem, err := openRegion(c.shmPath, g)
	if err != nil {
		return err
	}
	defer mem.Close()

	if c.dump {
		rings, err := icc.InspectRegion(mem, g)
		if err != nil {
			return err
		}
		if c.asJSON {
			return writeJSON(stdout, rings)
		}
		return icc.WriteRings(stdout, rings)
	}

	// PHASE 1: one engine per core
	d, err := gic.New(g.Cores)
	if err != nil {
		return err
	}
	opts := icc.Options{Geometry: g, SGI: uint32(c.sgi)}
	nodes := make([]*selftest.Node, 0, d.Cores())
	for id := 0; id < d.Cores(); id++ {
		cpu := d.CPU(id)
		e, err := icc.Init(mem, cpu, cpu, opts)
		if err != nil {
			return fmt.Errorf("core %d: %w", id, err)
		}
		defer e.Close()
		n, err := selftest.NewNode(e)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}
	debug.DropMessage("READY", utils.Itoa(g.Cores)+" cores, "+utils.Itoa(g.BlockCount())+" blocks of "+
		utils.Itoa(g.BlockUnit)+" bytes per core, region "+utils.Hex(g.RegionBase))

	// PHASE 2: traffic
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d.Start()
	start := time.Now()
	runErr := selftest.Run(ctx, nodes, c.rounds, c.size)
	for runErr == nil && !selftest.Settled(nodes) {
		if ctx.Err() != nil {
			runErr = fmt.Errorf("self-test did not settle: %w", ctx.Err())
			break
		}
		time.Sleep(time.Millisecond)
	}
	d.Stop()
	debug.DropMessage("SELFTEST", "finished in "+time.Since(start).String())

	// PHASE 3: report
	snaps := make([]icc.Diagnostics, len(nodes))
	stats := make([]selftest.Stats, len(nodes))
	for i, n := range nodes {
		snaps[i] = n.Engine().Diagnostics()
		stats[i] = n.Stats()
	}
	if err := report(stdout, c.asJSON, snaps, stats); err != nil {
		return err
	}
	if c.dbPath != "" {
		if err := record(c.dbPath, opts, snaps); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	for _, st := range stats {
		if st.Bad != 0 {
			return fmt.Errorf("core %d received %d corrupt payloads", st.Core, st.Bad)
		}
	}
	return nil
}

func openRegion(path string, g layout.Geometry) (*shm.Region, error) {
	if path == "" {
		return shm.New(g.RegionBase, int(g.RegionSize))
	}
	return shm.Map(path, g.RegionBase, int(g.RegionSize))
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// OUTPUT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

type jsonReport struct {
	Cores    []icc.Diagnostics `json:"cores"`
	SelfTest []selftest.Stats  `json:"selftest"`
}

func report(w io.Writer, asJSON bool, snaps []icc.Diagnostics, stats []selftest.Stats) error {
	if asJSON {
		return writeJSON(w, jsonReport{Cores: snaps, SelfTest: stats})
	}
	for i := range snaps {
		if err := snaps[i].Write(w); err != nil {
			return err
		}
		st := stats[i]
		if _, err := fmt.Fprintf(w, "  selftest sent=%d busy=%d received=%d good=%d bad=%d\n",
			st.Sent, st.Busy, st.Received, st.Good, st.Bad); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	b, err := sonnet.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

func record(path string, opts icc.Options, snaps []icc.Diagnostics) error {
	rec, err := diaglog.Open(path, opts.Geometry, opts.SGI)
	if err != nil {
		return err
	}
	defer rec.Close()
	_, err = rec.Record(snaps...)
	return err
}
