// Package diaglog records engine Diagnostics snapshots into SQLite so a run
// can be inspected after the fact.
//
// One run row per simulator invocation carries the layout as a JSON blob.
// Each Record call appends a snapshot row per core plus one row per ring, all
// inside a single transaction.
package diaglog

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	"icc/debug"
	"icc/icc"
	"icc/layout"
	"icc/utils"
)

// Recorder appends snapshots for one run.
type Recorder struct {
	db    *sql.DB
	run   int64
	seq   int64
	owned bool
}

// Open creates or extends the database at path and starts a new run for g.
// ":memory:" gives a throwaway database.
func Open(path string, g layout.Geometry, sgi uint32) (*Recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// an in-memory database lives as long as its single connection
	db.SetMaxOpenConns(1)
	r, err := New(db, g, sgi)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

// New starts a run on an already open database. Close leaves db open.
func New(db *sql.DB, g layout.Geometry, sgi uint32) (*Recorder, error) {
	if err := configureDatabase(db); err != nil {
		return nil, err
	}
	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	cfg, err := sonnet.Marshal(runConfig{Geometry: g, SGI: sgi})
	if err != nil {
		return nil, err
	}
	res, err := db.Exec(`INSERT INTO runs (started_at, config) VALUES (?, ?)`,
		time.Now().UnixNano(), utils.B2s(cfg))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	run, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	debug.DropMessage("DIAGLOG", "recording run "+utils.Itoa(int(run)))
	return &Recorder{db: db, run: run}, nil
}

type runConfig struct {
	Geometry layout.Geometry `json:"geometry"`
	SGI      uint32          `json:"sgi"`
}

func configureDatabase(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to execute %s: %w", p, err)
		}
	}
	return nil
}

func initializeSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at INTEGER NOT NULL,
		config     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		run_id      INTEGER NOT NULL,
		seq         INTEGER NOT NULL,
		core_id     INTEGER NOT NULL,
		taken_at    INTEGER NOT NULL,
		block_idx   INTEGER NOT NULL,
		free_blocks INTEGER NOT NULL,
		delivered   INTEGER NOT NULL,
		unhandled   INTEGER NOT NULL,
		violations  INTEGER NOT NULL,
		body        TEXT NOT NULL,
		PRIMARY KEY (run_id, seq, core_id)
	) WITHOUT ROWID;

	CREATE TABLE IF NOT EXISTS ring_stats (
		run_id     INTEGER NOT NULL,
		seq        INTEGER NOT NULL,
		src        INTEGER NOT NULL,
		dest       INTEGER NOT NULL,
		head       INTEGER NOT NULL,
		tail       INTEGER NOT NULL,
		busy       INTEGER NOT NULL,
		interrupts INTEGER NOT NULL,
		PRIMARY KEY (run_id, seq, src, dest)
	) WITHOUT ROWID;
	`)
	return err
}

// Run is the id of the run this recorder appends to.
func (r *Recorder) Run() int64 { return r.run }

// Record stores one snapshot per engine state under the next sequence number
// and returns that number.
func (r *Recorder) Record(snaps ...icc.Diagnostics) (int64, error) {
	r.seq++
	seq := r.seq
	now := time.Now().UnixNano()

	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	snapStmt, err := tx.Prepare(`
		INSERT INTO snapshots
		(run_id, seq, core_id, taken_at, block_idx, free_blocks, delivered, unhandled, violations, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to prepare snapshot statement: %w", err)
	}
	defer snapStmt.Close()
	ringStmt, err := tx.Prepare(`
		INSERT INTO ring_stats (run_id, seq, src, dest, head, tail, busy, interrupts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to prepare ring statement: %w", err)
	}
	defer ringStmt.Close()

	for _, d := range snaps {
		body, err := sonnet.Marshal(d)
		if err != nil {
			tx.Rollback()
			return 0, err
		}
		if _, err := snapStmt.Exec(r.run, seq, d.CoreID, now, d.BlockCursor, d.FreeBlocks,
			d.Delivered, d.Unhandled, d.Violations, utils.B2s(body)); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert snapshot core %d: %w", d.CoreID, err)
		}
		for _, rs := range d.Rings {
			if _, err := ringStmt.Exec(r.run, seq, rs.Src, rs.Dst, rs.Head, rs.Tail, rs.Busy, rs.Interrupts); err != nil {
				tx.Rollback()
				return 0, fmt.Errorf("insert ring %d->%d: %w", rs.Src, rs.Dst, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// Latest returns the most recent snapshot of core in this run.
func (r *Recorder) Latest(core int) (icc.Diagnostics, error) {
	var body string
	err := r.db.QueryRow(`
		SELECT body FROM snapshots
		WHERE run_id = ? AND core_id = ?
		ORDER BY seq DESC LIMIT 1`, r.run, core).Scan(&body)
	if err != nil {
		return icc.Diagnostics{}, err
	}
	var d icc.Diagnostics
	if err := sonnet.Unmarshal([]byte(body), &d); err != nil {
		return icc.Diagnostics{}, err
	}
	return d, nil
}

// BusyTotal sums the full-ring counters across all rings at snapshot seq.
func (r *Recorder) BusyTotal(seq int64) (uint64, error) {
	var n sql.NullInt64
	err := r.db.QueryRow(`SELECT SUM(busy) FROM ring_stats WHERE run_id = ? AND seq = ?`, r.run, seq).Scan(&n)
	if err != nil {
		return 0, err
	}
	return uint64(n.Int64), nil
}

// Config decodes the layout stored for this run.
func (r *Recorder) Config() (layout.Geometry, uint32, error) {
	var blob string
	if err := r.db.QueryRow(`SELECT config FROM runs WHERE id = ?`, r.run).Scan(&blob); err != nil {
		return layout.Geometry{}, 0, err
	}
	var c runConfig
	if err := sonnet.Unmarshal([]byte(blob), &c); err != nil {
		return layout.Geometry{}, 0, err
	}
	return c.Geometry, c.SGI, nil
}

// Close releases the database if Open created it.
func (r *Recorder) Close() error {
	if r.owned {
		return r.db.Close()
	}
	return nil
}
