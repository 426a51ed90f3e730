// Package savedb keeps a sqlite read-model of save activity: which
// entities exist, when each sector or bundle was last written, and how
// big it was. It is a secondary index for tooling and ops queries; the
// binary region/index/archive files stay the source of truth.
package savedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
)

type DB struct {
	db *sql.DB
}

func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("savedb: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL suits the append-style write pattern; NORMAL durability is fine
	// for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			guid TEXT PRIMARY KEY,
			kind INTEGER NOT NULL,
			dirty INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sector_saves (
			guid TEXT NOT NULL,
			sx INTEGER NOT NULL, sy INTEGER NOT NULL, sz INTEGER NOT NULL,
			rx INTEGER NOT NULL, ry INTEGER NOT NULL, rz INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			saved_at TEXT NOT NULL,
			PRIMARY KEY (guid, sx, sy, sz)
		);`,
		`CREATE TABLE IF NOT EXISTS bundle_saves (
			guid TEXT PRIMARY KEY,
			cx INTEGER NOT NULL, cy INTEGER NOT NULL, cz INTEGER NOT NULL,
			sectors INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			saved_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sector_saves_region
			ON sector_saves (rx, ry, rz);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &DB{db: db}, nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (d *DB) UpsertEntity(guid uuid.UUID, kind int, dirty uint16) error {
	_, err := d.db.Exec(`INSERT INTO entities (guid, kind, dirty, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET kind=excluded.kind, dirty=excluded.dirty, updated_at=excluded.updated_at`,
		guid.String(), kind, int(dirty), now())
	return err
}

func (d *DB) RecordSectorSave(guid uuid.UUID, sc, rc [3]int32, bytes int) error {
	_, err := d.db.Exec(`INSERT INTO sector_saves (guid, sx, sy, sz, rx, ry, rz, bytes, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid, sx, sy, sz) DO UPDATE SET
			rx=excluded.rx, ry=excluded.ry, rz=excluded.rz,
			bytes=excluded.bytes, saved_at=excluded.saved_at`,
		guid.String(), sc[0], sc[1], sc[2], rc[0], rc[1], rc[2], bytes, now())
	return err
}

func (d *DB) RecordBundleSave(guid uuid.UUID, cell [3]int32, sectors, bytes int) error {
	_, err := d.db.Exec(`INSERT INTO bundle_saves (guid, cx, cy, cz, sectors, bytes, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			cx=excluded.cx, cy=excluded.cy, cz=excluded.cz,
			sectors=excluded.sectors, bytes=excluded.bytes, saved_at=excluded.saved_at`,
		guid.String(), cell[0], cell[1], cell[2], sectors, bytes, now())
	return err
}

// SectorSaveCount returns how many distinct sectors of an entity have been
// saved.
func (d *DB) SectorSaveCount(guid uuid.UUID) (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM sector_saves WHERE guid = ?`, guid.String()).Scan(&n)
	return n, err
}

// RegionSaveCounts returns saved-sector counts per region, for ops
// dashboards and the region tool.
func (d *DB) RegionSaveCounts() (map[[3]int32]int, error) {
	rows, err := d.db.Query(`SELECT rx, ry, rz, COUNT(*) FROM sector_saves GROUP BY rx, ry, rz`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[[3]int32]int{}
	for rows.Next() {
		var rc [3]int32
		var n int
		if err := rows.Scan(&rc[0], &rc[1], &rc[2], &n); err != nil {
			return nil, err
		}
		out[rc] = n
	}
	return out, rows.Err()
}

// LatestSectorSaves returns the most recent sector save timestamp per
// entity (RFC3339Nano strings, as stored).
func (d *DB) LatestSectorSaves() (map[string]string, error) {
	rows, err := d.db.Query(`SELECT guid, MAX(saved_at) FROM sector_saves GROUP BY guid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var guid, at string
		if err := rows.Scan(&guid, &at); err != nil {
			return nil, err
		}
		out[guid] = at
	}
	return out, rows.Err()
}

func (d *DB) EntityCount() (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM entities`).Scan(&n)
	return n, err
}

func (d *DB) Close() error { return d.db.Close() }
