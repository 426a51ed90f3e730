package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"voxelgrid.dev/internal/persistence/region"
	"voxelgrid.dev/internal/persistence/savedb"
	"voxelgrid.dev/internal/persistence/sectorio"
	"voxelgrid.dev/internal/voxel"
)

// Config sizes the spatial partitioning.
type Config struct {
	RegionSectors int // N: region edge, in sectors
	GridRegions   int // M: grid cell edge, in regions
}

func (c Config) withDefaults() Config {
	if c.RegionSectors <= 0 {
		c.RegionSectors = 8
	}
	if c.GridRegions <= 0 {
		c.GridRegions = 4
	}
	return c
}

// Manager coordinates all file-level persistence under one world
// directory. It is single-coordinator by design: drive it from one task.
type Manager struct {
	dir    string
	cfg    Config
	logger *log.Logger

	regions map[[3]int32]*region.File
	metas   map[uuid.UUID]EntityMeta
	cells   map[[3]int32]struct{} // grid cells touched by saves

	db *savedb.DB // optional read-model index
}

func NewManager(dir string, cfg Config, logger *log.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	for _, sub := range []string{"regions", "index", "archives"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	m := &Manager{
		dir:     dir,
		cfg:     cfg,
		logger:  logger,
		regions: map[[3]int32]*region.File{},
		metas:   map[uuid.UUID]EntityMeta{},
		cells:   map[[3]int32]struct{}{},
	}
	m.scanCells()
	return m, nil
}

// SetDB attaches the optional sqlite save index.
func (m *Manager) SetDB(db *savedb.DB) { m.db = db }

func (m *Manager) Config() Config { return m.cfg }

// scanCells seeds the touched-cell set from files already on disk, so
// streaming entities keep intersecting cells from earlier runs.
func (m *Manager) scanCells() {
	names, err := os.ReadDir(filepath.Join(m.dir, "regions"))
	if err == nil {
		for _, de := range names {
			var rc [3]int32
			if _, err := fmt.Sscanf(de.Name(), "r.%d.%d.%d.vgr", &rc[0], &rc[1], &rc[2]); err == nil {
				m.cells[m.RegionCell(rc)] = struct{}{}
			}
		}
	}
	names, err = os.ReadDir(filepath.Join(m.dir, "index"))
	if err == nil {
		for _, de := range names {
			var cell [3]int32
			if _, err := fmt.Sscanf(de.Name(), "i.%d.%d.%d.vgi", &cell[0], &cell[1], &cell[2]); err == nil {
				m.cells[cell] = struct{}{}
			}
		}
	}
}

// Partitioning math. Floor division keeps negative coordinates in the
// right region and cell.

// SectorRegion maps world sector coordinates to region coordinates.
func (m *Manager) SectorRegion(sc [3]int32) [3]int32 {
	var rc [3]int32
	for i := range sc {
		rc[i] = int32(voxel.FloorDiv(int(sc[i]), m.cfg.RegionSectors))
	}
	return rc
}

// SectorLocal maps world sector coordinates to the position within their
// region.
func (m *Manager) SectorLocal(sc [3]int32) [3]int32 {
	var lc [3]int32
	for i := range sc {
		lc[i] = int32(voxel.Mod(int(sc[i]), m.cfg.RegionSectors))
	}
	return lc
}

// RegionCell maps region coordinates to grid-cell coordinates.
func (m *Manager) RegionCell(rc [3]int32) [3]int32 {
	var cc [3]int32
	for i := range rc {
		cc[i] = int32(voxel.FloorDiv(int(rc[i]), m.cfg.GridRegions))
	}
	return cc
}

// CellBlocks is the grid-cell edge length in blocks.
func (m *Manager) CellBlocks() int {
	return m.cfg.GridRegions * m.cfg.RegionSectors * voxel.SectorSize
}

// BlockCell maps a block coordinate to its grid cell.
func (m *Manager) BlockCell(pos [3]float32) [3]int32 {
	var cc [3]int32
	cb := m.CellBlocks()
	for i := range pos {
		cc[i] = int32(voxel.FloorDiv(int(floorF(pos[i])), cb))
	}
	return cc
}

func floorF(v float32) int {
	n := int(v)
	if float32(n) > v {
		n--
	}
	return n
}

func (m *Manager) regionPath(rc [3]int32) string {
	return filepath.Join(m.dir, "regions", fmt.Sprintf("r.%d.%d.%d.vgr", rc[0], rc[1], rc[2]))
}

func (m *Manager) indexPath(cell [3]int32) string {
	return filepath.Join(m.dir, "index", fmt.Sprintf("i.%d.%d.%d.vgi", cell[0], cell[1], cell[2]))
}

func (m *Manager) archivePath(cell [3]int32) string {
	return filepath.Join(m.dir, "archives", fmt.Sprintf("a.%d.%d.%d.vga", cell[0], cell[1], cell[2]))
}

func (m *Manager) openRegion(rc [3]int32) (*region.File, error) {
	if r, ok := m.regions[rc]; ok {
		return r, nil
	}
	r, err := region.Open(m.regionPath(rc), rc, m.logger)
	if err != nil {
		return nil, err
	}
	m.regions[rc] = r
	m.cells[m.RegionCell(rc)] = struct{}{}
	return r, nil
}

// RegisterEntity records an entity's metadata. Registration decides which
// storage discipline its saves may use and feeds the per-cell index files.
func (m *Manager) RegisterEntity(meta EntityMeta) error {
	if meta.Kind != KindStreaming && meta.Kind != KindBundled {
		return fmt.Errorf("store: entity %s: unknown kind %d", meta.GUID, meta.Kind)
	}
	m.metas[meta.GUID] = meta
	if m.db != nil {
		if err := m.db.UpsertEntity(meta.GUID, int(meta.Kind), meta.DirtyFlags); err != nil && m.logger != nil {
			m.logger.Printf("savedb: upsert %s: %v", meta.GUID, err)
		}
	}
	return nil
}

// Meta looks up a registered entity.
func (m *Manager) Meta(guid uuid.UUID) (EntityMeta, bool) {
	meta, ok := m.metas[guid]
	return meta, ok
}

// SaveSector writes one sector of a streaming entity into its region file.
// Bundled entities are rejected here; they save atomically through
// SaveBundled.
func (m *Manager) SaveSector(guid uuid.UUID, sc [3]int32, s *voxel.Sector) error {
	meta, ok := m.metas[guid]
	if !ok {
		return fmt.Errorf("store: entity %s not registered", guid)
	}
	if meta.Kind != KindStreaming {
		return fmt.Errorf("%w: %s is %s, not streaming", ErrWrongEntityKind, guid, meta.Kind)
	}

	rc := m.SectorRegion(sc)
	r, err := m.openRegion(rc)
	if err != nil {
		return err
	}
	rec, err := sectorio.Append(nil, s)
	if err != nil {
		return fmt.Errorf("store: encode sector %v: %w", sc, err)
	}
	if err := r.WriteSector(guid, m.SectorLocal(sc), rec); err != nil {
		return err
	}
	if m.db != nil {
		if err := m.db.RecordSectorSave(guid, sc, rc, len(rec)); err != nil && m.logger != nil {
			m.logger.Printf("savedb: sector save %v: %v", sc, err)
		}
	}
	return nil
}

// LoadSector reads one sector of a streaming entity. The second result is
// false when the sector was never saved, which callers treat as "needs
// regeneration"; a saved all-empty sector comes back present.
func (m *Manager) LoadSector(guid uuid.UUID, sc [3]int32) (*voxel.Sector, bool, error) {
	meta, ok := m.metas[guid]
	if !ok {
		return nil, false, fmt.Errorf("store: entity %s not registered", guid)
	}
	if meta.Kind != KindStreaming {
		return nil, false, fmt.Errorf("%w: %s is %s, not streaming", ErrWrongEntityKind, guid, meta.Kind)
	}

	rc := m.SectorRegion(sc)
	if _, err := os.Stat(m.regionPath(rc)); errors.Is(err, os.ErrNotExist) {
		if _, open := m.regions[rc]; !open {
			return nil, false, nil
		}
	}
	r, err := m.openRegion(rc)
	if err != nil {
		return nil, false, err
	}
	rec, found, err := r.ReadSector(guid, m.SectorLocal(sc))
	if err != nil || !found {
		return nil, found, err
	}
	s, _, err := sectorio.Decode(rec, sectorio.DecodeOptions{Logger: m.logger})
	if err != nil {
		return nil, true, fmt.Errorf("store: sector %v: %w", sc, err)
	}
	s.Coords = voxel.Vec3i{X: int(sc[0]), Y: int(sc[1]), Z: int(sc[2])}
	return s, true, nil
}

// SaveBundled writes all sectors of a bundled entity as one archive entry,
// rewriting the owning cell's archive file in full.
func (m *Manager) SaveBundled(guid uuid.UUID, sectors []*voxel.Sector) error {
	meta, ok := m.metas[guid]
	if !ok {
		return fmt.Errorf("store: entity %s not registered", guid)
	}
	if meta.Kind != KindBundled {
		return fmt.Errorf("%w: %s is %s, not bundled", ErrWrongEntityKind, guid, meta.Kind)
	}

	ent := ArchiveEntity{Meta: meta}
	for _, s := range sectors {
		ent.Positions = append(ent.Positions, [3]int32{int32(s.Coords.X), int32(s.Coords.Y), int32(s.Coords.Z)})
		var err error
		ent.Blob, err = sectorio.Append(ent.Blob, s)
		if err != nil {
			return fmt.Errorf("store: encode bundled %s: %w", guid, err)
		}
	}

	cell := m.BlockCell(meta.Transform.Pos)
	path := m.archivePath(cell)
	var ents []ArchiveEntity
	if _, err := os.Stat(path); err == nil {
		_, ents, err = readArchiveFile(path, m.logger)
		if err != nil {
			// A dead archive loses its other entries; that is logged, not
			// fatal, and this save still lands.
			if m.logger != nil {
				m.logger.Printf("store: %v; rewriting archive", err)
			}
			ents = nil
		}
	}
	replaced := false
	for i := range ents {
		if ents[i].Meta.GUID == guid {
			ents[i] = ent
			replaced = true
			break
		}
	}
	if !replaced {
		ents = append(ents, ent)
	}
	if err := writeArchiveFile(path, cell, ents); err != nil {
		return fmt.Errorf("store: archive %v: %w", cell, err)
	}
	m.cells[cell] = struct{}{}
	if m.db != nil {
		if err := m.db.RecordBundleSave(guid, cell, len(sectors), len(ent.Blob)); err != nil && m.logger != nil {
			m.logger.Printf("savedb: bundle save %s: %v", guid, err)
		}
	}
	return nil
}

// LoadBundled reads a bundled entity's sectors back, atomically: either the
// whole entity decodes or the load fails. The second result is false when
// the entity has no archive entry.
func (m *Manager) LoadBundled(guid uuid.UUID) ([]*voxel.Sector, bool, error) {
	meta, ok := m.metas[guid]
	if !ok {
		return nil, false, fmt.Errorf("store: entity %s not registered", guid)
	}
	if meta.Kind != KindBundled {
		return nil, false, fmt.Errorf("%w: %s is %s, not bundled", ErrWrongEntityKind, guid, meta.Kind)
	}

	cell := m.BlockCell(meta.Transform.Pos)
	path := m.archivePath(cell)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	_, ents, err := readArchiveFile(path, m.logger)
	if err != nil {
		return nil, false, err
	}
	for i := range ents {
		if ents[i].Meta.GUID != guid {
			continue
		}
		e := &ents[i]
		var out []*voxel.Sector
		blob := e.Blob
		for _, pos := range e.Positions {
			s, n, derr := sectorio.Decode(blob, sectorio.DecodeOptions{Logger: m.logger})
			if derr != nil {
				return nil, true, fmt.Errorf("store: bundled %s sector %v: %w", guid, pos, derr)
			}
			s.Coords = voxel.Vec3i{X: int(pos[0]), Y: int(pos[1]), Z: int(pos[2])}
			out = append(out, s)
			blob = blob[n:]
		}
		return out, true, nil
	}
	return nil, false, nil
}

// EntitiesInCell enumerates the entities a grid cell holds: the cell's
// index file contents plus every registered streaming entity, which by
// definition intersects all cells.
func (m *Manager) EntitiesInCell(cell [3]int32) []EntityMeta {
	var out []EntityMeta
	seen := map[uuid.UUID]struct{}{}

	if _, err := os.Stat(m.indexPath(cell)); err == nil {
		_, metas, rerr := readIndexFile(m.indexPath(cell), m.logger)
		if rerr != nil {
			if m.logger != nil {
				m.logger.Printf("store: %v; skipping index", rerr)
			}
		} else {
			for _, meta := range metas {
				out = append(out, meta)
				seen[meta.GUID] = struct{}{}
			}
		}
	}
	for _, meta := range m.sortedMetas() {
		if _, dup := seen[meta.GUID]; dup {
			continue
		}
		switch meta.Kind {
		case KindStreaming:
			out = append(out, meta)
		case KindBundled:
			if meta.overlapsCell(cell, m.CellBlocks()) {
				out = append(out, meta)
			}
		}
	}
	return out
}

func (m *Manager) sortedMetas() []EntityMeta {
	out := make([]EntityMeta, 0, len(m.metas))
	for _, meta := range m.metas {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GUID.String() < out[j].GUID.String()
	})
	return out
}

// writeEntityIndexes rewrites every touched cell's index file: bundled
// entities go to the cells their bbox overlaps, streaming entities to all
// of them.
func (m *Manager) writeEntityIndexes() error {
	var firstErr error
	for cell := range m.cells {
		var metas []EntityMeta
		for _, meta := range m.sortedMetas() {
			switch meta.Kind {
			case KindStreaming:
				metas = append(metas, meta)
			case KindBundled:
				if meta.overlapsCell(cell, m.CellBlocks()) {
					metas = append(metas, meta)
				}
			}
		}
		if err := writeIndexFile(m.indexPath(cell), cell, metas); err != nil {
			if m.logger != nil {
				m.logger.Printf("store: index %v: %v", cell, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Flush persists region indexes and rewrites entity index files. One bad
// file does not stop the rest.
func (m *Manager) Flush() error {
	var firstErr error
	for rc, r := range m.regions {
		if err := r.Flush(); err != nil {
			if m.logger != nil {
				m.logger.Printf("store: region %v: %v", rc, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := m.writeEntityIndexes(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close flushes and releases every open file.
func (m *Manager) Close() error {
	err := m.Flush()
	for _, r := range m.regions {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	m.regions = map[[3]int32]*region.File{}
	return err
}
