package voxel

// SectorGrid is a minimal host for loaded sectors: it owns the sector map,
// wires the 27-slot neighbor records on add/remove, and drives the
// propagation fan-out. Accessed from a single coordinating goroutine.
type SectorGrid struct {
	sectors map[Vec3i]*Sector
	order   []Vec3i // insertion order, for stable iteration
}

func NewSectorGrid() *SectorGrid {
	return &SectorGrid{sectors: map[Vec3i]*Sector{}}
}

// Add creates an empty sector at the given sector coordinates (or returns
// the existing one) and wires neighbor records both ways.
func (g *SectorGrid) Add(coords Vec3i) *Sector {
	if s, ok := g.sectors[coords]; ok {
		return s
	}
	s := NewSector(coords)
	n := &Neighbors{}
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				other, ok := g.sectors[coords.Add(Vec3i{dx, dy, dz})]
				if !ok {
					continue
				}
				n.set(dx, dy, dz, other)
				if on := other.Neighbors(); on != nil {
					on.set(-dx, -dy, -dz, s)
				}
			}
		}
	}
	s.SetNeighbors(n)
	g.sectors[coords] = s
	g.order = append(g.order, coords)
	return s
}

// Remove unloads a sector and clears the back-references neighbors hold.
func (g *SectorGrid) Remove(coords Vec3i) {
	s, ok := g.sectors[coords]
	if !ok {
		return
	}
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				if other := s.Neighbors().At(dx, dy, dz); other != nil {
					if on := other.Neighbors(); on != nil {
						on.set(-dx, -dy, -dz, nil)
					}
				}
			}
		}
	}
	s.SetNeighbors(nil)
	delete(g.sectors, coords)
	for i, c := range g.order {
		if c == coords {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

func (g *SectorGrid) Get(coords Vec3i) *Sector { return g.sectors[coords] }

func (g *SectorGrid) Len() int { return len(g.sectors) }

// Sectors returns loaded sectors in insertion order.
func (g *SectorGrid) Sectors() []*Sector {
	out := make([]*Sector, 0, len(g.order))
	for _, c := range g.order {
		out = append(out, g.sectors[c])
	}
	return out
}

// SetBlockAt writes a block at world block coordinates, creating the owning
// sector on demand. Sector-local coordinates wrap via floor division, so
// negative world coordinates are fine.
func (g *SectorGrid) SetBlockAt(x, y, z int, v Block) {
	sc := Vec3i{FloorDiv(x, SectorSize), FloorDiv(y, SectorSize), FloorDiv(z, SectorSize)}
	s := g.sectors[sc]
	if s == nil {
		if v == 0 {
			return
		}
		s = g.Add(sc)
	}
	s.SetBlock(Mod(x, SectorSize), Mod(y, SectorSize), Mod(z, SectorSize), v)
}

// GetBlockAt reads a block at world block coordinates; unloaded sectors
// read as empty.
func (g *SectorGrid) GetBlockAt(x, y, z int) Block {
	sc := Vec3i{FloorDiv(x, SectorSize), FloorDiv(y, SectorSize), FloorDiv(z, SectorSize)}
	s := g.sectors[sc]
	if s == nil {
		return 0
	}
	return s.GetBlock(Mod(x, SectorSize), Mod(y, SectorSize), Mod(z, SectorSize))
}

// Propagate runs one propagation pass over every loaded sector.
func (g *SectorGrid) Propagate(flags uint16, workers int) {
	PropagateAll(g.Sectors(), flags, workers)
}

// EndTick finishes one consumer generation on every loaded sector.
func (g *SectorGrid) EndTick() {
	for _, s := range g.sectors {
		s.EndTick()
	}
}

// SectorChange summarizes one sector's pending consumer work for change
// feeds and logs.
type SectorChange struct {
	Coords        Vec3i  `json:"coords"`
	RequireUpdate uint16 `json:"require_update"`
	DirtyBricks   int    `json:"dirty_bricks"`
}

// Changes lists sectors with pending require-update work, in insertion
// order.
func (g *SectorGrid) Changes() []SectorChange {
	var out []SectorChange
	for _, c := range g.order {
		s := g.sectors[c]
		if s.RequireUpdateFlags() == 0 {
			continue
		}
		n := 0
		for slot := 0; slot < SectorBrickCount; slot++ {
			if s.BrickRequireUpdateFlags(slot) != 0 {
				n++
			}
		}
		out = append(out, SectorChange{Coords: c, RequireUpdate: s.RequireUpdateFlags(), DirtyBricks: n})
	}
	return out
}
