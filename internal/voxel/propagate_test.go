package voxel

import "testing"

func TestPropagate_IntraSector(t *testing.T) {
	g := NewSectorGrid()
	s := g.Add(Vec3i{})

	src := brickSlot(5, 5, 5)
	s.MarkBrickDirty(src, FlagBlocks, AllDirectionsMask)

	Propagate(s, FlagAll)

	// The dirty brick itself and all 26 neighbors need updates.
	if got := s.BrickRequireUpdateFlags(src); got != FlagBlocks {
		t.Fatalf("source require %#x", got)
	}
	for _, d := range Directions {
		slot := brickSlot(5+d.X, 5+d.Y, 5+d.Z)
		if got := s.BrickRequireUpdateFlags(slot); got != FlagBlocks {
			t.Fatalf("neighbor %v require %#x", d, got)
		}
	}
	// Two bricks away: untouched.
	if got := s.BrickRequireUpdateFlags(brickSlot(5, 5, 7)); got != 0 {
		t.Fatalf("distant brick require %#x", got)
	}
}

func TestPropagate_DirectionMaskGates(t *testing.T) {
	g := NewSectorGrid()
	s := g.Add(Vec3i{})

	src := brickSlot(5, 5, 5)
	s.MarkBrickDirty(src, FlagBlocks, 1<<uint(DirectionIndex(1, 0, 0)))

	Propagate(s, FlagAll)

	if got := s.BrickRequireUpdateFlags(brickSlot(6, 5, 5)); got != FlagBlocks {
		t.Fatalf("+x neighbor require %#x", got)
	}
	if got := s.BrickRequireUpdateFlags(brickSlot(4, 5, 5)); got != 0 {
		t.Fatalf("-x neighbor require %#x, mask should gate it", got)
	}
	if got := s.BrickRequireUpdateFlags(brickSlot(5, 6, 5)); got != 0 {
		t.Fatalf("+y neighbor require %#x, mask should gate it", got)
	}
}

func TestPropagate_FlagRestriction(t *testing.T) {
	g := NewSectorGrid()
	s := g.Add(Vec3i{})
	s.MarkBrickDirty(brickSlot(5, 5, 5), FlagBlocks, AllDirectionsMask)

	Propagate(s, FlagLight)

	if got := s.RequireUpdateFlags(); got != 0 {
		t.Fatalf("light pass raised require %#x from block dirt", got)
	}
}

func TestPropagate_CrossSectorFace(t *testing.T) {
	g := NewSectorGrid()
	a := g.Add(Vec3i{0, 0, 0})
	b := g.Add(Vec3i{1, 0, 0})

	// Dirty brick on a's +x face, demanding +x.
	a.MarkBrickDirty(brickSlot(15, 5, 5), FlagBlocks, 1<<uint(DirectionIndex(1, 0, 0)))

	Propagate(b, FlagAll)

	// b's -x face brick opposite the source wraps onto it.
	if got := b.BrickRequireUpdateFlags(brickSlot(0, 5, 5)); got != FlagBlocks {
		t.Fatalf("facing brick require %#x", got)
	}
	if got := b.BrickRequireUpdateFlags(brickSlot(1, 5, 5)); got != 0 {
		t.Fatalf("interior brick require %#x", got)
	}
	if got := b.BrickRequireUpdateFlags(brickSlot(0, 6, 5)); got != 0 {
		t.Fatalf("offset brick require %#x", got)
	}
}

func TestPropagate_CrossSectorCorner(t *testing.T) {
	g := NewSectorGrid()
	a := g.Add(Vec3i{0, 0, 0})
	b := g.Add(Vec3i{1, 1, 1})

	a.MarkBrickDirty(brickSlot(15, 15, 15), FlagBlocks, AllDirectionsMask)

	Propagate(b, FlagAll)

	if got := b.BrickRequireUpdateFlags(brickSlot(0, 0, 0)); got != FlagBlocks {
		t.Fatalf("corner brick require %#x", got)
	}
	// Only the single corner brick faces the source.
	count := 0
	for slot := 0; slot < SectorBrickCount; slot++ {
		if b.BrickRequireUpdateFlags(slot) != 0 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("%d bricks marked, want 1", count)
	}
}

func TestPropagate_MissingNeighborContributesZero(t *testing.T) {
	g := NewSectorGrid()
	s := g.Add(Vec3i{})
	// Boundary brick dirty, no neighbor sector loaded: propagation within
	// the sector still works, absent sectors contribute nothing.
	s.MarkBrickDirty(brickSlot(0, 0, 0), FlagBlocks, AllDirectionsMask)
	Propagate(s, FlagAll)
	if got := s.BrickRequireUpdateFlags(brickSlot(1, 1, 1)); got != FlagBlocks {
		t.Fatalf("in-sector neighbor require %#x", got)
	}
}

func TestPropagate_NoNeighborRecordSkips(t *testing.T) {
	s := NewSector(Vec3i{})
	s.MarkBrickDirty(0, FlagBlocks, AllDirectionsMask)
	Propagate(s, FlagAll)
	if got := s.RequireUpdateFlags(); got != 0 {
		t.Fatalf("unwired sector propagated: %#x", got)
	}
}

func TestPropagateAll_MatchesSequential(t *testing.T) {
	build := func() *SectorGrid {
		g := NewSectorGrid()
		for x := 0; x < 2; x++ {
			for y := 0; y < 2; y++ {
				s := g.Add(Vec3i{x, y, 0})
				s.MarkBrickDirty(brickSlot(15, 15, 8), FlagBlocks, AllDirectionsMask)
				s.MarkBrickDirty(brickSlot(0, 0, 0), FlagLight, AllDirectionsMask)
			}
		}
		return g
	}

	seq := build()
	par := build()
	PropagateAll(seq.Sectors(), FlagAll, 1)
	PropagateAll(par.Sectors(), FlagAll, 4)

	for i, s := range seq.Sectors() {
		p := par.Sectors()[i]
		for slot := 0; slot < SectorBrickCount; slot++ {
			if s.BrickRequireUpdateFlags(slot) != p.BrickRequireUpdateFlags(slot) {
				t.Fatalf("sector %v slot %d: sequential %#x, parallel %#x",
					s.Coords, slot, s.BrickRequireUpdateFlags(slot), p.BrickRequireUpdateFlags(slot))
			}
		}
	}
}
