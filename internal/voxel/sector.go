package voxel

import "sync"

// unallocated is the brickIndex sentinel for slots without storage.
const unallocated int32 = -1

// bricksPerSlab sizes the arena slabs. Slabs are never reallocated once
// handed out, so a writer holding a brick view stays valid while another
// goroutine allocates new bricks.
const bricksPerSlab = 64

// sectorData is the double-buffered part of a sector: brick allocation and
// block contents. Snapshot mode clones it; ApplySnapshot swaps the pointer.
type sectorData struct {
	brickIndex    [SectorBrickCount]int32
	slabs         [][]Block
	allocated     int32
	nonEmptyCount [SectorBrickCount]uint16
}

func newSectorData() *sectorData {
	d := &sectorData{}
	for i := range d.brickIndex {
		d.brickIndex[i] = unallocated
	}
	return d
}

// brick returns the 512-block storage of allocated brick bi.
func (d *sectorData) brick(bi int32) []Block {
	slab := d.slabs[bi/bricksPerSlab]
	off := int(bi%bricksPerSlab) * BrickVolume
	return slab[off : off+BrickVolume : off+BrickVolume]
}

func (d *sectorData) clone() *sectorData {
	c := &sectorData{
		brickIndex:    d.brickIndex,
		allocated:     d.allocated,
		nonEmptyCount: d.nonEmptyCount,
		slabs:         make([][]Block, len(d.slabs)),
	}
	for i, slab := range d.slabs {
		c.slabs[i] = append([]Block(nil), slab...)
	}
	return c
}

// Sector is a sparse 128^3-block cube: 4096 brick slots indexing into a
// slab arena, plus the dirty / require-update bookkeeping that drives
// incremental consumers. Bricks, once allocated, stay allocated for the
// sector's lifetime.
type Sector struct {
	Coords Vec3i // position in sector units

	data   *sectorData // read view
	shadow *sectorData // write view while snapshotting, nil otherwise

	// mu guards brick allocation and flag aggregation. Both critical
	// sections are O(1); block writes themselves are not locked.
	mu sync.Mutex

	dirtyFlags         [SectorBrickCount]uint16
	requireUpdateFlags [SectorBrickCount]uint16
	directionMask      [SectorBrickCount]uint32

	updateType [SectorBrickCount]UpdateType
	updateList []int32

	aggDirty          uint16
	aggRequireUpdate  uint16
	neighborsToCreate uint32

	nonEmptyBricks []int32 // slots; rebuilt by UpdateNonEmptyBricks only

	neighbors *Neighbors
}

func NewSector(coords Vec3i) *Sector {
	return &Sector{
		Coords: coords,
		data:   newSectorData(),
	}
}

// Neighbors is the externally supplied neighbor-lookup record, indexed by
// trinary offset code. The center entry is unused. Wiring and lifecycle
// belong to the sector's owner; entries are non-owning back-references.
type Neighbors [27]*Sector

// At resolves a unit sector offset.
func (n *Neighbors) At(dx, dy, dz int) *Sector {
	if n == nil {
		return nil
	}
	return n[trinary(dx, dy, dz)]
}

func (n *Neighbors) set(dx, dy, dz int, s *Sector) {
	n[trinary(dx, dy, dz)] = s
}

// SetNeighbors attaches the neighbor-lookup record. A sector without one is
// skipped by propagation.
func (s *Sector) SetNeighbors(n *Neighbors) { s.neighbors = n }

func (s *Sector) Neighbors() *Neighbors { return s.neighbors }

// writeData is the buffer block writes land in: the shadow while a snapshot
// is active, the primary otherwise.
func (s *Sector) writeData() *sectorData {
	if s.shadow != nil {
		return s.shadow
	}
	return s.data
}

// GetBlock reads the block at sector-local coordinates in [0, 128).
// Unallocated bricks read as empty. Reads always see the primary buffer,
// even while a snapshot is active.
func (s *Sector) GetBlock(x, y, z int) Block {
	d := s.data
	slot := brickSlot(x/BrickSize, y/BrickSize, z/BrickSize)
	bi := d.brickIndex[slot]
	if bi == unallocated {
		return 0
	}
	return d.brick(bi)[blockOffset(x%BrickSize, y%BrickSize, z%BrickSize)]
}

// SetBlock writes the block at sector-local coordinates. Writing empty into
// an unallocated brick is a no-op; the first non-empty write allocates the
// brick. The brick is marked dirty only when the stored value actually
// changes, with a direction mask derived from the block's position in its
// brick, so interior writes never raise cross-boundary demand.
//
// Concurrent writers to disjoint coordinates are allowed; two writers on
// the same coordinate are a caller error.
func (s *Sector) SetBlock(x, y, z int, v Block) {
	d := s.writeData()
	slot := brickSlot(x/BrickSize, y/BrickSize, z/BrickSize)
	bi := d.brickIndex[slot]
	fresh := false
	if bi == unallocated {
		if v == 0 {
			return
		}
		bi, fresh = s.allocBrick(d, slot)
	}

	off := blockOffset(x%BrickSize, y%BrickSize, z%BrickSize)
	storage := d.brick(bi)
	old := storage[off]
	if old == v {
		return
	}
	storage[off] = v

	s.mu.Lock()
	switch {
	case old == 0:
		d.nonEmptyCount[slot]++
	case v == 0:
		d.nonEmptyCount[slot]--
	}
	s.markDirtyLocked(slot, FlagBlocks, brickBoundaryMask[off])
	s.noteUpdateLocked(slot, fresh, d.nonEmptyCount[slot])
	s.mu.Unlock()
}

// allocBrick allocates storage for a slot, racing allocators safely. The
// second return reports whether this call did the allocation.
func (s *Sector) allocBrick(d *sectorData, slot int) (int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bi := d.brickIndex[slot]; bi != unallocated {
		return bi, false
	}
	bi := d.allocated
	if int(bi)%bricksPerSlab == 0 {
		d.slabs = append(d.slabs, make([]Block, bricksPerSlab*BrickVolume))
	}
	d.allocated++
	d.brickIndex[slot] = bi
	return bi, true
}

func (s *Sector) markDirtyLocked(slot int, flags uint16, mask uint32) {
	s.dirtyFlags[slot] |= flags
	s.directionMask[slot] |= mask
	s.aggDirty |= flags
	s.neighborsToCreate |= mask & sectorBoundaryMask[slot]
}

func (s *Sector) noteUpdateLocked(slot int, fresh bool, nonEmpty uint16) {
	prev := s.updateType[slot]
	next := prev
	switch {
	case fresh:
		next = UpdateAdded
	case nonEmpty == 0:
		next = UpdateRemoved
	case prev == UpdateIdle || prev == UpdateRemoved:
		next = UpdateModified
	}
	if prev == UpdateAdded {
		next = UpdateAdded // a brick added this tick stays "added"
	}
	s.updateType[slot] = next
	if prev == UpdateIdle && next != UpdateIdle {
		s.updateList = append(s.updateList, int32(slot))
	}
}

// MarkBrickDirty ORs flags and a direction mask into a brick's write buffer
// and the sector aggregates. Boundary-facing mask bits also raise the
// neighbors-to-create aggregate.
func (s *Sector) MarkBrickDirty(slot int, flags uint16, mask uint32) {
	s.mu.Lock()
	s.markDirtyLocked(slot, flags, mask)
	s.mu.Unlock()
}

// MarkBrickRequireUpdate ORs flags into a brick's read buffer and the
// sector aggregate.
func (s *Sector) MarkBrickRequireUpdate(slot int, flags uint16) {
	s.mu.Lock()
	s.requireUpdateFlags[slot] |= flags
	s.aggRequireUpdate |= flags
	s.mu.Unlock()
}

// ClearDirtyFlags clears the given bits from every brick's dirty buffer and
// re-aggregates, recomputing neighbors-to-create from the bricks that stay
// dirty. A brick whose dirty flags drop to zero loses its direction mask.
func (s *Sector) ClearDirtyFlags(flags uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var agg uint16
	var ntc uint32
	for i := range s.dirtyFlags {
		s.dirtyFlags[i] &^= flags
		if s.dirtyFlags[i] == 0 {
			s.directionMask[i] = 0
			continue
		}
		agg |= s.dirtyFlags[i]
		ntc |= s.directionMask[i] & sectorBoundaryMask[i]
	}
	s.aggDirty = agg
	s.neighborsToCreate = ntc
}

// ClearRequireUpdateFlags clears the given bits from every brick's read
// buffer. Each consumer clears only the bits it owns, so other consumers'
// views survive.
func (s *Sector) ClearRequireUpdateFlags(flags uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var agg uint16
	for i := range s.requireUpdateFlags {
		s.requireUpdateFlags[i] &^= flags
		agg |= s.requireUpdateFlags[i]
	}
	s.aggRequireUpdate = agg
}

func (s *Sector) ClearAllDirtyFlags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirtyFlags = [SectorBrickCount]uint16{}
	s.directionMask = [SectorBrickCount]uint32{}
	s.aggDirty = 0
	s.neighborsToCreate = 0
}

func (s *Sector) ClearAllRequireUpdateFlags() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireUpdateFlags = [SectorBrickCount]uint16{}
	s.aggRequireUpdate = 0
}

// EndTick resets the per-brick update-type bookkeeping for the next
// consumer generation. Dirty and require-update buffers are untouched;
// their lifecycles are owned by propagation and by consumers.
func (s *Sector) EndTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range s.updateList {
		s.updateType[slot] = UpdateIdle
	}
	s.updateList = s.updateList[:0]
}

// Updates returns the bricks touched since the last EndTick.
func (s *Sector) Updates() []BrickUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BrickUpdate, 0, len(s.updateList))
	for _, slot := range s.updateList {
		out = append(out, BrickUpdate{Slot: int(slot), Type: s.updateType[slot]})
	}
	return out
}

func (s *Sector) UpdateTypeOf(slot int) UpdateType { return s.updateType[slot] }

// Flag and aggregate accessors.

func (s *Sector) BrickDirtyFlags(slot int) uint16         { return s.dirtyFlags[slot] }
func (s *Sector) BrickRequireUpdateFlags(slot int) uint16 { return s.requireUpdateFlags[slot] }
func (s *Sector) BrickDirectionMask(slot int) uint32      { return s.directionMask[slot] }
func (s *Sector) DirtyFlags() uint16                      { return s.aggDirty }
func (s *Sector) RequireUpdateFlags() uint16              { return s.aggRequireUpdate }
func (s *Sector) NeighborsToCreate() uint32               { return s.neighborsToCreate }

// Allocation accessors.

func (s *Sector) AllocatedBrickCount() int { return int(s.data.allocated) }

// BrickIndexAt returns the allocated-brick index of a slot, or -1.
func (s *Sector) BrickIndexAt(slot int) int32 { return s.data.brickIndex[slot] }

// BrickBlocks returns the live block storage of a slot, or nil when the
// slot is unallocated. The returned slice aliases sector storage.
func (s *Sector) BrickBlocks(slot int) []Block {
	bi := s.data.brickIndex[slot]
	if bi == unallocated {
		return nil
	}
	return s.data.brick(bi)
}

// BrickNonEmptyCount returns the tracked non-empty block count of a slot.
func (s *Sector) BrickNonEmptyCount(slot int) int {
	return int(s.data.nonEmptyCount[slot])
}

// AllocateBrick ensures a slot has storage and returns it writable. Bulk
// loaders (the sector codec, generators) fill the returned slice directly
// and finish with SetBrickState / RefreshAggregates / UpdateNonEmptyBricks.
func (s *Sector) AllocateBrick(slot int) []Block {
	d := s.writeData()
	bi := d.brickIndex[slot]
	if bi == unallocated {
		bi, _ = s.allocBrick(d, slot)
	}
	return d.brick(bi)
}

// SetBrickState overwrites a brick's flag state and non-empty count without
// OR semantics. For bulk restoration; call RefreshAggregates afterwards.
func (s *Sector) SetBrickState(slot int, dirty, require uint16, mask uint32, nonEmpty int) {
	s.dirtyFlags[slot] = dirty
	s.requireUpdateFlags[slot] = require
	s.directionMask[slot] = mask
	s.writeData().nonEmptyCount[slot] = uint16(nonEmpty)
}

// RefreshAggregates recomputes the sector-level flag aggregates from the
// per-brick buffers.
func (s *Sector) RefreshAggregates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dirty, require uint16
	var ntc uint32
	for i := range s.dirtyFlags {
		dirty |= s.dirtyFlags[i]
		require |= s.requireUpdateFlags[i]
		if s.dirtyFlags[i] != 0 {
			ntc |= s.directionMask[i] & sectorBoundaryMask[i]
		}
	}
	s.aggDirty = dirty
	s.aggRequireUpdate = require
	s.neighborsToCreate = ntc
}

// UpdateNonEmptyBricks rescans every allocated brick, recounts non-empty
// blocks and rebuilds the acceleration list. The list is only as current as
// the last call; run it after any bulk mutation.
func (s *Sector) UpdateNonEmptyBricks() {
	d := s.data
	s.nonEmptyBricks = s.nonEmptyBricks[:0]
	for slot, bi := range d.brickIndex {
		if bi == unallocated {
			continue
		}
		n := 0
		for _, b := range d.brick(bi) {
			if b != 0 {
				n++
			}
		}
		d.nonEmptyCount[slot] = uint16(n)
		if n > 0 {
			s.nonEmptyBricks = append(s.nonEmptyBricks, int32(slot))
		}
	}
}

// NonEmptyBricks returns the acceleration list built by the last
// UpdateNonEmptyBricks call.
func (s *Sector) NonEmptyBricks() []int32 { return s.nonEmptyBricks }

func (s *Sector) NonEmptyBrickCount() int { return len(s.nonEmptyBricks) }
