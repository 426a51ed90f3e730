package voxel

import "testing"

func TestSector_GetSetBlock(t *testing.T) {
	s := NewSector(Vec3i{})
	if got := s.GetBlock(10, 20, 30); got != 0 {
		t.Fatalf("empty sector read %#x", got)
	}
	if s.AllocatedBrickCount() != 0 {
		t.Fatalf("fresh sector has %d bricks", s.AllocatedBrickCount())
	}

	// Writing empty into an unallocated brick must not allocate.
	s.SetBlock(10, 20, 30, 0)
	if s.AllocatedBrickCount() != 0 {
		t.Fatalf("empty write allocated a brick")
	}

	v := MakeBlock(7, 3)
	s.SetBlock(10, 20, 30, v)
	if got := s.GetBlock(10, 20, 30); got != v {
		t.Fatalf("read back %#x, want %#x", got, v)
	}
	if s.AllocatedBrickCount() != 1 {
		t.Fatalf("got %d bricks, want 1", s.AllocatedBrickCount())
	}

	slot := brickSlot(10/BrickSize, 20/BrickSize, 30/BrickSize)
	if s.BrickNonEmptyCount(slot) != 1 {
		t.Fatalf("non-empty count %d, want 1", s.BrickNonEmptyCount(slot))
	}

	// Same-brick writes reuse the allocation and track counts.
	s.SetBlock(11, 20, 30, v)
	if s.AllocatedBrickCount() != 1 {
		t.Fatalf("second write allocated another brick")
	}
	if s.BrickNonEmptyCount(slot) != 2 {
		t.Fatalf("non-empty count %d, want 2", s.BrickNonEmptyCount(slot))
	}
	s.SetBlock(10, 20, 30, 0)
	if s.BrickNonEmptyCount(slot) != 1 {
		t.Fatalf("after erase, non-empty count %d, want 1", s.BrickNonEmptyCount(slot))
	}
	// Erased bricks keep their storage.
	if s.AllocatedBrickCount() != 1 {
		t.Fatalf("erase deallocated the brick")
	}
}

func TestSector_DirtyMarking(t *testing.T) {
	s := NewSector(Vec3i{})

	// Interior write: dirty, but no direction demand.
	s.SetBlock(67, 67, 67, MakeBlock(1, 0)) // local (3,3,3) inside brick (8,8,8)
	slot := brickSlot(8, 8, 8)
	if s.BrickDirtyFlags(slot)&FlagBlocks == 0 {
		t.Fatalf("write did not mark dirty")
	}
	if s.BrickDirectionMask(slot) != 0 {
		t.Fatalf("interior write produced direction mask %#x", s.BrickDirectionMask(slot))
	}
	if s.DirtyFlags()&FlagBlocks == 0 {
		t.Fatalf("aggregate dirty not raised")
	}
	if s.NeighborsToCreate() != 0 {
		t.Fatalf("interior write raised neighbors-to-create %#x", s.NeighborsToCreate())
	}

	// Unchanged write must not re-dirty.
	s.ClearAllDirtyFlags()
	s.SetBlock(67, 67, 67, MakeBlock(1, 0))
	if s.DirtyFlags() != 0 {
		t.Fatalf("no-op write marked dirty")
	}

	// Boundary write at the sector corner raises neighbors-to-create.
	s.SetBlock(0, 0, 0, MakeBlock(2, 0))
	if s.NeighborsToCreate() == 0 {
		t.Fatalf("corner write raised no neighbor demand")
	}
	want := SectorBoundaryMask(brickSlot(0, 0, 0)) & BrickBoundaryMask(0, 0, 0)
	if got := s.NeighborsToCreate(); got != want {
		t.Fatalf("neighbors-to-create %#x, want %#x", got, want)
	}
}

func TestSector_ClearDirtyFlags(t *testing.T) {
	s := NewSector(Vec3i{})
	s.MarkBrickDirty(0, FlagBlocks, SectorBoundaryMask(0))
	s.MarkBrickDirty(1, FlagBlocks|FlagLight, 1<<uint(DirectionIndex(1, 0, 0)))

	s.ClearDirtyFlags(FlagBlocks)

	if got := s.BrickDirtyFlags(0); got != 0 {
		t.Fatalf("slot 0 dirty %#x after clear", got)
	}
	// Fully cleared bricks lose their direction mask.
	if got := s.BrickDirectionMask(0); got != 0 {
		t.Fatalf("slot 0 mask %#x after clear", got)
	}
	// Partially cleared bricks keep theirs.
	if got := s.BrickDirtyFlags(1); got != FlagLight {
		t.Fatalf("slot 1 dirty %#x, want light", got)
	}
	if got := s.BrickDirectionMask(1); got == 0 {
		t.Fatalf("slot 1 lost its direction mask")
	}
	if got := s.DirtyFlags(); got != FlagLight {
		t.Fatalf("aggregate %#x, want light", got)
	}
}

func TestSector_RequireUpdateFlags(t *testing.T) {
	s := NewSector(Vec3i{})
	s.MarkBrickRequireUpdate(5, FlagBlocks)
	s.MarkBrickRequireUpdate(9, FlagBlocks|FlagLight)
	if got := s.RequireUpdateFlags(); got != FlagBlocks|FlagLight {
		t.Fatalf("aggregate %#x", got)
	}

	// Consumers clear only their own bits.
	s.ClearRequireUpdateFlags(FlagBlocks)
	if got := s.BrickRequireUpdateFlags(5); got != 0 {
		t.Fatalf("slot 5 require %#x", got)
	}
	if got := s.BrickRequireUpdateFlags(9); got != FlagLight {
		t.Fatalf("slot 9 require %#x", got)
	}
	if got := s.RequireUpdateFlags(); got != FlagLight {
		t.Fatalf("aggregate %#x, want light", got)
	}
}

func TestSector_UpdateLifecycle(t *testing.T) {
	s := NewSector(Vec3i{})
	s.SetBlock(0, 0, 0, MakeBlock(1, 0))
	slot := brickSlot(0, 0, 0)
	if got := s.UpdateTypeOf(slot); got != UpdateAdded {
		t.Fatalf("fresh brick update %v, want added", got)
	}
	// A brick added this tick stays added, whatever else happens to it.
	s.SetBlock(1, 0, 0, MakeBlock(2, 0))
	if got := s.UpdateTypeOf(slot); got != UpdateAdded {
		t.Fatalf("update %v after second write, want added", got)
	}

	ups := s.Updates()
	if len(ups) != 1 || ups[0].Slot != slot || ups[0].Type != UpdateAdded {
		t.Fatalf("updates %+v", ups)
	}

	s.EndTick()
	if len(s.Updates()) != 0 {
		t.Fatalf("updates survive EndTick")
	}
	if got := s.UpdateTypeOf(slot); got != UpdateIdle {
		t.Fatalf("update %v after EndTick, want idle", got)
	}

	// Next tick: mutation of an existing brick is modified.
	s.SetBlock(0, 0, 0, MakeBlock(9, 0))
	if got := s.UpdateTypeOf(slot); got != UpdateModified {
		t.Fatalf("update %v, want modified", got)
	}
	// Erasing the last blocks flips it to removed.
	s.SetBlock(0, 0, 0, 0)
	s.SetBlock(1, 0, 0, 0)
	if got := s.UpdateTypeOf(slot); got != UpdateRemoved {
		t.Fatalf("update %v, want removed", got)
	}
}

func TestSector_Snapshot(t *testing.T) {
	s := NewSector(Vec3i{})
	v1 := MakeBlock(1, 0)
	v2 := MakeBlock(2, 0)
	s.SetBlock(5, 5, 5, v1)

	s.ActivateSnapshot()
	if !s.SnapshotActive() {
		t.Fatalf("snapshot not active")
	}
	// Writes land in the shadow; reads still see the primary.
	s.SetBlock(5, 5, 5, v2)
	s.SetBlock(100, 100, 100, v2)
	if got := s.GetBlock(5, 5, 5); got != v1 {
		t.Fatalf("read during snapshot %#x, want %#x", got, v1)
	}
	if got := s.GetBlock(100, 100, 100); got != 0 {
		t.Fatalf("read during snapshot %#x, want 0", got)
	}

	s.ApplySnapshot()
	if s.SnapshotActive() {
		t.Fatalf("snapshot still active after apply")
	}
	if got := s.GetBlock(5, 5, 5); got != v2 {
		t.Fatalf("read after apply %#x, want %#x", got, v2)
	}
	if got := s.GetBlock(100, 100, 100); got != v2 {
		t.Fatalf("read after apply %#x, want %#x", got, v2)
	}
}

func TestSector_DiscardSnapshot(t *testing.T) {
	s := NewSector(Vec3i{})
	v1 := MakeBlock(1, 0)
	s.SetBlock(5, 5, 5, v1)

	s.ActivateSnapshot()
	s.SetBlock(5, 5, 5, MakeBlock(9, 9))
	s.DiscardSnapshot()

	if s.SnapshotActive() {
		t.Fatalf("snapshot still active after discard")
	}
	if got := s.GetBlock(5, 5, 5); got != v1 {
		t.Fatalf("read after discard %#x, want %#x", got, v1)
	}
}

func TestSector_UpdateNonEmptyBricks(t *testing.T) {
	s := NewSector(Vec3i{})
	s.SetBlock(0, 0, 0, MakeBlock(1, 0))
	s.SetBlock(64, 64, 64, MakeBlock(2, 0))
	s.SetBlock(127, 0, 0, MakeBlock(3, 0))
	s.SetBlock(127, 0, 0, 0) // brick stays allocated, now empty

	s.UpdateNonEmptyBricks()
	if got := s.NonEmptyBrickCount(); got != 2 {
		t.Fatalf("non-empty bricks %d, want 2", got)
	}
	wantSlots := map[int32]bool{
		int32(brickSlot(0, 0, 0)): true,
		int32(brickSlot(8, 8, 8)): true,
	}
	for _, slot := range s.NonEmptyBricks() {
		if !wantSlots[slot] {
			t.Fatalf("unexpected non-empty slot %d", slot)
		}
	}
}

func TestSector_BulkLoadState(t *testing.T) {
	s := NewSector(Vec3i{})
	slot := brickSlot(3, 4, 5)
	blocks := s.AllocateBrick(slot)
	if len(blocks) != BrickVolume {
		t.Fatalf("brick storage %d blocks", len(blocks))
	}
	blocks[0] = MakeBlock(1, 0)
	blocks[511] = MakeBlock(2, 0)

	s.SetBrickState(slot, FlagBlocks, FlagLight, SectorBoundaryMask(slot)|1, 2)
	s.RefreshAggregates()

	if got := s.DirtyFlags(); got != FlagBlocks {
		t.Fatalf("aggregate dirty %#x", got)
	}
	if got := s.RequireUpdateFlags(); got != FlagLight {
		t.Fatalf("aggregate require %#x", got)
	}
	if got := s.BrickNonEmptyCount(slot); got != 2 {
		t.Fatalf("non-empty %d", got)
	}
	if got := s.GetBlock(3*BrickSize, 4*BrickSize, 5*BrickSize); got != MakeBlock(1, 0) {
		t.Fatalf("block read %#x", got)
	}
}
