package voxel

// Geometry constants. A brick is the sparse-allocation unit, a sector is the
// load/stream/serialize unit.
const (
	BrickSize   = 8                                 // blocks per brick axis
	BrickVolume = BrickSize * BrickSize * BrickSize // 512

	SectorBricks     = 16                                          // bricks per sector axis
	SectorBrickCount = SectorBricks * SectorBricks * SectorBricks  // 4096
	SectorSize       = SectorBricks * BrickSize                    // 128 blocks per axis

	// NumDirections is the size of the Moore neighborhood: 6 face, 12 edge
	// and 8 corner neighbors.
	NumDirections = 26
)

// Directions lists the 26 neighbor offsets: faces first, then edges, then
// corners. Direction indices are stable; they are what direction masks and
// the on-disk formats encode.
var Directions = [NumDirections]Vec3i{
	// faces
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
	// edges
	{-1, -1, 0}, {1, -1, 0}, {-1, 1, 0}, {1, 1, 0},
	{-1, 0, -1}, {1, 0, -1}, {-1, 0, 1}, {1, 0, 1},
	{0, -1, -1}, {0, 1, -1}, {0, -1, 1}, {0, 1, 1},
	// corners
	{-1, -1, -1}, {1, -1, -1}, {-1, 1, -1}, {1, 1, -1},
	{-1, -1, 1}, {1, -1, 1}, {-1, 1, 1}, {1, 1, 1},
}

// Opposite maps a direction index to the index of the negated offset.
// Involutive: Opposite[Opposite[i]] == i.
var Opposite [NumDirections]int

// AllDirectionsMask has all 26 direction bits set.
const AllDirectionsMask uint32 = 1<<NumDirections - 1

// dirByTrinary maps (dx+1)*9 + (dy+1)*3 + (dz+1) to a direction index,
// with -1 at the center. O(1) offset resolution, no scan over the table.
var dirByTrinary [27]int8

// brickBoundaryMask maps an in-brick block offset to the set of directions
// in which that block touches the brick boundary. Interior blocks map to 0,
// so interior writes never produce cross-brick propagation demand.
var brickBoundaryMask [BrickVolume]uint32

// sectorBoundaryMask is the same table for brick slots against the sector
// boundary; it feeds the neighbors-to-create aggregate.
var sectorBoundaryMask [SectorBrickCount]uint32

func trinary(dx, dy, dz int) int {
	return (dx+1)*9 + (dy+1)*3 + (dz + 1)
}

// DirectionIndex resolves a unit offset to its direction index, or -1 for
// the zero offset or any component outside [-1, 1].
func DirectionIndex(dx, dy, dz int) int {
	if dx < -1 || dx > 1 || dy < -1 || dy > 1 || dz < -1 || dz > 1 {
		return -1
	}
	return int(dirByTrinary[trinary(dx, dy, dz)])
}

// boundaryMask computes which directions a cell at (x, y, z) touches inside
// a cube of the given edge length. A direction is included when every
// non-zero component of its offset points at a face the cell sits on.
func boundaryMask(x, y, z, size int) uint32 {
	var mask uint32
	for i, d := range Directions {
		if d.X == -1 && x != 0 || d.X == 1 && x != size-1 {
			continue
		}
		if d.Y == -1 && y != 0 || d.Y == 1 && y != size-1 {
			continue
		}
		if d.Z == -1 && z != 0 || d.Z == 1 && z != size-1 {
			continue
		}
		mask |= 1 << uint(i)
	}
	return mask
}

func init() {
	for i := range dirByTrinary {
		dirByTrinary[i] = -1
	}
	for i, d := range Directions {
		dirByTrinary[trinary(d.X, d.Y, d.Z)] = int8(i)
	}
	for i, d := range Directions {
		Opposite[i] = int(dirByTrinary[trinary(-d.X, -d.Y, -d.Z)])
	}

	for z := 0; z < BrickSize; z++ {
		for y := 0; y < BrickSize; y++ {
			for x := 0; x < BrickSize; x++ {
				brickBoundaryMask[blockOffset(x, y, z)] = boundaryMask(x, y, z, BrickSize)
			}
		}
	}
	for z := 0; z < SectorBricks; z++ {
		for y := 0; y < SectorBricks; y++ {
			for x := 0; x < SectorBricks; x++ {
				sectorBoundaryMask[brickSlot(x, y, z)] = boundaryMask(x, y, z, SectorBricks)
			}
		}
	}
}

// brickSlot indexes a brick position inside a sector, x fastest.
func brickSlot(bx, by, bz int) int {
	return bx + by*SectorBricks + bz*SectorBricks*SectorBricks
}

// SlotPos is the inverse of the slot indexing: slot -> brick position.
func SlotPos(slot int) Vec3i {
	return Vec3i{
		X: slot % SectorBricks,
		Y: slot / SectorBricks % SectorBricks,
		Z: slot / (SectorBricks * SectorBricks),
	}
}

// blockOffset indexes a block position inside a brick, x fastest.
func blockOffset(lx, ly, lz int) int {
	return lx + ly*BrickSize + lz*BrickSize*BrickSize
}

// BrickBoundaryMask exposes the per-block boundary table for a block
// position inside its brick.
func BrickBoundaryMask(lx, ly, lz int) uint32 {
	return brickBoundaryMask[blockOffset(lx, ly, lz)]
}

// SectorBoundaryMask exposes the per-slot boundary table.
func SectorBoundaryMask(slot int) uint32 {
	return sectorBoundaryMask[slot]
}
