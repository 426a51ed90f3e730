package voxel

// Dirty / require-update flag bits. The engine itself only ever sets
// FlagBlocks; the remaining bits belong to external consumers, which OR
// them in through MarkBrickDirty and clear the ones they own.
const (
	FlagBlocks uint16 = 1 << 0 // block contents changed
	FlagLight  uint16 = 1 << 1 // lighting input changed

	FlagAll uint16 = 0xFFFF
)

// UpdateType classifies what happened to a brick since the last EndTick.
// Consumed once per tick through Updates.
type UpdateType uint8

const (
	UpdateIdle UpdateType = iota
	UpdateAdded
	UpdateModified
	UpdateRemoved
)

func (t UpdateType) String() string {
	switch t {
	case UpdateIdle:
		return "idle"
	case UpdateAdded:
		return "added"
	case UpdateModified:
		return "modified"
	case UpdateRemoved:
		return "removed"
	}
	return "unknown"
}

// BrickUpdate is one entry of a sector's per-tick update list.
type BrickUpdate struct {
	Slot int
	Type UpdateType
}
