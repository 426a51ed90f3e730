package voxel

// Block is one packed voxel value: low 16 bits are the block id (or color),
// high 16 bits are metadata. The zero value is the empty block, and two
// blocks are equal iff their raw values are equal.
type Block uint32

func MakeBlock(id, meta uint16) Block {
	return Block(uint32(id) | uint32(meta)<<16)
}

func (b Block) ID() uint16 { return uint16(b) }

func (b Block) Meta() uint16 { return uint16(b >> 16) }

func (b Block) Empty() bool { return b == 0 }
