// Package sectorio serializes whole sectors to the little-endian sector
// record format used by region and archive files.
//
// Record layout:
//
//	magic u32, version u32
//	sectorDirtyFlags u16, allocatedBrickCount u16
//	[per-brick flag table, only when sectorDirtyFlags != 0]
//	    4096 x { dirtyFlags u16, requireUpdateFlags u16, directionMask u32 }
//	brickIndex 4096 x u16 (0xFFFF = unallocated)
//	per allocated brick, ascending slot order:
//	    { slot u16, dirtyFlags u16, directionMask u32, blockCount u16, RLE stream }
//
// Omitting the flag table when the sector has no dirty bricks saves a fixed
// 32 KiB per record.
package sectorio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"voxelgrid.dev/internal/encoding"
	"voxelgrid.dev/internal/voxel"
)

const (
	Magic   uint32 = 0x56475343 // "VGSC"
	Version uint32 = 1

	sentinel uint16 = 0xFFFF

	flagTableSize = voxel.SectorBrickCount * 8
	indexSize     = voxel.SectorBrickCount * 2
	headerSize    = 4 + 4 + 2 + 2
	brickHeadSize = 2 + 2 + 4 + 2
)

var (
	ErrBadMagic           = errors.New("sectorio: bad magic")
	ErrUnsupportedVersion = errors.New("sectorio: unsupported version")
	ErrCorrupt            = errors.New("sectorio: corrupt record")
	ErrShortBuffer        = errors.New("sectorio: buffer too small")
)

// Append encodes s and appends the record to dst.
func Append(dst []byte, s *voxel.Sector) ([]byte, error) {
	dst = binary.LittleEndian.AppendUint32(dst, Magic)
	dst = binary.LittleEndian.AppendUint32(dst, Version)

	agg := s.DirtyFlags()
	dst = binary.LittleEndian.AppendUint16(dst, agg)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(s.AllocatedBrickCount()))

	if agg != 0 {
		for slot := 0; slot < voxel.SectorBrickCount; slot++ {
			dst = binary.LittleEndian.AppendUint16(dst, s.BrickDirtyFlags(slot))
			dst = binary.LittleEndian.AppendUint16(dst, s.BrickRequireUpdateFlags(slot))
			dst = binary.LittleEndian.AppendUint32(dst, s.BrickDirectionMask(slot))
		}
	}

	for slot := 0; slot < voxel.SectorBrickCount; slot++ {
		bi := s.BrickIndexAt(slot)
		if bi < 0 {
			dst = binary.LittleEndian.AppendUint16(dst, sentinel)
		} else {
			dst = binary.LittleEndian.AppendUint16(dst, uint16(bi))
		}
	}

	var vals [encoding.BrickVolume]uint32
	for slot := 0; slot < voxel.SectorBrickCount; slot++ {
		blocks := s.BrickBlocks(slot)
		if blocks == nil {
			continue
		}
		dst = binary.LittleEndian.AppendUint16(dst, uint16(slot))
		dst = binary.LittleEndian.AppendUint16(dst, s.BrickDirtyFlags(slot))
		dst = binary.LittleEndian.AppendUint32(dst, s.BrickDirectionMask(slot))
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s.BrickNonEmptyCount(slot)))

		for i, b := range blocks {
			vals[i] = uint32(b)
		}
		var err error
		dst, err = encoding.EncodeBrick(dst, vals[:])
		if err != nil {
			return dst, err
		}
	}
	return dst, nil
}

// Encode writes the record into buf and returns the number of bytes
// written. A buffer too small for the record fails with ErrShortBuffer so
// the caller can retry with a bigger one.
func Encode(s *voxel.Sector, buf []byte) (int, error) {
	out, err := Append(buf[:0], s)
	if err != nil {
		return 0, err
	}
	if len(out) > len(buf) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, len(out), len(buf))
	}
	return len(out), nil
}

// DecodeOptions carries the flag defaults applied to allocated bricks when
// the record was written without its flag table, plus an optional logger
// for version-skew warnings.
type DecodeOptions struct {
	DefaultDirty   uint16
	DefaultRequire uint16
	DefaultMask    uint32
	Logger         *log.Logger
}

// Decode reconstructs a sector from the front of data and returns it along
// with the number of bytes consumed. Allocation state, block contents,
// non-empty counts and flag buffers are all restored; the caller assigns
// Coords.
func Decode(data []byte, opts DecodeOptions) (*voxel.Sector, int, error) {
	r := &reader{b: data}

	if r.u32() != Magic {
		if r.err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrCorrupt, r.err)
		}
		return nil, 0, ErrBadMagic
	}
	version := r.u32()
	if version > Version && opts.Logger != nil {
		opts.Logger.Printf("sector record version %d is newer than %d; attempting read", version, Version)
	}

	agg := r.u16()
	count := int(r.u16())
	if count > voxel.SectorBrickCount {
		return nil, 0, fmt.Errorf("%w: %d allocated bricks", ErrCorrupt, count)
	}

	var table []byte
	if agg != 0 {
		table = r.bytes(flagTableSize)
	}
	index := r.bytes(indexSize)
	if r.err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorrupt, r.err)
	}

	s := voxel.NewSector(voxel.Vec3i{})

	allocated := 0
	for slot := 0; slot < voxel.SectorBrickCount; slot++ {
		bi := binary.LittleEndian.Uint16(index[slot*2:])
		if bi == sentinel {
			continue
		}
		if int(bi) >= count {
			return nil, 0, fmt.Errorf("%w: brick index %d out of range", ErrCorrupt, bi)
		}
		allocated++
	}
	if allocated != count {
		return nil, 0, fmt.Errorf("%w: index lists %d bricks, header says %d", ErrCorrupt, allocated, count)
	}

	var vals [encoding.BrickVolume]uint32
	for i := 0; i < count; i++ {
		slot := int(r.u16())
		dirty := r.u16()
		mask := r.u32()
		blockCount := int(r.u16())
		if r.err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrCorrupt, r.err)
		}
		if slot >= voxel.SectorBrickCount || binary.LittleEndian.Uint16(index[slot*2:]) == sentinel {
			return nil, 0, fmt.Errorf("%w: brick record for slot %d not in index", ErrCorrupt, slot)
		}

		n, err := encoding.DecodeBrick(r.rest(), vals[:])
		if err != nil {
			return nil, 0, fmt.Errorf("sectorio: slot %d: %w", slot, err)
		}
		r.skip(n)

		blocks := s.AllocateBrick(slot)
		nonEmpty := 0
		for j, v := range vals {
			blocks[j] = voxel.Block(v)
			if v != 0 {
				nonEmpty++
			}
		}
		if nonEmpty != blockCount {
			return nil, 0, fmt.Errorf("%w: slot %d counts %d non-empty blocks, header says %d",
				ErrCorrupt, slot, nonEmpty, blockCount)
		}
		if table == nil {
			s.SetBrickState(slot, opts.DefaultDirty, opts.DefaultRequire, opts.DefaultMask, nonEmpty)
		} else {
			s.SetBrickState(slot, dirty, 0, mask, nonEmpty)
		}
	}

	// The flag table covers every slot, allocated or not; flags key on
	// position, not on storage.
	if table != nil {
		for slot := 0; slot < voxel.SectorBrickCount; slot++ {
			off := slot * 8
			s.SetBrickState(slot,
				binary.LittleEndian.Uint16(table[off:]),
				binary.LittleEndian.Uint16(table[off+2:]),
				binary.LittleEndian.Uint32(table[off+4:]),
				s.BrickNonEmptyCount(slot))
		}
	}

	s.RefreshAggregates()
	s.UpdateNonEmptyBricks()
	return s, r.off, nil
}

// EncodedSize returns the exact record size for s without materializing it.
func EncodedSize(s *voxel.Sector) int {
	size := headerSize + indexSize
	if s.DirtyFlags() != 0 {
		size += flagTableSize
	}
	var vals [encoding.BrickVolume]uint32
	var scratch [encoding.MaxEncodedSize]byte
	for slot := 0; slot < voxel.SectorBrickCount; slot++ {
		blocks := s.BrickBlocks(slot)
		if blocks == nil {
			continue
		}
		for i, b := range blocks {
			vals[i] = uint32(b)
		}
		enc, _ := encoding.EncodeBrick(scratch[:0], vals[:])
		size += brickHeadSize + len(enc)
	}
	return size
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.b)-r.off < n {
		r.err = fmt.Errorf("truncated at offset %d", r.off)
		return false
	}
	return true
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

func (r *reader) rest() []byte { return r.b[r.off:] }

func (r *reader) skip(n int) { r.off += n }
