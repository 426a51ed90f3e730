// Package store is the spatially partitioned persistence layer: sectors
// group into regions (N^3 sectors per region file) and regions into grid
// cells (M^3 regions per index/archive file). All coordinate math floors,
// so negative coordinates partition correctly.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// EntityKind splits persisted entities into the two storage disciplines.
type EntityKind uint8

const (
	// KindStreaming entities store sectors individually in region files
	// and load/save per sector. A missing sector means "never generated",
	// not "empty".
	KindStreaming EntityKind = 1

	// KindBundled entities store all sectors as one archive entry and
	// always load/save atomically, because their consumers need
	// whole-object consistency.
	KindBundled EntityKind = 2
)

func (k EntityKind) String() string {
	switch k {
	case KindStreaming:
		return "streaming"
	case KindBundled:
		return "bundled"
	}
	return "unknown"
}

// ErrWrongEntityKind rejects an operation routed through the wrong storage
// discipline (for example, saving a bundled entity per-sector). A logic
// violation, distinct from data corruption.
var ErrWrongEntityKind = errors.New("store: wrong entity kind for operation")

// Transform places an entity in the world.
type Transform struct {
	Pos   [3]float32
	Rot   [4]float32 // quaternion, xyzw
	Scale [3]float32
}

// IdentityTransform has unit rotation and scale.
func IdentityTransform() Transform {
	return Transform{Rot: [4]float32{0, 0, 0, 1}, Scale: [3]float32{1, 1, 1}}
}

// EntityMeta is the per-entity record carried by index and archive files.
type EntityMeta struct {
	GUID       uuid.UUID
	Kind       EntityKind
	Transform  Transform
	DirtyFlags uint16
	HasBBox    bool
	BBoxMin    [3]float32 // block coordinates
	BBoxMax    [3]float32
}

const metaBaseSize = 16 + 1 + 40 + 2 + 1

func (m *EntityMeta) encodedSize() int {
	if m.HasBBox {
		return metaBaseSize + 24
	}
	return metaBaseSize
}

func appendF32(dst []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
}

func (m *EntityMeta) append(dst []byte) []byte {
	dst = append(dst, m.GUID[:]...)
	dst = append(dst, byte(m.Kind))
	for _, v := range m.Transform.Pos {
		dst = appendF32(dst, v)
	}
	for _, v := range m.Transform.Rot {
		dst = appendF32(dst, v)
	}
	for _, v := range m.Transform.Scale {
		dst = appendF32(dst, v)
	}
	dst = binary.LittleEndian.AppendUint16(dst, m.DirtyFlags)
	if m.HasBBox {
		dst = append(dst, 1)
		for _, v := range m.BBoxMin {
			dst = appendF32(dst, v)
		}
		for _, v := range m.BBoxMax {
			dst = appendF32(dst, v)
		}
	} else {
		dst = append(dst, 0)
	}
	return dst
}

func decodeMeta(b []byte) (EntityMeta, int, error) {
	var m EntityMeta
	if len(b) < metaBaseSize {
		return m, 0, fmt.Errorf("truncated entity metadata (%d bytes)", len(b))
	}
	off := 0
	copy(m.GUID[:], b[off:off+16])
	off += 16
	m.Kind = EntityKind(b[off])
	off++
	if m.Kind != KindStreaming && m.Kind != KindBundled {
		return m, 0, fmt.Errorf("unknown entity kind %d for %s", m.Kind, m.GUID)
	}
	f32 := func() float32 {
		v := math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
		off += 4
		return v
	}
	for i := range m.Transform.Pos {
		m.Transform.Pos[i] = f32()
	}
	for i := range m.Transform.Rot {
		m.Transform.Rot[i] = f32()
	}
	for i := range m.Transform.Scale {
		m.Transform.Scale[i] = f32()
	}
	m.DirtyFlags = binary.LittleEndian.Uint16(b[off:])
	off += 2
	switch b[off] {
	case 0:
	case 1:
		m.HasBBox = true
	default:
		return m, 0, fmt.Errorf("bad bbox marker %d for %s", b[off], m.GUID)
	}
	off++
	if m.HasBBox {
		if len(b)-off < 24 {
			return m, 0, fmt.Errorf("truncated bbox for %s", m.GUID)
		}
		for i := range m.BBoxMin {
			m.BBoxMin[i] = f32()
		}
		for i := range m.BBoxMax {
			m.BBoxMax[i] = f32()
		}
	}
	return m, off, nil
}

// overlapsCell runs the standard box-box test between the entity bbox and
// one grid cell, both in block coordinates.
func (m *EntityMeta) overlapsCell(cell [3]int32, cellBlocks int) bool {
	if !m.HasBBox {
		return false
	}
	for a := 0; a < 3; a++ {
		lo := float32(int(cell[a]) * cellBlocks)
		hi := float32((int(cell[a]) + 1) * cellBlocks)
		if m.BBoxMax[a] < lo || m.BBoxMin[a] >= hi {
			return false
		}
	}
	return true
}
