// Package region implements the on-disk container for streaming-entity
// sectors grouped by a spatial block of sectors.
//
// File layout:
//
//	header { magic u32, version u32, regionCoords 3 x i32, entityCount u32,
//	         sectorDataOffset i64 }
//	per-entity index { guid 16B, sectorCount u32,
//	                   per-sector { localPos 3 x i32, offset i64, size u32 } }
//	sector data body (appended sector records)
//
// Sector writes append to the body and update the in-memory index only;
// Flush rewrites the header and index and carries the body forward. Body
// offsets are relative to sectorDataOffset, so a growing index never
// invalidates them.
package region

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/google/uuid"
)

const (
	Magic   uint32 = 0x56475247 // "VGRG"
	Version uint32 = 1

	headerSize = 4 + 4 + 12 + 4 + 8
)

var (
	ErrBadMagic = errors.New("region: bad magic")
	ErrCorrupt  = errors.New("region: corrupt index")
)

// SectorRef locates one sector record inside the data body.
type SectorRef struct {
	Local  [3]int32 // sector position within the region
	Offset int64    // relative to sectorDataOffset
	Size   uint32
}

// Entity is one entity's slice of the region index.
type Entity struct {
	GUID    uuid.UUID
	Sectors []SectorRef
}

type entityEntry struct {
	refs    []SectorRef
	byLocal map[[3]int32]int
}

// File is an open region file. Not safe for concurrent use; the
// persistence layer is driven by a single coordinator.
type File struct {
	path   string
	f      *os.File
	coords [3]int32
	logger *log.Logger

	entities map[uuid.UUID]*entityEntry
	order    []uuid.UUID

	dataStart int64 // sectorDataOffset currently on disk
	dataLen   int64 // body bytes written
	dirty     bool  // index changed since last flush
}

// Open opens or creates the region file for the given region coordinates.
func Open(path string, coords [3]int32, logger *log.Logger) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	r := &File{
		path:     path,
		f:        f,
		coords:   coords,
		logger:   logger,
		entities: map[uuid.UUID]*entityEntry{},
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		r.dataStart = headerSize
		if err := r.writeHeaderAndIndex(f, headerSize); err != nil {
			_ = f.Close()
			return nil, err
		}
		return r, nil
	}

	if err := r.load(st.Size()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func (r *File) load(size int64) error {
	var head [headerSize]byte
	if _, err := r.f.ReadAt(head[:], 0); err != nil {
		return fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if binary.LittleEndian.Uint32(head[0:]) != Magic {
		return ErrBadMagic
	}
	version := binary.LittleEndian.Uint32(head[4:])
	if version > Version && r.logger != nil {
		r.logger.Printf("region %s: version %d newer than %d; attempting read", r.path, version, Version)
	}
	var coords [3]int32
	for i := range coords {
		coords[i] = int32(binary.LittleEndian.Uint32(head[8+i*4:]))
	}
	if coords != r.coords && r.logger != nil {
		r.logger.Printf("region %s: header coords %v do not match path coords %v", r.path, coords, r.coords)
	}
	entityCount := binary.LittleEndian.Uint32(head[20:])
	r.dataStart = int64(binary.LittleEndian.Uint64(head[24:]))
	if r.dataStart < headerSize || r.dataStart > size {
		return fmt.Errorf("%w: sector data offset %d", ErrCorrupt, r.dataStart)
	}
	r.dataLen = size - r.dataStart

	idx := make([]byte, r.dataStart-headerSize)
	if _, err := r.f.ReadAt(idx, headerSize); err != nil {
		return fmt.Errorf("%w: index: %v", ErrCorrupt, err)
	}

	off := 0
	for e := uint32(0); e < entityCount; e++ {
		if len(idx)-off < 16+4 {
			return fmt.Errorf("%w: truncated entity %d", ErrCorrupt, e)
		}
		var guid uuid.UUID
		copy(guid[:], idx[off:off+16])
		off += 16
		n := int(binary.LittleEndian.Uint32(idx[off:]))
		off += 4
		if len(idx)-off < n*24 {
			return fmt.Errorf("%w: truncated sector list for %s", ErrCorrupt, guid)
		}
		ent := &entityEntry{byLocal: map[[3]int32]int{}}
		for i := 0; i < n; i++ {
			var ref SectorRef
			for a := range ref.Local {
				ref.Local[a] = int32(binary.LittleEndian.Uint32(idx[off:]))
				off += 4
			}
			ref.Offset = int64(binary.LittleEndian.Uint64(idx[off:]))
			off += 8
			ref.Size = binary.LittleEndian.Uint32(idx[off:])
			off += 4
			if ref.Offset < 0 || ref.Offset+int64(ref.Size) > r.dataLen {
				return fmt.Errorf("%w: sector %v of %s outside data body", ErrCorrupt, ref.Local, guid)
			}
			ent.byLocal[ref.Local] = len(ent.refs)
			ent.refs = append(ent.refs, ref)
		}
		r.entities[guid] = ent
		r.order = append(r.order, guid)
	}
	return nil
}

// Coords returns the region coordinates from the header.
func (r *File) Coords() [3]int32 { return r.coords }

// WriteSector appends one encoded sector record to the body and points the
// in-memory index at it. A record for the same (guid, local) replaces the
// index entry; the superseded bytes stay in the body until the next Flush
// cycle rewrites the file.
func (r *File) WriteSector(guid uuid.UUID, local [3]int32, rec []byte) error {
	if _, err := r.f.WriteAt(rec, r.dataStart+r.dataLen); err != nil {
		return fmt.Errorf("region %s: append: %w", r.path, err)
	}
	ref := SectorRef{Local: local, Offset: r.dataLen, Size: uint32(len(rec))}
	r.dataLen += int64(len(rec))

	ent := r.entities[guid]
	if ent == nil {
		ent = &entityEntry{byLocal: map[[3]int32]int{}}
		r.entities[guid] = ent
		r.order = append(r.order, guid)
	}
	if i, ok := ent.byLocal[local]; ok {
		ent.refs[i] = ref
	} else {
		ent.byLocal[local] = len(ent.refs)
		ent.refs = append(ent.refs, ref)
	}
	r.dirty = true
	return nil
}

// ReadSector returns the record bytes for (guid, local). The second result
// distinguishes a missing sector from an error: missing means the sector
// was never saved, which is not the same as a saved-but-empty sector.
func (r *File) ReadSector(guid uuid.UUID, local [3]int32) ([]byte, bool, error) {
	ent := r.entities[guid]
	if ent == nil {
		return nil, false, nil
	}
	i, ok := ent.byLocal[local]
	if !ok {
		return nil, false, nil
	}
	ref := ent.refs[i]
	buf := make([]byte, ref.Size)
	if _, err := r.f.ReadAt(buf, r.dataStart+ref.Offset); err != nil {
		return nil, true, fmt.Errorf("region %s: read %v: %w", r.path, local, err)
	}
	return buf, true, nil
}

// HasSector reports whether a record exists for (guid, local).
func (r *File) HasSector(guid uuid.UUID, local [3]int32) bool {
	ent := r.entities[guid]
	if ent == nil {
		return false
	}
	_, ok := ent.byLocal[local]
	return ok
}

// Entities returns the index contents in first-write order.
func (r *File) Entities() []Entity {
	out := make([]Entity, 0, len(r.order))
	for _, guid := range r.order {
		ent := r.entities[guid]
		out = append(out, Entity{GUID: guid, Sectors: append([]SectorRef(nil), ent.refs...)})
	}
	return out
}

func (r *File) indexBytes() []byte {
	var buf []byte
	for _, guid := range r.order {
		ent := r.entities[guid]
		buf = append(buf, guid[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ent.refs)))
		for _, ref := range ent.refs {
			for _, c := range ref.Local {
				buf = binary.LittleEndian.AppendUint32(buf, uint32(c))
			}
			buf = binary.LittleEndian.AppendUint64(buf, uint64(ref.Offset))
			buf = binary.LittleEndian.AppendUint32(buf, ref.Size)
		}
	}
	return buf
}

func (r *File) writeHeaderAndIndex(f *os.File, dataStart int64) error {
	var head [headerSize]byte
	binary.LittleEndian.PutUint32(head[0:], Magic)
	binary.LittleEndian.PutUint32(head[4:], Version)
	for i, c := range r.coords {
		binary.LittleEndian.PutUint32(head[8+i*4:], uint32(c))
	}
	binary.LittleEndian.PutUint32(head[20:], uint32(len(r.order)))
	binary.LittleEndian.PutUint64(head[24:], uint64(dataStart))
	if _, err := f.WriteAt(head[:], 0); err != nil {
		return err
	}
	if _, err := f.WriteAt(r.indexBytes(), headerSize); err != nil {
		return err
	}
	return nil
}

// Flush persists the index. When the index still fits in front of the data
// body it is rewritten in place; otherwise the whole file is rebuilt
// through a temp file, carrying the body forward, and atomically renamed.
// Normal-operation appends stay cheap at the cost of this write
// amplification.
func (r *File) Flush() error {
	if !r.dirty {
		return nil
	}
	newDataStart := int64(headerSize + len(r.indexBytes()))
	if newDataStart <= r.dataStart {
		if err := r.writeHeaderAndIndex(r.f, r.dataStart); err != nil {
			return fmt.Errorf("region %s: flush: %w", r.path, err)
		}
		r.dirty = false
		return r.f.Sync()
	}

	tmpPath := r.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("region %s: flush: %w", r.path, err)
	}
	if err := r.writeHeaderAndIndex(tmp, newDataStart); err == nil {
		body := io.NewSectionReader(r.f, r.dataStart, r.dataLen)
		if _, err2 := tmp.Seek(newDataStart, io.SeekStart); err2 != nil {
			err = err2
		} else if _, err2 := io.Copy(tmp, body); err2 != nil {
			err = err2
		}
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("region %s: flush: %w", r.path, err)
	}

	_ = r.f.Close()
	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("region %s: flush rename: %w", r.path, err)
	}
	f, err := os.OpenFile(r.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("region %s: reopen: %w", r.path, err)
	}
	r.f = f
	r.dataStart = newDataStart
	r.dirty = false
	return nil
}

// Close flushes the index and closes the file.
func (r *File) Close() error {
	if err := r.Flush(); err != nil {
		_ = r.f.Close()
		return err
	}
	return r.f.Close()
}
