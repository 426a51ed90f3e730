package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
)

// Entity archive files: one per grid cell, holding every bundled entity of
// that cell as self-contained entries (metadata + sector list + sector
// bytes). Always rewritten in full, which is what keeps a bundled entity's
// load/save atomic.
//
// Layout: header { magic u32, version u32, gridCoords 3 x i32,
// entityCount u32 }, then per entity { metadata, sectorCount u32,
// dataOffset i64, dataSize u32, sectorPositions 3 x i32 each }, then the
// concatenated sector records. Records self-delimit, so per-sector sizes
// are not stored.

const (
	ArchiveMagic   uint32 = 0x56474152 // "VGAR"
	ArchiveVersion uint32 = 1

	archiveHeaderSize = 4 + 4 + 12 + 4
)

var ErrArchiveBadMagic = errors.New("store: bad archive file magic")

// ArchiveEntity is one bundled entity's archive entry. Blob holds the
// entity's sector records concatenated in Positions order.
type ArchiveEntity struct {
	Meta      EntityMeta
	Positions [][3]int32 // sector coordinates, world sector units
	Blob      []byte
}

func writeArchiveFile(path string, cell [3]int32, ents []ArchiveEntity) error {
	var idx []byte
	idx = binary.LittleEndian.AppendUint32(idx, ArchiveMagic)
	idx = binary.LittleEndian.AppendUint32(idx, ArchiveVersion)
	for _, c := range cell {
		idx = binary.LittleEndian.AppendUint32(idx, uint32(c))
	}
	idx = binary.LittleEndian.AppendUint32(idx, uint32(len(ents)))

	// Index size depends on bbox presence and sector counts; lay it out
	// first so data offsets are known, then append the bodies.
	indexSize := len(idx)
	for i := range ents {
		indexSize += ents[i].Meta.encodedSize() + 4 + 8 + 4 + len(ents[i].Positions)*12
	}

	off := int64(indexSize)
	for i := range ents {
		e := &ents[i]
		idx = e.Meta.append(idx)
		idx = binary.LittleEndian.AppendUint32(idx, uint32(len(e.Positions)))
		idx = binary.LittleEndian.AppendUint64(idx, uint64(off))
		idx = binary.LittleEndian.AppendUint32(idx, uint32(len(e.Blob)))
		for _, p := range e.Positions {
			for _, c := range p {
				idx = binary.LittleEndian.AppendUint32(idx, uint32(c))
			}
		}
		off += int64(len(e.Blob))
	}
	if len(idx) != indexSize {
		return fmt.Errorf("archive %s: index size accounting is off (%d != %d)", path, len(idx), indexSize)
	}

	buf := make([]byte, 0, off)
	buf = append(buf, idx...)
	for i := range ents {
		buf = append(buf, ents[i].Blob...)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadArchive loads a cell archive from disk for offline tooling.
func ReadArchive(path string, logger *log.Logger) ([3]int32, []ArchiveEntity, error) {
	return readArchiveFile(path, logger)
}

// readArchiveFile loads a cell archive. An entity whose data range falls
// outside the file is logged and skipped; an index entry that no longer
// parses ends the scan, keeping everything before it.
func readArchiveFile(path string, logger *log.Logger) (cell [3]int32, ents []ArchiveEntity, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return cell, nil, err
	}
	if len(b) < archiveHeaderSize {
		return cell, nil, fmt.Errorf("archive %s: truncated header", path)
	}
	if binary.LittleEndian.Uint32(b[0:]) != ArchiveMagic {
		return cell, nil, fmt.Errorf("archive %s: %w", path, ErrArchiveBadMagic)
	}
	version := binary.LittleEndian.Uint32(b[4:])
	if version > ArchiveVersion && logger != nil {
		logger.Printf("archive %s: version %d newer than %d; attempting read", path, version, ArchiveVersion)
	}
	for i := range cell {
		cell[i] = int32(binary.LittleEndian.Uint32(b[8+i*4:]))
	}
	count := int(binary.LittleEndian.Uint32(b[20:]))

	off := archiveHeaderSize
	for i := 0; i < count; i++ {
		meta, n, derr := decodeMeta(b[off:])
		if derr != nil {
			if logger != nil {
				logger.Printf("archive %s: entity %d: %v; keeping %d entities", path, i, derr, len(ents))
			}
			return cell, ents, nil
		}
		off += n
		if len(b)-off < 4+8+4 {
			if logger != nil {
				logger.Printf("archive %s: entity %s: truncated index entry", path, meta.GUID)
			}
			return cell, ents, nil
		}
		sectorCount := int(binary.LittleEndian.Uint32(b[off:]))
		dataOff := int64(binary.LittleEndian.Uint64(b[off+4:]))
		dataSize := int(binary.LittleEndian.Uint32(b[off+12:]))
		off += 16
		if len(b)-off < sectorCount*12 {
			if logger != nil {
				logger.Printf("archive %s: entity %s: truncated sector positions", path, meta.GUID)
			}
			return cell, ents, nil
		}
		positions := make([][3]int32, sectorCount)
		for j := range positions {
			for a := 0; a < 3; a++ {
				positions[j][a] = int32(binary.LittleEndian.Uint32(b[off:]))
				off += 4
			}
		}

		if dataOff < 0 || dataOff+int64(dataSize) > int64(len(b)) {
			if logger != nil {
				logger.Printf("archive %s: entity %s: data range outside file; skipping", path, meta.GUID)
			}
			continue
		}
		ents = append(ents, ArchiveEntity{
			Meta:      meta,
			Positions: positions,
			Blob:      b[dataOff : dataOff+int64(dataSize)],
		})
	}
	return cell, ents, nil
}
