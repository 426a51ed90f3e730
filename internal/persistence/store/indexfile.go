package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
)

// Entity index files: one per grid cell, holding lightweight per-entity
// metadata so a coordinator can enumerate a cell without touching region or
// archive bodies. Rewritten in full on save.
//
// Layout: header { magic u32, version u32, gridCoords 3 x i32,
// entityCount u32 } followed by entityCount metadata records.

const (
	IndexMagic   uint32 = 0x56474958 // "VGIX"
	IndexVersion uint32 = 1

	indexHeaderSize = 4 + 4 + 12 + 4
)

var ErrIndexBadMagic = errors.New("store: bad index file magic")

func writeIndexFile(path string, cell [3]int32, metas []EntityMeta) error {
	buf := make([]byte, 0, indexHeaderSize+len(metas)*(metaBaseSize+24))
	buf = binary.LittleEndian.AppendUint32(buf, IndexMagic)
	buf = binary.LittleEndian.AppendUint32(buf, IndexVersion)
	for _, c := range cell {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(c))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(metas)))
	for i := range metas {
		buf = metas[i].append(buf)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readIndexFile loads a cell's entity list. A record that fails to decode
// ends the scan with a log line; earlier records survive.
func readIndexFile(path string, logger *log.Logger) (cell [3]int32, metas []EntityMeta, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return cell, nil, err
	}
	if len(b) < indexHeaderSize {
		return cell, nil, fmt.Errorf("index %s: truncated header", path)
	}
	if binary.LittleEndian.Uint32(b[0:]) != IndexMagic {
		return cell, nil, fmt.Errorf("index %s: %w", path, ErrIndexBadMagic)
	}
	version := binary.LittleEndian.Uint32(b[4:])
	if version > IndexVersion && logger != nil {
		logger.Printf("index %s: version %d newer than %d; attempting read", path, version, IndexVersion)
	}
	for i := range cell {
		cell[i] = int32(binary.LittleEndian.Uint32(b[8+i*4:]))
	}
	count := int(binary.LittleEndian.Uint32(b[20:]))

	off := indexHeaderSize
	for i := 0; i < count; i++ {
		m, n, derr := decodeMeta(b[off:])
		if derr != nil {
			if logger != nil {
				logger.Printf("index %s: entity %d: %v; keeping %d entities", path, i, derr, len(metas))
			}
			break
		}
		off += n
		metas = append(metas, m)
	}
	return cell, metas, nil
}
