// Command regiontool inspects and repairs world save data offline.
//
//	regiontool info <region-or-archive-file>
//	regiontool verify <region-or-archive-file>
//	regiontool backup <save-dir> <out.tar.zst>
//	regiontool restore <in.tar.zst> <dir>
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"voxelgrid.dev/internal/persistence/backup"
	"voxelgrid.dev/internal/persistence/region"
	"voxelgrid.dev/internal/persistence/sectorio"
	"voxelgrid.dev/internal/persistence/store"
)

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	logger := log.New(os.Stderr, "[regiontool] ", log.LstdFlags)

	var err error
	switch args[0] {
	case "info":
		err = runInfo(args[1:], logger)
	case "verify":
		err = runVerify(args[1:], logger)
	case "backup":
		err = runBackup(args[1:])
	case "restore":
		err = runRestore(args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Fatalf("%s: %v", args[0], err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  regiontool info <region-or-archive-file>
  regiontool verify <region-or-archive-file>
  regiontool backup <save-dir> <out.tar.zst>
  regiontool restore <in.tar.zst> <dir>
`)
}

func isArchive(path string) bool {
	return strings.HasSuffix(path, ".vga")
}

// regionCoords recovers region coordinates from a r.<x>.<y>.<z>.vgr
// filename, so info/verify can open files moved out of their save dir.
func regionCoords(path string) ([3]int32, error) {
	var c [3]int32
	base := filepath.Base(path)
	if _, err := fmt.Sscanf(base, "r.%d.%d.%d.vgr", &c[0], &c[1], &c[2]); err != nil {
		return c, fmt.Errorf("cannot parse coords from %q: %w", base, err)
	}
	return c, nil
}

func runInfo(args []string, logger *log.Logger) error {
	if len(args) != 1 {
		return fmt.Errorf("expected one file")
	}
	if isArchive(args[0]) {
		return archiveInfo(args[0], logger)
	}
	coords, err := regionCoords(args[0])
	if err != nil {
		return err
	}
	r, err := region.Open(args[0], coords, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	entities := r.Entities()
	fmt.Printf("region %v: %d entities\n", coords, len(entities))
	for _, ent := range entities {
		var total uint32
		for _, ref := range ent.Sectors {
			total += ref.Size
		}
		fmt.Printf("  %s: %d sectors, %d bytes\n", ent.GUID, len(ent.Sectors), total)
	}
	return nil
}

func archiveInfo(path string, logger *log.Logger) error {
	cell, ents, err := store.ReadArchive(path, logger)
	if err != nil {
		return err
	}
	fmt.Printf("archive cell %v: %d entities\n", cell, len(ents))
	for _, e := range ents {
		fmt.Printf("  %s: %s, %d sectors, %d bytes\n",
			e.Meta.GUID, e.Meta.Kind, len(e.Positions), len(e.Blob))
	}
	return nil
}

func archiveVerify(path string, logger *log.Logger) error {
	cell, ents, err := store.ReadArchive(path, logger)
	if err != nil {
		return err
	}
	ok, bad := 0, 0
	for _, e := range ents {
		blob := e.Blob
		for _, pos := range e.Positions {
			_, n, derr := sectorio.Decode(blob, sectorio.DecodeOptions{Logger: logger})
			if derr != nil {
				logger.Printf("entity %s sector %v: %v", e.Meta.GUID, pos, derr)
				bad++
				break
			}
			blob = blob[n:]
			ok++
		}
	}
	fmt.Printf("archive cell %v: %d sectors ok, %d corrupt\n", cell, ok, bad)
	if bad > 0 {
		return fmt.Errorf("%d corrupt sectors", bad)
	}
	return nil
}

func runVerify(args []string, logger *log.Logger) error {
	if len(args) != 1 {
		return fmt.Errorf("expected one file")
	}
	if isArchive(args[0]) {
		return archiveVerify(args[0], logger)
	}
	coords, err := regionCoords(args[0])
	if err != nil {
		return err
	}
	r, err := region.Open(args[0], coords, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	ok, bad := 0, 0
	for _, ent := range r.Entities() {
		for _, ref := range ent.Sectors {
			data, found, err := r.ReadSector(ent.GUID, ref.Local)
			if err != nil || !found {
				logger.Printf("entity %s sector %v: read: %v", ent.GUID, ref.Local, err)
				bad++
				continue
			}
			if _, _, err := sectorio.Decode(data, sectorio.DecodeOptions{Logger: logger}); err != nil {
				logger.Printf("entity %s sector %v: %v", ent.GUID, ref.Local, err)
				bad++
				continue
			}
			ok++
		}
	}
	fmt.Printf("region %v: %d sectors ok, %d corrupt\n", coords, ok, bad)
	if bad > 0 {
		return fmt.Errorf("%d corrupt sectors", bad)
	}
	return nil
}

func runBackup(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("expected <save-dir> <out.tar.zst>")
	}
	return backup.Write(args[0], args[1])
}

func runRestore(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("expected <in.tar.zst> <dir>")
	}
	return backup.Restore(args[0], args[1])
}
