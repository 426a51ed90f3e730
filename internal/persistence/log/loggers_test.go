package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"voxelgrid.dev/internal/voxel"
)

func readEntries(t *testing.T, dir string, out func([]byte)) {
	t.Helper()
	names, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("%d log files, want 1", len(names))
	}
	f, err := os.Open(filepath.Join(dir, names[0].Name()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		out(append([]byte(nil), sc.Bytes()...))
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
}

func TestChangeLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewChangeLogger(dir)

	entries := []ChangeEntry{
		{Tick: 1, Sectors: []voxel.SectorChange{{Coords: voxel.Vec3i{X: 1, Y: 2, Z: 3}, RequireUpdate: 1, DirtyBricks: 5}}},
		{Tick: 2},
	}
	for _, e := range entries {
		if err := l.Write(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var got []ChangeEntry
	readEntries(t, filepath.Join(dir, "changes"), func(line []byte) {
		var e ChangeEntry
		if err := json.Unmarshal(line, &e); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		got = append(got, e)
	})
	if len(got) != len(entries) {
		t.Fatalf("%d entries, want %d", len(got), len(entries))
	}
	if got[0].Tick != 1 || len(got[0].Sectors) != 1 || got[0].Sectors[0].DirtyBricks != 5 {
		t.Fatalf("entry %+v", got[0])
	}
	if got[1].Tick != 2 || got[1].Sectors != nil {
		t.Fatalf("entry %+v", got[1])
	}
}

func TestSaveLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewSaveLogger(dir)

	if err := l.Write(SaveEntry{Tick: 9, GUID: "g", Kind: "sector", Coords: [3]int{-1, 0, 1}, Bytes: 42}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	count := 0
	readEntries(t, filepath.Join(dir, "saves"), func(line []byte) {
		var e SaveEntry
		if err := json.Unmarshal(line, &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if e.Tick != 9 || e.Kind != "sector" || e.Coords != [3]int{-1, 0, 1} || e.Bytes != 42 {
			t.Fatalf("entry %+v", e)
		}
		count++
	})
	if count != 1 {
		t.Fatalf("%d entries, want 1", count)
	}
}
