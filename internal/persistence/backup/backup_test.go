package backup

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestBackup_RoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string][]byte{
		"tuning.yaml":                   []byte("tick_duration_ms: 100\n"),
		"save/regions/r.0.0.0.vgr":      bytes.Repeat([]byte{0xAB}, 4096),
		"save/index/i.0.0.0.vgi":        []byte("index"),
		"save/archives/a.-1.-1.-1.vga":  []byte("archive"),
		"changes/changes-x.jsonl.zst":   {0x28, 0xB5, 0x2F, 0xFD},
	}
	for rel, data := range files {
		path := filepath.Join(src, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	archive := filepath.Join(t.TempDir(), "world.tar.zst")
	if err := Write(src, archive); err != nil {
		t.Fatalf("backup: %v", err)
	}

	dst := t.TempDir()
	if err := Restore(archive, dst); err != nil {
		t.Fatalf("restore: %v", err)
	}

	for rel, want := range files {
		got, err := os.ReadFile(filepath.Join(dst, rel))
		if err != nil {
			t.Fatalf("restored %s: %v", rel, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("restored %s differs", rel)
		}
	}
}

func TestBackup_RestoreRejectsTraversal(t *testing.T) {
	for _, name := range []string{"../evil.txt", "/etc/evil.txt", "a/../../evil.txt"} {
		archive := filepath.Join(t.TempDir(), "a.tar.zst")
		writeHostileArchive(t, archive, name)
		if err := Restore(archive, t.TempDir()); err == nil {
			t.Fatalf("entry %q restored", name)
		}
	}
}

func writeHostileArchive(t *testing.T, path, entryName string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	tw := tar.NewWriter(enc)
	data := []byte("gotcha")
	if err := tw.WriteHeader(&tar.Header{Name: entryName, Mode: 0o644, Size: int64(len(data))}); err != nil {
		t.Fatalf("header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("body: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("file close: %v", err)
	}
}

func TestBackup_MissingSource(t *testing.T) {
	if err := Write(filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "out.tar.zst")); err == nil {
		t.Fatalf("missing source accepted")
	}
}
