// Package log writes the persistence layer's operational journals:
// compressed JSONL streams of per-tick change summaries and save events,
// rotated hourly.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelgrid.dev/internal/voxel"
)

type jsonlZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func newJSONLZstdWriter(baseDir, prefix string) *jsonlZstdWriter {
	return &jsonlZstdWriter{baseDir: baseDir, prefix: prefix}
}

func (w *jsonlZstdWriter) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *jsonlZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *jsonlZstdWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *jsonlZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

// ChangeEntry is one tick's worth of propagated change, as published to
// downstream consumers.
type ChangeEntry struct {
	Tick    uint64               `json:"tick"`
	Sectors []voxel.SectorChange `json:"sectors,omitempty"`
}

// SaveEntry records one persistence operation.
type SaveEntry struct {
	Tick   uint64 `json:"tick"`
	GUID   string `json:"guid"`
	Kind   string `json:"kind"` // "sector" or "bundle"
	Coords [3]int `json:"coords"`
	Bytes  int    `json:"bytes"`
}

// ChangeLogger journals per-tick change summaries (compressed).
type ChangeLogger struct{ w *jsonlZstdWriter }

func NewChangeLogger(worldDir string) *ChangeLogger {
	return &ChangeLogger{w: newJSONLZstdWriter(filepath.Join(worldDir, "changes"), "changes")}
}

func (l *ChangeLogger) Write(e ChangeEntry) error { return l.w.write(e) }
func (l *ChangeLogger) Close() error              { return l.w.close() }

// SaveLogger journals save events (compressed).
type SaveLogger struct{ w *jsonlZstdWriter }

func NewSaveLogger(worldDir string) *SaveLogger {
	return &SaveLogger{w: newJSONLZstdWriter(filepath.Join(worldDir, "saves"), "saves")}
}

func (l *SaveLogger) Write(e SaveEntry) error { return l.w.write(e) }
func (l *SaveLogger) Close() error            { return l.w.close() }
