package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	persistlog "voxelgrid.dev/internal/persistence/log"
	"voxelgrid.dev/internal/persistence/savedb"
	"voxelgrid.dev/internal/persistence/sectorio"
	"voxelgrid.dev/internal/persistence/store"
	"voxelgrid.dev/internal/transport/changefeed"
	"voxelgrid.dev/internal/tuning"
	"voxelgrid.dev/internal/voxel"
)

// setBlockReq is the debug write endpoint payload.
type setBlockReq struct {
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Z    int    `json:"z"`
	ID   uint16 `json:"id"`
	Meta uint16 `json:"meta"`
}

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address (loopback only)")
		worldID    = flag.String("world", "world_1", "world id")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <data>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the save index read-model")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[voxeld] ", log.LstdFlags|log.Lmicroseconds)

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*dataDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	mgr, err := store.NewManager(filepath.Join(worldDir, "save"), store.Config{
		RegionSectors: tune.RegionSectors,
		GridRegions:   tune.GridRegions,
	}, logger)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer mgr.Close()

	if tune.EnableSaveDB && !*disableDB {
		db, err := savedb.Open(filepath.Join(worldDir, "index.db"))
		if err != nil {
			logger.Fatalf("open save index: %v", err)
		}
		defer db.Close()
		mgr.SetDB(db)
	}

	// The world terrain is one streaming entity with a stable GUID derived
	// from the world id, so restarts resolve the same region files.
	worldGUID := uuid.NewSHA1(uuid.NameSpaceURL, []byte("voxelgrid.dev/world/"+*worldID))
	if err := mgr.RegisterEntity(store.EntityMeta{
		GUID:      worldGUID,
		Kind:      store.KindStreaming,
		Transform: store.IdentityTransform(),
	}); err != nil {
		logger.Fatalf("register world entity: %v", err)
	}

	changeLog := persistlog.NewChangeLogger(worldDir)
	defer changeLog.Close()
	saveLog := persistlog.NewSaveLogger(worldDir)
	defer saveLog.Close()

	grid := voxel.NewSectorGrid()
	feed := changefeed.NewServer(logger, tune.ChangefeedMaxConns)

	// Block writes from HTTP land here and are applied by the tick loop, so
	// the grid has a single writer.
	writes := make(chan setBlockReq, 1024)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/changes", feed.Handler())
	mux.HandleFunc("/v1/block", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req setBlockReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		select {
		case writes <- req:
			rw.WriteHeader(http.StatusAccepted)
		default:
			http.Error(rw, "write queue full", http.StatusServiceUnavailable)
		}
	})
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(rw, "ok sectors=%d subscribers=%d\n", grid.Len(), feed.Subscribers())
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http: %v", err)
		}
	}()

	workers := tune.PropagationWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(tune.TickDurationMs) * time.Millisecond)
	defer ticker.Stop()

	var tick uint64
	logger.Printf("world %s up: tick=%dms region=%d grid=%d workers=%d",
		*worldID, tune.TickDurationMs, tune.RegionSectors, tune.GridRegions, workers)

loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
		}
		tick++

		// Apply queued writes.
	drain:
		for {
			select {
			case w := <-writes:
				grid.SetBlockAt(w.X, w.Y, w.Z, voxel.MakeBlock(w.ID, w.Meta))
			default:
				break drain
			}
		}

		grid.Propagate(voxel.FlagAll, workers)

		if changes := grid.Changes(); len(changes) > 0 {
			feed.Broadcast(tick, changes)
			if err := changeLog.Write(persistlog.ChangeEntry{Tick: tick, Sectors: changes}); err != nil {
				logger.Printf("change log: %v", err)
			}
			// This process is the feed's terminal consumer; once the
			// summary is out, the read buffer is spent.
			for _, s := range grid.Sectors() {
				s.ClearAllRequireUpdateFlags()
			}
		}

		if tune.AutosaveEveryTicks > 0 && tick%uint64(tune.AutosaveEveryTicks) == 0 {
			saveDirty(grid, mgr, saveLog, worldGUID, tick, logger)
		}

		grid.EndTick()
	}

	logger.Printf("shutting down")
	saveDirty(grid, mgr, saveLog, worldGUID, tick, logger)
	if err := mgr.Flush(); err != nil {
		logger.Printf("final flush: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	logger.Printf("bye")
}

// saveDirty persists every sector with pending block changes, then clears
// their write buffers. Flag state rides along in the record, so a crash
// between autosaves at worst replays work.
func saveDirty(grid *voxel.SectorGrid, mgr *store.Manager, saveLog *persistlog.SaveLogger, guid uuid.UUID, tick uint64, logger *log.Logger) {
	saved := 0
	for _, s := range grid.Sectors() {
		if s.DirtyFlags()&voxel.FlagBlocks == 0 {
			continue
		}
		c := s.Coords
		sc := [3]int32{int32(c.X), int32(c.Y), int32(c.Z)}
		if err := mgr.SaveSector(guid, sc, s); err != nil {
			logger.Printf("save sector %v: %v", sc, err)
			continue
		}
		_ = saveLog.Write(persistlog.SaveEntry{
			Tick:   tick,
			GUID:   guid.String(),
			Kind:   "sector",
			Coords: [3]int{c.X, c.Y, c.Z},
			Bytes:  sectorio.EncodedSize(s),
		})
		s.ClearDirtyFlags(voxel.FlagBlocks)
		saved++
	}
	if saved > 0 {
		if err := mgr.Flush(); err != nil {
			logger.Printf("flush: %v", err)
		}
		logger.Printf("autosave: %d sectors at tick %d", saved, tick)
	}
}
