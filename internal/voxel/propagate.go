package voxel

import "sync"

// Dirty-flag propagation: derives each brick's require-update flags from
// its own dirty flags plus the dirty flags of its 26 Moore neighbors. Each
// call writes only the target sector and reads neighbors read-only, so one
// unit of work per sector is safe to fan out in parallel, and the result is
// deterministic under any interleaving.

// Propagate runs one propagation pass over a single sector, restricted to
// the given flag bits. A sector without a neighbor record is skipped;
// missing neighbor sectors contribute zero.
func Propagate(s *Sector, flags uint16) {
	n := s.neighbors
	if n == nil {
		return
	}

	// Fast reject: nothing dirty here or in any neighbor.
	agg := s.aggDirty
	for i := 0; i < NumDirections; i++ {
		d := Directions[i]
		if ns := n.At(d.X, d.Y, d.Z); ns != nil {
			agg |= ns.aggDirty
		}
	}
	if agg&flags == 0 {
		return
	}

	var out [SectorBrickCount]uint16
	changed := false
	for slot := 0; slot < SectorBrickCount; slot++ {
		acc := s.dirtyFlags[slot] & flags
		bp := SlotPos(slot)
		for di := 0; di < NumDirections; di++ {
			q := bp.Add(Directions[di])

			src := s
			if q.X < 0 || q.X >= SectorBricks ||
				q.Y < 0 || q.Y >= SectorBricks ||
				q.Z < 0 || q.Z >= SectorBricks {
				// Resolve the owning neighbor by offset sign, then wrap
				// toroidally onto its opposite face.
				src = n.At(sign(q.X), sign(q.Y), sign(q.Z))
				if src == nil {
					continue
				}
				q = Vec3i{Mod(q.X, SectorBricks), Mod(q.Y, SectorBricks), Mod(q.Z, SectorBricks)}
			}

			qslot := brickSlot(q.X, q.Y, q.Z)
			df := src.dirtyFlags[qslot] & flags
			if df == 0 {
				continue
			}
			// The source change reaches us only if its direction mask
			// points back at this brick.
			if src.directionMask[qslot]&(1<<uint(Opposite[di])) == 0 {
				continue
			}
			acc |= df
		}
		if acc != 0 {
			out[slot] = acc
			changed = true
		}
	}
	if !changed {
		return
	}

	s.mu.Lock()
	for slot, f := range out {
		if f == 0 {
			continue
		}
		s.requireUpdateFlags[slot] |= f
		s.aggRequireUpdate |= f
	}
	s.mu.Unlock()
}

// sign collapses a brick coordinate one step outside [0, SectorBricks) to
// the unit sector offset it crossed into.
func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v >= SectorBricks:
		return 1
	}
	return 0
}

// PropagateAll fans one propagation unit per sector out over a fixed worker
// pool and waits for completion. workers <= 0 runs sequentially.
func PropagateAll(sectors []*Sector, flags uint16, workers int) {
	if workers <= 1 || len(sectors) <= 1 {
		for _, s := range sectors {
			Propagate(s, flags)
		}
		return
	}
	if workers > len(sectors) {
		workers = len(sectors)
	}
	work := make(chan *Sector, len(sectors))
	for _, s := range sectors {
		work <- s
	}
	close(work)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for s := range work {
				Propagate(s, flags)
			}
		}()
	}
	wg.Wait()
}
