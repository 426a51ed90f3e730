package voxel

// Snapshot mode double-buffers a sector's block contents so a writer can
// stage a whole generation of changes while readers keep seeing the old
// one. It is a cooperative two-phase protocol, not a lock: one writer phase,
// then one apply. Starting a second writer phase before ApplySnapshot is a
// contract violation the engine does not detect.

// ActivateSnapshot clones the block arena and brick index into a shadow
// buffer. Subsequent writes land in the shadow; reads keep seeing the
// primary. Idempotent while a snapshot is already active.
func (s *Sector) ActivateSnapshot() {
	if s.shadow != nil {
		return
	}
	s.shadow = s.data.clone()
}

// SnapshotActive reports whether a snapshot is staged.
func (s *Sector) SnapshotActive() bool { return s.shadow != nil }

// ApplySnapshot swaps the shadow in as the primary buffer and leaves
// snapshot mode. The swap is a pointer exchange, not a copy. No-op when no
// snapshot is active.
func (s *Sector) ApplySnapshot() {
	if s.shadow == nil {
		return
	}
	s.data = s.shadow
	s.shadow = nil
}

// DiscardSnapshot drops a staged shadow without applying it.
func (s *Sector) DiscardSnapshot() {
	s.shadow = nil
}
