package snapshot

import (
	"maps"
	"sync/atomic"
)

// entry pairs a published snapshot with the channel closed when it is replaced.
type entry struct {
	snap     *Snapshot
	replaced chan struct{}
}

// Store holds the current Snapshot. Publish is called by a single writer;
// Current and Watch may be called from any number of goroutines and never
// block on the writer.
type Store struct {
	cur atomic.Pointer[entry]
	seq atomic.Uint64
}

// NewStore creates a store whose current snapshot is initial.
func NewStore(initial Snapshot) *Store {
	s := &Store{}
	initial.Metrics = maps.Clone(initial.Metrics)
	s.cur.Store(&entry{snap: &initial, replaced: make(chan struct{})})
	return s
}

// Publish replaces the current snapshot in one atomic step. The metrics map is
// copied so the caller may keep reusing its own.
func (s *Store) Publish(snap Snapshot) {
	snap.Seq = s.seq.Add(1)
	snap.Metrics = maps.Clone(snap.Metrics)
	old := s.cur.Swap(&entry{snap: &snap, replaced: make(chan struct{})})
	close(old.replaced)
}

// Current returns the most recently published snapshot. The result is shared
// and read-only.
func (s *Store) Current() *Snapshot {
	return s.cur.Load().snap
}

// Watch returns the current snapshot together with a channel that is closed
// as soon as a newer one is published.
func (s *Store) Watch() (*Snapshot, <-chan struct{}) {
	e := s.cur.Load()
	return e.snap, e.replaced
}
