// Package version maintains the chain of committed snapshots for one store.
// Snapshots are immutable once published and shared by reference count:
// readers pin a snapshot, the single writer derives the next one from the
// latest, and storage for a superseded snapshot is reclaimed only after its
// last reference is released.
package version

import (
	"sync"
	"sync/atomic"

	"cairn/internal/base"
	"cairn/internal/pagestore"
)

// Snapshot is an immutable view of the store as of one committed version.
type Snapshot struct {
	version       base.VersionID
	root          pagestore.PageID
	schemaVersion uint64

	refs atomic.Int32
	mgr  *Manager
}

// Version returns the snapshot's version id.
func (s *Snapshot) Version() base.VersionID { return s.version }

// Root returns the catalog root page the snapshot was published with.
func (s *Snapshot) Root() pagestore.PageID { return s.root }

// SchemaVersion returns the schema version stored in the snapshot.
func (s *Snapshot) SchemaVersion() uint64 { return s.schemaVersion }

// Acquire adds a reference. The snapshot must already be referenced by the
// caller's session.
func (s *Snapshot) Acquire() *Snapshot {
	s.refs.Add(1)
	return s
}

// Release drops one reference. At zero the manager retires the snapshot
// unless it is still the latest.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) == 0 && s.mgr != nil {
		s.mgr.retire(s)
	}
}

// Manager owns the in-process snapshot chain for one store file. Publishing
// is atomic: Latest never observes a half-published snapshot, and version
// ids increase without gaps for locally published commits. Versions adopted
// from other processes may skip ids this process never saw; the sessions
// here only ever observe the collapsed latest.
type Manager struct {
	mu      sync.Mutex
	latest  *Snapshot
	live    map[base.VersionID]*Snapshot
	reclaim func(oldestPinned base.VersionID)
}

// NewManager seeds the chain with the committed snapshot from the store's
// meta. reclaim is invoked, with the manager unlocked, whenever the oldest
// pinned version advances; the page store uses it to recycle freed pages.
func NewManager(m pagestore.Meta, reclaim func(base.VersionID)) *Manager {
	mgr := &Manager{
		live:    make(map[base.VersionID]*Snapshot),
		reclaim: reclaim,
	}
	snap := &Snapshot{version: m.Version, root: m.Root, schemaVersion: m.SchemaVersion, mgr: mgr}
	mgr.latest = snap
	mgr.live[snap.version] = snap
	return mgr
}

// Latest pins and returns the most recently published snapshot.
func (m *Manager) Latest() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest.refs.Add(1)
	return m.latest
}

// LatestVersion returns the most recently published version id without
// pinning it.
func (m *Manager) LatestVersion() base.VersionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest.version
}

// Pin pins the snapshot with the given version id if it is still live.
func (m *Manager) Pin(v base.VersionID) (*Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live[v]
	if !ok {
		return nil, false
	}
	s.refs.Add(1)
	return s, true
}

// Publish installs the snapshot for a locally committed meta as the new
// latest and returns it pinned once for the committing session. The meta's
// version must be exactly the prior latest plus one.
func (m *Manager) Publish(meta pagestore.Meta) *Snapshot {
	return m.install(meta)
}

// Adopt installs a snapshot committed by another process, discovered by
// re-reading the store file's meta. A meta no newer than the current latest
// is ignored and the current latest is returned pinned.
func (m *Manager) Adopt(meta pagestore.Meta) *Snapshot {
	return m.install(meta)
}

func (m *Manager) install(meta pagestore.Meta) *Snapshot {
	m.mu.Lock()
	if meta.Version <= m.latest.version {
		s := m.latest
		s.refs.Add(1)
		m.mu.Unlock()
		return s
	}
	prev := m.latest
	snap := &Snapshot{version: meta.Version, root: meta.Root, schemaVersion: meta.SchemaVersion, mgr: m}
	snap.refs.Add(1)
	m.latest = snap
	m.live[snap.version] = snap

	// The previous latest was only held alive by its latest status; drop
	// it now if nothing has it pinned.
	if prev.refs.Load() == 0 {
		delete(m.live, prev.version)
	}
	horizon := m.oldestPinnedLocked()
	m.mu.Unlock()
	m.notifyReclaim(horizon)
	return snap
}

// retire is called by a snapshot whose reference count reached zero.
func (m *Manager) retire(s *Snapshot) {
	m.mu.Lock()
	if s == m.latest || s.refs.Load() != 0 {
		m.mu.Unlock()
		return
	}
	delete(m.live, s.version)
	horizon := m.oldestPinnedLocked()
	m.mu.Unlock()
	m.notifyReclaim(horizon)
}

// OldestPinned returns the oldest version that can still be read in this
// process. Pages freed at or below it are safe to recycle.
func (m *Manager) OldestPinned() base.VersionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.oldestPinnedLocked()
}

func (m *Manager) oldestPinnedLocked() base.VersionID {
	oldest := base.VersionMax
	for v := range m.live {
		if v < oldest {
			oldest = v
		}
	}
	return oldest
}

func (m *Manager) notifyReclaim(horizon base.VersionID) {
	if m.reclaim != nil {
		m.reclaim(horizon)
	}
}
