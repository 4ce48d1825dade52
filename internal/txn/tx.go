package txn

import (
	"cairn/internal/base"
	"cairn/internal/pagestore"
	"cairn/internal/version"
)

// Tx is a write transaction. It derives a copy-on-write working set from
// its base snapshot: the first mutation of a page copies it to a freshly
// allocated id, so every page the base snapshot references stays untouched.
// A Tx is owned by a single session and is not safe for concurrent use.
type Tx struct {
	ctrl *Controller
	base *version.Snapshot

	// pending holds the working copies, keyed by their new page ids. None
	// of these ids are referenced by any published snapshot.
	pending map[pagestore.PageID][]byte
	// allocated lists every page id taken from the store by this tx.
	allocated []pagestore.PageID
	// localUnused are allocated pages freed again before commit.
	localUnused []pagestore.PageID
	// freed lists base-snapshot pages this tx stopped referencing; they
	// are handed to the freelist only when the commit publishes.
	freed []pagestore.PageID

	root          pagestore.PageID
	schemaVersion uint64
	done          bool
}

// Base returns the snapshot the transaction was derived from.
func (tx *Tx) Base() *version.Snapshot { return tx.base }

// Root returns the working catalog root.
func (tx *Tx) Root() pagestore.PageID { return tx.root }

// SetRoot replaces the working catalog root.
func (tx *Tx) SetRoot(id pagestore.PageID) { tx.root = id }

// SchemaVersion returns the working schema version.
func (tx *Tx) SchemaVersion() uint64 { return tx.schemaVersion }

// SetSchemaVersion replaces the schema version the commit will publish.
func (tx *Tx) SetSchemaVersion(v uint64) { tx.schemaVersion = v }

// ReadPage returns the transaction's view of a page: the working copy if
// the page was allocated by this tx, otherwise the committed page. The
// returned buffer is only valid until the next write to the same page.
func (tx *Tx) ReadPage(id pagestore.PageID) ([]byte, error) {
	if buf, ok := tx.pending[id]; ok {
		return buf, nil
	}
	return tx.ctrl.store.ReadPage(id)
}

// AllocPage allocates a fresh zeroed working page.
func (tx *Tx) AllocPage() (pagestore.PageID, error) {
	if tx.done {
		return pagestore.PageNone, base.ErrNotInTransaction
	}
	ids, err := tx.ctrl.store.Allocate(1)
	if err != nil {
		return pagestore.PageNone, err
	}
	id := ids[0]
	tx.allocated = append(tx.allocated, id)
	tx.pending[id] = make([]byte, pagestore.PageSize)
	return id, nil
}

// WritePage replaces the contents of a working page. Writing a page the
// transaction does not own would corrupt a published snapshot, so it is an
// internal invariant violation.
func (tx *Tx) WritePage(id pagestore.PageID, buf []byte) error {
	if tx.done {
		return base.ErrNotInTransaction
	}
	if _, ok := tx.pending[id]; !ok {
		panic("cairn: write to a page outside the transaction working set")
	}
	p := make([]byte, pagestore.PageSize)
	copy(p, buf)
	tx.pending[id] = p
	return nil
}

// CopyPage makes page id writable under copy-on-write: a page already in
// the working set is returned as-is, a committed page is copied to a new id
// and the old id is queued for freeing at commit. The returned buffer may
// be mutated and written back with WritePage.
func (tx *Tx) CopyPage(id pagestore.PageID) (pagestore.PageID, []byte, error) {
	if tx.done {
		return pagestore.PageNone, nil, base.ErrNotInTransaction
	}
	if buf, ok := tx.pending[id]; ok {
		return id, buf, nil
	}
	old, err := tx.ctrl.store.ReadPage(id)
	if err != nil {
		return pagestore.PageNone, nil, err
	}
	ids, err := tx.ctrl.store.Allocate(1)
	if err != nil {
		return pagestore.PageNone, nil, err
	}
	newID := ids[0]
	tx.allocated = append(tx.allocated, newID)
	tx.pending[newID] = old
	tx.freed = append(tx.freed, id)
	return newID, old, nil
}

// FreePage releases a page from the working tree. Pages allocated by this
// tx return to the store immediately on commit or rollback; committed pages
// stay readable for older snapshots and are freed when the commit publishes.
func (tx *Tx) FreePage(id pagestore.PageID) {
	if _, ok := tx.pending[id]; ok {
		delete(tx.pending, id)
		tx.localUnused = append(tx.localUnused, id)
		return
	}
	tx.freed = append(tx.freed, id)
}

// Commit durably publishes the working set as the next version. The order
// is fixed: working pages, then the freelist, then the meta slot that
// references them — an I/O failure at any point leaves the prior snapshot
// current and every page this tx wrote unreferenced. On success the new
// snapshot is announced to all other sessions and returned pinned.
func (tx *Tx) Commit() (*version.Snapshot, error) {
	if tx.done {
		return nil, base.ErrNotInTransaction
	}
	c := tx.ctrl

	for id, buf := range tx.pending {
		if err := c.store.WritePage(id, buf); err != nil {
			tx.abort()
			return nil, err
		}
	}
	meta, err := c.store.CommitMeta(tx.root, tx.schemaVersion, tx.freed)
	if err != nil {
		tx.abort()
		return nil, err
	}
	snap := c.versions.Publish(meta)
	c.store.Unallocate(tx.localUnused...)

	// Announce is best-effort: the commit is already durable, and sessions
	// that miss the wake-up catch up on their next explicit refresh.
	_ = c.sent.Announce(meta.Version)

	tx.finish()
	return snap, nil
}

// Rollback discards the working set. No page the transaction wrote is ever
// referenced; allocated pages return to the free pool. Rollback after
// Commit or a prior Rollback is a no-op.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.abort()
}

func (tx *Tx) abort() {
	tx.ctrl.store.Unallocate(tx.allocated...)
	tx.finish()
}

func (tx *Tx) finish() {
	tx.done = true
	tx.pending = nil
	tx.base.Release()
	tx.ctrl.sent.ReleaseWrite()
	tx.ctrl.writeMu.Unlock()
}
