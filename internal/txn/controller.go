// Package txn enforces the store's transaction discipline: any number of
// read pins over published snapshots, at most one write transaction per
// store file at a time, across threads and processes. Write transactions
// mutate copy-on-write working pages and publish atomically through the
// version manager; until commit, no reader can observe any of their work.
package txn

import (
	"sync"

	"cairn/internal/base"
	"cairn/internal/pagestore"
	"cairn/internal/sentinel"
	"cairn/internal/version"
)

// Controller serializes writers and runs the commit pipeline for one shared
// store.
type Controller struct {
	store    *pagestore.Store
	versions *version.Manager
	sent     *sentinel.Sentinel

	// writeMu is the in-process writer queue. It is held for the entire
	// write transaction; the cross-process flock is acquired after it so
	// in-process waiters line up before contending with other processes.
	writeMu sync.Mutex
}

// NewController wires the controller over its collaborators.
func NewController(store *pagestore.Store, versions *version.Manager, sent *sentinel.Sentinel) *Controller {
	return &Controller{store: store, versions: versions, sent: sent}
}

// Store returns the underlying page store, which doubles as the page reader
// for pinned snapshots.
func (c *Controller) Store() *pagestore.Store { return c.store }

// Versions returns the version manager.
func (c *Controller) Versions() *version.Manager { return c.versions }

// BeginWrite blocks until the write slot is free, then opens a write
// transaction based on the latest committed snapshot. Contention is never
// an error; the only failure modes are I/O. Re-entrancy is a session-level
// contract enforced by the caller, which tracks its own open transaction.
func (c *Controller) BeginWrite() (*Tx, error) {
	if c.store.ReadOnly() {
		return nil, base.ErrReadOnly
	}
	c.writeMu.Lock()
	if err := c.sent.AcquireWrite(); err != nil {
		c.writeMu.Unlock()
		return nil, err
	}

	// Another process may have committed since our last look; its meta is
	// durable (it held the slot we now hold), so adopt it as the base.
	meta, err := c.store.ReloadMeta()
	if err != nil {
		c.sent.ReleaseWrite()
		c.writeMu.Unlock()
		return nil, err
	}
	baseSnap := c.versions.Adopt(meta)

	return &Tx{
		ctrl:          c,
		base:          baseSnap,
		pending:       make(map[pagestore.PageID][]byte),
		root:          baseSnap.Root(),
		schemaVersion: baseSnap.SchemaVersion(),
	}, nil
}

// WithWrite runs fn inside a write transaction. A nil return commits; an
// error or panic rolls back, and a panic is re-raised after the rollback.
func (c *Controller) WithWrite(fn func(tx *Tx) error) error {
	tx, err := c.BeginWrite()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	snap, err := tx.Commit()
	if err != nil {
		return err
	}
	snap.Release()
	return nil
}

// Refresh advances cur to the latest published snapshot, adopting versions
// committed by other processes, and reports whether the view moved. On a
// move the prior pin is released and the new snapshot is returned pinned.
func (c *Controller) Refresh(cur *version.Snapshot) (*version.Snapshot, bool, error) {
	if c.sent.Latest() > c.versions.LatestVersion() {
		meta, err := c.store.PeekMeta()
		if err != nil {
			return cur, false, err
		}
		c.versions.Adopt(meta).Release()
	}
	snap := c.versions.Latest()
	if snap.Version() == cur.Version() {
		snap.Release()
		return cur, false, nil
	}
	cur.Release()
	return snap, true, nil
}
