package cairn

import (
	"sync"

	"cairn/internal/base"
	"cairn/internal/objstore"
	"cairn/internal/txn"
	"cairn/internal/version"
)

// Realm is one logical session over a store: a pinned read snapshot, an
// optional write transaction, and the session's change listeners. A Realm is
// meant for a single goroutine; the shared store underneath is safe for any
// number of sessions.
type Realm struct {
	store    *sharedStore
	readOnly bool

	mu          sync.Mutex
	snap        *version.Snapshot
	readCat     *objstore.Catalog
	tx          *txn.Tx
	txCat       *objstore.Catalog
	inWrite     bool
	autoRefresh bool
	listeners   []*NotificationToken
	closed      bool

	done      chan struct{}
	cancelSub func()
	wg        sync.WaitGroup
}

// Open returns a session over the store at path, creating the store when it
// does not exist. Sessions at the same resolved path share one store per
// process; conflicting storage modes fail the later open.
func Open(path string, opts ...Option) (*Realm, error) {
	cfg := DefaultConfig(path)
	for _, o := range opts {
		o(&cfg)
	}
	return OpenConfig(cfg)
}

// OpenConfig is Open with an explicit Config, typically from LoadConfig.
func OpenConfig(cfg Config) (*Realm, error) {
	ss, err := acquireShared(cfg)
	if err != nil {
		return nil, err
	}
	r := &Realm{
		store:       ss,
		readOnly:    cfg.ReadOnly || ss.readOnly,
		snap:        ss.versions.Latest(),
		autoRefresh: cfg.AutoRefresh,
		done:        make(chan struct{}),
	}
	sub, cancel := ss.sent.Subscribe()
	r.cancelSub = cancel
	r.wg.Add(1)
	go r.watchChanges(sub)
	return r, nil
}

// watchChanges advances the session when another session commits. The
// subscription collapses bursts to the newest version, so one wakeup
// is enough no matter how many commits happened.
func (r *Realm) watchChanges(sub <-chan base.VersionID) {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case _, ok := <-sub:
			if !ok {
				return
			}
			r.mu.Lock()
			auto := r.autoRefresh && !r.closed
			r.mu.Unlock()
			if auto {
				r.Refresh()
			}
		}
	}
}

// Path returns the resolved store path.
func (r *Realm) Path() string { return r.store.key }

// ReadOnly reports whether this session rejects write transactions.
func (r *Realm) ReadOnly() bool { return r.readOnly }

// Version returns the commit version this session currently observes.
func (r *Realm) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap == nil {
		return 0
	}
	return uint64(r.snap.Version())
}

// SchemaVersion returns the schema version of the observed snapshot.
func (r *Realm) SchemaVersion() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tx != nil {
		return r.tx.SchemaVersion()
	}
	if r.snap == nil {
		return 0
	}
	return r.snap.SchemaVersion()
}

// InWriteTransaction reports whether a write transaction is active.
func (r *Realm) InWriteTransaction() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inWrite
}

// SetAutoRefresh toggles delivery-goroutine refreshes. With auto-refresh
// off the session stays on its snapshot until Refresh or BeginWrite.
func (r *Realm) SetAutoRefresh(on bool) {
	r.mu.Lock()
	r.autoRefresh = on
	r.mu.Unlock()
}

// Refresh advances the session to the latest committed snapshot and fires
// change listeners if the view moved. Inside a write transaction the view
// is already the latest and Refresh reports no movement.
func (r *Realm) Refresh() (bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, base.ErrClosed
	}
	if r.tx != nil {
		r.mu.Unlock()
		return false, nil
	}
	snap, moved, err := r.store.ctrl.Refresh(r.snap)
	if err != nil {
		r.mu.Unlock()
		return false, err
	}
	r.snap = snap
	var fire []*NotificationToken
	if moved {
		r.readCat = nil
		fire = r.liveTokensLocked()
	}
	r.mu.Unlock()
	for _, t := range fire {
		t.fn(r)
	}
	return moved, err
}

// BeginWrite starts the write transaction, blocking until every other
// writer in this process and any other process has finished. The session
// view advances to the latest snapshot before the transaction begins.
func (r *Realm) BeginWrite() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return base.ErrClosed
	}
	if r.readOnly {
		r.mu.Unlock()
		return base.ContractErr(base.CodeReadOnly, "session is read-only")
	}
	if r.inWrite {
		r.mu.Unlock()
		return base.ErrInWriteTransaction
	}
	r.inWrite = true
	r.mu.Unlock()

	tx, err := r.store.ctrl.BeginWrite()

	r.mu.Lock()
	if err != nil {
		r.inWrite = false
		r.mu.Unlock()
		return err
	}
	if r.closed {
		r.inWrite = false
		r.mu.Unlock()
		tx.Rollback()
		return base.ErrClosed
	}
	cat, err := objstore.LoadCatalog(tx, tx.Root())
	if err != nil {
		r.inWrite = false
		r.mu.Unlock()
		tx.Rollback()
		return err
	}
	r.tx = tx
	r.txCat = cat

	old := r.snap
	r.snap = tx.Base().Acquire()
	moved := old == nil || r.snap.Version() != old.Version()
	if old != nil {
		old.Release()
	}
	var fire []*NotificationToken
	if moved {
		r.readCat = nil
		fire = r.liveTokensLocked()
	}
	r.mu.Unlock()
	for _, t := range fire {
		t.fn(r)
	}
	return nil
}

// Commit durably publishes the write transaction and fires change
// listeners. On error the transaction is rolled back and the prior
// snapshot stays current.
func (r *Realm) Commit() error {
	r.mu.Lock()
	if r.tx == nil {
		r.mu.Unlock()
		return base.ErrNotInTransaction
	}
	tx, cat := r.tx, r.txCat
	r.tx, r.txCat = nil, nil
	r.inWrite = false

	if err := cat.Flush(tx); err != nil {
		r.mu.Unlock()
		tx.Rollback()
		return err
	}
	snap, err := tx.Commit()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	old := r.snap
	r.snap = snap
	if old != nil {
		old.Release()
	}
	r.readCat = nil
	fire := r.liveTokensLocked()
	r.mu.Unlock()
	for _, t := range fire {
		t.fn(r)
	}
	return nil
}

// Rollback abandons the write transaction. Pages allocated by the
// transaction return to the free pool; the session view is unchanged.
func (r *Realm) Rollback() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tx == nil {
		return base.ErrNotInTransaction
	}
	tx := r.tx
	r.tx, r.txCat = nil, nil
	r.inWrite = false
	tx.Rollback()
	return nil
}

// WithWriteTransaction runs fn inside a write transaction, committing on
// nil and rolling back on error or panic. A panic is re-raised after the
// rollback.
func (r *Realm) WithWriteTransaction(fn func(r *Realm) error) error {
	if err := r.BeginWrite(); err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			r.Rollback()
			panic(p)
		}
	}()
	if err := fn(r); err != nil {
		r.Rollback()
		return err
	}
	return r.Commit()
}

// Add persists the object and everything its links reach, assigning row
// ids. A persisted object with modified fields is rewritten in place; a
// deleted object is stale and rejected. Requires a write transaction.
func (r *Realm) Add(obj *Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writableLocked(); err != nil {
		return err
	}
	if obj.Persisted() {
		if obj.Deleted() {
			return base.ErrStaleObject
		}
		if !obj.Dirty() {
			return nil
		}
		return objstore.ReplaceRow(r.tx, r.txCat, r.store.key, obj)
	}
	return objstore.Add(r.tx, r.txCat, r.store.key, obj)
}

// AddAll persists every object; validation covers the whole batch before
// any row is written.
func (r *Realm) AddAll(objs []*Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writableLocked(); err != nil {
		return err
	}
	return objstore.AddAll(r.tx, r.txCat, r.store.key, objs)
}

// Delete removes the persisted object's row. Requires a write transaction.
func (r *Realm) Delete(obj *Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writableLocked(); err != nil {
		return err
	}
	return objstore.Delete(r.tx, r.txCat, r.store.key, obj)
}

// DeleteAll removes every object in the slice.
func (r *Realm) DeleteAll(objs []*Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writableLocked(); err != nil {
		return err
	}
	return objstore.DeleteAll(r.tx, r.txCat, r.store.key, objs)
}

// DeleteAllObjects removes every row of the named table.
func (r *Realm) DeleteAllObjects(table string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writableLocked(); err != nil {
		return err
	}
	return objstore.DeleteTable(r.tx, r.txCat, table)
}

// Get loads the row from the session's current view. Inside a write
// transaction uncommitted changes are visible.
func (r *Realm) Get(table string, row RowID) (*Object, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reader, cat, err := r.viewLocked()
	if err != nil {
		return nil, false, err
	}
	return objstore.Get(reader, cat, r.store.key, table, row)
}

// Enumerate calls fn for every live row of the table in insertion order.
func (r *Realm) Enumerate(table string, fn func(*Object) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reader, cat, err := r.viewLocked()
	if err != nil {
		return err
	}
	return objstore.Enumerate(reader, cat, r.store.key, table, fn)
}

// SetKeyed persists the object and binds it to key, replacing any prior
// binding. Requires a write transaction.
func (r *Realm) SetKeyed(key string, obj *Object) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writableLocked(); err != nil {
		return err
	}
	return objstore.SetKeyed(r.tx, r.txCat, r.store.key, key, obj)
}

// Keyed loads the object bound to key, if any.
func (r *Realm) Keyed(key string) (*Object, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reader, cat, err := r.viewLocked()
	if err != nil {
		return nil, false, err
	}
	return objstore.Keyed(reader, cat, r.store.key, key)
}

// Close ends the session. The last session at a path tears the shared
// store down; an open write transaction is rolled back first. Idempotent.
func (r *Realm) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.tx != nil {
		tx := r.tx
		r.tx, r.txCat = nil, nil
		r.inWrite = false
		tx.Rollback()
	}
	for _, t := range r.listeners {
		t.live = false
	}
	r.listeners = nil
	if r.snap != nil {
		r.snap.Release()
		r.snap = nil
	}
	r.readCat = nil
	r.mu.Unlock()

	r.cancelSub()
	close(r.done)
	r.wg.Wait()
	return releaseShared(r.store)
}

func (r *Realm) writableLocked() error {
	if r.closed {
		return base.ErrClosed
	}
	if r.tx == nil {
		return base.ErrNotInTransaction
	}
	return nil
}

// viewLocked picks the read surface: the write transaction's working set
// when one is open, otherwise the pinned snapshot. The snapshot catalog is
// decoded once per version and cached.
func (r *Realm) viewLocked() (objstore.PageReader, *objstore.Catalog, error) {
	if r.closed {
		return nil, nil, base.ErrClosed
	}
	if r.tx != nil {
		return r.tx, r.txCat, nil
	}
	if r.readCat == nil {
		cat, err := objstore.LoadCatalog(r.store.pages, r.snap.Root())
		if err != nil {
			return nil, nil, err
		}
		r.readCat = cat
	}
	return r.store.pages, r.readCat, nil
}
