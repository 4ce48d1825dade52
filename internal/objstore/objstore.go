// Package objstore maps typed objects onto the page store. Each table is a
// chain of row pages hanging off the catalog; all mutation happens through
// a write transaction's copy-on-write page access, so a published snapshot
// observes either none or all of an operation.
package objstore

import (
	"cairn/internal/base"
	"cairn/internal/pagestore"
)

// KeyedTable is the reserved table backing the keyed object storage. The
// leading underscores keep it out of the caller's table namespace.
const KeyedTable = "__keyvalue"

// Add persists obj and, transitively, every linked object that is not yet
// persisted, in a stable depth-first traversal over declared field order.
// tag identifies the target store; an object in the graph persisted under a
// different tag rejects the whole add before anything is written.
func Add(m Mutator, cat *Catalog, tag string, obj *Object) error {
	var order []*Object
	seen := make(map[*Object]bool)
	if err := collectGraph(obj, tag, seen, &order); err != nil {
		return err
	}
	for _, o := range order {
		if o.persisted {
			continue
		}
		if err := insertObject(m, cat, tag, o); err != nil {
			return err
		}
	}
	return nil
}

// AddAll adds the objects as one batch: every object's link graph is
// validated before the first row is written, so a cross-store or stale
// link anywhere in the batch leaves the working set untouched. Objects
// shared between graphs are inserted once.
func AddAll(m Mutator, cat *Catalog, tag string, objs []*Object) error {
	seen := make(map[*Object]bool)
	var order []*Object
	for _, o := range objs {
		if err := collectGraph(o, tag, seen, &order); err != nil {
			return err
		}
	}
	for _, o := range order {
		if o.persisted {
			continue
		}
		if err := insertObject(m, cat, tag, o); err != nil {
			return err
		}
	}
	return nil
}

// collectGraph validates obj's reachable link graph and appends it to out
// children-first, so links always resolve to already-persisted rows.
func collectGraph(o *Object, tag string, seen map[*Object]bool, out *[]*Object) error {
	if o == nil || seen[o] {
		return nil
	}
	seen[o] = true
	if o.persisted {
		if o.storeTag != tag {
			return base.ErrCrossStoreLink
		}
		if o.deleted {
			return base.ErrStaleObject
		}
		return nil
	}
	for _, f := range o.fields {
		if f.Value.kind == KindLink {
			if err := collectGraph(f.Value.link, tag, seen, out); err != nil {
				return err
			}
		}
	}
	*out = append(*out, o)
	return nil
}

func insertObject(m Mutator, cat *Catalog, tag string, o *Object) error {
	payload, err := encodePayload(o.fields)
	if err != nil {
		return err
	}
	ti := cat.ensure(o.table)
	row := ti.NextRow
	if err := appendRow(m, cat, ti, row, payload); err != nil {
		return err
	}
	ti.NextRow++
	ti.Live++
	cat.dirty = true
	o.markPersisted(tag, row)
	return nil
}

// appendRow places an encoded record at the head of the table's chain,
// copying the head page if it has room or chaining a fresh page in front.
func appendRow(m Mutator, cat *Catalog, ti *TableInfo, row RowID, payload []byte) error {
	if ti.Head != pagestore.PageNone {
		id, buf, err := m.CopyPage(ti.Head)
		if err != nil {
			return err
		}
		if appendRecord(buf, row, payload) {
			if err := m.WritePage(id, buf); err != nil {
				return err
			}
			if id != ti.Head {
				ti.Head = id
				cat.dirty = true
			}
			return nil
		}
		// Head copy had no room. The copy is identical to the original, so
		// keep it; it simply becomes the second page of the chain.
		if err := m.WritePage(id, buf); err != nil {
			return err
		}
		ti.Head = id
	}
	id, err := m.AllocPage()
	if err != nil {
		return err
	}
	buf := make([]byte, pagestore.PageSize)
	setPagePrev(buf, ti.Head)
	appendRecord(buf, row, payload)
	if err := m.WritePage(id, buf); err != nil {
		return err
	}
	ti.Head = id
	cat.dirty = true
	return nil
}

// Delete tombstones obj's row in the current write transaction. Deleting an
// object that was never added, was already deleted, or belongs to another
// store fails with a stale-object error.
func Delete(m Mutator, cat *Catalog, tag string, obj *Object) error {
	if obj == nil || !obj.persisted || obj.deleted || obj.storeTag != tag {
		return base.ErrStaleObject
	}
	ti := cat.Table(obj.table)
	if ti == nil {
		return base.ErrStaleObject
	}
	found, err := tombstoneRow(m, cat, ti, obj.row)
	if err != nil {
		return err
	}
	if !found {
		return base.ErrStaleObject
	}
	ti.Live--
	cat.dirty = true
	obj.markDeleted()
	return nil
}

// DeleteAll deletes each object in turn; the first stale object stops the
// batch.
func DeleteAll(m Mutator, cat *Catalog, tag string, objs []*Object) error {
	for _, o := range objs {
		if err := Delete(m, cat, tag, o); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTable drops every row of the table, freeing its whole chain. Row
// ids are not reused: the next-row counter survives.
func DeleteTable(m Mutator, cat *Catalog, table string) error {
	ti := cat.Table(table)
	if ti == nil {
		return nil
	}
	for id := ti.Head; id != pagestore.PageNone; {
		buf, err := m.ReadPage(id)
		if err != nil {
			return err
		}
		next := pagePrev(buf)
		m.FreePage(id)
		id = next
	}
	ti.Head = pagestore.PageNone
	ti.Live = 0
	cat.dirty = true
	return nil
}

// tombstoneRow finds row in the table chain and marks it deleted under
// copy-on-write. Replacing a page changes its id, so every newer page on
// the path to it is rewritten to repair its prev pointer, and finally the
// head itself.
func tombstoneRow(m Mutator, cat *Catalog, ti *TableInfo, row RowID) (bool, error) {
	var path []pagestore.PageID
	for id := ti.Head; id != pagestore.PageNone; {
		buf, err := m.ReadPage(id)
		if err != nil {
			return false, err
		}
		recs, err := pageRecords(buf)
		if err != nil {
			return false, err
		}
		for _, rec := range recs {
			if rec.row != row || rec.tombstone {
				continue
			}
			newID, nbuf, err := m.CopyPage(id)
			if err != nil {
				return false, err
			}
			setTombstone(nbuf, rec.offset)
			if err := m.WritePage(newID, nbuf); err != nil {
				return false, err
			}
			newHead, err := repairChain(m, path, id, newID)
			if err != nil {
				return false, err
			}
			if newHead != ti.Head {
				ti.Head = newHead
				cat.dirty = true
			}
			return true, nil
		}
		path = append(path, id)
		id = pagePrev(buf)
	}
	return false, nil
}

// repairChain rewrites the prev pointers along path (head first) after the
// page oldID was replaced by newID, and returns the resulting head id.
func repairChain(m Mutator, path []pagestore.PageID, oldID, newID pagestore.PageID) (pagestore.PageID, error) {
	child := newID
	stale := oldID
	for i := len(path) - 1; i >= 0; i-- {
		if child == stale {
			// Copy-on-write returned the same id (the page was already in
			// the working set); pointers upstream are still correct.
			return path[0], nil
		}
		id, buf, err := m.CopyPage(path[i])
		if err != nil {
			return pagestore.PageNone, err
		}
		setPagePrev(buf, child)
		if err := m.WritePage(id, buf); err != nil {
			return pagestore.PageNone, err
		}
		stale = path[i]
		child = id
	}
	return child, nil
}

// Get fetches the object at (table, row) from the reader's view. Link
// fields resolve to stubs; fetch them with further Gets. A missing or
// deleted row reports false.
func Get(r PageReader, cat *Catalog, tag, table string, row RowID) (*Object, bool, error) {
	ti := cat.Table(table)
	if ti == nil {
		return nil, false, nil
	}
	for id := ti.Head; id != pagestore.PageNone; {
		buf, err := r.ReadPage(id)
		if err != nil {
			return nil, false, err
		}
		recs, err := pageRecords(buf)
		if err != nil {
			return nil, false, err
		}
		// Newest record for a row id wins: a replaced row leaves its old
		// slot tombstoned behind the fresh one.
		for i := len(recs) - 1; i >= 0; i-- {
			rec := recs[i]
			if rec.row != row {
				continue
			}
			if rec.tombstone {
				return nil, false, nil
			}
			return decodeObject(tag, table, rec)
		}
		id = pagePrev(buf)
	}
	return nil, false, nil
}

// Enumerate visits every live row of the table in insertion order. fn
// receives a freshly decoded object per row; returning an error stops the
// walk.
func Enumerate(r PageReader, cat *Catalog, tag, table string, fn func(*Object) error) error {
	ti := cat.Table(table)
	if ti == nil {
		return nil
	}
	// The chain is newest-first; collect and reverse for insertion order.
	var ids []pagestore.PageID
	for id := ti.Head; id != pagestore.PageNone; {
		buf, err := r.ReadPage(id)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		id = pagePrev(buf)
	}
	for i := len(ids) - 1; i >= 0; i-- {
		buf, err := r.ReadPage(ids[i])
		if err != nil {
			return err
		}
		recs, err := pageRecords(buf)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.tombstone {
				continue
			}
			obj, ok, err := decodeObject(tag, ti.Name, rec)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := fn(obj); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeObject(tag, table string, rec record) (*Object, bool, error) {
	fields, err := decodePayload(tag, rec.payload)
	if err != nil {
		return nil, false, err
	}
	o := NewObject(table)
	for _, f := range fields {
		o.Set(f.Name, f.Value)
	}
	o.markPersisted(tag, rec.row)
	return o, true, nil
}

// ReplaceRow rewrites the payload of obj's row in place of its old record:
// the old slot is tombstoned and a fresh record with the same row id is
// appended. Used by migrations mutating existing objects.
func ReplaceRow(m Mutator, cat *Catalog, tag string, obj *Object) error {
	if !obj.persisted || obj.deleted || obj.storeTag != tag {
		return base.ErrStaleObject
	}
	ti := cat.Table(obj.table)
	if ti == nil {
		return base.ErrStaleObject
	}
	found, err := tombstoneRow(m, cat, ti, obj.row)
	if err != nil {
		return err
	}
	if !found {
		return base.ErrStaleObject
	}
	payload, err := encodePayload(obj.fields)
	if err != nil {
		return err
	}
	if err := appendRow(m, cat, ti, obj.row, payload); err != nil {
		return err
	}
	cat.dirty = true
	obj.dirty = false
	return nil
}

// SetKeyed binds key to obj in the reserved keyed table, adding obj (and
// its links) first if needed. An existing binding for key is replaced.
func SetKeyed(m Mutator, cat *Catalog, tag, key string, obj *Object) error {
	if err := Add(m, cat, tag, obj); err != nil {
		return err
	}
	// Drop a previous binding for the key, if any.
	prev, ok, err := findKeyed(m, cat, tag, key)
	if err != nil {
		return err
	}
	if ok {
		if err := Delete(m, cat, tag, prev); err != nil {
			return err
		}
	}
	entry := NewObject(KeyedTable).
		Set("key", String(key)).
		Set("ref", Link(obj))
	return Add(m, cat, tag, entry)
}

// Keyed resolves the object bound to key, reporting false when the key is
// unbound.
func Keyed(r PageReader, cat *Catalog, tag, key string) (*Object, bool, error) {
	entry, ok, err := findKeyed(r, cat, tag, key)
	if err != nil || !ok {
		return nil, false, err
	}
	ref, _ := entry.Get("ref")
	if ref.Kind() != KindLink || ref.Link() == nil {
		return nil, false, base.EnvErr(base.CodeCorrupt, "keyed entry without link", nil)
	}
	stub := ref.Link()
	return Get(r, cat, tag, stub.table, stub.row)
}

func findKeyed(r PageReader, cat *Catalog, tag, key string) (*Object, bool, error) {
	var found *Object
	err := Enumerate(r, cat, tag, KeyedTable, func(o *Object) error {
		if v, ok := o.Get("key"); ok && v.Kind() == KindString && v.Str() == key {
			found = o
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return found, found != nil, nil
}
