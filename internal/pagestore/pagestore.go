// Package pagestore implements the durable page store underneath a cairn
// store file. The file is an array of fixed-size pages. Pages 0 and 1 hold
// the two meta slots; every other page is a data or freelist page. Commits
// never overwrite a page referenced by a published snapshot: modified pages
// are written copy-on-write to freshly allocated ids, and the commit becomes
// visible only when a new meta slot referencing them is durably written. A
// crash between those two steps leaves the prior meta slot, and therefore
// the prior snapshot, fully intact.
package pagestore

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/ncw/directio"

	"cairn/internal/base"
)

// PageSize is the size of every page. It matches the direct-I/O block size
// so data pages can be written through an O_DIRECT file descriptor.
const PageSize = directio.BlockSize

// PageID addresses a page within the store file. Page ids are never
// recycled while any snapshot that references them can still be read.
type PageID uint32

const (
	// PageNone is the null page id. Meta roots and chain pointers use it
	// to mean "no page".
	PageNone PageID = 0

	metaSlot0     PageID = 0
	metaSlot1     PageID = 1
	firstDataPage PageID = 2
)

const (
	metaMagic  uint32 = 0x4341524e // "CARN"
	metaFormat uint32 = 1

	metaSize = 44 // encoded meta bytes, excluding the trailing checksum
)

// Meta is one decoded meta slot: the commit record that makes a snapshot
// durable. The slot with the highest version and a valid checksum wins on
// open; the other slot is overwritten by the next commit.
type Meta struct {
	Root          PageID // catalog root page, PageNone for an empty store
	Freelist      PageID // head of the persisted freelist chain
	PageCount     PageID // number of pages in the file
	Version       base.VersionID
	SchemaVersion uint64
}

func (m Meta) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], metaMagic)
	binary.BigEndian.PutUint32(buf[4:8], metaFormat)
	binary.BigEndian.PutUint32(buf[8:12], PageSize)
	binary.BigEndian.PutUint32(buf[12:16], uint32(m.Root))
	binary.BigEndian.PutUint32(buf[16:20], uint32(m.Freelist))
	binary.BigEndian.PutUint32(buf[20:24], uint32(m.PageCount))
	binary.BigEndian.PutUint64(buf[24:32], uint64(m.Version))
	binary.BigEndian.PutUint64(buf[32:40], m.SchemaVersion)
	binary.BigEndian.PutUint32(buf[40:44], 0) // reserved
	binary.BigEndian.PutUint32(buf[metaSize:metaSize+4], crc32.ChecksumIEEE(buf[:metaSize]))
}

// decodeMeta validates and decodes one meta slot. A slot that fails the
// magic, format, page size, or checksum test is reported invalid rather
// than corrupt: a torn meta write leaves exactly one invalid slot and the
// store recovers through the other.
func decodeMeta(buf []byte) (Meta, bool) {
	if binary.BigEndian.Uint32(buf[0:4]) != metaMagic {
		return Meta{}, false
	}
	if binary.BigEndian.Uint32(buf[4:8]) != metaFormat {
		return Meta{}, false
	}
	if binary.BigEndian.Uint32(buf[8:12]) != PageSize {
		return Meta{}, false
	}
	if binary.BigEndian.Uint32(buf[metaSize:metaSize+4]) != crc32.ChecksumIEEE(buf[:metaSize]) {
		return Meta{}, false
	}
	return Meta{
		Root:          PageID(binary.BigEndian.Uint32(buf[12:16])),
		Freelist:      PageID(binary.BigEndian.Uint32(buf[16:20])),
		PageCount:     PageID(binary.BigEndian.Uint32(buf[20:24])),
		Version:       base.VersionID(binary.BigEndian.Uint64(buf[24:32])),
		SchemaVersion: binary.BigEndian.Uint64(buf[32:40]),
	}, true
}

// backend is the raw page I/O beneath a Store: a disk file or an in-memory
// page slice.
type backend interface {
	ReadPage(id PageID, buf []byte) error
	WritePage(id PageID, buf []byte) error
	Sync() error
	Close() error
}

// Options configures Open.
type Options struct {
	// ReadOnly rejects every mutating operation with ErrReadOnly and
	// refuses to create a missing file.
	ReadOnly bool
	// InMemory keeps all pages in heap memory; Path is only a name.
	InMemory bool
	// InitialSchemaVersion is stamped into the meta of a newly created
	// store. Ignored when the file already exists.
	InitialSchemaVersion uint64
}

// Store is the page store for one store file. All methods are safe for
// concurrent use; single-writer discipline for Allocate/WritePage/CommitMeta
// is enforced one level up by the transaction controller.
type Store struct {
	mu       sync.Mutex
	b        backend
	path     string
	readOnly bool
	inMemory bool

	meta     Meta
	metaSlot PageID // slot currently holding meta; next commit writes the other
	nextPage PageID

	free freelist
	// chain of pages holding the persisted freelist for the current meta;
	// replaced (and freed) by the next commit
	freelistPages []PageID
}

// Open opens or creates the store file at path. The second return value
// reports whether the file was created by this call.
func Open(path string, opts Options) (*Store, bool, error) {
	s := &Store{
		path:     path,
		readOnly: opts.ReadOnly,
		inMemory: opts.InMemory,
		free:     newFreelist(),
	}

	var created bool
	if opts.InMemory {
		s.b = newMemBackend()
		created = true
	} else {
		b, fresh, err := openDiskBackend(path, opts.ReadOnly)
		if err != nil {
			return nil, false, err
		}
		s.b = b
		created = fresh
	}

	if created {
		if opts.ReadOnly {
			s.b.Close()
			return nil, false, base.EnvErr(base.CodeIO, "read-only open of missing store "+path, nil)
		}
		s.meta = Meta{
			Root:          PageNone,
			Freelist:      PageNone,
			PageCount:     firstDataPage,
			Version:       base.VersionFirst,
			SchemaVersion: opts.InitialSchemaVersion,
		}
		s.metaSlot = metaSlot0
		s.nextPage = firstDataPage
		if err := s.writeMetaSlot(metaSlot0, s.meta); err != nil {
			s.b.Close()
			return nil, false, err
		}
		if err := s.b.Sync(); err != nil {
			s.b.Close()
			return nil, false, base.EnvErr(base.CodeIO, "sync new store "+path, err)
		}
		return s, true, nil
	}

	if err := s.loadMeta(); err != nil {
		s.b.Close()
		return nil, false, err
	}
	return s, false, nil
}

// loadMeta reads both meta slots and installs the newest valid one, then
// loads the persisted freelist it references into the free pool. Open-path
// only: no snapshot is pinned in this process yet, so the persisted ids
// are immediately reusable.
func (s *Store) loadMeta() error {
	buf := make([]byte, PageSize)
	var best Meta
	var bestSlot PageID
	var found bool
	for _, slot := range []PageID{metaSlot0, metaSlot1} {
		if err := s.b.ReadPage(slot, buf); err != nil {
			continue
		}
		m, ok := decodeMeta(buf)
		if !ok {
			continue
		}
		if !found || m.Version > best.Version {
			best, bestSlot, found = m, slot, true
		}
	}
	if !found {
		return base.EnvErr(base.CodeCorrupt, "no valid meta slot in "+s.path, nil)
	}
	s.meta = best
	s.metaSlot = bestSlot
	s.nextPage = best.PageCount
	ids, chain, err := s.readFreelist(best.Freelist)
	if err != nil {
		return err
	}
	s.free = newFreelist()
	s.free.put(ids...)
	s.freelistPages = chain
	return nil
}

// ReloadMeta re-reads the meta slots and adopts a newer committed state,
// one published by another process. While the version is unchanged the
// in-memory freelist bookkeeping is kept untouched: pages freed by recent
// commits stay pending until the pin horizon passes them, so snapshots
// held by live sessions keep reading the exact pages they were published
// with. On an advance the adopted freelist is likewise parked as pending
// at the adopted version, never as immediately reusable.
func (s *Store) ReloadMeta() (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inMemory {
		return s.meta, nil
	}
	buf := make([]byte, PageSize)
	best, bestSlot := s.meta, s.metaSlot
	for _, slot := range []PageID{metaSlot0, metaSlot1} {
		if err := s.b.ReadPage(slot, buf); err != nil {
			continue
		}
		if m, ok := decodeMeta(buf); ok && m.Version > best.Version {
			best, bestSlot = m, slot
		}
	}
	if best.Version == s.meta.Version {
		return s.meta, nil
	}
	if best.PageCount > s.nextPage {
		s.nextPage = best.PageCount
	}
	ids, chain, err := s.readFreelist(best.Freelist)
	if err != nil {
		return Meta{}, err
	}
	s.meta = best
	s.metaSlot = bestSlot
	s.free = newFreelist()
	s.free.freeAt(best.Version, ids...)
	s.freelistPages = chain
	return s.meta, nil
}

// PeekMeta re-reads the meta slots without touching the in-memory freelist.
// Readers use it to adopt a snapshot committed by another process; the full
// ReloadMeta is reserved for the writer path, which holds the write slot
// and can safely swap the freelist state.
func (s *Store) PeekMeta() (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inMemory {
		return s.meta, nil
	}
	buf := make([]byte, PageSize)
	best := s.meta
	for _, slot := range []PageID{metaSlot0, metaSlot1} {
		if err := s.b.ReadPage(slot, buf); err != nil {
			continue
		}
		if m, ok := decodeMeta(buf); ok && m.Version > best.Version {
			best = m
		}
	}
	if best.PageCount > s.nextPage {
		s.nextPage = best.PageCount
	}
	return best, nil
}

// MetaSlots re-reads both meta slots and reports which decode cleanly.
// One invalid slot is normal after a torn commit; inspection tools use
// this to surface it. In-memory stores report the single live meta twice.
func (s *Store) MetaSlots() ([2]Meta, [2]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var metas [2]Meta
	var valid [2]bool
	if s.inMemory {
		metas[0], metas[1] = s.meta, s.meta
		valid[0], valid[1] = true, true
		return metas, valid, nil
	}
	buf := make([]byte, PageSize)
	for i, slot := range []PageID{metaSlot0, metaSlot1} {
		if err := s.b.ReadPage(slot, buf); err != nil {
			return metas, valid, base.EnvErr(base.CodeIO, "read meta slot", err)
		}
		metas[i], valid[i] = decodeMeta(buf)
	}
	return metas, valid, nil
}

// Meta returns the current committed meta.
func (s *Store) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Path returns the file path the store was opened with.
func (s *Store) Path() string { return s.path }

// ReadOnly reports whether the store was opened read-only.
func (s *Store) ReadOnly() bool { return s.readOnly }

// InMemory reports whether the store has no durable file.
func (s *Store) InMemory() bool { return s.inMemory }

// PageCount returns the number of pages in the store, allocated or not.
func (s *Store) PageCount() PageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextPage
}

// Allocate returns page ids for n pages, reusing reclaimable freed pages
// before growing the file. Only the active write transaction may call it.
func (s *Store) Allocate(n int) ([]PageID, error) {
	if s.readOnly {
		return nil, base.ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocateLocked(n), nil
}

func (s *Store) allocateLocked(n int) []PageID {
	ids := make([]PageID, 0, n)
	for len(ids) < n {
		if id, ok := s.free.take(); ok {
			ids = append(ids, id)
			continue
		}
		ids = append(ids, s.nextPage)
		s.nextPage++
	}
	return ids
}

// ReadPage returns a copy of the page contents.
func (s *Store) ReadPage(id PageID) ([]byte, error) {
	s.mu.Lock()
	limit := s.nextPage
	s.mu.Unlock()
	if id < firstDataPage || id >= limit {
		return nil, base.EnvErr(base.CodeCorrupt, "page id out of range", nil)
	}
	buf := make([]byte, PageSize)
	if err := s.b.ReadPage(id, buf); err != nil {
		return nil, base.EnvErr(base.CodeIO, "read page", err)
	}
	return buf, nil
}

// WritePage writes a full page. Only pages allocated by the active write
// transaction may be written; pages referenced by published snapshots are
// never passed here.
func (s *Store) WritePage(id PageID, buf []byte) error {
	if s.readOnly {
		return base.ErrReadOnly
	}
	if len(buf) != PageSize {
		buf2 := make([]byte, PageSize)
		copy(buf2, buf)
		buf = buf2
	}
	if err := s.b.WritePage(id, buf); err != nil {
		return base.EnvErr(base.CodeIO, "write page", err)
	}
	return nil
}

// FreeAt marks pages as freed by the commit that produced version v. They
// become reusable once no snapshot older than v can still be read.
func (s *Store) FreeAt(v base.VersionID, ids ...PageID) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free.freeAt(v, ids...)
}

// Unallocate returns pages allocated by a rolled-back transaction to the
// free pool. They were never referenced by any meta, so immediate reuse is
// safe.
func (s *Store) Unallocate(ids ...PageID) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free.put(ids...)
}

// Reclaim moves freed pages whose freeing version is at or below horizon
// into the reusable pool. The prior meta slot must stay readable after a
// crash, so pages freed by the newest commit are additionally held back
// until the commit after it.
func (s *Store) Reclaim(horizon base.VersionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := horizon
	if s.meta.Version > base.VersionNone && s.meta.Version-1 < limit {
		limit = s.meta.Version - 1
	}
	s.free.reclaim(limit)
}

// CommitMeta finalizes a commit: it persists the freelist, syncs all pages
// written by the transaction, and durably flips to the spare meta slot with
// version+1. freed lists the pages the transaction stopped referencing.
// On error the prior meta remains current and nothing the transaction wrote
// is reachable.
func (s *Store) CommitMeta(root PageID, schemaVersion uint64, freed []PageID) (Meta, error) {
	if s.readOnly {
		return Meta{}, base.ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	newVersion := s.meta.Version + 1

	// The old freelist chain belongs to the outgoing meta; retire it with
	// this commit like any other replaced page.
	pendingFree := append(append([]PageID(nil), freed...), s.freelistPages...)
	s.free.freeAt(newVersion, pendingFree...)

	chain, err := s.writeFreelistLocked()
	if err != nil {
		s.free.unfree(newVersion)
		return Meta{}, err
	}

	if err := s.b.Sync(); err != nil {
		s.free.unfree(newVersion)
		return Meta{}, base.EnvErr(base.CodeIO, "sync data pages", err)
	}

	head := PageNone
	if len(chain) > 0 {
		head = chain[0]
	}
	m := Meta{
		Root:          root,
		Freelist:      head,
		PageCount:     s.nextPage,
		Version:       newVersion,
		SchemaVersion: schemaVersion,
	}
	spare := metaSlot0
	if s.metaSlot == metaSlot0 {
		spare = metaSlot1
	}
	if err := s.writeMetaSlot(spare, m); err != nil {
		s.free.unfree(newVersion)
		return Meta{}, err
	}
	if err := s.b.Sync(); err != nil {
		s.free.unfree(newVersion)
		return Meta{}, base.EnvErr(base.CodeIO, "sync meta", err)
	}

	s.meta = m
	s.metaSlot = spare
	s.freelistPages = chain
	return m, nil
}

func (s *Store) writeMetaSlot(slot PageID, m Meta) error {
	buf := make([]byte, PageSize)
	m.encode(buf)
	if err := s.b.WritePage(slot, buf); err != nil {
		return base.EnvErr(base.CodeIO, "write meta slot", err)
	}
	return nil
}

// Close closes the backing file. Pending free bookkeeping is dropped; the
// persisted freelist recovers it on the next open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.b.Close(); err != nil {
		return base.EnvErr(base.CodeIO, "close store", err)
	}
	return nil
}
