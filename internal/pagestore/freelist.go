package pagestore

import (
	"encoding/binary"
	"sort"

	"cairn/internal/base"
)

// freelist tracks pages that are no longer referenced by the latest
// snapshot. A page freed by the commit that published version v may still
// be referenced by snapshots older than v, so it sits in pending until the
// version manager reports that no such snapshot remains pinned.
type freelist struct {
	// reusable now
	free []PageID
	// freed by version -> pages awaiting reuse
	pending map[base.VersionID][]PageID
}

func newFreelist() freelist {
	return freelist{pending: make(map[base.VersionID][]PageID)}
}

func (f *freelist) take() (PageID, bool) {
	if len(f.free) == 0 {
		return PageNone, false
	}
	id := f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]
	return id, true
}

func (f *freelist) put(ids ...PageID) {
	f.free = append(f.free, ids...)
}

func (f *freelist) freeAt(v base.VersionID, ids ...PageID) {
	if len(ids) == 0 {
		return
	}
	f.pending[v] = append(f.pending[v], ids...)
}

// unfree drops the pending record for v. Used when a commit aborts after
// registering its freed pages: those pages remain live.
func (f *freelist) unfree(v base.VersionID) {
	delete(f.pending, v)
}

// reclaim moves pending pages freed at or below limit into the free pool.
func (f *freelist) reclaim(limit base.VersionID) {
	for v, ids := range f.pending {
		if v <= limit {
			f.free = append(f.free, ids...)
			delete(f.pending, v)
		}
	}
}

// persistable returns every page that is reusable after a restart: with no
// process holding a snapshot pinned, pending pages are as free as free ones.
func (f *freelist) persistable() []PageID {
	ids := append([]PageID(nil), f.free...)
	for _, p := range f.pending {
		ids = append(ids, p...)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Freelist page layout: next page id (4 bytes), id count (4 bytes), then
// count page ids of 4 bytes each.
const freelistHeader = 8
const idsPerFreelistPage = (PageSize - freelistHeader) / 4

func freelistPagesFor(n int) int {
	if n == 0 {
		return 0
	}
	return (n + idsPerFreelistPage - 1) / idsPerFreelistPage
}

// writeFreelistLocked persists the current freelist into freshly allocated
// pages and returns the chain, head first. Allocation can only shrink the
// set being persisted, so sizing before allocating never undershoots.
func (s *Store) writeFreelistLocked() ([]PageID, error) {
	n := freelistPagesFor(len(s.free.persistable()))
	if n == 0 {
		return nil, nil
	}
	chain := s.allocateLocked(n)
	ids := s.free.persistable()

	buf := make([]byte, PageSize)
	for i, pid := range chain {
		for j := range buf {
			buf[j] = 0
		}
		next := PageNone
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		lo := i * idsPerFreelistPage
		hi := lo + idsPerFreelistPage
		if hi > len(ids) {
			hi = len(ids)
		}
		binary.BigEndian.PutUint32(buf[0:4], uint32(next))
		binary.BigEndian.PutUint32(buf[4:8], uint32(hi-lo))
		for k, id := range ids[lo:hi] {
			binary.BigEndian.PutUint32(buf[freelistHeader+k*4:], uint32(id))
		}
		if err := s.b.WritePage(pid, buf); err != nil {
			s.free.put(chain...)
			return nil, base.EnvErr(base.CodeIO, "write freelist page", err)
		}
	}
	return chain, nil
}

// readFreelist decodes the persisted freelist chain at head, returning the
// recorded page ids and the chain pages themselves. The caller decides
// where the ids land: the open path treats them as immediately free, the
// adoption path parks them as pending behind the pin horizon.
func (s *Store) readFreelist(head PageID) (ids, chain []PageID, err error) {
	buf := make([]byte, PageSize)
	seen := make(map[PageID]bool)
	for id := head; id != PageNone; {
		if seen[id] || id < firstDataPage || id >= s.nextPage {
			return nil, nil, base.EnvErr(base.CodeCorrupt, "invalid freelist chain in "+s.path, nil)
		}
		seen[id] = true
		if err := s.b.ReadPage(id, buf); err != nil {
			return nil, nil, base.EnvErr(base.CodeIO, "read freelist page", err)
		}
		next := PageID(binary.BigEndian.Uint32(buf[0:4]))
		count := binary.BigEndian.Uint32(buf[4:8])
		if count > idsPerFreelistPage {
			return nil, nil, base.EnvErr(base.CodeCorrupt, "invalid freelist page in "+s.path, nil)
		}
		for k := uint32(0); k < count; k++ {
			ids = append(ids, PageID(binary.BigEndian.Uint32(buf[freelistHeader+k*4:])))
		}
		chain = append(chain, id)
		id = next
	}
	return ids, chain, nil
}
