package objstore

import (
	"encoding/binary"

	"cairn/internal/base"
	"cairn/internal/pagestore"
)

// PageReader is the read half of the page access an object operation needs.
// Both a write transaction and the page store itself (for reads against a
// pinned snapshot) satisfy it.
type PageReader interface {
	ReadPage(id pagestore.PageID) ([]byte, error)
}

// Mutator is the copy-on-write page access a write transaction provides.
type Mutator interface {
	PageReader
	AllocPage() (pagestore.PageID, error)
	WritePage(id pagestore.PageID, buf []byte) error
	CopyPage(id pagestore.PageID) (pagestore.PageID, []byte, error)
	FreePage(id pagestore.PageID)
	Root() pagestore.PageID
	SetRoot(id pagestore.PageID)
}

// TableInfo is one catalog entry.
type TableInfo struct {
	Name    string
	Head    pagestore.PageID // newest row page, PageNone for an empty table
	NextRow RowID
	Live    uint64 // live (non-tombstoned) rows
}

// Catalog maps table names onto their row chains. It is loaded whole from
// the snapshot's root chain — table counts are small — and, when dirtied,
// rewritten whole into fresh pages at flush.
type Catalog struct {
	tables []*TableInfo
	index  map[string]*TableInfo
	pages  []pagestore.PageID // chain the catalog was loaded from
	dirty  bool
}

// Catalog page layout: next page id (4), entry count (2), reserved (2),
// then entries of name length (2), name, head (4), next row (8), live (8).
const catalogPageHeader = 8

// LoadCatalog reads the catalog chain rooted at root. A PageNone root is an
// empty store.
func LoadCatalog(r PageReader, root pagestore.PageID) (*Catalog, error) {
	c := &Catalog{index: make(map[string]*TableInfo)}
	seen := make(map[pagestore.PageID]bool)
	for id := root; id != pagestore.PageNone; {
		if seen[id] {
			return nil, base.EnvErr(base.CodeCorrupt, "catalog chain cycle", nil)
		}
		seen[id] = true
		buf, err := r.ReadPage(id)
		if err != nil {
			return nil, err
		}
		next := pagestore.PageID(binary.BigEndian.Uint32(buf[0:4]))
		count := int(binary.BigEndian.Uint16(buf[4:6]))
		off := catalogPageHeader
		for i := 0; i < count; i++ {
			if off+2 > len(buf) {
				return nil, base.EnvErr(base.CodeCorrupt, "truncated catalog entry", nil)
			}
			n := int(binary.BigEndian.Uint16(buf[off:]))
			off += 2
			if off+n+20 > len(buf) {
				return nil, base.EnvErr(base.CodeCorrupt, "truncated catalog entry", nil)
			}
			ti := &TableInfo{Name: string(buf[off : off+n])}
			off += n
			ti.Head = pagestore.PageID(binary.BigEndian.Uint32(buf[off:]))
			ti.NextRow = RowID(binary.BigEndian.Uint64(buf[off+4:]))
			ti.Live = binary.BigEndian.Uint64(buf[off+12:])
			off += 20
			c.tables = append(c.tables, ti)
			c.index[ti.Name] = ti
		}
		c.pages = append(c.pages, id)
		id = next
	}
	return c, nil
}

// Tables returns the catalog entries in creation order.
func (c *Catalog) Tables() []*TableInfo { return c.tables }

// Table returns the entry for name, or nil.
func (c *Catalog) Table(name string) *TableInfo { return c.index[name] }

// ensure returns the entry for name, creating it on first use.
func (c *Catalog) ensure(name string) *TableInfo {
	if ti, ok := c.index[name]; ok {
		return ti
	}
	ti := &TableInfo{Name: name}
	c.tables = append(c.tables, ti)
	c.index[name] = ti
	c.dirty = true
	return ti
}

// Flush rewrites a dirtied catalog into fresh pages and points the
// transaction root at the new chain. The chain it was loaded from is freed.
func (c *Catalog) Flush(m Mutator) error {
	if !c.dirty {
		return nil
	}
	for _, id := range c.pages {
		m.FreePage(id)
	}
	c.pages = nil

	// Pack entries into page-sized groups first, so every page's next
	// pointer is known before anything is written.
	var groups [][]byte
	var counts []int
	space := 0
	for _, ti := range c.tables {
		entry := make([]byte, 0, 2+len(ti.Name)+20)
		entry = binary.BigEndian.AppendUint16(entry, uint16(len(ti.Name)))
		entry = append(entry, ti.Name...)
		entry = binary.BigEndian.AppendUint32(entry, uint32(ti.Head))
		entry = binary.BigEndian.AppendUint64(entry, uint64(ti.NextRow))
		entry = binary.BigEndian.AppendUint64(entry, ti.Live)
		if len(entry) > pagestore.PageSize-catalogPageHeader {
			return base.ContractErr(base.CodeObjectTooLarge, "table name too long for catalog entry")
		}
		if len(groups) == 0 || space < len(entry) {
			groups = append(groups, nil)
			counts = append(counts, 0)
			space = pagestore.PageSize - catalogPageHeader
		}
		i := len(groups) - 1
		groups[i] = append(groups[i], entry...)
		counts[i]++
		space -= len(entry)
	}
	if len(groups) == 0 {
		m.SetRoot(pagestore.PageNone)
		c.dirty = false
		return nil
	}

	ids := make([]pagestore.PageID, len(groups))
	for i := range ids {
		id, err := m.AllocPage()
		if err != nil {
			return err
		}
		ids[i] = id
	}
	buf := make([]byte, pagestore.PageSize)
	for i, data := range groups {
		for j := range buf {
			buf[j] = 0
		}
		next := pagestore.PageNone
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		binary.BigEndian.PutUint32(buf[0:4], uint32(next))
		binary.BigEndian.PutUint16(buf[4:6], uint16(counts[i]))
		copy(buf[catalogPageHeader:], data)
		if err := m.WritePage(ids[i], buf); err != nil {
			return err
		}
	}
	c.pages = ids
	m.SetRoot(ids[0])
	c.dirty = false
	return nil
}
