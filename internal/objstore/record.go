package objstore

import (
	"encoding/binary"
	"math"

	"cairn/internal/base"
	"cairn/internal/pagestore"
)

// Row page layout. Pages of one table form a chain, newest first: the
// table head points at the most recently filled page and each page's prev
// pointer leads to the next older one. Appends therefore touch only the
// head page and the catalog, which keeps copy-on-write cheap.
//
//	[0:4]  prev page id (older page, PageNone at the chain tail)
//	[4:6]  used payload bytes
//	[6:8]  reserved
//	[8:]   packed records
//
// Record: row id (8), flags (1), payload length (2), payload.
const (
	rowPageHeader = 8
	recordHeader  = 11

	flagTombstone = 0x01

	// maxPayload is the largest encoded object that fits a page.
	maxPayload = pagestore.PageSize - rowPageHeader - recordHeader
)

func pagePrev(buf []byte) pagestore.PageID {
	return pagestore.PageID(binary.BigEndian.Uint32(buf[0:4]))
}

func setPagePrev(buf []byte, id pagestore.PageID) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(id))
}

func pageUsed(buf []byte) int {
	return int(binary.BigEndian.Uint16(buf[4:6]))
}

func setPageUsed(buf []byte, n int) {
	binary.BigEndian.PutUint16(buf[4:6], uint16(n))
}

// record is one decoded record slot.
type record struct {
	row       RowID
	tombstone bool
	payload   []byte
	offset    int // byte offset of the record within the page
}

// appendRecord packs a record into the page, reporting false when the page
// is full.
func appendRecord(buf []byte, row RowID, payload []byte) bool {
	used := pageUsed(buf)
	need := recordHeader + len(payload)
	if rowPageHeader+used+need > pagestore.PageSize {
		return false
	}
	off := rowPageHeader + used
	binary.BigEndian.PutUint64(buf[off:], uint64(row))
	buf[off+8] = 0
	binary.BigEndian.PutUint16(buf[off+9:], uint16(len(payload)))
	copy(buf[off+recordHeader:], payload)
	setPageUsed(buf, used+need)
	return true
}

// pageRecords decodes every record slot in the page, tombstoned or not.
func pageRecords(buf []byte) ([]record, error) {
	used := pageUsed(buf)
	if rowPageHeader+used > pagestore.PageSize {
		return nil, base.EnvErr(base.CodeCorrupt, "row page overflow", nil)
	}
	var recs []record
	off := rowPageHeader
	end := rowPageHeader + used
	for off < end {
		if off+recordHeader > end {
			return nil, base.EnvErr(base.CodeCorrupt, "truncated record header", nil)
		}
		n := int(binary.BigEndian.Uint16(buf[off+9:]))
		if off+recordHeader+n > end {
			return nil, base.EnvErr(base.CodeCorrupt, "truncated record payload", nil)
		}
		recs = append(recs, record{
			row:       RowID(binary.BigEndian.Uint64(buf[off:])),
			tombstone: buf[off+8]&flagTombstone != 0,
			payload:   buf[off+recordHeader : off+recordHeader+n],
			offset:    off,
		})
		off += recordHeader + n
	}
	return recs, nil
}

// setTombstone marks the record at offset deleted. The slot's storage is
// reused physically once the page itself is freed and recycled.
func setTombstone(buf []byte, offset int) {
	buf[offset+8] |= flagTombstone
}

// Payload encoding: field count (2), then per field name length (2), name,
// kind (1), and a kind-specific body. Links persist as the target's table
// name and row id.
func encodePayload(fields []Field) ([]byte, error) {
	out := make([]byte, 2, 128)
	binary.BigEndian.PutUint16(out, uint16(len(fields)))
	for _, f := range fields {
		out = binary.BigEndian.AppendUint16(out, uint16(len(f.Name)))
		out = append(out, f.Name...)
		out = append(out, byte(f.Value.kind))
		switch f.Value.kind {
		case KindString:
			out = binary.BigEndian.AppendUint32(out, uint32(len(f.Value.str)))
			out = append(out, f.Value.str...)
		case KindBytes:
			out = binary.BigEndian.AppendUint32(out, uint32(len(f.Value.blob)))
			out = append(out, f.Value.blob...)
		case KindInt, KindFloat:
			out = binary.BigEndian.AppendUint64(out, f.Value.num)
		case KindBool:
			out = append(out, byte(f.Value.num))
		case KindLink:
			target := f.Value.link
			out = binary.BigEndian.AppendUint16(out, uint16(len(target.table)))
			out = append(out, target.table...)
			out = binary.BigEndian.AppendUint64(out, uint64(target.row))
		default:
			return nil, base.EnvErr(base.CodeCorrupt, "unencodable field kind", nil)
		}
	}
	if len(out) > maxPayload {
		return nil, base.ErrObjectTooLarge
	}
	return out, nil
}

// decodePayload rebuilds an object's fields. tag is the owning store's
// affiliation tag, stamped onto decoded link stubs.
func decodePayload(tag string, payload []byte) ([]Field, error) {
	corrupt := func() error {
		return base.EnvErr(base.CodeCorrupt, "malformed row payload", nil)
	}
	if len(payload) < 2 {
		return nil, corrupt()
	}
	count := int(binary.BigEndian.Uint16(payload))
	fields := make([]Field, 0, count)
	off := 2
	for i := 0; i < count; i++ {
		if off+2 > len(payload) {
			return nil, corrupt()
		}
		n := int(binary.BigEndian.Uint16(payload[off:]))
		off += 2
		if off+n+1 > len(payload) {
			return nil, corrupt()
		}
		name := string(payload[off : off+n])
		off += n
		kind := Kind(payload[off])
		off++

		var v Value
		switch kind {
		case KindString, KindBytes:
			if off+4 > len(payload) {
				return nil, corrupt()
			}
			n := int(binary.BigEndian.Uint32(payload[off:]))
			off += 4
			if off+n > len(payload) {
				return nil, corrupt()
			}
			if kind == KindString {
				v = String(string(payload[off : off+n]))
			} else {
				v = Bytes(append([]byte(nil), payload[off:off+n]...))
			}
			off += n
		case KindInt, KindFloat:
			if off+8 > len(payload) {
				return nil, corrupt()
			}
			num := binary.BigEndian.Uint64(payload[off:])
			off += 8
			if kind == KindInt {
				v = Int(int64(num))
			} else {
				v = Float(math.Float64frombits(num))
			}
		case KindBool:
			if off+1 > len(payload) {
				return nil, corrupt()
			}
			v = Bool(payload[off] != 0)
			off++
		case KindLink:
			if off+2 > len(payload) {
				return nil, corrupt()
			}
			n := int(binary.BigEndian.Uint16(payload[off:]))
			off += 2
			if off+n+8 > len(payload) {
				return nil, corrupt()
			}
			table := string(payload[off : off+n])
			off += n
			row := RowID(binary.BigEndian.Uint64(payload[off:]))
			off += 8
			v = Link(linkStub(tag, table, row))
		default:
			return nil, corrupt()
		}
		fields = append(fields, Field{Name: name, Value: v})
	}
	return fields, nil
}
