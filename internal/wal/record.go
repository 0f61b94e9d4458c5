package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
)

// RecordType tags the WAL's record union (spec §3 "WAL record").
type RecordType byte

const (
	RecOpenTnx RecordType = iota + 1
	RecCommitTnx
	RecRollbackTnx
	RecCheckpoint
	RecNewPage
	RecUpdatePage
	RecDeletePage
)

// Record is the tagged union described in spec §3. Only the fields
// relevant to Type are populated; this mirrors the teacher's flat
// struct-with-tag style (see btree.WALRecord) rather than an interface
// hierarchy, which keeps encode/decode in one place.
type Record struct {
	Type RecordType

	TnxID         uint64
	TableID       uint64
	PageID        uint64
	Offset        uint64
	OldData       []byte
	NewData       []byte
	Data          []byte
	ActiveTnxIDs  []uint64
}

// encodeBody writes the type-specific payload (no length prefix, no
// CRC) for r.
func (r Record) encodeBody() []byte {
	switch r.Type {
	case RecOpenTnx, RecCommitTnx, RecRollbackTnx:
		buf := make([]byte, 1+8)
		buf[0] = byte(r.Type)
		binary.LittleEndian.PutUint64(buf[1:], r.TnxID)
		return buf
	case RecCheckpoint:
		buf := make([]byte, 1+4+8*len(r.ActiveTnxIDs))
		buf[0] = byte(r.Type)
		binary.LittleEndian.PutUint32(buf[1:5], uint32(len(r.ActiveTnxIDs)))
		off := 5
		for _, id := range r.ActiveTnxIDs {
			binary.LittleEndian.PutUint64(buf[off:], id)
			off += 8
		}
		return buf
	case RecNewPage:
		buf := make([]byte, 1+8+8+8+4+len(r.Data))
		off := writeCommonHeader(buf, r.Type, r.TnxID, r.TableID, r.PageID)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Data)))
		off += 4
		copy(buf[off:], r.Data)
		return buf
	case RecUpdatePage:
		buf := make([]byte, 1+8+8+8+8+4+len(r.OldData)+len(r.NewData))
		off := writeCommonHeader(buf, r.Type, r.TnxID, r.TableID, r.PageID)
		binary.LittleEndian.PutUint64(buf[off:], r.Offset)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.OldData)))
		off += 4
		copy(buf[off:], r.OldData)
		off += len(r.OldData)
		copy(buf[off:], r.NewData)
		return buf
	case RecDeletePage:
		buf := make([]byte, 1+8+8+8+4+len(r.OldData))
		off := writeCommonHeader(buf, r.Type, r.TnxID, r.TableID, r.PageID)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.OldData)))
		off += 4
		copy(buf[off:], r.OldData)
		return buf
	default:
		return []byte{byte(r.Type)}
	}
}

func writeCommonHeader(buf []byte, t RecordType, tnx, table, page uint64) int {
	buf[0] = byte(t)
	binary.LittleEndian.PutUint64(buf[1:9], tnx)
	binary.LittleEndian.PutUint64(buf[9:17], table)
	binary.LittleEndian.PutUint64(buf[17:25], page)
	return 25
}

func readCommonHeader(buf []byte) (tnx, table, page uint64, ok bool) {
	if len(buf) < 25 {
		return 0, 0, 0, false
	}
	tnx = binary.LittleEndian.Uint64(buf[1:9])
	table = binary.LittleEndian.Uint64(buf[9:17])
	page = binary.LittleEndian.Uint64(buf[17:25])
	return tnx, table, page, true
}

// decodeBody parses a record body (as produced by encodeBody, without
// length prefix or CRC).
func decodeBody(buf []byte) (Record, error) {
	if len(buf) < 1 {
		return Record{}, rsqlerr.New(rsqlerr.KindWAL, "empty record body")
	}
	t := RecordType(buf[0])
	switch t {
	case RecOpenTnx, RecCommitTnx, RecRollbackTnx:
		if len(buf) < 9 {
			return Record{}, rsqlerr.New(rsqlerr.KindWAL, "truncated tnx record")
		}
		return Record{Type: t, TnxID: binary.LittleEndian.Uint64(buf[1:9])}, nil
	case RecCheckpoint:
		if len(buf) < 5 {
			return Record{}, rsqlerr.New(rsqlerr.KindWAL, "truncated checkpoint record")
		}
		n := binary.LittleEndian.Uint32(buf[1:5])
		if len(buf) < 5+8*int(n) {
			return Record{}, rsqlerr.New(rsqlerr.KindWAL, "truncated checkpoint ids")
		}
		ids := make([]uint64, n)
		off := 5
		for i := range ids {
			ids[i] = binary.LittleEndian.Uint64(buf[off:])
			off += 8
		}
		return Record{Type: t, ActiveTnxIDs: ids}, nil
	case RecNewPage:
		tnx, table, page, ok := readCommonHeader(buf)
		if !ok || len(buf) < 29 {
			return Record{}, rsqlerr.New(rsqlerr.KindWAL, "truncated new-page record")
		}
		dataLen := binary.LittleEndian.Uint32(buf[25:29])
		if len(buf) < 29+int(dataLen) {
			return Record{}, rsqlerr.New(rsqlerr.KindWAL, "truncated new-page data")
		}
		data := append([]byte(nil), buf[29:29+dataLen]...)
		return Record{Type: t, TnxID: tnx, TableID: table, PageID: page, Data: data}, nil
	case RecUpdatePage:
		tnx, table, page, ok := readCommonHeader(buf)
		if !ok || len(buf) < 37 {
			return Record{}, rsqlerr.New(rsqlerr.KindWAL, "truncated update-page record")
		}
		offset := binary.LittleEndian.Uint64(buf[25:33])
		length := binary.LittleEndian.Uint32(buf[33:37])
		need := 37 + 2*int(length)
		if len(buf) < need {
			return Record{}, rsqlerr.New(rsqlerr.KindWAL, "truncated update-page data")
		}
		old := append([]byte(nil), buf[37:37+length]...)
		neu := append([]byte(nil), buf[37+length:37+2*length]...)
		return Record{Type: t, TnxID: tnx, TableID: table, PageID: page, Offset: offset, OldData: old, NewData: neu}, nil
	case RecDeletePage:
		tnx, table, page, ok := readCommonHeader(buf)
		if !ok || len(buf) < 29 {
			return Record{}, rsqlerr.New(rsqlerr.KindWAL, "truncated delete-page record")
		}
		dataLen := binary.LittleEndian.Uint32(buf[25:29])
		if len(buf) < 29+int(dataLen) {
			return Record{}, rsqlerr.New(rsqlerr.KindWAL, "truncated delete-page data")
		}
		old := append([]byte(nil), buf[29:29+dataLen]...)
		return Record{Type: t, TnxID: tnx, TableID: table, PageID: page, OldData: old}, nil
	default:
		return Record{}, rsqlerr.New(rsqlerr.KindWAL, "unknown record type")
	}
}

// frame wraps a record body with a length prefix and a trailing CRC32,
// so a reader can detect truncation and corruption without knowing the
// record type in advance.
func frame(body []byte) []byte {
	out := make([]byte, 4+len(body)+4)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:4+len(body)], body)
	crc := crc32.ChecksumIEEE(body)
	binary.LittleEndian.PutUint32(out[4+len(body):], crc)
	return out
}

// readFrame reads one framed record from buf starting at offset,
// returning the decoded record, the number of bytes consumed, and
// whether a complete, checksum-valid record was present. A false return
// with no error means "stop iterating here" (truncated or corrupt
// tail); it is not itself an error condition per spec §8.
func readFrame(buf []byte, offset int) (Record, int, bool) {
	if offset+4 > len(buf) {
		return Record{}, 0, false
	}
	bodyLen := int(binary.LittleEndian.Uint32(buf[offset : offset+4]))
	total := 4 + bodyLen + 4
	if bodyLen < 0 || offset+total > len(buf) {
		return Record{}, 0, false
	}
	body := buf[offset+4 : offset+4+bodyLen]
	wantCRC := binary.LittleEndian.Uint32(buf[offset+4+bodyLen : offset+total])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return Record{}, 0, false
	}
	rec, err := decodeBody(body)
	if err != nil {
		return Record{}, 0, false
	}
	return rec, total, true
}
