// Package table implements the row-oriented Table abstraction from
// spec §6: schema-validated rows stored through the entry allocator,
// VarChar overflow through the heap allocator, and one BTreeIndex per
// indexed column (PK included).
package table

import (
	"encoding/binary"
	"fmt"

	"github.com/intellect4all/rsqlstore/internal/allocator"
	"github.com/intellect4all/rsqlstore/internal/dataitem"
	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
	"github.com/intellect4all/rsqlstore/internal/storage"
)

// headerMagic tags page 0 of a table file. headerVersion gates the
// layout so a future on-disk format change can be detected at open
// time instead of silently misread (spec's original_source carries an
// equivalent version byte on its table header; see SPEC_FULL.md).
var headerMagic = [4]byte{'R', 'S', 'Q', 'T'}

const headerVersion = 1

// allocatorMetaOffset is a fixed trailing offset so the allocator's
// four words never have to move regardless of how large the column
// directory grows, at the cost of capping schemas to what fits before
// it (generously large for any realistic table).
const allocatorMetaOffset = storage.PageSize - allocator.MetadataSize

type columnHeader struct {
	name     string
	tag      dataitem.Tag
	width    int
	pk       bool
	nullable bool
	unique   bool
	index    bool
	rootPage uint64 // 0 (allocator.NoPage) if not indexed
}

type tableHeader struct {
	columns []columnHeader
}

func schemaToHeader(schema dataitem.TableSchema, roots map[string]uint64) tableHeader {
	h := tableHeader{columns: make([]columnHeader, len(schema.Columns))}
	for i, c := range schema.Columns {
		h.columns[i] = columnHeader{
			name: c.Name, tag: c.Type.Tag, width: c.Type.Width,
			pk: c.PK, nullable: c.Nullable, unique: c.Unique, index: c.Index,
			rootPage: roots[c.Name],
		}
	}
	return h
}

func (h tableHeader) schema() dataitem.TableSchema {
	schema := dataitem.TableSchema{Columns: make([]dataitem.TableColumn, len(h.columns))}
	for i, c := range h.columns {
		var typ dataitem.ColumnType
		switch c.tag {
		case dataitem.TagInteger:
			typ = dataitem.IntegerType()
		case dataitem.TagFloat:
			typ = dataitem.FloatType()
		case dataitem.TagBool:
			typ = dataitem.BoolType()
		case dataitem.TagChars:
			typ = dataitem.CharsType(c.width)
		case dataitem.TagVarChar:
			typ = dataitem.VarCharType(c.width)
		}
		schema.Columns[i] = dataitem.TableColumn{
			Name: c.name, Type: typ, PK: c.pk, Nullable: c.nullable, Unique: c.unique, Index: c.index,
		}
	}
	return schema
}

func (h tableHeader) indexRoots() map[string]uint64 {
	out := make(map[string]uint64)
	for _, c := range h.columns {
		if c.index {
			out[c.name] = c.rootPage
		}
	}
	return out
}

// encode writes the fixed preamble and column directory into a buffer
// of allocatorMetaOffset bytes (zero-filled past the directory), so
// writing it back never touches the allocator metadata living at
// allocatorMetaOffset.
func (h tableHeader) encode() ([]byte, error) {
	buf := make([]byte, allocatorMetaOffset)
	copy(buf[0:4], headerMagic[:])
	buf[4] = headerVersion
	binary.LittleEndian.PutUint16(buf[5:7], uint16(len(h.columns)))

	off := 7
	for _, c := range h.columns {
		nameBytes := []byte(c.name)
		need := off + 1 + len(nameBytes) + 1 + 4 + 1 + 8
		if need > allocatorMetaOffset {
			return nil, rsqlerr.New(rsqlerr.KindInvalidInput, "table schema too large for header page")
		}
		buf[off] = byte(len(nameBytes))
		off++
		copy(buf[off:], nameBytes)
		off += len(nameBytes)
		buf[off] = byte(c.tag)
		off++
		binary.LittleEndian.PutUint32(buf[off:], uint32(c.width))
		off += 4
		buf[off] = encodeFlags(c)
		off++
		binary.LittleEndian.PutUint64(buf[off:], c.rootPage)
		off += 8
	}
	return buf, nil
}

func encodeFlags(c columnHeader) byte {
	var f byte
	if c.pk {
		f |= 1
	}
	if c.nullable {
		f |= 2
	}
	if c.unique {
		f |= 4
	}
	if c.index {
		f |= 8
	}
	return f
}

func decodeHeader(buf []byte) (tableHeader, error) {
	if len(buf) < 7 || string(buf[0:4]) != string(headerMagic[:]) {
		return tableHeader{}, rsqlerr.New(rsqlerr.KindStorage, "table header: bad magic")
	}
	if buf[4] != headerVersion {
		return tableHeader{}, rsqlerr.New(rsqlerr.KindStorage, fmt.Sprintf("table header: unsupported version %d", buf[4]))
	}
	numCols := int(binary.LittleEndian.Uint16(buf[5:7]))
	h := tableHeader{columns: make([]columnHeader, numCols)}
	off := 7
	for i := 0; i < numCols; i++ {
		nameLen := int(buf[off])
		off++
		name := string(buf[off : off+nameLen])
		off += nameLen
		tag := dataitem.Tag(buf[off])
		off++
		width := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		flags := buf[off]
		off++
		rootPage := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		h.columns[i] = columnHeader{
			name: name, tag: tag, width: width,
			pk: flags&1 != 0, nullable: flags&2 != 0, unique: flags&4 != 0, index: flags&8 != 0,
			rootPage: rootPage,
		}
	}
	return h, nil
}

func decodeAllocatorMeta(buf []byte) allocator.Metadata {
	return allocator.DecodeMetadata(buf[allocatorMetaOffset : allocatorMetaOffset+allocator.MetadataSize])
}
