package table

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/intellect4all/rsqlstore/internal/allocator"
	"github.com/intellect4all/rsqlstore/internal/btreeindex"
	"github.com/intellect4all/rsqlstore/internal/consiststorage"
	"github.com/intellect4all/rsqlstore/internal/dataitem"
	"github.com/intellect4all/rsqlstore/internal/rlog"
	"github.com/intellect4all/rsqlstore/internal/rsqlerr"
	"github.com/intellect4all/rsqlstore/internal/storage"
	"github.com/intellect4all/rsqlstore/internal/wal"
)

var log = rlog.Named("table")

// registry enforces one live Table instance per table id in this
// process, mirroring storage.Manager's per-path guard (spec §6.1).
var (
	registryMu sync.Mutex
	registry   = make(map[uint64]struct{})
)

func registerTableID(id uint64) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[id]; exists {
		panic(fmt.Sprintf("table: a Table for id %d already exists in this process", id))
	}
	registry[id] = struct{}{}
}

func unregisterTableID(id uint64) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, id)
}

// Table is the row-oriented abstraction over one table file: schema
// validation, the fixed-size entry allocator for rows, the heap
// allocator for VarChar overflow, and one BTreeIndex per indexed
// column (spec §6).
type Table struct {
	Name    string
	TableID uint64
	Schema  dataitem.TableSchema

	mgr   *storage.Manager
	cs    *consiststorage.ConsistStorage
	alloc *allocator.Allocator

	indexes map[string]*btreeindex.BTreeIndex // column name -> index
	pkCol   string
}

func rowLocatorBytes(loc allocator.Locator) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], loc.Page)
	binary.LittleEndian.PutUint64(buf[8:16], loc.Slot)
	return buf
}

func decodeRowLocator(buf []byte) allocator.Locator {
	return allocator.Locator{
		Page: binary.LittleEndian.Uint64(buf[0:8]),
		Slot: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// entriesPerPageFor computes the largest entry count whose bitmap +
// header + (count*entrySize) fits in one page (spec §4.3).
func entriesPerPageFor(entrySize int) uint64 {
	usable := storage.PageSize - 16 // entry page header
	n := uint64(usable*8) / uint64(entrySize*8+1)
	for n > 0 {
		bitmapBytes := (n + 7) / 8
		if 16+int(bitmapBytes)+int(n)*entrySize <= storage.PageSize {
			break
		}
		n--
	}
	return n
}

// Create validates schema, allocates a fresh header page (must land at
// page 0 of a brand-new table file) and a BTreeIndex per indexed
// column.
func Create(tnxID, tableID uint64, name string, schema dataitem.TableSchema, mgr *storage.Manager, w *wal.WAL) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	registerTableID(tableID)

	cs := consiststorage.New(tableID, mgr, w)
	headerPageID, _, err := cs.NewPage(tnxID)
	if err != nil {
		unregisterTableID(tableID)
		return nil, err
	}
	if headerPageID != 0 {
		unregisterTableID(tableID)
		return nil, rsqlerr.New(rsqlerr.KindStorage, "table header must be page 0 of a fresh file")
	}

	t := &Table{
		Name: name, TableID: tableID, Schema: schema,
		mgr: mgr, cs: cs, indexes: make(map[string]*btreeindex.BTreeIndex),
	}

	entrySize := schema.EntrySize()
	meta := allocator.Metadata{
		EntrySize:          uint64(entrySize),
		EntriesPerPage:     entriesPerPageFor(entrySize),
		FirstFreeEntryPage: allocator.NoPage,
		FirstFreeHeapPage:  allocator.NoPage,
	}
	t.alloc = allocator.New(cs, meta, func(tnxID uint64, encoded []byte) error {
		return cs.WriteBytes(tnxID, 0, allocatorMetaOffset, encoded)
	})
	if err := cs.WriteBytes(tnxID, 0, allocatorMetaOffset, meta.Encode()); err != nil {
		unregisterTableID(tableID)
		return nil, err
	}

	roots := make(map[string]uint64)
	for _, col := range schema.Columns {
		if !col.Index {
			continue
		}
		colName := col.Name
		idx, err := btreeindex.Create(tnxID, cs, func(tnxID, newRoot uint64) error {
			return t.updateIndexRoot(tnxID, colName, newRoot)
		})
		if err != nil {
			unregisterTableID(tableID)
			return nil, err
		}
		t.indexes[col.Name] = idx
		roots[col.Name] = idx.RootPage
		if col.PK {
			t.pkCol = col.Name
		}
	}

	if err := t.writeHeader(tnxID, roots); err != nil {
		unregisterTableID(tableID)
		return nil, err
	}
	return t, nil
}

// Open reconstructs a Table from an existing file's header page.
func Open(tableID uint64, name string, mgr *storage.Manager, w *wal.WAL) (*Table, error) {
	registerTableID(tableID)
	cs := consiststorage.New(tableID, mgr, w)

	page, err := cs.Read(0)
	if err != nil {
		unregisterTableID(tableID)
		return nil, err
	}
	data := page.Bytes()
	hdr, err := decodeHeader(data)
	if err != nil {
		unregisterTableID(tableID)
		return nil, err
	}
	meta := decodeAllocatorMeta(data)
	schema := hdr.schema()

	t := &Table{
		Name: name, TableID: tableID, Schema: schema,
		mgr: mgr, cs: cs, indexes: make(map[string]*btreeindex.BTreeIndex),
	}
	t.alloc = allocator.New(cs, meta, func(tnxID uint64, encoded []byte) error {
		return cs.WriteBytes(tnxID, 0, allocatorMetaOffset, encoded)
	})

	roots := hdr.indexRoots()
	for _, col := range schema.Columns {
		if !col.Index {
			continue
		}
		colName := col.Name
		root := roots[col.Name]
		t.indexes[col.Name] = btreeindex.Open(cs, root, func(tnxID, newRoot uint64) error {
			return t.updateIndexRoot(tnxID, colName, newRoot)
		})
		if col.PK {
			t.pkCol = col.Name
		}
	}
	return t, nil
}

// Close releases this process's claim on the table id, allowing a
// future Open/Create for the same id.
func (t *Table) Close() {
	unregisterTableID(t.TableID)
}

func (t *Table) updateIndexRoot(tnxID uint64, colName string, newRoot uint64) error {
	roots := make(map[string]uint64, len(t.indexes))
	for name, idx := range t.indexes {
		roots[name] = idx.RootPage
	}
	roots[colName] = newRoot
	return t.writeHeader(tnxID, roots)
}

func (t *Table) writeHeader(tnxID uint64, roots map[string]uint64) error {
	hdr := schemaToHeader(t.Schema, roots)
	buf, err := hdr.encode()
	if err != nil {
		return err
	}
	return t.cs.WriteBytes(tnxID, 0, 0, buf)
}

// encodeRow serializes row values to their on-row representation,
// writing any non-empty VarChar bodies to the heap allocator first so
// the row's packed pointers are ready before the entry is written
// (spec §6.2 insert_row).
func (t *Table) encodeRow(tnxID uint64, row []dataitem.Item) ([]byte, []allocator.HeapPointer, error) {
	var buf []byte
	var heapAllocs []allocator.HeapPointer
	for i, col := range t.Schema.Columns {
		item := row[i]
		if item.Tag == dataitem.TagVarChar && len(item.Body) > 0 {
			ptr, err := t.alloc.AllocHeap(tnxID, item.Body)
			if err != nil {
				return nil, heapAllocs, err
			}
			heapAllocs = append(heapAllocs, ptr)
			item = dataitem.NewVarCharHeader(uint64(col.Type.Width), item.Body, ptr.Page, ptr.Offset)
		} else if item.Tag == dataitem.TagVarChar {
			item = dataitem.NewVarCharHeader(uint64(col.Type.Width), nil, 0, 0)
		}
		buf = item.Encode(buf)
	}
	return buf, heapAllocs, nil
}

// decodeRow parses a stored entry back into Items, resolving VarChar
// bodies from the heap.
func (t *Table) decodeRow(buf []byte) ([]dataitem.Item, error) {
	row := make([]dataitem.Item, len(t.Schema.Columns))
	off := 0
	for i, col := range t.Schema.Columns {
		item, n, err := dataitem.Decode(buf[off:], col.Type.Width)
		if err != nil {
			return nil, err
		}
		off += n
		if item.Tag == dataitem.TagVarChar && item.VarCharPtr != dataitem.NoPointer && item.VarCharLen > 0 {
			page, offset := dataitem.UnpackPointer(item.VarCharPtr)
			body, err := t.alloc.ReadHeap(allocator.HeapPointer{Page: page, Offset: offset})
			if err != nil {
				return nil, err
			}
			item.Body = body
		}
		row[i] = item
	}
	return row, nil
}

func (t *Table) pkItem(row []dataitem.Item) (dataitem.Item, error) {
	for i, col := range t.Schema.Columns {
		if col.PK {
			return row[i], nil
		}
	}
	return dataitem.Item{}, rsqlerr.New(rsqlerr.KindStorage, "table has no primary key column")
}

// checkUniqueConstraints verifies every Unique (and PK) column's value
// is not already present, per spec §6.2.
func (t *Table) checkUniqueConstraints(row []dataitem.Item) error {
	for i, col := range t.Schema.Columns {
		if !col.Unique || row[i].IsNull() {
			continue
		}
		idx := t.indexes[col.Name]
		key, err := encodeIndexKey(row[i])
		if err != nil {
			return err
		}
		exists, err := idx.Exists(key)
		if err != nil {
			return err
		}
		if exists {
			return rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("unique constraint violated on column %q", col.Name))
		}
	}
	return nil
}

// InsertRow validates row, stores it in a fresh entry slot, and
// maintains every index (spec §6.2).
func (t *Table) InsertRow(tnxID uint64, row []dataitem.Item) error {
	if err := t.Schema.Satisfy(row); err != nil {
		return err
	}
	if err := t.checkUniqueConstraints(row); err != nil {
		return err
	}

	encoded, _, err := t.encodeRow(tnxID, row)
	if err != nil {
		return err
	}

	loc, err := t.alloc.AllocEntry(tnxID)
	if err != nil {
		return err
	}
	if err := t.alloc.WriteEntry(tnxID, loc, encoded); err != nil {
		return err
	}

	locBytes := rowLocatorBytes(loc)
	for i, col := range t.Schema.Columns {
		if !col.Index || row[i].IsNull() {
			continue
		}
		key, err := encodeIndexKey(row[i])
		if err != nil {
			return err
		}
		if err := t.indexes[col.Name].Insert(tnxID, key, locBytes); err != nil {
			return err
		}
	}
	return nil
}

// GetRowByPK looks up a single row by its primary key value.
func (t *Table) GetRowByPK(pk dataitem.Item) ([]dataitem.Item, error) {
	idx, ok := t.indexes[t.pkCol]
	if !ok {
		return nil, rsqlerr.New(rsqlerr.KindStorage, "table has no primary key index")
	}
	key, err := encodeIndexKey(pk)
	if err != nil {
		return nil, err
	}
	vals, err := idx.Find(key)
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, rsqlerr.ErrNotFound
	}
	loc := decodeRowLocator(vals[0])
	buf, err := t.alloc.ReadEntry(loc)
	if err != nil {
		return nil, err
	}
	return t.decodeRow(buf)
}

// GetRowsByRangeIndexedCol returns every row whose value in colName
// lies in [start, end] (either bound nil means unbounded), spec §6.3.
func (t *Table) GetRowsByRangeIndexedCol(colName string, start, end *dataitem.Item) ([][]dataitem.Item, error) {
	idx, ok := t.indexes[colName]
	if !ok {
		return nil, rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("column %q is not indexed", colName))
	}
	var startKey, endKey []byte
	if start != nil {
		k, err := encodeIndexKey(*start)
		if err != nil {
			return nil, err
		}
		startKey = k
	}
	if end != nil {
		k, err := encodeIndexKey(*end)
		if err != nil {
			return nil, err
		}
		endKey = k
	}

	it, err := idx.NewRangeIterator(startKey, endKey)
	if err != nil {
		return nil, err
	}
	var out [][]dataitem.Item
	for {
		_, val, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		loc := decodeRowLocator(val)
		buf, err := t.alloc.ReadEntry(loc)
		if err != nil {
			return nil, err
		}
		row, err := t.decodeRow(buf)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// GetAllRows returns every row via the PK index's full leaf scan
// (spec §6.3's get_all_rows, grounded on traverse_all_entries).
func (t *Table) GetAllRows() ([][]dataitem.Item, error) {
	return t.GetRowsByRangeIndexedCol(t.pkCol, nil, nil)
}

// DeleteRow removes the row identified by pk, freeing its heap chunks
// and index entries.
func (t *Table) DeleteRow(tnxID uint64, pk dataitem.Item) error {
	row, loc, err := t.findByPK(pk)
	if err != nil {
		return err
	}
	return t.deleteRowAt(tnxID, row, loc)
}

func (t *Table) findByPK(pk dataitem.Item) ([]dataitem.Item, allocator.Locator, error) {
	idx := t.indexes[t.pkCol]
	key, err := encodeIndexKey(pk)
	if err != nil {
		return nil, allocator.Locator{}, err
	}
	vals, err := idx.Find(key)
	if err != nil {
		return nil, allocator.Locator{}, err
	}
	if len(vals) == 0 {
		return nil, allocator.Locator{}, rsqlerr.ErrNotFound
	}
	loc := decodeRowLocator(vals[0])
	buf, err := t.alloc.ReadEntry(loc)
	if err != nil {
		return nil, allocator.Locator{}, err
	}
	row, err := t.decodeRow(buf)
	return row, loc, err
}

func (t *Table) deleteRowAt(tnxID uint64, row []dataitem.Item, loc allocator.Locator) error {
	locBytes := rowLocatorBytes(loc)
	for i, col := range t.Schema.Columns {
		if !col.Index || row[i].IsNull() {
			continue
		}
		key, err := encodeIndexKey(row[i])
		if err != nil {
			return err
		}
		if err := t.indexes[col.Name].Delete(tnxID, key, locBytes); err != nil {
			return err
		}
	}
	for i, col := range t.Schema.Columns {
		if col.Type.Tag == dataitem.TagVarChar && row[i].VarCharPtr != dataitem.NoPointer && row[i].VarCharLen > 0 {
			page, offset := dataitem.UnpackPointer(row[i].VarCharPtr)
			if err := t.alloc.FreeHeap(tnxID, allocator.HeapPointer{Page: page, Offset: offset}); err != nil {
				return err
			}
		}
	}
	return t.alloc.FreeEntry(tnxID, loc)
}

// UpdateRow replaces the row identified by pk with newRow. Per spec
// §6.2, an update is a delete followed by an insert rather than an
// in-place rewrite, since column changes may alter entry size needs
// or index keys.
func (t *Table) UpdateRow(tnxID uint64, pk dataitem.Item, newRow []dataitem.Item) error {
	oldRow, loc, err := t.findByPK(pk)
	if err != nil {
		return err
	}
	if err := t.Schema.Satisfy(newRow); err != nil {
		return err
	}
	if err := t.deleteRowAt(tnxID, oldRow, loc); err != nil {
		return err
	}
	return t.InsertRow(tnxID, newRow)
}

// CreateIndex builds a BTreeIndex over an existing non-indexed column
// by scanning every row through the PK index (spec §6.4).
func (t *Table) CreateIndex(tnxID uint64, colName string) error {
	col, ok := t.Schema.ColumnByName(colName)
	if !ok {
		return rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("unknown column %q", colName))
	}
	if col.Index {
		return rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("column %q is already indexed", colName))
	}

	idx, err := btreeindex.Create(tnxID, t.cs, func(tnxID, newRoot uint64) error {
		return t.updateIndexRoot(tnxID, colName, newRoot)
	})
	if err != nil {
		return err
	}
	t.indexes[colName] = idx

	rows, err := t.GetAllRows()
	if err != nil {
		return err
	}
	colIdx := columnPosition(t.Schema, colName)
	for _, row := range rows {
		if row[colIdx].IsNull() {
			continue
		}
		key, err := encodeIndexKey(row[colIdx])
		if err != nil {
			return err
		}
		pk, err := t.pkItem(row)
		if err != nil {
			return err
		}
		_, loc, err := t.findByPK(pk)
		if err != nil {
			return err
		}
		if err := idx.Insert(tnxID, key, rowLocatorBytes(loc)); err != nil {
			return err
		}
	}

	for i := range t.Schema.Columns {
		if t.Schema.Columns[i].Name == colName {
			t.Schema.Columns[i].Index = true
		}
	}
	roots := make(map[string]uint64, len(t.indexes))
	for name, ix := range t.indexes {
		roots[name] = ix.RootPage
	}
	return t.writeHeader(tnxID, roots)
}

// DropIndex removes a non-PK, non-Unique index (spec §6.4). The
// BTreeIndex's own pages are intentionally left allocated: they are
// interleaved in the table file with live row and heap pages, and
// consiststorage.FreePage can only reclaim the file's current tail
// page, not an arbitrary one. Walking the tree and freeing its pages
// would almost always hit that tail-only restriction; reclaiming them
// for real would need a table-file compactor, which is the kind of
// online schema change spec.md's Non-goals rule out. See DESIGN.md.
func (t *Table) DropIndex(tnxID uint64, colName string) error {
	col, ok := t.Schema.ColumnByName(colName)
	if !ok {
		return rsqlerr.New(rsqlerr.KindInvalidInput, fmt.Sprintf("unknown column %q", colName))
	}
	if col.PK || col.Unique {
		return rsqlerr.New(rsqlerr.KindInvalidInput, "cannot drop a primary key or unique index")
	}
	delete(t.indexes, colName)
	for i := range t.Schema.Columns {
		if t.Schema.Columns[i].Name == colName {
			t.Schema.Columns[i].Index = false
		}
	}
	roots := make(map[string]uint64, len(t.indexes))
	for name, ix := range t.indexes {
		roots[name] = ix.RootPage
	}
	return t.writeHeader(tnxID, roots)
}

func columnPosition(schema dataitem.TableSchema, name string) int {
	for i, c := range schema.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Flush delegates to the underlying storage manager.
func (t *Table) Flush() error {
	return t.cs.Flush()
}
