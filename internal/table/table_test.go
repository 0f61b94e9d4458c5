package table

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/rsqlstore/internal/dataitem"
	"github.com/intellect4all/rsqlstore/internal/storage"
	"github.com/intellect4all/rsqlstore/internal/wal"
)

func testSchema() dataitem.TableSchema {
	return dataitem.TableSchema{Columns: []dataitem.TableColumn{
		{Name: "id", Type: dataitem.IntegerType(), PK: true, Index: true, Unique: true},
		{Name: "name", Type: dataitem.VarCharType(256), Index: true},
		{Name: "age", Type: dataitem.IntegerType(), Nullable: true},
	}}
}

func newTestTable(t *testing.T, tableID uint64) *Table {
	t.Helper()
	mgr, err := storage.NewManager(filepath.Join(t.TempDir(), "table.dat"), 64, "table-test")
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	w, err := wal.New(filepath.Join(t.TempDir(), "wal.log"), 1<<20)
	require.NoError(t, err)
	w.MarkRecovered()

	tbl, err := Create(1, tableID, "widgets", testSchema(), mgr, w)
	require.NoError(t, err)
	t.Cleanup(tbl.Close)
	return tbl
}

func row(id int64, name string, age int64) []dataitem.Item {
	return []dataitem.Item{
		dataitem.NewInteger(id),
		dataitem.NewVarCharHeader(256, []byte(name), 0, 0),
		dataitem.NewInteger(age),
	}
}

func TestInsertAndGetByPK(t *testing.T) {
	tbl := newTestTable(t, 100)
	require.NoError(t, tbl.InsertRow(1, row(1, "widget-one", 5)))

	got, err := tbl.GetRowByPK(dataitem.NewInteger(1))
	require.NoError(t, err)
	require.Equal(t, int64(1), got[0].Int)
	require.Equal(t, "widget-one", string(got[1].Body))
	require.Equal(t, int64(5), got[2].Int)
}

func TestInsertDuplicatePKRejected(t *testing.T) {
	tbl := newTestTable(t, 101)
	require.NoError(t, tbl.InsertRow(1, row(1, "a", 1)))
	require.Error(t, tbl.InsertRow(1, row(1, "b", 2)))
}

func TestGetRowByPKMissing(t *testing.T) {
	tbl := newTestTable(t, 102)
	_, err := tbl.GetRowByPK(dataitem.NewInteger(999))
	require.Error(t, err)
}

func TestDeleteRowRemovesFromIndexes(t *testing.T) {
	tbl := newTestTable(t, 103)
	require.NoError(t, tbl.InsertRow(1, row(1, "a", 1)))
	require.NoError(t, tbl.DeleteRow(1, dataitem.NewInteger(1)))

	_, err := tbl.GetRowByPK(dataitem.NewInteger(1))
	require.Error(t, err)

	// The slot and varchar chunk must be reusable after delete.
	require.NoError(t, tbl.InsertRow(1, row(2, "b", 2)))
	got, err := tbl.GetRowByPK(dataitem.NewInteger(2))
	require.NoError(t, err)
	require.Equal(t, "b", string(got[1].Body))
}

func TestUpdateRowChangesValues(t *testing.T) {
	tbl := newTestTable(t, 104)
	require.NoError(t, tbl.InsertRow(1, row(1, "old-name", 10)))
	require.NoError(t, tbl.UpdateRow(1, dataitem.NewInteger(1), row(1, "new-name", 20)))

	got, err := tbl.GetRowByPK(dataitem.NewInteger(1))
	require.NoError(t, err)
	require.Equal(t, "new-name", string(got[1].Body))
	require.Equal(t, int64(20), got[2].Int)
}

func TestGetAllRowsReturnsEveryRow(t *testing.T) {
	tbl := newTestTable(t, 105)
	const n = 30
	for i := 0; i < n; i++ {
		require.NoError(t, tbl.InsertRow(1, row(int64(i), fmt.Sprintf("name-%d", i), int64(i))))
	}

	rows, err := tbl.GetAllRows()
	require.NoError(t, err)
	require.Len(t, rows, n)
}

func TestGetRowsByRangeIndexedCol(t *testing.T) {
	tbl := newTestTable(t, 106)
	for i := 0; i < 20; i++ {
		require.NoError(t, tbl.InsertRow(1, row(int64(i), fmt.Sprintf("name-%02d", i), int64(i))))
	}

	start := dataitem.NewInteger(5)
	end := dataitem.NewInteger(10)
	rows, err := tbl.GetRowsByRangeIndexedCol("id", &start, &end)
	require.NoError(t, err)
	require.Len(t, rows, 6)
}

func TestCreateIndexBackfillsExistingRows(t *testing.T) {
	schema := dataitem.TableSchema{Columns: []dataitem.TableColumn{
		{Name: "id", Type: dataitem.IntegerType(), PK: true, Index: true, Unique: true},
		{Name: "age", Type: dataitem.IntegerType()},
	}}
	mgr, err := storage.NewManager(filepath.Join(t.TempDir(), "table.dat"), 64, "table-test")
	require.NoError(t, err)
	defer mgr.Close()
	w, err := wal.New(filepath.Join(t.TempDir(), "wal.log"), 1<<20)
	require.NoError(t, err)
	w.MarkRecovered()

	tbl, err := Create(1, 107, "people", schema, mgr, w)
	require.NoError(t, err)
	defer tbl.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, tbl.InsertRow(1, []dataitem.Item{dataitem.NewInteger(int64(i)), dataitem.NewInteger(int64(i * 2))}))
	}

	require.NoError(t, tbl.CreateIndex(1, "age"))

	start := dataitem.NewInteger(4)
	end := dataitem.NewInteger(8)
	rows, err := tbl.GetRowsByRangeIndexedCol("age", &start, &end)
	require.NoError(t, err)
	require.Len(t, rows, 3) // ages 4, 6, 8
}

func TestDropIndexRejectsPK(t *testing.T) {
	tbl := newTestTable(t, 108)
	require.Error(t, tbl.DropIndex(1, "id"))
}

func TestDropIndexRemovesNonPKIndex(t *testing.T) {
	tbl := newTestTable(t, 109)
	require.NoError(t, tbl.InsertRow(1, row(1, "a", 1)))
	require.NoError(t, tbl.DropIndex(1, "name"))

	_, err := tbl.GetRowsByRangeIndexedCol("name", nil, nil)
	require.Error(t, err)
}

func TestDuplicateTableIDPanics(t *testing.T) {
	mgr, err := storage.NewManager(filepath.Join(t.TempDir(), "a.dat"), 16, "dup-a")
	require.NoError(t, err)
	defer mgr.Close()
	w, err := wal.New(filepath.Join(t.TempDir(), "wal.log"), 1<<20)
	require.NoError(t, err)
	w.MarkRecovered()

	tbl, err := Create(1, 200, "t1", testSchema(), mgr, w)
	require.NoError(t, err)
	defer tbl.Close()

	mgr2, err := storage.NewManager(filepath.Join(t.TempDir(), "b.dat"), 16, "dup-b")
	require.NoError(t, err)
	defer mgr2.Close()

	require.Panics(t, func() {
		_, _ = Create(1, 200, "t2", testSchema(), mgr2, w)
	})
}

func TestOpenReattachesExistingTable(t *testing.T) {
	dir := t.TempDir()
	mgr, err := storage.NewManager(filepath.Join(dir, "table.dat"), 64, "reopen")
	require.NoError(t, err)
	w, err := wal.New(filepath.Join(dir, "wal.log"), 1<<20)
	require.NoError(t, err)
	w.MarkRecovered()

	tbl, err := Create(1, 300, "widgets", testSchema(), mgr, w)
	require.NoError(t, err)
	require.NoError(t, tbl.InsertRow(1, row(1, "persisted", 7)))
	require.NoError(t, tbl.Flush())
	tbl.Close()
	require.NoError(t, mgr.Close())

	mgr2, err := storage.NewManager(filepath.Join(dir, "table.dat"), 64, "reopen")
	require.NoError(t, err)
	defer mgr2.Close()

	reopened, err := Open(300, "widgets", mgr2, w)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetRowByPK(dataitem.NewInteger(1))
	require.NoError(t, err)
	require.Equal(t, "persisted", string(got[1].Body))
}
