package btreeindex

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/rsqlstore/internal/consiststorage"
	"github.com/intellect4all/rsqlstore/internal/storage"
	"github.com/intellect4all/rsqlstore/internal/wal"
)

func newTestIndex(t *testing.T) *BTreeIndex {
	t.Helper()
	mgr, err := storage.NewManager(filepath.Join(t.TempDir(), "table.dat"), 64, "btree-test")
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	w, err := wal.New(filepath.Join(t.TempDir(), "wal.log"), 1<<20)
	require.NoError(t, err)
	w.MarkRecovered()

	cs := consiststorage.New(11, mgr, w)
	// page 0 is a table's header page and a zero child or next-leaf
	// pointer means "no page", so the tree never lives on page 0.
	_, _, err = cs.NewPage(1)
	require.NoError(t, err)
	idx, err := Create(1, cs, func(uint64, uint64) error { return nil })
	require.NoError(t, err)
	return idx
}

func key(n int) []byte { return []byte(fmt.Sprintf("key-%05d", n)) }
func val(n int) []byte { return []byte(fmt.Sprintf("val-%05d", n)) }

func TestInsertAndFindSingle(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Insert(1, key(1), val(1)))

	got, err := idx.Find(key(1))
	require.NoError(t, err)
	require.Equal(t, [][]byte{val(1)}, got)
}

func TestFindMissingKeyReturnsEmpty(t *testing.T) {
	idx := newTestIndex(t)
	got, err := idx.Find(key(99))
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestInsertManyKeysForcesSplitsAndStaysFindable(t *testing.T) {
	idx := newTestIndex(t)
	const n = 400
	rootBefore := idx.RootPage
	for i := 0; i < n; i++ {
		require.NoError(t, idx.Insert(1, key(i), val(i)))
	}
	// Root must have split at least once for this many keys at 4KiB pages.
	require.NotEqual(t, rootBefore, idx.RootPage)

	for i := 0; i < n; i++ {
		got, err := idx.Find(key(i))
		require.NoError(t, err)
		require.Equal(t, [][]byte{val(i)}, got, "key %d", i)
	}
}

func TestDuplicateKeysPreserveInsertionOrder(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Insert(1, key(1), val(1)))
	require.NoError(t, idx.Insert(1, key(1), val(2)))
	require.NoError(t, idx.Insert(1, key(1), val(3)))

	got, err := idx.Find(key(1))
	require.NoError(t, err)
	require.Equal(t, [][]byte{val(1), val(2), val(3)}, got)
}

func TestExists(t *testing.T) {
	idx := newTestIndex(t)
	ok, err := idx.Exists(key(1))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, idx.Insert(1, key(1), val(1)))
	ok, err = idx.Exists(key(1))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDeleteRemovesExactMatch(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Insert(1, key(1), val(1)))
	require.NoError(t, idx.Insert(1, key(1), val(2)))

	require.NoError(t, idx.Delete(1, key(1), val(1)))

	got, err := idx.Find(key(1))
	require.NoError(t, err)
	require.Equal(t, [][]byte{val(2)}, got)
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	idx := newTestIndex(t)
	require.Error(t, idx.Delete(1, key(1), val(1)))
}

func TestUpdateEntrySameLengthInPlace(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Insert(1, key(1), val(1)))
	require.NoError(t, idx.UpdateEntry(1, key(1), val(1), val(9)))

	got, err := idx.Find(key(1))
	require.NoError(t, err)
	require.Equal(t, [][]byte{val(9)}, got)
}

func TestUpdateEntryDifferentLengthKeepsPosition(t *testing.T) {
	idx := newTestIndex(t)
	require.NoError(t, idx.Insert(1, key(1), val(1)))
	require.NoError(t, idx.Insert(1, key(1), val(2)))
	require.NoError(t, idx.Insert(1, key(1), val(3)))

	longer := []byte("a-much-longer-replacement-value")
	require.NoError(t, idx.UpdateEntry(1, key(1), val(2), longer))

	got, err := idx.Find(key(1))
	require.NoError(t, err)
	require.Equal(t, [][]byte{val(1), longer, val(3)}, got)
}

func TestOpenReattachesToExistingRoot(t *testing.T) {
	idx := newTestIndex(t)
	for i := 0; i < 50; i++ {
		require.NoError(t, idx.Insert(1, key(i), val(i)))
	}

	reopened := Open(idx.cs, idx.RootPage, func(uint64, uint64) error { return nil })
	got, err := reopened.Find(key(25))
	require.NoError(t, err)
	require.Equal(t, [][]byte{val(25)}, got)
}
