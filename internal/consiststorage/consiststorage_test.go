package consiststorage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/rsqlstore/internal/storage"
	"github.com/intellect4all/rsqlstore/internal/wal"
)

func newTestConsistStorage(t *testing.T, tableID uint64) *ConsistStorage {
	t.Helper()
	mgr, err := storage.NewManager(filepath.Join(t.TempDir(), "table.dat"), 8, "test")
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	w, err := wal.New(filepath.Join(t.TempDir(), "wal.log"), 1<<20)
	require.NoError(t, err)
	w.MarkRecovered()

	return New(tableID, mgr, w)
}

func TestNewPageIsJournaledAndReadable(t *testing.T) {
	cs := newTestConsistStorage(t, 3)

	pageID, page, err := cs.NewPage(1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), pageID)
	require.Len(t, page.Bytes(), storage.PageSize)
}

func TestWriteBytesRoundTrip(t *testing.T) {
	cs := newTestConsistStorage(t, 3)
	pageID, _, err := cs.NewPage(1)
	require.NoError(t, err)

	require.NoError(t, cs.WriteBytes(1, pageID, 10, []byte("hi")))

	got, err := cs.ReadBytes(pageID, 10, 2)
	require.NoError(t, err)
	require.Equal(t, "hi", string(got))
}

func TestWriteComputesMinimalDiff(t *testing.T) {
	cs := newTestConsistStorage(t, 3)
	pageID, page, err := cs.NewPage(1)
	require.NoError(t, err)

	mutated := page.Clone()
	copy(mutated.Bytes()[100:], []byte("delta"))
	require.NoError(t, cs.Write(1, pageID, mutated))

	got, err := cs.ReadBytes(pageID, 100, 5)
	require.NoError(t, err)
	require.Equal(t, "delta", string(got))
}

func TestFreePageRejectsNonTail(t *testing.T) {
	cs := newTestConsistStorage(t, 3)
	first, _, err := cs.NewPage(1)
	require.NoError(t, err)
	_, _, err = cs.NewPage(1)
	require.NoError(t, err)

	require.Panics(t, func() {
		_ = cs.FreePage(1, first)
	})
}

func TestFreePageReclaimsTail(t *testing.T) {
	cs := newTestConsistStorage(t, 3)
	_, _, err := cs.NewPage(1)
	require.NoError(t, err)
	second, _, err := cs.NewPage(1)
	require.NoError(t, err)

	require.NoError(t, cs.FreePage(1, second))

	max, ok := cs.MaxPageIndex()
	require.True(t, ok)
	require.Equal(t, uint64(0), max)
}
