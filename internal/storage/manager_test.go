package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cachePages int) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "table.dat")
	mgr, err := NewManager(path, cachePages, "test")
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestManagerNewPageStartsAtZero(t *testing.T) {
	mgr := newTestManager(t, 4)
	pageID, page, err := mgr.NewPage()
	require.NoError(t, err)
	require.Equal(t, uint64(0), pageID)
	require.Len(t, page.Bytes(), PageSize)
}

func TestManagerWriteReadRoundTrip(t *testing.T) {
	mgr := newTestManager(t, 4)
	pageID, page, err := mgr.NewPage()
	require.NoError(t, err)

	copy(page.Bytes(), []byte("hello page"))
	require.NoError(t, mgr.Write(page, pageID))

	got, err := mgr.Read(pageID)
	require.NoError(t, err)
	require.Equal(t, "hello page", string(got.Bytes()[:len("hello page")]))
}

func TestManagerEvictionWritesBack(t *testing.T) {
	mgr := newTestManager(t, 2)

	var ids []uint64
	for i := 0; i < 5; i++ {
		id, page, err := mgr.NewPage()
		require.NoError(t, err)
		copy(page.Bytes(), []byte{byte(i)})
		require.NoError(t, mgr.Write(page, id))
		ids = append(ids, id)
	}

	for i, id := range ids {
		page, err := mgr.Read(id)
		require.NoError(t, err)
		require.Equal(t, byte(i), page.Bytes()[0])
	}
}

func TestManagerFreeOnlyTailPage(t *testing.T) {
	mgr := newTestManager(t, 4)
	_, _, err := mgr.NewPage()
	require.NoError(t, err)
	id2, _, err := mgr.NewPage()
	require.NoError(t, err)

	freed, err := mgr.Free()
	require.NoError(t, err)
	require.Equal(t, id2, freed)

	max, ok := mgr.MaxPageIndex()
	require.True(t, ok)
	require.Equal(t, uint64(0), max)
}

func TestManagerRejectsDuplicatePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.dat")
	mgr, err := NewManager(path, 4, "dup")
	require.NoError(t, err)
	defer mgr.Close()

	require.Panics(t, func() {
		_, _ = NewManager(path, 4, "dup")
	})
}

func TestManagerFlushPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.dat")
	mgr, err := NewManager(path, 4, "persist")
	require.NoError(t, err)

	pageID, page, err := mgr.NewPage()
	require.NoError(t, err)
	copy(page.Bytes(), []byte("durable"))
	require.NoError(t, mgr.Write(page, pageID))
	require.NoError(t, mgr.Flush())
	require.NoError(t, mgr.Close())

	reopened, err := NewManager(path, 4, "persist")
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Read(pageID)
	require.NoError(t, err)
	require.Equal(t, "durable", string(got.Bytes()[:len("durable")]))
}
