package allocator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intellect4all/rsqlstore/internal/consiststorage"
	"github.com/intellect4all/rsqlstore/internal/storage"
	"github.com/intellect4all/rsqlstore/internal/wal"
)

func newTestAllocator(t *testing.T, entrySize, entriesPerPage uint64) *Allocator {
	t.Helper()
	mgr, err := storage.NewManager(filepath.Join(t.TempDir(), "table.dat"), 16, "alloc-test")
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	w, err := wal.New(filepath.Join(t.TempDir(), "wal.log"), 1<<20)
	require.NoError(t, err)
	w.MarkRecovered()

	cs := consiststorage.New(9, mgr, w)
	// page 0 is a table's header page and NoPage (0) marks "no page" in
	// the allocator's links, so reserve it here as a Table would.
	_, _, err = cs.NewPage(1)
	require.NoError(t, err)
	meta := Metadata{EntrySize: entrySize, EntriesPerPage: entriesPerPage}
	return New(cs, meta, func(uint64, []byte) error { return nil })
}

func TestAllocEntryThenWriteReadRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 32, 8)

	loc, err := a.AllocEntry(1)
	require.NoError(t, err)

	row := make([]byte, 32)
	copy(row, []byte("row-payload"))
	require.NoError(t, a.WriteEntry(1, loc, row))

	got, err := a.ReadEntry(loc)
	require.NoError(t, err)
	require.Equal(t, row, got)
}

func TestAllocEntryFillsPageThenAllocatesNewOne(t *testing.T) {
	a := newTestAllocator(t, 16, 4)

	var locs []Locator
	for i := 0; i < 4; i++ {
		loc, err := a.AllocEntry(1)
		require.NoError(t, err)
		locs = append(locs, loc)
	}
	// All four slots on the first entry page.
	for _, l := range locs {
		require.Equal(t, locs[0].Page, l.Page)
	}

	// The fifth alloc must land on a new page: the first is full and was
	// unlinked from the free list.
	next, err := a.AllocEntry(1)
	require.NoError(t, err)
	require.NotEqual(t, locs[0].Page, next.Page)
}

func TestFreeEntryReusesSlot(t *testing.T) {
	a := newTestAllocator(t, 16, 4)

	loc, err := a.AllocEntry(1)
	require.NoError(t, err)
	require.NoError(t, a.FreeEntry(1, loc))

	reused, err := a.AllocEntry(1)
	require.NoError(t, err)
	require.Equal(t, loc, reused)
}

func TestFreeEntryReclaimsEmptyTailPage(t *testing.T) {
	// entriesPerPage=1 so each alloc starts a fresh page, leaving one
	// page behind the tail to reclaim down to.
	a := newTestAllocator(t, 16, 1)

	_, err := a.AllocEntry(1)
	require.NoError(t, err)
	tailLoc, err := a.AllocEntry(1)
	require.NoError(t, err)

	maxBefore, ok := a.cs.MaxPageIndex()
	require.True(t, ok)
	require.Equal(t, tailLoc.Page, maxBefore)

	require.NoError(t, a.FreeEntry(1, tailLoc))

	maxAfter, ok := a.cs.MaxPageIndex()
	require.True(t, ok)
	require.Less(t, maxAfter, maxBefore)
}

func TestFreeEntryKeepsNonTailPageLinked(t *testing.T) {
	a := newTestAllocator(t, 16, 2)

	firstPageLoc, err := a.AllocEntry(1)
	require.NoError(t, err)
	_, err = a.AllocEntry(1) // fills first page (entriesPerPage=2)
	require.NoError(t, err)
	secondPageLoc, err := a.AllocEntry(1) // starts a second page
	require.NoError(t, err)
	require.NotEqual(t, firstPageLoc.Page, secondPageLoc.Page)

	maxBefore, ok := a.cs.MaxPageIndex()
	require.True(t, ok)

	// Freeing the slot on the (non-tail) first page must not reclaim it.
	require.NoError(t, a.FreeEntry(1, firstPageLoc))

	maxAfter, ok := a.cs.MaxPageIndex()
	require.True(t, ok)
	require.Equal(t, maxBefore, maxAfter)

	// And the freed slot should be reusable.
	reused, err := a.AllocEntry(1)
	require.NoError(t, err)
	require.Equal(t, firstPageLoc.Page, reused.Page)
}
