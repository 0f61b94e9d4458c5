package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocHeapWriteReadRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 16, 4)

	ptr, err := a.AllocHeap(1, []byte("hello varchar overflow"))
	require.NoError(t, err)

	got, err := a.ReadHeap(ptr)
	require.NoError(t, err)
	require.Equal(t, "hello varchar overflow", string(got))
}

func TestAllocHeapSplitsLargeRemainder(t *testing.T) {
	a := newTestAllocator(t, 16, 4)

	small := []byte("tiny")
	ptr1, err := a.AllocHeap(1, small)
	require.NoError(t, err)

	// A second small allocation should land on the same heap page, in
	// the remainder split off by the first.
	ptr2, err := a.AllocHeap(1, []byte("also-tiny"))
	require.NoError(t, err)
	require.Equal(t, ptr1.Page, ptr2.Page)
	require.NotEqual(t, ptr1.Offset, ptr2.Offset)
}

func TestFreeHeapMergesWithNeighbors(t *testing.T) {
	a := newTestAllocator(t, 16, 4)

	ptr1, err := a.AllocHeap(1, []byte("first-chunk-data"))
	require.NoError(t, err)
	ptr2, err := a.AllocHeap(1, []byte("second-chunk-data"))
	require.NoError(t, err)

	require.NoError(t, a.FreeHeap(1, ptr1))
	require.NoError(t, a.FreeHeap(1, ptr2))

	entries, err := a.collectFreeChunks(ptr1.Page)
	require.NoError(t, err)
	require.Len(t, entries, 1, "freeing all chunks on a page should coalesce into a single free run")
}

func TestAllocHeapRejectsOversizedPayload(t *testing.T) {
	a := newTestAllocator(t, 16, 4)

	_, err := a.AllocHeap(1, make([]byte, heapPageCapacity()+1))
	require.Error(t, err)
}

func TestReadHeapRejectsCorruptZeroPad(t *testing.T) {
	a := newTestAllocator(t, 16, 4)

	ptr, err := a.AllocHeap(1, []byte("payload"))
	require.NoError(t, err)

	// Stomp one byte of the used-chunk header's zero_pad field; the
	// magic bytes are untouched so this still decodes as a used chunk.
	require.NoError(t, a.cs.WriteBytes(1, ptr.Page, int(ptr.Offset), []byte{0xff}))

	_, err = a.ReadHeap(ptr)
	require.Error(t, err)
}

func TestFreeHeapRejectsDoubleFree(t *testing.T) {
	a := newTestAllocator(t, 16, 4)

	ptr, err := a.AllocHeap(1, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, a.FreeHeap(1, ptr))
	require.Error(t, a.FreeHeap(1, ptr))
}
