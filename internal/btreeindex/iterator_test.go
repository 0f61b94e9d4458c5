package btreeindex

import "testing"

import "github.com/stretchr/testify/require"

func TestFullIteratorYieldsAscendingOrder(t *testing.T) {
	idx := newTestIndex(t)
	const n = 200
	for i := n - 1; i >= 0; i-- { // insert in descending order
		require.NoError(t, idx.Insert(1, key(i), val(i)))
	}

	it, err := idx.NewFullIterator()
	require.NoError(t, err)

	var got []string
	for {
		k, v, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Equal(t, string(val(len(got))), string(v))
		got = append(got, string(k))
	}
	require.Len(t, got, n)
}

func TestRangeIteratorRespectsBounds(t *testing.T) {
	idx := newTestIndex(t)
	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, idx.Insert(1, key(i), val(i)))
	}

	it, err := idx.NewRangeIterator(key(10), key(20))
	require.NoError(t, err)

	var count int
	for {
		k, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		require.GreaterOrEqual(t, string(k), string(key(10)))
		require.LessOrEqual(t, string(k), string(key(20)))
		count++
	}
	require.Equal(t, 11, count)
}

func TestRangeIteratorUnboundedStart(t *testing.T) {
	idx := newTestIndex(t)
	for i := 0; i < 30; i++ {
		require.NoError(t, idx.Insert(1, key(i), val(i)))
	}

	it, err := idx.NewRangeIterator(nil, key(5))
	require.NoError(t, err)

	var count int
	for {
		_, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 6, count)
}
