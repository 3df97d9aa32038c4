package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexLocateNewestAtOrBeforeMaxFrameNo(t *testing.T) {
	idx := NewIndex()
	idx.Insert(7, 100, 1)
	idx.Insert(7, 200, 5)
	idx.Insert(7, 300, 9)

	off, ok := idx.Locate(7, 5)
	require.True(t, ok)
	require.EqualValues(t, 200, off)

	off, ok = idx.Locate(7, 0)
	require.False(t, ok)

	off, ok = idx.Locate(7, 100)
	require.True(t, ok)
	require.EqualValues(t, 300, off)
}

func TestIndexReplaceLastRecyclesOffset(t *testing.T) {
	idx := NewIndex()
	idx.Insert(3, 40, 2)
	idx.ReplaceLast(3, 40, 3)

	off, frameNo, ok := idx.LatestOffset(3)
	require.True(t, ok)
	require.EqualValues(t, 40, off)
	require.EqualValues(t, 3, frameNo)

	pages := idx.Pages()
	require.Equal(t, []uint32{3}, pages)
}

func TestIndexMergePreservesBothSides(t *testing.T) {
	dst := NewIndex()
	dst.Insert(1, 0, 1)

	src := NewIndex()
	src.Insert(1, 100, 2)
	src.Insert(2, 200, 2)

	dst.Merge(src)

	off, frameNo, ok := dst.LatestOffset(1)
	require.True(t, ok)
	require.EqualValues(t, 100, off)
	require.EqualValues(t, 2, frameNo)

	require.ElementsMatch(t, []uint32{1, 2}, dst.Pages())
}

func TestIndexIterDescendingSkipsStalePages(t *testing.T) {
	idx := NewIndex()
	idx.Insert(1, 10, 1)
	idx.Insert(2, 20, 9)

	var seen []uint32
	idx.IterDescending(5, func(pageNo uint32, offset, frameNo uint64) bool {
		seen = append(seen, pageNo)
		return true
	})

	require.Equal(t, []uint32{2}, seen)
}
