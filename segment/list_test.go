package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlreplica/walcore/types"
)

func buildSealedSegmentWithPage(t *testing.T, startFrameNo uint64, pageNo uint32, marker byte) *SealedSegment {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seg.seg")
	file, err := OpenOSFile(path)
	require.NoError(t, err)
	cur, err := Create(file, path, startFrameNo, 0, types.NewLogID(), 1)
	require.NoError(t, err)
	h := cur.BeginWrite()
	pw := types.PageWrite{PageNo: pageNo}
	pw.Data[0] = marker
	sizeAfter := pageNo
	require.NoError(t, h.InsertPages([]types.PageWrite{pw}, &sizeAfter))
	sealed, err := cur.Seal()
	require.NoError(t, err)
	return sealed
}

func TestListPushBackFrontPopFrontOrdering(t *testing.T) {
	l := NewList()
	seg1 := buildSealedSegmentWithPage(t, 1, 1, 1)
	seg2 := buildSealedSegmentWithPage(t, 2, 1, 2)
	l.PushBack(seg1)
	l.PushBack(seg2)

	require.Equal(t, 2, l.Len())
	front, ok := l.Front()
	require.True(t, ok)
	require.Equal(t, seg1, front)

	popped, ok := l.PopFront()
	require.True(t, ok)
	require.Equal(t, seg1, popped)
	require.Equal(t, 1, l.Len())

	front, ok = l.Front()
	require.True(t, ok)
	require.Equal(t, seg2, front)
}

func TestListForEachPinsEachSegment(t *testing.T) {
	l := NewList()
	seg1 := buildSealedSegmentWithPage(t, 1, 1, 1)
	l.PushBack(seg1)

	var sawCount int64
	l.ForEach(func(s *SealedSegment) bool {
		sawCount = s.ReaderCount()
		return true
	})
	require.EqualValues(t, 1, sawCount)
	require.EqualValues(t, 0, seg1.ReaderCount())
}

func TestListReadPageReturnsNewestVersionAcrossSegments(t *testing.T) {
	l := NewList()
	seg1 := buildSealedSegmentWithPage(t, 1, 1, 0xAA)
	seg2 := buildSealedSegmentWithPage(t, 2, 1, 0xBB)
	l.PushBack(seg1)
	l.PushBack(seg2)

	buf := make([]byte, types.PageSize)
	found, err := l.ReadPage(1, seg2.LastCommittedFrameNo(), buf)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, byte(0xBB), buf[0])

	require.EqualValues(t, 0, seg1.ReaderCount())
	require.EqualValues(t, 0, seg2.ReaderCount())
}

func TestListReverseForEachVisitsNewestFirst(t *testing.T) {
	l := NewList()
	seg1 := buildSealedSegmentWithPage(t, 1, 1, 1)
	seg2 := buildSealedSegmentWithPage(t, 2, 1, 2)
	l.PushBack(seg1)
	l.PushBack(seg2)

	var order []uint64
	l.ReverseForEach(func(s *SealedSegment) bool {
		order = append(order, s.StartFrameNo())
		return true
	})
	require.Equal(t, []uint64{2, 1}, order)
}

func TestListValidateContiguousDetectsGap(t *testing.T) {
	l := NewList()
	seg1 := buildSealedSegmentWithPage(t, 1, 1, 1)
	seg3 := buildSealedSegmentWithPage(t, 3, 1, 1) // gap: should start at 2
	l.PushBack(seg1)
	l.PushBack(seg3)

	err := l.ValidateContiguous()
	require.Error(t, err)
	require.ErrorIs(t, err, types.ErrInvalidHeader)
}

func TestListValidateContiguousAcceptsAdjacentSegments(t *testing.T) {
	l := NewList()
	seg1 := buildSealedSegmentWithPage(t, 1, 1, 1)
	seg2 := buildSealedSegmentWithPage(t, 2, 1, 1)
	l.PushBack(seg1)
	l.PushBack(seg2)

	require.NoError(t, l.ValidateContiguous())
}
