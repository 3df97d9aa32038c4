package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlreplica/walcore/types"
)

func newCurrentSegment(t *testing.T, startFrameNo uint64) *CurrentSegment {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cur.seg")
	file, err := OpenOSFile(path)
	require.NoError(t, err)
	cur, err := Create(file, path, startFrameNo, 0, types.NewLogID(), 1)
	require.NoError(t, err)
	return cur
}

func TestCreateInitializesEmptyHeader(t *testing.T) {
	cur := newCurrentSegment(t, 5)
	h := cur.Header()
	require.EqualValues(t, 5, h.StartFrameNo)
	require.EqualValues(t, 4, h.LastCommittedFrameNo)
	require.True(t, cur.IsEmpty())
	require.False(t, cur.IsSealed())
}

func TestCreateRejectsZeroStartFrameNo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cur.seg")
	file, err := OpenOSFile(path)
	require.NoError(t, err)
	_, err = Create(file, path, 0, 0, types.NewLogID(), 1)
	require.ErrorIs(t, err, types.ErrInvalidHeader)
}

func TestInsertPagesRecyclesRepeatedPageWithinTransaction(t *testing.T) {
	cur := newCurrentSegment(t, 1)
	h := cur.BeginWrite()

	first := types.PageWrite{PageNo: 7}
	first.Data[0] = 1
	require.NoError(t, h.InsertPages([]types.PageWrite{first}, nil))

	second := types.PageWrite{PageNo: 7}
	second.Data[0] = 2
	sizeAfter := uint32(7)
	require.NoError(t, h.InsertPages([]types.PageWrite{second}, &sizeAfter))

	require.EqualValues(t, 1, cur.Header().FrameCount())

	buf := make([]byte, types.PageSize)
	off, ok := cur.Index().Locate(7, cur.Header().LastCommittedFrameNo)
	require.True(t, ok)
	require.NoError(t, cur.ReadPageAtOffset(off, buf))
	require.Equal(t, byte(2), buf[0])
}

func TestFindFrameConsultsTransientIndexBeforeCommit(t *testing.T) {
	cur := newCurrentSegment(t, 1)
	h := cur.BeginWrite()

	pw := types.PageWrite{PageNo: 3}
	require.NoError(t, h.InsertPages([]types.PageWrite{pw}, nil))

	_, ok := cur.FindFrame(3, h.NextFrameNo(), nil)
	require.False(t, ok)

	_, ok = cur.FindFrame(3, h.NextFrameNo(), h.TransientIndex())
	require.True(t, ok)
}

func TestSavepointRollbackDiscardsSubsequentWrites(t *testing.T) {
	cur := newCurrentSegment(t, 1)
	h := cur.BeginWrite()

	pw1 := types.PageWrite{PageNo: 1}
	sizeAfter1 := uint32(1)
	require.NoError(t, h.InsertPages([]types.PageWrite{pw1}, &sizeAfter1))

	sp := h.Savepoint()

	pw2 := types.PageWrite{PageNo: 2}
	require.NoError(t, h.InsertPages([]types.PageWrite{pw2}, nil))

	_, ok := h.TransientIndex().LatestOffset(2)
	require.True(t, ok)

	h.RollbackTo(sp)

	_, ok = h.TransientIndex().LatestOffset(2)
	require.False(t, ok)

	sizeAfter2 := uint32(2)
	pw3 := types.PageWrite{PageNo: 3}
	require.NoError(t, h.InsertPages([]types.PageWrite{pw3}, &sizeAfter2))
	require.EqualValues(t, 2, cur.Header().FrameCount())
}

func TestInsertFramesSetsUnorderedFlagOnOutOfSequenceFrameNo(t *testing.T) {
	cur := newCurrentSegment(t, 1)
	h := cur.BeginWrite()

	var frame types.Frame
	frame.Header.PageNo = 1
	frame.Header.FrameNo = 5 // not the expected next frame_no (1)
	commit := uint64(1)
	require.NoError(t, h.InsertFrames([]types.Frame{frame}, &commit))

	require.NotZero(t, cur.Header().Flags&types.FrameUnordered)
}

func TestCurrentSegmentReaderCountTracksAcquireRelease(t *testing.T) {
	cur := newCurrentSegment(t, 1)
	require.EqualValues(t, 0, cur.ReaderCount())
	cur.AcquireReader()
	require.EqualValues(t, 1, cur.ReaderCount())
	cur.ReleaseReader()
	require.EqualValues(t, 0, cur.ReaderCount())
}
