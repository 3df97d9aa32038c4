package txn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlreplica/walcore/segment"
	"github.com/sqlreplica/walcore/types"
)

func newWriteHandle(t *testing.T) (*segment.CurrentSegment, *segment.WriteHandle) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cur.seg")
	file, err := segment.OpenOSFile(path)
	require.NoError(t, err)
	cur, err := segment.Create(file, path, 1, 0, types.NewLogID(), 1)
	require.NoError(t, err)
	return cur, cur.BeginWrite()
}

func TestReaderRecordPageReadTracksCount(t *testing.T) {
	r := &Reader{TxID: 1, ConnID: 1}
	require.EqualValues(t, 0, r.PagesRead())
	r.RecordPageRead()
	r.RecordPageRead()
	require.EqualValues(t, 2, r.PagesRead())
}

func TestNewWriterPushesInitialSavepoint(t *testing.T) {
	_, h := newWriteHandle(t)
	w := NewWriter(&Reader{TxID: 1, ConnID: 1}, h)
	require.True(t, w.HasOpenSavepoint())
}

func TestPushAndPopSavepointIsLIFO(t *testing.T) {
	_, h := newWriteHandle(t)
	w := NewWriter(&Reader{TxID: 1, ConnID: 1}, h)

	w.PushSavepoint()
	w.PushSavepoint()

	_, ok := w.PopSavepoint()
	require.True(t, ok)
	_, ok = w.PopSavepoint()
	require.True(t, ok)
	// Only the initial savepoint from NewWriter remains.
	require.True(t, w.HasOpenSavepoint())
	_, ok = w.PopSavepoint()
	require.True(t, ok)
	require.False(t, w.HasOpenSavepoint())

	_, ok = w.PopSavepoint()
	require.False(t, ok)
}

func TestRollbackToLastDiscardsWritesSinceSavepoint(t *testing.T) {
	cur, h := newWriteHandle(t)
	w := NewWriter(&Reader{TxID: 1, ConnID: 1}, h)

	pw1 := types.PageWrite{PageNo: 1}
	sizeAfter1 := uint32(1)
	require.NoError(t, h.InsertPages([]types.PageWrite{pw1}, &sizeAfter1))

	w.PushSavepoint()
	pw2 := types.PageWrite{PageNo: 2}
	require.NoError(t, h.InsertPages([]types.PageWrite{pw2}, nil))

	_, _, ok := h.TransientIndex().LatestOffset(2)
	require.True(t, ok)

	require.True(t, w.RollbackToLast())

	_, _, ok = h.TransientIndex().LatestOffset(2)
	require.False(t, ok)

	// The earlier commit is untouched by rolling back later, uncommitted
	// work.
	require.EqualValues(t, 1, cur.Header().LastCommittedFrameNo)
}

func TestRollbackToLastReportsFalseWhenStackEmpty(t *testing.T) {
	_, h := newWriteHandle(t)
	w := &Writer{Reader: &Reader{TxID: 1, ConnID: 1}, Handle: h}
	require.False(t, w.RollbackToLast())
}
