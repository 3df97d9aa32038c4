package metadb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlreplica/walcore/types"
)

func TestStoreLoadOnFreshDatabaseIsZeroValue(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer s.Close()

	state, err := s.Load()
	require.NoError(t, err)
	require.True(t, state.LogID.IsZero())
	require.Zero(t, state.DurableFrameNo)
	require.Empty(t, state.Segments)
}

func TestStorePersistsWatermarksAndSegmentsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")

	s, err := Open(path)
	require.NoError(t, err)

	id := types.NewLogID()
	require.NoError(t, s.SetLogID(id))
	require.NoError(t, s.SetDurableFrameNo(42))
	require.NoError(t, s.SetCheckpointedFrameNo(17))

	require.NoError(t, s.UpsertSegment(types.SegmentInfo{
		StartFrameNo:         1,
		LastCommittedFrameNo: 99,
		CreateTime:           time.Now().Truncate(time.Second),
	}))
	require.NoError(t, s.UpsertSegment(types.SegmentInfo{
		StartFrameNo: 100,
		CreateTime:   time.Now().Truncate(time.Second),
	}))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	state, err := reopened.Load()
	require.NoError(t, err)
	require.Equal(t, id, state.LogID)
	require.EqualValues(t, 42, state.DurableFrameNo)
	require.EqualValues(t, 17, state.CheckpointedFrameNo)
	require.Len(t, state.Segments, 2)
	require.EqualValues(t, 1, state.Segments[0].StartFrameNo)
	require.EqualValues(t, 99, state.Segments[0].LastCommittedFrameNo)
	require.EqualValues(t, 100, state.Segments[1].StartFrameNo)
}

func TestDeleteSegmentRemovesItsRecord(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.UpsertSegment(types.SegmentInfo{StartFrameNo: 5}))
	require.NoError(t, s.DeleteSegment(5))

	state, err := s.Load()
	require.NoError(t, err)
	require.Empty(t, state.Segments)
}
