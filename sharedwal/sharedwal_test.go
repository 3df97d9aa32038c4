package sharedwal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlreplica/walcore/metadb"
	"github.com/sqlreplica/walcore/types"
)

func openTestWal(t *testing.T) (*SharedWal, *DiskFiler, *metadb.Store, string) {
	t.Helper()
	dir := t.TempDir()
	filer, err := NewDiskFiler(dir)
	require.NoError(t, err)
	meta, err := metadb.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })
	w, err := Open(dir, filer, meta)
	require.NoError(t, err)
	return w, filer, meta, dir
}

func flipSharedWalByte(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()
	var b [1]byte
	_, err = f.ReadAt(b[:], offset)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b[:], offset)
	require.NoError(t, err)
}

func TestOpenCreatesFreshDatabase(t *testing.T) {
	w, _, _, _ := openTestWal(t)
	require.False(t, w.LogID().IsZero())
	require.Zero(t, w.DurableFrameNo())
	require.EqualValues(t, 1, w.loadCurrent().StartFrameNo())
	require.Equal(t, 0, w.tail.Len())
}

func TestInsertPagesAndReadPageRoundTrip(t *testing.T) {
	w, _, _, _ := openTestWal(t)

	r := w.BeginRead(1)
	writer, err := w.Upgrade(context.Background(), r)
	require.NoError(t, err)

	pw := types.PageWrite{PageNo: 1}
	pw.Data[0] = 0x42
	sizeAfter := uint32(1)
	require.NoError(t, w.InsertPages(writer, []types.PageWrite{pw}, &sizeAfter))
	w.lock.Release()
	w.EndRead(r)

	r2 := w.BeginRead(2)
	defer w.EndRead(r2)
	buf := make([]byte, types.PageSize)
	require.NoError(t, w.ReadPage(r2, 1, buf))
	require.Equal(t, byte(0x42), buf[0])
}

func TestReadPageForWriterSeesOwnUncommittedWrite(t *testing.T) {
	w, _, _, _ := openTestWal(t)

	// A committed baseline value for page 1.
	r0 := w.BeginRead(1)
	writer0, err := w.Upgrade(context.Background(), r0)
	require.NoError(t, err)
	pw0 := types.PageWrite{PageNo: 1}
	pw0.Data[0] = 0x1
	sizeAfter := uint32(1)
	require.NoError(t, w.InsertPages(writer0, []types.PageWrite{pw0}, &sizeAfter))
	w.lock.Release()
	w.EndRead(r0)

	// A fresh reader snapshots the already-committed state.
	rOther := w.BeginRead(2)
	defer w.EndRead(rOther)

	// A second writer overwrites page 1 without committing yet.
	r1 := w.BeginRead(3)
	writer1, err := w.Upgrade(context.Background(), r1)
	require.NoError(t, err)
	defer func() {
		w.lock.Release()
		w.EndRead(r1)
	}()
	pw1 := types.PageWrite{PageNo: 1}
	pw1.Data[0] = 0x7
	require.NoError(t, w.InsertPages(writer1, []types.PageWrite{pw1}, nil))

	buf := make([]byte, types.PageSize)
	require.NoError(t, w.ReadPageForWriter(writer1, 1, buf))
	require.Equal(t, byte(0x7), buf[0])

	bufOther := make([]byte, types.PageSize)
	require.NoError(t, w.ReadPage(rOther, 1, bufOther))
	require.Equal(t, byte(0x1), bufOther[0])
}

func TestSealCurrentStampsCheckpointMarkerOnSealedSegment(t *testing.T) {
	w, _, _, _ := openTestWal(t)

	r := w.BeginRead(1)
	writer, err := w.Upgrade(context.Background(), r)
	require.NoError(t, err)
	pw := types.PageWrite{PageNo: 1}
	sizeAfter := uint32(1)
	require.NoError(t, w.InsertPages(writer, []types.PageWrite{pw}, &sizeAfter))
	w.lock.Release()
	w.EndRead(r)

	require.NoError(t, w.SealCurrent())

	sealed, ok := w.tail.Front()
	require.True(t, ok)
	_, _, ok = sealed.CheckpointMarker()
	require.True(t, ok)
}

func TestOpenAdoptsOrphanCurrentSegmentFile(t *testing.T) {
	dir := t.TempDir()
	filer, err := NewDiskFiler(dir)
	require.NoError(t, err)
	meta, err := metadb.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	defer meta.Close()

	// Simulate a crash between filer.Create and meta.UpsertSegment for the
	// very first segment: the file exists on disk but metadb has no record
	// of it at all.
	_, err = filer.Create(1, 0, types.NewLogID())
	require.NoError(t, err)

	w, err := Open(dir, filer, meta)
	require.NoError(t, err)
	require.EqualValues(t, 1, w.loadCurrent().StartFrameNo())
}

func TestOpenErrorsWhenMetadbSegmentFileIsMissing(t *testing.T) {
	dir := t.TempDir()
	filer, err := NewDiskFiler(dir)
	require.NoError(t, err)
	meta, err := metadb.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	defer meta.Close()

	require.NoError(t, meta.SetLogID(types.NewLogID()))
	require.NoError(t, meta.UpsertSegment(types.SegmentInfo{StartFrameNo: 1, SealTime: time.Now()}))

	_, err = Open(dir, filer, meta)
	require.ErrorIs(t, err, types.ErrCorrupt)
}

func setupCorruptSealedSegment(t *testing.T) (string, *DiskFiler, *metadb.Store) {
	t.Helper()
	dir := t.TempDir()
	filer, err := NewDiskFiler(dir)
	require.NoError(t, err)

	cur, err := filer.Create(1, 0, types.NewLogID())
	require.NoError(t, err)
	h := cur.BeginWrite()
	pw := types.PageWrite{PageNo: 1}
	sizeAfter := uint32(1)
	require.NoError(t, h.InsertPages([]types.PageWrite{pw}, &sizeAfter))
	_, err = cur.Seal()
	require.NoError(t, err)

	meta, err := metadb.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	require.NoError(t, meta.SetLogID(types.NewLogID()))
	require.NoError(t, meta.UpsertSegment(types.SegmentInfo{StartFrameNo: 1, LastCommittedFrameNo: 1, SealTime: time.Now()}))

	flipSharedWalByte(t, filer.path(1), 72)
	return dir, filer, meta
}

func TestOpenWithoutRepairRejectsCorruptSealedSegment(t *testing.T) {
	dir, filer, meta := setupCorruptSealedSegment(t)
	defer meta.Close()
	_, err := Open(dir, filer, meta)
	require.ErrorIs(t, err, types.ErrChecksumMismatch)
}

func TestOpenWithAllowRepairToleratesCorruptSealedSegment(t *testing.T) {
	dir, filer, meta := setupCorruptSealedSegment(t)
	defer meta.Close()
	w, err := Open(dir, filer, meta, WithAllowRepair(true))
	require.NoError(t, err)

	seg, ok := w.tail.Front()
	require.True(t, ok)
	h, idx := seg.Repaired()
	require.True(t, h)
	require.False(t, idx)
}

func TestInjectorIndexSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	filer, err := NewDiskFiler(dir)
	require.NoError(t, err)
	metaPath := filepath.Join(dir, "meta.db")
	meta, err := metadb.Open(metaPath)
	require.NoError(t, err)

	w, err := Open(dir, filer, meta)
	require.NoError(t, err)

	// First commit advances the injector's pending-frame counter without
	// touching page 1.
	r1 := w.BeginRead(1)
	writer1, err := w.Upgrade(context.Background(), r1)
	require.NoError(t, err)
	pw1 := types.PageWrite{PageNo: 2}
	sizeAfter1 := uint32(2)
	require.NoError(t, w.InsertPages(writer1, []types.PageWrite{pw1}, &sizeAfter1))
	w.lock.Release()
	w.EndRead(r1)

	// Second commit touches page 1, stamping the accumulated index into it.
	r2 := w.BeginRead(2)
	writer2, err := w.Upgrade(context.Background(), r2)
	require.NoError(t, err)
	pw2 := types.PageWrite{PageNo: 1}
	sizeAfter2 := uint32(2)
	require.NoError(t, w.InsertPages(writer2, []types.PageWrite{pw2}, &sizeAfter2))
	w.lock.Release()
	w.EndRead(r2)

	wantIndex := w.injector.LastIndex()
	require.NotZero(t, wantIndex)

	require.NoError(t, w.Shutdown(context.Background()))
	require.NoError(t, meta.Close())

	meta2, err := metadb.Open(metaPath)
	require.NoError(t, err)
	defer meta2.Close()
	w2, err := Open(dir, filer, meta2)
	require.NoError(t, err)
	require.Equal(t, wantIndex, w2.injector.LastIndex())
}
