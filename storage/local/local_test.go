package local

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlreplica/walcore/segment"
	"github.com/sqlreplica/walcore/sharedwal"
	"github.com/sqlreplica/walcore/types"
)

// buildSealedSegment writes one committed page through the real write path
// and seals it, producing a segment file exactly as sharedwal would before
// handing it to an archival backend. reopen re-reads the sealed file fresh,
// the way archiveSegment does, since Store consumes an io.ReaderAt over the
// file's own descriptor.
func buildSealedSegment(t *testing.T, dir string) (sealed *segment.SealedSegment, reopen func() (*segment.SealedSegment, error)) {
	t.Helper()
	filer, err := sharedwal.NewDiskFiler(dir)
	require.NoError(t, err)

	cur, err := filer.Create(1, 0, types.NewLogID())
	require.NoError(t, err)

	h := cur.BeginWrite()
	pages := []types.PageWrite{{PageNo: 1}}
	sizeAfter := uint32(1)
	require.NoError(t, h.InsertPages(pages, &sizeAfter))

	sealed, err = cur.Seal()
	require.NoError(t, err)

	reopen = func() (*segment.SealedSegment, error) {
		return filer.OpenSealed(sealed.StartFrameNo())
	}
	return sealed, reopen
}

func TestBackendStoreFetchRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sealed, reopen := buildSealedSegment(t, filepath.Join(dir, "db"))

	idx, err := sealed.Index()
	require.NoError(t, err)
	indexBytes := segment.EncodePageIndex(idx)
	segLen := types.FrameOffset(sealed.Header().FrameCount())

	f, err := reopen()
	require.NoError(t, err)

	backend, err := Open(filepath.Join(dir, "archive"))
	require.NoError(t, err)

	var storedFrameNo uint64
	err = backend.Store(context.Background(), "ns", sealed.StartFrameNo(), f, segLen, indexBytes, func(v uint64) {
		storedFrameNo = v
	})
	require.NoError(t, err)
	require.EqualValues(t, sealed.LastCommittedFrameNo(), storedFrameNo)

	meta, err := backend.Meta(context.Background(), "ns")
	require.NoError(t, err)
	require.EqualValues(t, sealed.LastCommittedFrameNo(), meta)

	var dest fakeWriterAt
	fetchedIndex, err := backend.FetchSegment(context.Background(), "ns", sealed.StartFrameNo(), &dest)
	require.NoError(t, err)
	require.Equal(t, indexBytes, fetchedIndex)
	require.True(t, dest.len() > 0)
}

func TestBackendStoreIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	sealed, reopen := buildSealedSegment(t, filepath.Join(dir, "db"))
	idx, err := sealed.Index()
	require.NoError(t, err)
	indexBytes := segment.EncodePageIndex(idx)
	segLen := types.FrameOffset(sealed.Header().FrameCount())

	backend, err := Open(filepath.Join(dir, "archive"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		f, err := reopen()
		require.NoError(t, err)
		require.NoError(t, backend.Store(context.Background(), "ns", sealed.StartFrameNo(), f, segLen, indexBytes, nil))
	}
}

// fakeWriterAt is a minimal in-memory io.WriterAt for exercising FetchSegment
// and Restore without needing a real database file.
type fakeWriterAt struct {
	buf bytes.Buffer
}

func (w *fakeWriterAt) WriteAt(p []byte, off int64) (int, error) {
	need := int(off) + len(p)
	if need > w.buf.Len() {
		grown := make([]byte, need)
		copy(grown, w.buf.Bytes())
		w.buf = *bytes.NewBuffer(grown)
	}
	b := w.buf.Bytes()
	copy(b[off:], p)
	return len(p), nil
}

func (w *fakeWriterAt) len() int { return w.buf.Len() }
