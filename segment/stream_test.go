package segment

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlreplica/walcore/types"
)

func TestCurrentSegmentFrameStreamFromEmitsLatestVersionPerPage(t *testing.T) {
	cur := newCurrentSegment(t, 1)
	h := cur.BeginWrite()

	pw1 := types.PageWrite{PageNo: 1}
	pw1.Data[0] = 0xA
	sizeAfter1 := uint32(1)
	require.NoError(t, h.InsertPages([]types.PageWrite{pw1}, &sizeAfter1))

	pw1b := types.PageWrite{PageNo: 1}
	pw1b.Data[0] = 0xB
	pw2 := types.PageWrite{PageNo: 2}
	pw2.Data[0] = 0xC
	sizeAfter2 := uint32(2)
	require.NoError(t, h.InsertPages([]types.PageWrite{pw1b, pw2}, &sizeAfter2))

	seen := map[uint32]bool{}
	var got []types.Frame
	res, err := cur.FrameStreamFrom(1, seen, func(f types.Frame) error {
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, res.ReplicatedUntil)
	require.EqualValues(t, 2, res.SizeAfter)
	require.Len(t, got, 2)

	byPage := map[uint32]byte{}
	for _, f := range got {
		byPage[f.Header.PageNo] = f.Payload[0]
	}
	require.Equal(t, byte(0xB), byPage[1])
	require.Equal(t, byte(0xC), byPage[2])
}

func TestCurrentSegmentFrameStreamFromRespectsMinFrameNo(t *testing.T) {
	cur := newCurrentSegment(t, 1)
	h := cur.BeginWrite()
	pw1 := types.PageWrite{PageNo: 1}
	sizeAfter1 := uint32(1)
	require.NoError(t, h.InsertPages([]types.PageWrite{pw1}, &sizeAfter1))
	pw2 := types.PageWrite{PageNo: 2}
	sizeAfter2 := uint32(2)
	require.NoError(t, h.InsertPages([]types.PageWrite{pw2}, &sizeAfter2))

	seen := map[uint32]bool{}
	var pages []uint32
	_, err := cur.FrameStreamFrom(2, seen, func(f types.Frame) error {
		pages = append(pages, f.Header.PageNo)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint32{2}, pages)
}

func TestSealedSegmentFrameStreamFromUsesLazyIndex(t *testing.T) {
	cur := newCurrentSegment(t, 1)
	h := cur.BeginWrite()
	pw1 := types.PageWrite{PageNo: 1}
	pw1.Data[0] = 0x1
	sizeAfter1 := uint32(1)
	require.NoError(t, h.InsertPages([]types.PageWrite{pw1}, &sizeAfter1))
	pw2 := types.PageWrite{PageNo: 2}
	pw2.Data[0] = 0x2
	sizeAfter2 := uint32(2)
	require.NoError(t, h.InsertPages([]types.PageWrite{pw2}, &sizeAfter2))

	_, err := cur.Seal()
	require.NoError(t, err)
	file, err := OpenOSFileReadOnly(cur.Path())
	require.NoError(t, err)
	sealed, err := OpenSealed(file, cur.Path())
	require.NoError(t, err)

	seen := map[uint32]bool{}
	var pages []uint32
	res, err := sealed.FrameStreamFrom(1, seen, func(f types.Frame) error {
		pages = append(pages, f.Header.PageNo)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{1, 2}, pages)
	require.EqualValues(t, 2, res.ReplicatedUntil)
}
