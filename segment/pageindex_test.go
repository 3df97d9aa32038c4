package segment

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePageIndexRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(1, 200)

	var pages map[uint32]uint64
	f.Fuzz(&pages)

	idx := NewIndex()
	frameNo := uint64(1)
	for pageNo, offset := range pages {
		idx.Insert(pageNo, offset, frameNo)
		frameNo++
	}

	encoded := EncodePageIndex(idx)
	decoded, err := DecodePageIndex(encoded)
	require.NoError(t, err)
	require.Equal(t, pages, decoded)
}

func TestEncodePageIndexEmpty(t *testing.T) {
	idx := NewIndex()
	encoded := EncodePageIndex(idx)
	require.Len(t, encoded, IndexFooterSize)

	decoded, err := DecodePageIndex(encoded)
	require.NoError(t, err)
	require.Empty(t, decoded)
}

func TestDecodePageIndexRejectsCorruption(t *testing.T) {
	idx := NewIndex()
	idx.Insert(1, 4096, 1)
	idx.Insert(2, 8192, 2)
	encoded := EncodePageIndex(idx)

	t.Run("truncated", func(t *testing.T) {
		_, err := DecodePageIndex(encoded[:IndexFooterSize-1])
		require.Error(t, err)
	})

	t.Run("flipped checksum byte", func(t *testing.T) {
		corrupt := append([]byte(nil), encoded...)
		corrupt[len(corrupt)-1] ^= 0xFF
		_, err := DecodePageIndex(corrupt)
		require.Error(t, err)
	})

	t.Run("bad magic", func(t *testing.T) {
		corrupt := append([]byte(nil), encoded...)
		footerOff := len(corrupt) - IndexFooterSize
		corrupt[footerOff] ^= 0xFF
		_, err := DecodePageIndex(corrupt)
		require.Error(t, err)
	})
}
