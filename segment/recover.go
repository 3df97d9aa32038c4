package segment

import (
	"errors"
	"fmt"

	"github.com/sqlreplica/walcore/types"
)

// RecoverTail reopens the single unsealed segment that may exist at the end
// of a database directory after a crash or clean restart (spec §4.1:
// "Recovery on open truncates the segment to its committed length").
//
// The file is truncated to the header's committed length, discarding any
// bytes past the last frame whose commit was durably reflected in the
// header (garbage from a write that was interrupted mid-frame or
// mid-transaction), and the committed frames are then re-read in order to
// rebuild the index. Because the header's
// LastCommittedFrameNo/SizeAfter pair is only rewritten after all of a
// transaction's frames are durable (spec §4.1 commit semantics), trusting
// the header and truncating to it is always safe: every frame at or before
// it was durable, and anything after it was, by definition, never
// committed.
func RecoverTail(file WritableFile, path string) (*CurrentSegment, error) {
	hdrBuf := make([]byte, types.SegmentHeaderSize)
	if _, err := file.ReadAt(hdrBuf, 0); err != nil {
		return nil, fmt.Errorf("reading segment header: %w", err)
	}
	h, err := types.DecodeSegmentHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if h.IndexOffset != 0 {
		return nil, fmt.Errorf("%w: tail segment already carries a sealed index", types.ErrInvalidHeader)
	}

	committedLen := types.FrameOffset(h.FrameCount())
	if err := file.Truncate(committedLen); err != nil {
		return nil, fmt.Errorf("truncating tail segment to committed length: %w", err)
	}

	idx := NewIndex()
	for i := uint64(0); i < h.FrameCount(); i++ {
		buf := make([]byte, types.FrameHeaderSize)
		off := types.FrameOffset(i)
		if _, err := file.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("re-reading frame %d during recovery: %w", i, err)
		}
		fh, err := types.DecodeFrameHeader(buf)
		if err != nil {
			return nil, err
		}
		idx.Insert(fh.PageNo, uint64(off), fh.FrameNo)
	}

	return &CurrentSegment{
		path:   path,
		header: h,
		index:  idx,
		file:   file,
	}, nil
}

// RecoverTailRepair reopens the tail segment the same way RecoverTail does
// but tolerates a bad header checksum, trusting the decoded fields instead
// of refusing to recover. The returned bool reports whether the checksum
// was bad and had to be trusted. It still refuses a segment that already
// carries a sealed index (that is not a corrupt tail, it is the wrong kind
// of file) and cannot repair a frame header that itself fails to decode —
// repair recovers a database from a torn header write, not from missing
// frame data.
func RecoverTailRepair(file WritableFile, path string) (*CurrentSegment, bool, error) {
	hdrBuf := make([]byte, types.SegmentHeaderSize)
	if _, err := file.ReadAt(hdrBuf, 0); err != nil {
		return nil, false, fmt.Errorf("reading segment header: %w", err)
	}
	h, err := types.DecodeSegmentHeader(hdrBuf)
	if err != nil {
		return nil, false, err
	}
	repaired := false
	if err := h.Validate(); err != nil {
		if !errors.Is(err, types.ErrChecksumMismatch) {
			return nil, false, err
		}
		repaired = true
		h.Seal()
	}
	if h.IndexOffset != 0 {
		return nil, false, fmt.Errorf("%w: tail segment already carries a sealed index", types.ErrInvalidHeader)
	}

	committedLen := types.FrameOffset(h.FrameCount())
	if err := file.Truncate(committedLen); err != nil {
		return nil, false, fmt.Errorf("truncating tail segment to committed length: %w", err)
	}

	idx := NewIndex()
	for i := uint64(0); i < h.FrameCount(); i++ {
		buf := make([]byte, types.FrameHeaderSize)
		off := types.FrameOffset(i)
		if _, err := file.ReadAt(buf, off); err != nil {
			return nil, false, fmt.Errorf("re-reading frame %d during recovery: %w", i, err)
		}
		fh, err := types.DecodeFrameHeader(buf)
		if err != nil {
			return nil, false, err
		}
		idx.Insert(fh.PageNo, uint64(off), fh.FrameNo)
	}

	return &CurrentSegment{
		path:   path,
		header: h,
		index:  idx,
		file:   file,
	}, repaired, nil
}
