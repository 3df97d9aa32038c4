package segment

import "github.com/sqlreplica/walcore/types"

// StreamResult reports the snapshot metadata frame_stream_from callers need
// before they start draining frames (spec §4.2 frame_stream_from: "Returns
// the start-of-stream replication position and the db size at the snapshot
// time").
type StreamResult struct {
	ReplicatedUntil uint64
	SizeAfter       uint32
}

// FrameStreamFrom invokes emit, in reverse-offset order, with the latest
// version of each page whose frame_no >= minFrameNo and whose page number
// is not already present in seen; seen is updated as pages are emitted
// (spec §4.2). Returns early on the first error from emit.
func (c *CurrentSegment) FrameStreamFrom(minFrameNo uint64, seen map[uint32]bool, emit func(types.Frame) error) (StreamResult, error) {
	h := c.Header()
	res := StreamResult{ReplicatedUntil: h.LastCommittedFrameNo, SizeAfter: h.SizeAfter}

	var emitErr error
	c.index.IterDescending(minFrameNo, func(pageNo uint32, offset, frameNo uint64) bool {
		if seen[pageNo] {
			return true
		}
		buf := make([]byte, types.FrameSize)
		if _, err := c.file.ReadAt(buf, int64(offset)); err != nil {
			emitErr = err
			return false
		}
		f, err := types.DecodeFrame(buf)
		if err != nil {
			emitErr = err
			return false
		}
		if err := emit(f); err != nil {
			emitErr = err
			return false
		}
		seen[pageNo] = true
		return true
	})
	return res, emitErr
}

// FrameStreamFrom is the SealedSegment equivalent, consulting s.Index(): the
// in-memory index the segment was sealed with, or, for a segment opened from
// disk, the on-disk index loaded lazily on first use.
func (s *SealedSegment) FrameStreamFrom(minFrameNo uint64, seen map[uint32]bool, emit func(types.Frame) error) (StreamResult, error) {
	res := StreamResult{ReplicatedUntil: s.header.LastCommittedFrameNo, SizeAfter: s.header.SizeAfter}
	idx, err := s.Index()
	if err != nil {
		return res, err
	}
	var emitErr error
	idx.IterDescending(minFrameNo, func(pageNo uint32, offset, frameNo uint64) bool {
		if seen[pageNo] {
			return true
		}
		f, err := s.ReadFrameAt(offset)
		if err != nil {
			emitErr = err
			return false
		}
		if err := emit(f); err != nil {
			emitErr = err
			return false
		}
		seen[pageNo] = true
		return true
	})
	return res, emitErr
}
