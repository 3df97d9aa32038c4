package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/sqlreplica/walcore/segment"
	"github.com/sqlreplica/walcore/types"
)

// MainFileReader is the main database file as seen by the snapshot
// fallback: random access to committed pages once no WAL history covers the
// requested starting frame.
type MainFileReader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Result reports what a Stream call produced, mirroring StreamResult plus
// the snapshot-required signal of spec §4.9 step 3.
type Result struct {
	ReplicatedUntil  uint64
	SizeAfter        uint32
	SnapshotRequired bool
}

// Streamer implements spec §4.9: given a starting frame_no, produce frames
// from current, then the tail, then the archival backend, falling back to a
// full snapshot of the main database file when even the archive lacks the
// requested history.
type Streamer struct {
	Current   *segment.CurrentSegment
	Tail      *segment.List
	Archive   types.ArchivalBackend // may be nil: no archival backend configured
	MainFile  MainFileReader
	Namespace string
}

// Stream drains frames starting at minFrameNo into emit, skipping any page
// already marked in seen and marking pages as they are emitted. seen is
// mutated in place so callers can resume a partially drained stream.
func (s *Streamer) Stream(ctx context.Context, minFrameNo uint64, seen map[uint32]bool, emit func(types.Frame) error) (Result, error) {
	curHeader := s.Current.Header()

	if minFrameNo >= s.Current.StartFrameNo() {
		res, err := s.Current.FrameStreamFrom(minFrameNo, seen, emit)
		return Result{ReplicatedUntil: res.ReplicatedUntil, SizeAfter: res.SizeAfter}, err
	}

	// Step 2: current doesn't cover minFrameNo on its own, but it is always
	// part of the answer (the newest frames), so stream it too before
	// falling back to the tail.
	if _, err := s.Current.FrameStreamFrom(minFrameNo, seen, emit); err != nil {
		return Result{}, err
	}

	coveredByTail := false
	var tailErr error
	s.Tail.ReverseForEach(func(seg *segment.SealedSegment) bool {
		if err := ctx.Err(); err != nil {
			tailErr = err
			return false
		}
		if seg.LastCommittedFrameNo() < minFrameNo {
			// This segment, and every older one, predates the request; the
			// tail cannot supply any more frames for it.
			return false
		}
		if _, err := seg.FrameStreamFrom(minFrameNo, seen, emit); err != nil {
			tailErr = err
			return false
		}
		return true
	})
	if tailErr != nil {
		return Result{}, tailErr
	}

	if oldest, ok := s.oldestTailStart(); ok && minFrameNo >= oldest {
		coveredByTail = true
	}
	if coveredByTail {
		return Result{ReplicatedUntil: curHeader.LastCommittedFrameNo, SizeAfter: curHeader.SizeAfter}, nil
	}

	// Step 3: consult the archival backend.
	return s.streamFromArchiveOrSnapshot(ctx, minFrameNo, seen, curHeader, emit)
}

func (s *Streamer) oldestTailStart() (uint64, bool) {
	seg, ok := s.Tail.Front()
	if !ok {
		return 0, false
	}
	return seg.StartFrameNo(), true
}

// memBuffer is a growable io.WriterAt used to stage a fetched archive
// segment in memory before replaying it, avoiding a round trip through a
// temp file for what is typically a few megabytes.
type memBuffer struct{ buf []byte }

func (m *memBuffer) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:end], p)
	return len(p), nil
}

// streamFromArchive fetches the archived segment covering minFrameNo, if
// any, and streams its frames the same way a local sealed segment would.
// ok is false (with no error) when the archive simply does not have
// minFrameNo, the trigger for the snapshot-required fallback.
func (s *Streamer) streamFromArchive(ctx context.Context, minFrameNo uint64, seen map[uint32]bool, emit func(types.Frame) error) (bool, error) {
	dest := &memBuffer{}
	indexBytes, err := s.Archive.FetchSegment(ctx, s.Namespace, minFrameNo, dest)
	if err != nil {
		var notFound types.FrameNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("fetching archived segment: %w", err)
	}

	if len(dest.buf) < types.SegmentHeaderSize {
		return false, fmt.Errorf("%w: archived segment shorter than header", types.ErrCorrupt)
	}
	h, err := types.DecodeSegmentHeader(dest.buf[:types.SegmentHeaderSize])
	if err != nil {
		return false, err
	}
	if err := h.Validate(); err != nil {
		return false, err
	}

	flat, err := segment.DecodePageIndex(indexBytes)
	if err != nil {
		return false, err
	}

	for pageNo, offset := range flat {
		if seen[pageNo] {
			continue
		}
		frameNo := h.StartFrameNo + (offset-uint64(types.SegmentHeaderSize))/types.FrameSize
		if frameNo < minFrameNo {
			continue
		}
		if offset+types.FrameSize > uint64(len(dest.buf)) {
			return false, fmt.Errorf("%w: archived segment shorter than its own index claims", types.ErrCorrupt)
		}
		frame, err := types.DecodeFrame(dest.buf[offset : offset+types.FrameSize])
		if err != nil {
			return false, err
		}
		if err := emit(frame); err != nil {
			return false, err
		}
		seen[pageNo] = true
	}
	return true, nil
}

func (s *Streamer) streamFromArchiveOrSnapshot(ctx context.Context, minFrameNo uint64, seen map[uint32]bool, curHeader types.SegmentHeader, emit func(types.Frame) error) (Result, error) {
	if s.Archive != nil {
		if ok, err := s.streamFromArchive(ctx, minFrameNo, seen, emit); err != nil {
			return Result{}, err
		} else if ok {
			return Result{ReplicatedUntil: curHeader.LastCommittedFrameNo, SizeAfter: curHeader.SizeAfter}, nil
		}
	}

	res := Result{ReplicatedUntil: curHeader.LastCommittedFrameNo, SizeAfter: curHeader.SizeAfter, SnapshotRequired: true}
	if s.MainFile == nil {
		return res, nil
	}

	buf := make([]byte, types.PageSize)
	for pageNo := uint32(1); pageNo <= curHeader.SizeAfter; pageNo++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if seen[pageNo] {
			continue
		}
		if _, err := s.MainFile.ReadAt(buf, types.PageOffset(pageNo)); err != nil {
			return res, fmt.Errorf("reading page %d from main db file for snapshot: %w", pageNo, err)
		}
		frame := types.Frame{Header: types.FrameHeader{PageNo: pageNo}}
		copy(frame.Payload[:], buf)
		if err := emit(frame); err != nil {
			return res, err
		}
		seen[pageNo] = true
	}
	return res, nil
}
