package types

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// SegmentMagic identifies a walcore segment file. Stored little-endian, its
// eight bytes read as the ASCII tag "WGSCOREW".
const SegmentMagic uint64 = 0x5745524f43534757

// Segment header flag bits.
const (
	// FrameUnordered marks a segment whose frames were not necessarily
	// inserted in frame_no order (e.g. replayed from an archive by a
	// follower). The in-memory index still resolves the latest version of
	// each page correctly because it retains every known offset.
	FrameUnordered uint32 = 1 << iota
)

// SegmentHeaderSize is the fixed, 8-byte-aligned on-disk size of
// SegmentHeader, including its leading magic number.
const SegmentHeaderSize = 88

// SegmentHeader is the fixed-size record at the start of every segment
// file (spec §3, §6). HeaderChecksum covers every other field; it must be
// recomputed before every write so a torn write is detectable on the next
// open.
type SegmentHeader struct {
	Magic                uint64
	StartFrameNo         uint64
	LastCommittedFrameNo uint64
	SizeAfter            uint32
	Flags                uint32
	IndexOffset          uint64
	IndexSize            uint64
	LogID                LogID
	Salt                 uint64
	HeaderChecksum       uint64
}

// IsEmpty reports whether no frame has ever been committed to this segment
// (spec §3 invariant 2: last_committed_frame_no == start_frame_no - 1).
func (h SegmentHeader) IsEmpty() bool {
	return h.LastCommittedFrameNo+1 == h.StartFrameNo
}

// FrameCount returns the number of committed frames in the segment.
func (h SegmentHeader) FrameCount() uint64 {
	if h.IsEmpty() {
		return 0
	}
	return h.LastCommittedFrameNo - h.StartFrameNo + 1
}

// computeChecksum hashes every field except Magic and HeaderChecksum itself,
// seeded with Salt so that two segments sharing accidental byte-for-byte
// field collisions (extremely unlikely, but the reuse of a stale file after
// a crash is exactly the scenario Salt defends against) still checksum
// differently.
func (h SegmentHeader) computeChecksum() uint64 {
	var buf [SegmentHeaderSize - 16]byte // everything except Magic and HeaderChecksum
	binary.LittleEndian.PutUint64(buf[0:8], h.StartFrameNo)
	binary.LittleEndian.PutUint64(buf[8:16], h.LastCommittedFrameNo)
	binary.LittleEndian.PutUint32(buf[16:20], h.SizeAfter)
	binary.LittleEndian.PutUint32(buf[20:24], h.Flags)
	binary.LittleEndian.PutUint64(buf[24:32], h.IndexOffset)
	binary.LittleEndian.PutUint64(buf[32:40], h.IndexSize)
	copy(buf[40:56], h.LogID[:])
	binary.LittleEndian.PutUint64(buf[56:64], h.Salt)

	d := xxhash.New()
	_, _ = d.Write(buf[:])
	var saltBuf [8]byte
	binary.LittleEndian.PutUint64(saltBuf[:], h.Salt)
	_, _ = d.Write(saltBuf[:])
	return d.Sum64()
}

// Seal recomputes HeaderChecksum. Call this immediately before every write
// of the header, never before.
func (h *SegmentHeader) Seal() {
	h.HeaderChecksum = h.computeChecksum()
}

// Validate checks the magic number and checksum. It must be called on every
// header read before any other field is trusted.
func (h SegmentHeader) Validate() error {
	if h.Magic != SegmentMagic {
		return fmt.Errorf("%w: bad segment magic %x", ErrInvalidHeader, h.Magic)
	}
	if h.computeChecksum() != h.HeaderChecksum {
		return fmt.Errorf("%w: segment header checksum mismatch", ErrChecksumMismatch)
	}
	if h.StartFrameNo == 0 {
		return fmt.Errorf("%w: start_frame_no must be non-zero", ErrInvalidHeader)
	}
	if h.LastCommittedFrameNo+1 < h.StartFrameNo {
		return fmt.Errorf("%w: last_committed_frame_no %d precedes start_frame_no %d", ErrInvalidHeader, h.LastCommittedFrameNo, h.StartFrameNo)
	}
	return nil
}

// Encode serializes the header into buf, which must be at least
// SegmentHeaderSize bytes.
func (h SegmentHeader) Encode(buf []byte) {
	_ = buf[:SegmentHeaderSize]
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint64(buf[8:16], h.StartFrameNo)
	binary.LittleEndian.PutUint64(buf[16:24], h.LastCommittedFrameNo)
	binary.LittleEndian.PutUint32(buf[24:28], h.SizeAfter)
	binary.LittleEndian.PutUint32(buf[28:32], h.Flags)
	binary.LittleEndian.PutUint64(buf[32:40], h.IndexOffset)
	binary.LittleEndian.PutUint64(buf[40:48], h.IndexSize)
	copy(buf[48:64], h.LogID[:])
	binary.LittleEndian.PutUint64(buf[64:72], h.Salt)
	binary.LittleEndian.PutUint64(buf[72:80], h.HeaderChecksum)
	// remaining 8 bytes reserved/padding, zeroed.
	for i := 80; i < SegmentHeaderSize; i++ {
		buf[i] = 0
	}
}

// DecodeSegmentHeader parses a SegmentHeader from buf. Callers must call
// Validate before trusting any field.
func DecodeSegmentHeader(buf []byte) (SegmentHeader, error) {
	if len(buf) < SegmentHeaderSize {
		return SegmentHeader{}, fmt.Errorf("%w: short segment header (%d bytes)", ErrCorrupt, len(buf))
	}
	var h SegmentHeader
	h.Magic = binary.LittleEndian.Uint64(buf[0:8])
	h.StartFrameNo = binary.LittleEndian.Uint64(buf[8:16])
	h.LastCommittedFrameNo = binary.LittleEndian.Uint64(buf[16:24])
	h.SizeAfter = binary.LittleEndian.Uint32(buf[24:28])
	h.Flags = binary.LittleEndian.Uint32(buf[28:32])
	h.IndexOffset = binary.LittleEndian.Uint64(buf[32:40])
	h.IndexSize = binary.LittleEndian.Uint64(buf[40:48])
	copy(h.LogID[:], buf[48:64])
	h.Salt = binary.LittleEndian.Uint64(buf[64:72])
	h.HeaderChecksum = binary.LittleEndian.Uint64(buf[72:80])
	return h, nil
}

// FrameOffset returns the byte offset of the i-th frame (0-based) within the
// segment file, per spec §4.1: sizeof(SegmentHeader) + i*sizeof(Frame).
func FrameOffset(i uint64) int64 {
	return int64(SegmentHeaderSize) + int64(i)*int64(FrameSize)
}
