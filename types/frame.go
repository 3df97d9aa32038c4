package types

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the fixed size of a database page carried by every frame.
// Matches the SQLite-derived page size the libsql WAL format commits to.
const PageSize = 4096

// FrameHeaderSize is the on-disk size of FrameHeader: page_no, size_after,
// frame_no, each a fixed-width little-endian integer, padded to a multiple
// of 8 bytes.
const FrameHeaderSize = 16

// FrameSize is the total on-disk size of one frame: header plus payload.
const FrameSize = FrameHeaderSize + PageSize

// FrameHeader precedes every page payload in a segment file. size_after is
// non-zero exactly on the last frame of a committed transaction; frame_no is
// globally monotonic per database (spec §3).
type FrameHeader struct {
	PageNo    uint32
	SizeAfter uint32
	FrameNo   uint64
}

// IsCommit reports whether this frame terminates a transaction.
func (h FrameHeader) IsCommit() bool { return h.SizeAfter != 0 }

// Encode writes the header into buf, which must be at least FrameHeaderSize
// bytes long.
func (h FrameHeader) Encode(buf []byte) {
	_ = buf[:FrameHeaderSize]
	binary.LittleEndian.PutUint32(buf[0:4], h.PageNo)
	binary.LittleEndian.PutUint32(buf[4:8], h.SizeAfter)
	binary.LittleEndian.PutUint64(buf[8:16], h.FrameNo)
}

// DecodeFrameHeader parses a FrameHeader from buf.
func DecodeFrameHeader(buf []byte) (FrameHeader, error) {
	if len(buf) < FrameHeaderSize {
		return FrameHeader{}, fmt.Errorf("%w: short frame header (%d bytes)", ErrCorrupt, len(buf))
	}
	return FrameHeader{
		PageNo:    binary.LittleEndian.Uint32(buf[0:4]),
		SizeAfter: binary.LittleEndian.Uint32(buf[4:8]),
		FrameNo:   binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// Frame is one FrameHeader plus its PageSize payload: the unit of
// replication.
type Frame struct {
	Header  FrameHeader
	Payload [PageSize]byte
}

// Encode serializes the frame into buf, which must be at least FrameSize
// bytes long.
func (f *Frame) Encode(buf []byte) {
	_ = buf[:FrameSize]
	f.Header.Encode(buf[:FrameHeaderSize])
	copy(buf[FrameHeaderSize:FrameSize], f.Payload[:])
}

// DecodeFrame parses a Frame from buf.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < FrameSize {
		return Frame{}, fmt.Errorf("%w: short frame (%d bytes)", ErrCorrupt, len(buf))
	}
	h, err := DecodeFrameHeader(buf[:FrameHeaderSize])
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	f.Header = h
	copy(f.Payload[:], buf[FrameHeaderSize:FrameSize])
	return f, nil
}

// PageOffset returns the byte offset of page pageNo (1-based) within a flat
// database file laid out one PageSize page at a time.
func PageOffset(pageNo uint32) int64 {
	return int64(pageNo-1) * PageSize
}
