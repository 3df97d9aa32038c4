package segment

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/sqlreplica/walcore/types"
)

// CurrentSegment is the single mutable segment a database writes to (spec
// §4.2). It owns an append-only file, its in-memory index, a reader count
// and a sealed flag. Exactly one write transaction may be open on it at a
// time; that invariant is enforced one layer up by txn.WalLock, not here.
type CurrentSegment struct {
	path string

	// headerMu guards header reads/writes so checksum computation and the
	// write that publishes it are atomic, per spec §4.2's "dedicated mutex"
	// policy and the header_checksum torn-write defense of §9.
	headerMu sync.Mutex
	header   types.SegmentHeader

	index *Index
	file  WritableFile

	readLocks int64 // atomic
	sealed    int32 // atomic bool
}

// Create initializes a brand new, empty CurrentSegment backed by file at
// path, starting at startFrameNo (spec §4.2 create).
func Create(file WritableFile, path string, startFrameNo uint64, dbSizeAfter uint32, logID types.LogID, salt uint64) (*CurrentSegment, error) {
	if startFrameNo == 0 {
		return nil, fmt.Errorf("%w: start_frame_no must be non-zero", types.ErrInvalidHeader)
	}
	h := types.SegmentHeader{
		Magic:                types.SegmentMagic,
		StartFrameNo:         startFrameNo,
		LastCommittedFrameNo: startFrameNo - 1, // empty: invariant 2
		SizeAfter:            dbSizeAfter,
		LogID:                logID,
		Salt:                 salt,
	}
	h.Seal()

	buf := make([]byte, types.SegmentHeaderSize)
	h.Encode(buf)
	if _, err := file.WriteAt(buf, 0); err != nil {
		return nil, err
	}
	if err := file.Sync(); err != nil {
		return nil, err
	}

	return &CurrentSegment{
		path:   path,
		header: h,
		index:  NewIndex(),
		file:   file,
	}, nil
}

// Path returns the backing file path.
func (c *CurrentSegment) Path() string { return c.path }

// Header returns a snapshot of the segment header.
func (c *CurrentSegment) Header() types.SegmentHeader {
	c.headerMu.Lock()
	defer c.headerMu.Unlock()
	return c.header
}

// StartFrameNo returns the segment's first frame number.
func (c *CurrentSegment) StartFrameNo() uint64 { return c.Header().StartFrameNo }

// LastCommittedFrameNo returns the highest committed frame number.
func (c *CurrentSegment) LastCommittedFrameNo() uint64 { return c.Header().LastCommittedFrameNo }

// SizeAfter returns the database page count as of the last commit.
func (c *CurrentSegment) SizeAfter() uint32 { return c.Header().SizeAfter }

// IsEmpty reports whether no transaction has ever committed to this
// segment.
func (c *CurrentSegment) IsEmpty() bool { return c.Header().IsEmpty() }

// IsSealed reports whether Seal has completed.
func (c *CurrentSegment) IsSealed() bool { return atomic.LoadInt32(&c.sealed) != 0 }

// Index exposes the committed in-memory index, e.g. for SealedSegment
// construction and read-side lookups that hold no write transaction.
func (c *CurrentSegment) Index() *Index { return c.index }

// AcquireReader increments the reader count, pinning this segment in memory
// for the lifetime of a ReadTransaction's snapshot.
func (c *CurrentSegment) AcquireReader() { atomic.AddInt64(&c.readLocks, 1) }

// ReleaseReader decrements the reader count.
func (c *CurrentSegment) ReleaseReader() { atomic.AddInt64(&c.readLocks, -1) }

// ReaderCount reports the current number of pinning readers.
func (c *CurrentSegment) ReaderCount() int64 { return atomic.LoadInt64(&c.readLocks) }

// ReadPageAtOffset reads exactly one PageSize page whose frame begins at
// byteOffset (spec §4.2 read_page_offset).
func (c *CurrentSegment) ReadPageAtOffset(byteOffset uint64, buf []byte) error {
	if len(buf) < types.PageSize {
		return fmt.Errorf("%w: buffer too small for page", types.ErrInternal)
	}
	_, err := c.file.ReadAt(buf[:types.PageSize], int64(byteOffset)+types.FrameHeaderSize)
	return err
}

// FindFrame resolves the latest offset for pageNo visible to a reader
// capped at maxFrameNo (spec §4.2 find_frame). If transient is non-nil (the
// caller is the active writer), it is consulted first since it may contain
// frames not yet merged into the committed index.
func (c *CurrentSegment) FindFrame(pageNo uint32, maxFrameNo uint64, transient *Index) (uint64, bool) {
	if transient != nil {
		if off, frameNo, ok := transient.LatestOffset(pageNo); ok && frameNo <= maxFrameNo {
			return off, true
		}
	}
	return c.index.Locate(pageNo, maxFrameNo)
}

// WriteHandle represents the single open write transaction against a
// CurrentSegment (spec §4.5's Writer state). It tracks the next free frame
// slot, a transient per-transaction index so repeated writes to the same
// page in one transaction recycle their frame slot, and a rolling checksum
// savepoints can snapshot.
type WriteHandle struct {
	seg *CurrentSegment

	baseOffsetIdx uint64 // offset index at transaction start == committed frame count
	nextOffsetIdx uint64
	transient     *Index
	unordered     bool
	checksum      uint64
	open          bool
}

// BeginWrite opens a write transaction. The caller (txn.WalLock) must
// guarantee single-writer discipline; CurrentSegment does not itself
// arbitrate concurrent writers.
func (c *CurrentSegment) BeginWrite() *WriteHandle {
	base := c.Header().FrameCount()
	return &WriteHandle{
		seg:           c,
		baseOffsetIdx: base,
		nextOffsetIdx: base,
		transient:     NewIndex(),
		open:          true,
	}
}

// TransientIndex exposes the in-progress transaction's uncommitted index,
// used by CurrentSegment.FindFrame for read-your-own-writes within the
// active write transaction.
func (h *WriteHandle) TransientIndex() *Index { return h.transient }

// NextFrameNo returns the frame_no the next written frame would receive.
func (h *WriteHandle) NextFrameNo() uint64 {
	return h.seg.Header().StartFrameNo + h.nextOffsetIdx
}

// Savepoint is a nestable marker inside a write transaction capturing
// pre-write offsets and checksum (spec §4.5, glossary).
type Savepoint struct {
	offsetIdx uint64
	frameNo   uint64
	checksum  uint64
}

// Savepoint captures the current position of the write transaction.
func (h *WriteHandle) Savepoint() Savepoint {
	return Savepoint{offsetIdx: h.nextOffsetIdx, frameNo: h.NextFrameNo(), checksum: h.checksum}
}

// RollbackTo discards every write performed since sp was captured. The
// frames remain physically in the file but become invisible because the
// segment header is never advanced past them and the transient index is
// rewound (spec §4.5).
func (h *WriteHandle) RollbackTo(sp Savepoint) {
	h.nextOffsetIdx = sp.offsetIdx
	h.checksum = sp.checksum
	// Rebuild the transient index without any entries at or past the
	// rolled-back offset range. Entries are keyed by page so we filter each
	// page's slice down to offsets from before the savepoint.
	kept := NewIndex()
	for _, pageNo := range h.transient.Pages() {
		off, frameNo, ok := h.transient.LatestOffset(pageNo)
		if ok && frameNo < sp.frameNo {
			kept.Insert(pageNo, off, frameNo)
		}
	}
	h.transient = kept
}

// InsertPages writes a batch of page images, recycling the frame slot of
// any page already written earlier in this transaction (spec §4.2
// insert_pages, "later write to the same page supersedes earlier write").
// If sizeAfter is non-nil and at least one frame was written (including
// ones already pending from earlier calls in the same transaction), the
// transaction is finalized: the header is advanced and the transient index
// is merged into the segment's committed index.
func (h *WriteHandle) InsertPages(pages []types.PageWrite, sizeAfter *uint32) error {
	if !h.open {
		return fmt.Errorf("%w: write handle already closed", types.ErrInternal)
	}
	if h.seg.IsSealed() {
		return types.ErrSealed
	}

	for _, pw := range pages {
		if err := h.writeOnePage(pw.PageNo, pw.Data[:], false); err != nil {
			return err
		}
	}

	if sizeAfter == nil {
		return nil
	}
	if h.nextOffsetIdx == h.baseOffsetIdx {
		// spec §4.2: size_after set with no frames written is a no-op.
		return nil
	}
	return h.commit(*sizeAfter)
}

// InsertFrames writes frames that already carry a preassigned frame_no,
// potentially out of order (spec §4.2 insert_frames), used when a follower
// replays frames fetched from an archive. The FRAME_UNORDERED flag is set
// on commit whenever any frame's assigned frame_no does not match the
// sequential slot it occupies.
func (h *WriteHandle) InsertFrames(frames []types.Frame, commit *uint64) error {
	if !h.open {
		return fmt.Errorf("%w: write handle already closed", types.ErrInternal)
	}
	if h.seg.IsSealed() {
		return types.ErrSealed
	}

	for _, f := range frames {
		expected := h.NextFrameNo()
		if f.Header.FrameNo != expected {
			h.unordered = true
		}
		if err := h.writeOnePage(f.Header.PageNo, f.Payload[:], true); err != nil {
			return err
		}
	}

	if commit == nil {
		return nil
	}
	if h.nextOffsetIdx == h.baseOffsetIdx {
		return nil
	}
	return h.commit(uint32(*commit))
}

// writeOnePage appends or recycles a frame slot for pageNo. Its third
// parameter (true from InsertFrames) is unused: a caller-supplied frame_no
// only feeds the unordered-detection already performed by the caller; the
// on-disk frame
// header frame_no is always the segment-assigned sequential value, which
// keeps invariant 1 (offsets strictly monotonic, start_frame_no+offset =
// frame_no) true within this segment regardless of how a follower sourced
// the frames.
func (h *WriteHandle) writeOnePage(pageNo uint32, data []byte, _ bool) error {
	var offsetIdx uint64
	if _, _, ok := h.transient.LatestOffset(pageNo); ok {
		// Recycle: find this page's existing slot in the transient index.
		off, _, _ := h.transient.LatestOffset(pageNo)
		offsetIdx = (off - types.SegmentHeaderSize) / types.FrameSize
	} else {
		offsetIdx = h.nextOffsetIdx
		h.nextOffsetIdx++
	}

	frameNo := h.seg.Header().StartFrameNo + offsetIdx
	byteOffset := types.FrameOffset(offsetIdx)

	var fh types.FrameHeader
	fh.PageNo = pageNo
	fh.FrameNo = frameNo
	// SizeAfter is filled in at commit time for the final frame only; see
	// commit(). Intermediate frames always have SizeAfter == 0.

	buf := make([]byte, types.FrameHeaderSize+types.PageSize)
	fh.Encode(buf[:types.FrameHeaderSize])
	copy(buf[types.FrameHeaderSize:], data)

	if _, err := h.seg.file.WriteAt(buf, byteOffset); err != nil {
		return err
	}

	h.checksum = rollChecksum(h.checksum, buf)
	h.transient.ReplaceLast(pageNo, uint64(byteOffset), frameNo)
	return nil
}

func rollChecksum(prev uint64, buf []byte) uint64 {
	d := xxhash.New()
	var prevBuf [8]byte
	for i := range prevBuf {
		prevBuf[i] = byte(prev >> (8 * i))
	}
	_, _ = d.Write(prevBuf[:])
	_, _ = d.Write(buf)
	return d.Sum64()
}

// commit finalizes the transaction: it rewrites the final frame with
// sizeAfter stamped in (marking the commit boundary per spec §4.1), flushes
// it, then atomically advances the header and merges the transient index.
func (h *WriteHandle) commit(sizeAfter uint32) error {
	lastOffsetIdx := h.nextOffsetIdx - 1
	lastFrameNo := h.seg.Header().StartFrameNo + lastOffsetIdx

	// Re-stamp the final frame's header with SizeAfter to mark the commit
	// boundary. We must know which page occupies that slot; scan the
	// transient index for the entry whose offset matches.
	pageNo, ok := h.pageAtOffsetIdx(lastOffsetIdx)
	if !ok {
		return fmt.Errorf("%w: no page recorded at final transaction offset", types.ErrInternal)
	}
	var fh types.FrameHeader
	fh.PageNo = pageNo
	fh.FrameNo = lastFrameNo
	fh.SizeAfter = sizeAfter
	hdrBuf := make([]byte, types.FrameHeaderSize)
	fh.Encode(hdrBuf)
	if _, err := h.seg.file.WriteAt(hdrBuf, types.FrameOffset(lastOffsetIdx)); err != nil {
		return err
	}
	if err := h.seg.file.Sync(); err != nil {
		return err
	}

	h.seg.headerMu.Lock()
	newHeader := h.seg.header
	newHeader.LastCommittedFrameNo = lastFrameNo
	newHeader.SizeAfter = sizeAfter
	if h.unordered {
		newHeader.Flags |= types.FrameUnordered
	}
	newHeader.Seal()
	buf := make([]byte, types.SegmentHeaderSize)
	newHeader.Encode(buf)
	if _, err := h.seg.file.WriteAt(buf, 0); err != nil {
		h.seg.headerMu.Unlock()
		return err
	}
	if err := h.seg.file.Sync(); err != nil {
		h.seg.headerMu.Unlock()
		return err
	}
	h.seg.header = newHeader
	h.seg.headerMu.Unlock()

	h.seg.index.Merge(h.transient)
	h.baseOffsetIdx = h.nextOffsetIdx
	h.transient = NewIndex()
	return nil
}

func (h *WriteHandle) pageAtOffsetIdx(offsetIdx uint64) (uint32, bool) {
	target := types.FrameOffset(offsetIdx)
	for _, pageNo := range h.transient.Pages() {
		if off, _, ok := h.transient.LatestOffset(pageNo); ok && int64(off) == target {
			return pageNo, true
		}
	}
	return 0, false
}

// Discard releases the write handle without committing. Any uncommitted
// frames remain physically in the file but stay invisible since the header
// was never advanced (spec §4.5 "Releasing the Writer": discard semantics).
func (h *WriteHandle) Discard() {
	h.open = false
}

// HasOpenSavepoint reports whether any uncommitted writes are pending:
// frames written since the handle's last commit, or since it was opened if
// it has not committed yet.
func (h *WriteHandle) HasOpenSavepoint() bool {
	return h.nextOffsetIdx != h.baseOffsetIdx
}
