package segment

import (
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/sqlreplica/walcore/types"
)

// List is the ordered tail of sealed segments between the current segment
// and the main database file (spec §3 "Segment tail", §4.4). Reads take a
// lock-free snapshot via an immutable.SortedMap keyed by StartFrameNo,
// exactly the pattern the teacher uses for its segment set (state.segments
// in _examples/dreamsxin-wal/wal.go); mutation (PushBack/PopFront) is the
// caller's responsibility to serialize, normally under SharedWal's write
// lock.
type List struct {
	segs atomic.Value // *immutable.SortedMap[uint64, *SealedSegment]
}

// NewList creates an empty tail. Following the teacher's own usage
// (_examples/dreamsxin-wal/wal.go state.segments), the zero value of
// immutable.SortedMap is a valid empty map under its default key comparer.
func NewList() *List {
	l := &List{}
	l.segs.Store(&immutable.SortedMap[uint64, *SealedSegment]{})
	return l
}

func (l *List) snapshot() *immutable.SortedMap[uint64, *SealedSegment] {
	return l.segs.Load().(*immutable.SortedMap[uint64, *SealedSegment])
}

// Len returns the number of sealed segments currently in the tail.
func (l *List) Len() int { return l.snapshot().Len() }

// PushBack appends a newly sealed segment to the tail (spec §4.4). The
// caller must hold SharedWal's write lock and must have already verified
// seg is non-empty and contiguous with the current last entry (spec §3
// invariant 4: no gaps, no overlaps).
func (l *List) PushBack(seg *SealedSegment) {
	m := l.snapshot()
	m = m.Set(seg.StartFrameNo(), seg)
	l.segs.Store(m)
}

// Front returns the oldest sealed segment, if any.
func (l *List) Front() (*SealedSegment, bool) {
	it := l.snapshot().Iterator()
	if it.Done() {
		return nil, false
	}
	_, seg, _ := it.Next()
	return seg, true
}

// PopFront removes the oldest sealed segment once the checkpointer has
// fully applied it (spec §4.7 step 4). The caller must hold the write lock.
func (l *List) PopFront() (*SealedSegment, bool) {
	m := l.snapshot()
	it := m.Iterator()
	if it.Done() {
		return nil, false
	}
	key, seg, _ := it.Next()
	m = m.Delete(key)
	l.segs.Store(m)
	return seg, true
}

// ForEach visits every sealed segment head-to-tail, stopping early if fn
// returns false. Safe to call concurrently with PushBack/PopFront; it
// operates on a point-in-time snapshot.
func (l *List) ForEach(fn func(*SealedSegment) bool) {
	it := l.snapshot().Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		seg.AcquireReader()
		cont := fn(seg)
		seg.ReleaseReader()
		if !cont {
			return
		}
	}
}

// ReadPage walks the tail looking for the newest frame for pageNo with
// frame_no <= maxFrameNo, returning true on the first hit (spec §4.4
// read_page). Segments are visited newest-first, so when the same page was
// written in more than one tail segment the newer segment wins; within a
// segment, its own index already resolves to its newest qualifying write.
func (l *List) ReadPage(pageNo uint32, maxFrameNo uint64, buf []byte) (bool, error) {
	m := l.snapshot()
	it := m.Iterator()
	it.Last()
	for !it.Done() {
		_, seg, _ := it.Prev()
		seg.AcquireReader()
		idx, err := seg.Index()
		if err != nil {
			seg.ReleaseReader()
			return false, err
		}
		off, ok := idx.Locate(pageNo, maxFrameNo)
		if !ok {
			seg.ReleaseReader()
			continue
		}
		err = seg.ReadPageAt(off, buf)
		seg.ReleaseReader()
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// ReverseForEach visits every sealed segment tail-to-head (newest first),
// stopping early if fn returns false. Used by the replication streamer,
// which prefers the newest segment's version of a page over an older one.
// Each visited segment is pinned for the duration of fn so the checkpointer
// cannot close and remove its file mid-stream.
func (l *List) ReverseForEach(fn func(*SealedSegment) bool) {
	it := l.snapshot().Iterator()
	it.Last()
	for !it.Done() {
		_, seg, _ := it.Prev()
		seg.AcquireReader()
		cont := fn(seg)
		seg.ReleaseReader()
		if !cont {
			return
		}
	}
}

// ValidateContiguous checks spec §3 invariant 4 (no gaps, no overlaps)
// across the whole tail; used by tests and by Open's recovery path.
func (l *List) ValidateContiguous() error {
	var prev *SealedSegment
	var err error
	l.ForEach(func(seg *SealedSegment) bool {
		if prev != nil && seg.StartFrameNo() != prev.LastCommittedFrameNo()+1 {
			err = &gapError{prevLast: prev.LastCommittedFrameNo(), nextStart: seg.StartFrameNo()}
			return false
		}
		prev = seg
		return true
	})
	return err
}

type gapError struct {
	prevLast, nextStart uint64
}

func (e *gapError) Error() string {
	return "walcore: gap in segment tail"
}

func (e *gapError) Unwrap() error { return types.ErrInvalidHeader }
