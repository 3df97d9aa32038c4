package txn

import (
	"sync/atomic"

	"github.com/sqlreplica/walcore/segment"
)

// Reader is the state captured at begin_read (spec §4.6): a snapshot of the
// current segment's committed position, pinned for the lifetime of the
// transaction. PagesRead feeds the reserved-slot heuristic on upgrade.
type Reader struct {
	TxID       uint64
	ConnID     ConnID
	MaxFrameNo uint64
	SizeAfter  uint32

	// Pinned is the CurrentSegment this reader's snapshot was taken against,
	// set by SharedWal.BeginRead. EndRead must release the reader count on
	// this exact segment, not whatever segment happens to be current by
	// then: a seal/swap between BeginRead and EndRead would otherwise
	// release the wrong segment's pin.
	Pinned *segment.CurrentSegment

	pagesRead int64 // atomic
}

// RecordPageRead increments the reader's page-read counter. Called by
// SharedWal.ReadPage once per page actually served from this snapshot.
func (r *Reader) RecordPageRead() {
	atomic.AddInt64(&r.pagesRead, 1)
}

// PagesRead reports how many pages this reader has consulted so far.
func (r *Reader) PagesRead() uint64 {
	return uint64(atomic.LoadInt64(&r.pagesRead))
}

// Writer is a Reader that has successfully upgraded (spec §4.5): it owns
// the tx_id lock, a write handle into the current segment, and a stack of
// savepoints.
type Writer struct {
	*Reader
	Handle     *segment.WriteHandle
	savepoints []segment.Savepoint
}

// NewWriter wraps a freshly upgraded reader with a fresh savepoint (spec
// §4.5 step 5: "install Writer state with a fresh savepoint").
func NewWriter(r *Reader, h *segment.WriteHandle) *Writer {
	w := &Writer{Reader: r, Handle: h}
	w.PushSavepoint()
	return w
}

// PushSavepoint records the current write position as a new nestable
// savepoint.
func (w *Writer) PushSavepoint() {
	w.savepoints = append(w.savepoints, w.Handle.Savepoint())
}

// PopSavepoint discards the most recently pushed savepoint without rolling
// back to it (the writes it covers are now folded into the enclosing
// savepoint).
func (w *Writer) PopSavepoint() (segment.Savepoint, bool) {
	if len(w.savepoints) == 0 {
		return segment.Savepoint{}, false
	}
	sp := w.savepoints[len(w.savepoints)-1]
	w.savepoints = w.savepoints[:len(w.savepoints)-1]
	return sp, true
}

// RollbackToLast discards every write performed since the most recent
// savepoint was pushed, per spec §4.5. The savepoint itself is popped.
func (w *Writer) RollbackToLast() bool {
	sp, ok := w.PopSavepoint()
	if !ok {
		return false
	}
	w.Handle.RollbackTo(sp)
	return true
}

// HasOpenSavepoint reports whether any savepoint remains on the stack; used
// to decide, on release, whether uncommitted writes must be discarded (spec
// §4.5 "Releasing the Writer: if any savepoint remains open on drop, the
// frames are discarded").
func (w *Writer) HasOpenSavepoint() bool {
	return len(w.savepoints) > 0
}
