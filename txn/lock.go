// Package txn implements the single-writer/many-reader lock manager and
// transaction state machine of spec §4.5: WalLock, its FIFO upgrade queue,
// the reserved-slot bypass, and nestable write-transaction savepoints.
package txn

import (
	"context"
	"sync"

	"github.com/sqlreplica/walcore/types"
)

// ConnID identifies a logical SQL connection across its read/write
// transactions.
type ConnID uint64

type waiter struct {
	connID ConnID
	ch     chan struct{}
}

// WalLock arbitrates the single tx_id slot a database may have checked out
// at any time (spec §4.5). There is at most one Writer per database.
type WalLock struct {
	mu       sync.Mutex
	writer   bool
	reserved *ConnID
	queue    []*waiter
}

// NewWalLock creates an unlocked WalLock.
func NewWalLock() *WalLock {
	return &WalLock{}
}

// tryAcquireLocked implements upgrade protocol steps 2-3: reserved-slot
// bypass, then uncontended fast path. Must be called with mu held.
func (l *WalLock) tryAcquireLocked(connID ConnID) bool {
	if l.writer {
		return false
	}
	if l.reserved != nil && *l.reserved == connID {
		l.reserved = nil
		l.writer = true
		return true
	}
	if l.reserved == nil && len(l.queue) == 0 {
		l.writer = true
		return true
	}
	return false
}

// enqueueLocked parks connID on the FIFO queue, at the front if it holds
// the reserved slot (spec §4.5 step 4, with the reserved-slot priority of
// step 5 carried forward into the park path too).
func (l *WalLock) enqueueLocked(w *waiter) {
	if l.reserved != nil && *l.reserved == w.connID {
		l.queue = append([]*waiter{w}, l.queue...)
		return
	}
	l.queue = append(l.queue, w)
}

// wakeNextLocked transfers the tx_id lock to the front of the queue, if
// any, and wakes it. Ownership (l.writer) is set true before the channel is
// closed so that by the time a waiter observes the close, it already holds
// the lock — this keeps the cancellation race in Upgrade unambiguous.
func (l *WalLock) wakeNextLocked() {
	if len(l.queue) == 0 {
		return
	}
	w := l.queue[0]
	l.queue = l.queue[1:]
	l.writer = true
	close(w.ch)
}

// cancelWaiter removes w from the queue if it is still waiting there,
// reporting whether it found (and removed) it. If it returns false, w had
// already been handed the lock by wakeNextLocked and the caller is
// responsible for releasing it.
func (l *WalLock) cancelWaiter(w *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}
	return false
}

// SnapshotValidator reports whether a reader's captured snapshot
// (last_committed_frame_no it observed at begin_read, and whether the
// segment it read from has since been sealed) is still current. It is
// invoked exactly once, atomically with being granted the tx_id lock, so
// the check in spec §4.5 step 5 ("read last_committed of the current
// segment; if it differs... or the segment is sealed, return BusySnapshot")
// cannot race a concurrent commit or segment swap.
type SnapshotValidator func() (stillValid bool)

// Upgrade attempts to promote connID from Reader to Writer (spec §4.5).
// pagesRead is the number of pages the reader had consulted before
// attempting to upgrade; when that count is <= 1 and the snapshot turns out
// to be stale, connID is granted the reserved slot so its immediate retry
// bypasses the queue. On success the caller holds the tx_id lock and must
// call Release when the write transaction ends.
func (l *WalLock) Upgrade(ctx context.Context, connID ConnID, pagesRead uint64, valid SnapshotValidator) error {
	l.mu.Lock()
	if !l.tryAcquireLocked(connID) {
		w := &waiter{connID: connID, ch: make(chan struct{})}
		l.enqueueLocked(w)
		l.mu.Unlock()

		select {
		case <-w.ch:
			l.mu.Lock()
		case <-ctx.Done():
			if !l.cancelWaiter(w) {
				// We raced a grant: wakeNextLocked already flipped l.writer
				// true for us. Release it before returning, equivalent to
				// an immediate rollback of a transaction we never used.
				l.mu.Lock()
				l.writer = false
				l.wakeNextLocked()
				l.mu.Unlock()
			}
			return ctx.Err()
		}
	}

	defer l.mu.Unlock()
	if !valid() {
		l.writer = false
		if pagesRead <= 1 {
			r := connID
			l.reserved = &r
		}
		l.wakeNextLocked()
		return types.ErrBusySnapshot
	}
	return nil
}

// Release relinquishes the tx_id lock, waking the next FIFO waiter if any
// (spec §4.5 "Commit and release").
func (l *WalLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = false
	l.wakeNextLocked()
}

// QueueDepth reports the number of connections currently parked waiting for
// the write lock, exposed for metrics.
func (l *WalLock) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
