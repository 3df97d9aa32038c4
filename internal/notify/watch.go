// Package notify provides a small broadcast-on-change primitive used by
// SharedWal's new_frame_notifier (spec §4.6): a value that callers can wait
// for the next update of without polling. No library in the retrieved
// example pack implements this narrow a primitive (it is a handful of
// lines over sync.Mutex and a close-and-replace channel, the standard Go
// idiom for a level-triggered broadcast), so DESIGN.md records it as a
// deliberate standard-library component.
package notify

import (
	"context"
	"sync"
)

// Watch holds a monotonically advancing uint64 and lets callers block until
// it changes.
type Watch struct {
	mu    sync.Mutex
	value uint64
	ch    chan struct{}
}

// NewWatch creates a Watch seeded at initial.
func NewWatch(initial uint64) *Watch {
	return &Watch{value: initial, ch: make(chan struct{})}
}

// Set advances the watched value and wakes every waiter. Per spec §4.6,
// callers must only call Set after the underlying state (the segment
// header) has been durably updated.
func (w *Watch) Set(v uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if v <= w.value {
		return
	}
	w.value = v
	close(w.ch)
	w.ch = make(chan struct{})
}

// Value returns the current value and a channel that closes the next time
// Set advances it.
func (w *Watch) Value() (uint64, <-chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, w.ch
}

// WaitAtLeast blocks until the watched value is >= target or ctx is done.
func (w *Watch) WaitAtLeast(ctx context.Context, target uint64) error {
	for {
		v, ch := w.Value()
		if v >= target {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
