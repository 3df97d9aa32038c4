package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlreplica/walcore/types"
)

func alwaysValid() bool { return true }

func TestWalLockUncontendedUpgrade(t *testing.T) {
	l := NewWalLock()
	require.NoError(t, l.Upgrade(context.Background(), 1, 0, alwaysValid))
	require.Equal(t, 0, l.QueueDepth())
	l.Release()
}

func TestWalLockSerializesContendingWriters(t *testing.T) {
	l := NewWalLock()
	require.NoError(t, l.Upgrade(context.Background(), 1, 0, alwaysValid))

	done := make(chan struct{})
	go func() {
		require.NoError(t, l.Upgrade(context.Background(), 2, 0, alwaysValid))
		close(done)
		l.Release()
	}()

	// Give the second upgrade a chance to park on the queue.
	require.Eventually(t, func() bool { return l.QueueDepth() == 1 }, time.Second, time.Millisecond)

	select {
	case <-done:
		t.Fatal("second upgrade completed before the first released the lock")
	default:
	}

	l.Release()
	<-done
}

func TestWalLockBusySnapshotGrantsReservedSlot(t *testing.T) {
	l := NewWalLock()
	stale := func() bool { return false }

	err := l.Upgrade(context.Background(), 9, 1, stale)
	require.ErrorIs(t, err, types.ErrBusySnapshot)

	require.NoError(t, l.Upgrade(context.Background(), 9, 0, alwaysValid))
	l.Release()
}

func TestWalLockUpgradeRespectsContextCancellation(t *testing.T) {
	l := NewWalLock()
	require.NoError(t, l.Upgrade(context.Background(), 1, 0, alwaysValid))
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Upgrade(ctx, 2, 0, alwaysValid)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 0, l.QueueDepth())
}
