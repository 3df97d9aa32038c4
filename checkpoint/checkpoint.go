// Package checkpoint applies sealed frames from the segment tail to the
// main database file (spec §4.7), grounded on the rotation/apply loop in
// _examples/dreamsxin-wal/wal.go (runRotate/rotateSegmentLocked) but
// retargeted from "rotate to a new raft-wal segment" to "fold a sealed
// segment's pages back into the main DB file and free it".
package checkpoint

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/sqlreplica/walcore/metadb"
	"github.com/sqlreplica/walcore/metrics"
	"github.com/sqlreplica/walcore/replication"
	"github.com/sqlreplica/walcore/segment"
	"github.com/sqlreplica/walcore/types"
)

const (
	// retireMaxAttempts bounds how long retireSegment waits for a lingering
	// reader to release a checkpointed segment before closing and removing
	// its file anyway.
	retireMaxAttempts  = 50
	retireWaitInterval = 20 * time.Millisecond
)

// MainFile is the subset of the main database file the checkpointer writes
// through. It is also where the LibsqlFooter is appended.
type MainFile interface {
	io.WriterAt
	Sync() error
	// Size reports the current file length, needed to place the footer at
	// its page-aligned slot.
	Size() (int64, error)
}

// Tail is the subset of segment.List the checkpointer needs: read the front
// segment without removing it, then pop it once fully applied.
type Tail interface {
	Front() (*segment.SealedSegment, bool)
	PopFront() (*segment.SealedSegment, bool)
}

// SegmentRemover deletes a checkpointed segment's backing file once it has
// been fully folded into the main database file and no reader still
// references it (spec §4.7 step 4).
type SegmentRemover interface {
	Remove(startFrameNo uint64) error
}

// Checkpointer implements spec §4.7. One Checkpointer exists per database,
// constructed by sharedwal and run on demand through SharedWal.Checkpoint;
// nothing in this module runs it on a timer.
type Checkpointer struct {
	main    MainFile
	tail    Tail
	meta    *metadb.Store
	remover SegmentRemover
	logID   types.LogID
	logger  log.Logger
	metrics *metrics.CheckpointMetrics

	checkpointedFrameNo uint64
}

// New builds a Checkpointer. checkpointedFrameNo is the watermark recovered
// from metadb at open time. remover may be nil, in which case checkpointed
// segment files are never removed from disk (only closed) — mainly useful
// for tests that want to inspect a segment file after checkpointing it.
func New(main MainFile, tail Tail, meta *metadb.Store, remover SegmentRemover, logID types.LogID, checkpointedFrameNo uint64, logger log.Logger, m *metrics.CheckpointMetrics) *Checkpointer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Checkpointer{
		main:                main,
		tail:                tail,
		meta:                meta,
		remover:             remover,
		logID:               logID,
		logger:              logger,
		metrics:             m,
		checkpointedFrameNo: checkpointedFrameNo,
	}
}

// CheckpointedFrameNo reports the highest frame number currently reflected
// in the main database file.
func (c *Checkpointer) CheckpointedFrameNo() uint64 { return c.checkpointedFrameNo }

// Run applies every tail-front segment whose LastCommittedFrameNo is <=
// durableFrameNo, oldest first, per spec §4.7. It returns the new
// checkpointed_frame_no, or (0, false) if there was nothing to do (spec §8
// scenario 2: "a subsequent checkpoint() returns None").
func (c *Checkpointer) Run(ctx context.Context, durableFrameNo uint64) (uint64, bool, error) {
	if c.metrics != nil {
		c.metrics.Runs.Inc()
	}

	applied := false
	for {
		if err := ctx.Err(); err != nil {
			return c.checkpointedFrameNo, applied, err
		}
		seg, ok := c.tail.Front()
		if !ok {
			break
		}
		if seg.LastCommittedFrameNo() > durableFrameNo {
			break
		}

		if err := c.applySegment(seg); err != nil {
			if c.metrics != nil {
				c.metrics.Failures.Inc()
			}
			level.Error(c.logger).Log("msg", "checkpoint failed applying segment", "start_frame_no", seg.StartFrameNo(), "err", err)
			return c.checkpointedFrameNo, applied, fmt.Errorf("applying segment %d: %w", seg.StartFrameNo(), err)
		}

		if err := c.writeFooter(seg.LastCommittedFrameNo()); err != nil {
			if c.metrics != nil {
				c.metrics.Failures.Inc()
			}
			return c.checkpointedFrameNo, applied, fmt.Errorf("writing footer: %w", err)
		}

		// Steps 1-3 are durable now; the footer already records
		// last_committed_frame_no, so losing the process here and retrying
		// step 4 on the next run is idempotent (spec §4.7 failure semantics).
		c.checkpointedFrameNo = seg.LastCommittedFrameNo()
		if c.meta != nil {
			if err := c.meta.SetCheckpointedFrameNo(c.checkpointedFrameNo); err != nil {
				return c.checkpointedFrameNo, applied, err
			}
			if err := c.meta.DeleteSegment(seg.StartFrameNo()); err != nil {
				return c.checkpointedFrameNo, applied, err
			}
		}

		if _, ok := c.tail.PopFront(); !ok {
			return c.checkpointedFrameNo, applied, fmt.Errorf("%w: tail front disappeared mid-checkpoint", types.ErrInternal)
		}
		c.retireSegment(seg)

		applied = true
		if c.metrics != nil {
			c.metrics.SegmentsFreed.Inc()
			c.metrics.AppliedFrameNo.Set(float64(c.checkpointedFrameNo))
		}
		level.Info(c.logger).Log("msg", "checkpointed segment", "start_frame_no", seg.StartFrameNo(), "last_committed_frame_no", seg.LastCommittedFrameNo())
	}

	if !applied {
		return 0, false, nil
	}
	return c.checkpointedFrameNo, true, nil
}

// applySegment implements step 1: for every page touched by seg, write its
// latest version to the main DB file at (page_no-1)*4096, then fsync (step
// 2). If either fails no tail mutation has happened yet.
//
// Page 1 is special-cased: if seg carries a checkpoint marker (the page-1
// image the replication injector stamped at seal time, spec §4.8), that
// image is written instead of seg's own raw frame for page 1, after
// VerifyCheckpointFrame confirms the marker was stamped for exactly the
// frame this checkpoint step is about to commit to. A mismatch means a
// marker meant for a different segment leaked in somehow and aborts the
// checkpoint with ErrBusySnapshot rather than writing a replication index
// that doesn't match the data actually being applied. A segment recovered
// from disk after a restart never went through sealCurrentLocked and so
// carries no marker at all; applySegment falls back to its own page-1 frame
// for those, which is still correct, just not reconfirmed against the
// injector.
func (c *Checkpointer) applySegment(seg *segment.SealedSegment) error {
	idx, err := seg.Index()
	if err != nil {
		return err
	}
	buf := make([]byte, types.PageSize)
	for _, pageNo := range idx.Pages() {
		offset, _, ok := idx.LatestOffset(pageNo)
		if !ok {
			continue
		}
		if pageNo == 1 {
			if marker, stampedFor, ok := seg.CheckpointMarker(); ok {
				if err := replication.VerifyCheckpointFrame(stampedFor, seg.LastCommittedFrameNo()); err != nil {
					return fmt.Errorf("checkpoint marker for segment %d: %w", seg.StartFrameNo(), err)
				}
				if _, err := c.main.WriteAt(marker[:], types.PageOffset(pageNo)); err != nil {
					return fmt.Errorf("writing page 1 to main db file: %w", err)
				}
				if c.metrics != nil {
					c.metrics.PagesApplied.Inc()
				}
				continue
			}
			level.Debug(c.logger).Log("msg", "segment has no checkpoint marker for page 1, applying its own frame", "start_frame_no", seg.StartFrameNo())
		}
		if err := seg.ReadPageAt(offset, buf); err != nil {
			return fmt.Errorf("reading page %d from segment: %w", pageNo, err)
		}
		if _, err := c.main.WriteAt(buf, types.PageOffset(pageNo)); err != nil {
			return fmt.Errorf("writing page %d to main db file: %w", pageNo, err)
		}
		if c.metrics != nil {
			c.metrics.PagesApplied.Inc()
		}
	}
	return c.main.Sync()
}

// retireSegment closes and removes seg's backing file once no reader still
// has it pinned (spec §4.7 step 4). A reader pinning a checkpointed segment
// is rare and short-lived, since the page it's reading has already been
// folded into the main db file; retireSegment waits a bounded amount of
// time for it to drain rather than leaking the file forever.
func (c *Checkpointer) retireSegment(seg *segment.SealedSegment) {
	for i := 0; i < retireMaxAttempts && seg.ReaderCount() > 0; i++ {
		time.Sleep(retireWaitInterval)
	}
	if n := seg.ReaderCount(); n > 0 {
		level.Warn(c.logger).Log("msg", "retiring segment with readers still attached", "start_frame_no", seg.StartFrameNo(), "readers", n)
	}
	if err := seg.Close(); err != nil {
		level.Warn(c.logger).Log("msg", "closing checkpointed segment", "err", err)
	}
	if c.remover == nil {
		return
	}
	if err := c.remover.Remove(seg.StartFrameNo()); err != nil {
		level.Warn(c.logger).Log("msg", "removing checkpointed segment file", "start_frame_no", seg.StartFrameNo(), "err", err)
	}
}

// writeFooter implements step 3: append a fresh LibsqlFooter recording
// replicationIndex as the checkpoint watermark (spec §4.7, §6).
func (c *Checkpointer) writeFooter(replicationIndex uint64) error {
	size, err := c.main.Size()
	if err != nil {
		return err
	}
	// Round up to the next page boundary so the footer always lands at a
	// position a page-oriented reader can recognize as "past the data".
	pages := (size + types.PageSize - 1) / types.PageSize
	offset := pages * types.PageSize

	footer := types.DBFooter{Magic: types.DBFooterMagic, ReplicationIndex: replicationIndex, LogID: c.logID}
	footer.Seal()
	buf := make([]byte, types.DBFooterSize)
	footer.Encode(buf)
	if _, err := c.main.WriteAt(buf, offset); err != nil {
		return err
	}
	return c.main.Sync()
}
