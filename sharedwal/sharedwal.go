// Package sharedwal binds one database's CurrentSegment, segment tail,
// WalLock, checkpointer and archival backend into the single coordinator
// the SQL engine layer talks to (spec §4.6), grounded on the lifecycle of
// _examples/dreamsxin-wal/wal.go's WAL type: an atomically-swapped pointer
// to live state, a writeMu serializing mutations, and an Open that replays
// persisted metadata before admitting callers.
package sharedwal

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/sqlreplica/walcore/checkpoint"
	"github.com/sqlreplica/walcore/internal/notify"
	"github.com/sqlreplica/walcore/metadb"
	"github.com/sqlreplica/walcore/metrics"
	"github.com/sqlreplica/walcore/replication"
	"github.com/sqlreplica/walcore/segment"
	"github.com/sqlreplica/walcore/txn"
	"github.com/sqlreplica/walcore/types"
)

// defaultSwapStrategy seals the current segment once it exceeds either a
// frame count or an age threshold, a simple composite policy in lieu of the
// "defaults are not canonical" open question (spec §9).
type defaultSwapStrategy struct {
	maxFrames uint64
	maxBytes  int64
	maxAge    time.Duration
}

func (s defaultSwapStrategy) ShouldSwap(committedFrames uint64, segmentBytes int64, segmentAgeNanos int64) bool {
	return committedFrames >= s.maxFrames || segmentBytes >= s.maxBytes || time.Duration(segmentAgeNanos) >= s.maxAge
}

// DefaultSwapStrategy returns the built-in composite swap policy: 1000
// frames, 64MiB, or 5 minutes, whichever comes first. SharedWal's
// InsertPages and InsertFrames pass a segment age of 0, so through them the
// 5-minute threshold never triggers a swap; only the frame and byte limits
// do.
func DefaultSwapStrategy() types.SwapStrategy {
	return defaultSwapStrategy{maxFrames: 1000, maxBytes: 64 << 20, maxAge: 5 * time.Minute}
}

type config struct {
	namespace   string
	swap        types.SwapStrategy
	archive     types.ArchivalBackend
	logger      log.Logger
	registerer  prometheus.Registerer
	allowRepair bool
}

// Option configures Open.
type Option func(*config)

// WithNamespace sets the archival namespace (defaults to "default").
func WithNamespace(ns string) Option { return func(c *config) { c.namespace = ns } }

// WithSwapStrategy overrides DefaultSwapStrategy.
func WithSwapStrategy(s types.SwapStrategy) Option { return func(c *config) { c.swap = s } }

// WithArchive wires an archival backend; without it, durable_frame_no never
// advances and checkpoint never runs.
func WithArchive(a types.ArchivalBackend) Option { return func(c *config) { c.archive = a } }

// WithLogger overrides the no-op default logger.
func WithLogger(l log.Logger) Option { return func(c *config) { c.logger = l } }

// WithRegisterer overrides the default prometheus registry.
func WithRegisterer(r prometheus.Registerer) Option { return func(c *config) { c.registerer = r } }

// WithAllowRepair opts into the operator repair escape hatch (spec §9): a
// sealed or tail segment whose header or index checksum fails validation on
// open is opened anyway, trusting its decoded fields, instead of refusing to
// start. Off by default — corruption should stop the database and wait for
// an operator decision, not be silently papered over.
func WithAllowRepair(allow bool) Option { return func(c *config) { c.allowRepair = allow } }

// SharedWal is the coordinator bound to one database directory (spec §4.6).
type SharedWal struct {
	dir       string
	namespace string
	filer     SegmentFiler
	meta      *metadb.Store
	main      *mainFile
	logID     types.LogID

	current atomic.Value // *segment.CurrentSegment
	tail    *segment.List

	writeMu sync.Mutex
	lock    *txn.WalLock

	durableFrameNo atomic.Uint64
	nextTxID       atomic.Uint64
	shuttingDown   atomic.Bool

	notifier *notify.Watch
	swap     types.SwapStrategy
	archive  types.ArchivalBackend
	injector *replication.Injector
	checkpt  *checkpoint.Checkpointer

	// archiveGroup tracks in-flight archiveSegment uploads so Shutdown can
	// wait for them instead of closing the main file out from under a
	// goroutine that is still reading a sealed segment off disk.
	archiveGroup errgroup.Group

	logger  log.Logger
	metrics *metrics.WalMetrics
}

// Open recovers (or initializes) a database at dir (spec §4.6, §8 scenario
// 5 "resurrect across restart").
func Open(dir string, filer SegmentFiler, meta *metadb.Store, opts ...Option) (*SharedWal, error) {
	cfg := config{
		namespace:  "default",
		swap:       DefaultSwapStrategy(),
		logger:     log.NewNopLogger(),
		registerer: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	persisted, err := meta.Load()
	if err != nil {
		return nil, fmt.Errorf("loading metadb state: %w", err)
	}
	logID := persisted.LogID
	if logID.IsZero() {
		logID = types.NewLogID()
		if err := meta.SetLogID(logID); err != nil {
			return nil, err
		}
	}

	main, err := openMainFile(filepath.Join(dir, "data.db"))
	if err != nil {
		return nil, fmt.Errorf("opening main db file: %w", err)
	}

	onDisk, err := filer.List()
	if err != nil {
		return nil, fmt.Errorf("listing segment files: %w", err)
	}
	segmentInfos, adopted, err := reconcileSegments(onDisk, persisted.Segments)
	if err != nil {
		return nil, fmt.Errorf("reconciling segment files with metadb: %w", err)
	}
	for _, si := range adopted {
		level.Warn(cfg.logger).Log("msg", "adopted on-disk segment file with no metadb record", "start_frame_no", si.StartFrameNo)
		if err := meta.UpsertSegment(si); err != nil {
			return nil, fmt.Errorf("adopting orphaned segment %d: %w", si.StartFrameNo, err)
		}
	}

	tail := segment.NewList()
	var cur *segment.CurrentSegment
	for i, si := range segmentInfos {
		if si.IsSealed() {
			ss, err := filer.OpenSealed(si.StartFrameNo)
			if err != nil {
				if !cfg.allowRepair {
					return nil, fmt.Errorf("opening sealed segment %d: %w", si.StartFrameNo, err)
				}
				level.Warn(cfg.logger).Log("msg", "sealed segment failed strict validation, retrying under repair mode", "start_frame_no", si.StartFrameNo, "err", err)
				ss, err = filer.OpenSealedRepair(si.StartFrameNo)
				if err != nil {
					return nil, fmt.Errorf("repair-opening sealed segment %d: %w", si.StartFrameNo, err)
				}
				if _, err := ss.Index(); err != nil {
					return nil, fmt.Errorf("repair-opening sealed segment %d: loading index: %w", si.StartFrameNo, err)
				}
				if h, idx := ss.Repaired(); h || idx {
					level.Warn(cfg.logger).Log("msg", "sealed segment opened under repair mode with a bad checksum", "start_frame_no", si.StartFrameNo, "header_checksum_bad", h, "index_checksum_bad", idx)
				}
			}
			tail.PushBack(ss)
			continue
		}
		if i != len(segmentInfos)-1 {
			return nil, fmt.Errorf("%w: unsealed segment %d is not the last in metadb", types.ErrInvalidHeader, si.StartFrameNo)
		}
		cur, err = filer.RecoverTail(si.StartFrameNo)
		if err != nil {
			if !cfg.allowRepair {
				return nil, fmt.Errorf("recovering tail segment %d: %w", si.StartFrameNo, err)
			}
			level.Warn(cfg.logger).Log("msg", "tail segment failed strict recovery, retrying under repair mode", "start_frame_no", si.StartFrameNo, "err", err)
			var repaired bool
			cur, repaired, err = filer.RecoverTailRepair(si.StartFrameNo)
			if err != nil {
				return nil, fmt.Errorf("repair-recovering tail segment %d: %w", si.StartFrameNo, err)
			}
			if repaired {
				level.Warn(cfg.logger).Log("msg", "tail segment recovered under repair mode with a bad header checksum", "start_frame_no", si.StartFrameNo)
			}
		}
	}
	if err := tail.ValidateContiguous(); err != nil {
		return nil, err
	}

	if cur == nil {
		startFrameNo := uint64(1)
		var sizeAfter uint32
		if last, ok := lastOfTail(tail); ok {
			startFrameNo = last.LastCommittedFrameNo() + 1
			sizeAfter = last.SizeAfter()
		}
		cur, err = filer.Create(startFrameNo, sizeAfter, logID)
		if err != nil {
			return nil, fmt.Errorf("creating initial segment: %w", err)
		}
		if err := meta.UpsertSegment(types.SegmentInfo{StartFrameNo: startFrameNo, CreateTime: time.Now()}); err != nil {
			return nil, err
		}
	}

	replIndex, err := recoverReplicationIndex(cur, tail, main)
	if err != nil {
		return nil, fmt.Errorf("recovering replication index from page 1: %w", err)
	}

	w := &SharedWal{
		dir:       dir,
		namespace: cfg.namespace,
		filer:     filer,
		meta:      meta,
		main:      main,
		logID:     logID,
		tail:      tail,
		lock:      txn.NewWalLock(),
		notifier:  notify.NewWatch(cur.Header().LastCommittedFrameNo),
		swap:      cfg.swap,
		archive:   cfg.archive,
		injector:  replication.NewInjector(replIndex),
		logger:    cfg.logger,
		metrics:   metrics.NewWalMetrics(cfg.registerer),
	}
	w.current.Store(cur)
	w.durableFrameNo.Store(persisted.DurableFrameNo)

	w.checkpt = checkpoint.New(main, tail, meta, filer, logID, persisted.CheckpointedFrameNo, cfg.logger, metrics.NewCheckpointMetrics(cfg.registerer))

	return w, nil
}

// reconcileSegments cross-checks the segment files actually present on disk
// against what metadb has recorded, since segment filenames are the source
// of truth for ordering and existence on startup (spec §6). A metadb record
// with no matching file is unrecoverable corruption: the segment that
// record describes is gone. An on-disk file with no metadb record can only
// be the tail segment from a crash between filer.Create and
// meta.UpsertSegment — both the very first segment's creation and
// sealCurrentLocked write the file before recording it — so it is adopted
// as a fresh, as-yet-empty segment rather than treated as an error.
func reconcileSegments(onDisk []uint64, persisted []types.SegmentInfo) (merged, adopted []types.SegmentInfo, err error) {
	byStart := make(map[uint64]types.SegmentInfo, len(persisted))
	for _, si := range persisted {
		byStart[si.StartFrameNo] = si
	}
	onDiskSet := make(map[uint64]bool, len(onDisk))
	for _, n := range onDisk {
		onDiskSet[n] = true
	}
	for _, si := range persisted {
		if !onDiskSet[si.StartFrameNo] {
			return nil, nil, fmt.Errorf("%w: metadb records segment %d but its file is missing from disk", types.ErrCorrupt, si.StartFrameNo)
		}
	}

	merged = make([]types.SegmentInfo, 0, len(onDisk))
	for _, n := range onDisk {
		if si, ok := byStart[n]; ok {
			merged = append(merged, si)
			continue
		}
		si := types.SegmentInfo{StartFrameNo: n, CreateTime: time.Now()}
		merged = append(merged, si)
		adopted = append(adopted, si)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].StartFrameNo < merged[j].StartFrameNo })
	return merged, adopted, nil
}

// recoverReplicationIndex reconstructs the replication index the injector
// should resume from after a restart (spec §4.8), since NewInjector(0)
// would otherwise forget every index already stamped into page 1 before the
// crash. It looks for page 1 wherever ReadPage would: the current segment,
// then the tail, then the main database file.
func recoverReplicationIndex(cur *segment.CurrentSegment, tail *segment.List, main *mainFile) (uint64, error) {
	var page1 [types.PageSize]byte

	if offset, ok := cur.FindFrame(1, cur.Header().LastCommittedFrameNo, nil); ok {
		if err := cur.ReadPageAtOffset(offset, page1[:]); err != nil {
			return 0, err
		}
		return replication.ReadReplicationIndex(page1[:]), nil
	}

	hit, err := tail.ReadPage(1, ^uint64(0), page1[:])
	if err != nil {
		return 0, err
	}
	if hit {
		return replication.ReadReplicationIndex(page1[:]), nil
	}

	size, err := main.Size()
	if err != nil {
		return 0, err
	}
	if size < types.PageSize {
		return 0, nil
	}
	if _, err := main.ReadAt(page1[:], 0); err != nil {
		return 0, err
	}
	return replication.ReadReplicationIndex(page1[:]), nil
}

func lastOfTail(tail *segment.List) (*segment.SealedSegment, bool) {
	var last *segment.SealedSegment
	tail.ForEach(func(s *segment.SealedSegment) bool {
		last = s
		return true
	})
	return last, last != nil
}

func (w *SharedWal) loadCurrent() *segment.CurrentSegment {
	return w.current.Load().(*segment.CurrentSegment)
}

// BeginRead implements spec §4.6 begin_read: never blocks, snapshots the
// current segment's committed position.
func (w *SharedWal) BeginRead(connID txn.ConnID) *txn.Reader {
	cur := w.loadCurrent()
	cur.AcquireReader()
	h := cur.Header()
	return &txn.Reader{
		TxID:       w.nextTxID.Add(1),
		ConnID:     connID,
		MaxFrameNo: h.LastCommittedFrameNo,
		SizeAfter:  h.SizeAfter,
		Pinned:     cur,
	}
}

// EndRead releases the reader's pin on the segment it snapshotted. Callers
// must call this exactly once per BeginRead, whether or not the reader ever
// upgraded.
func (w *SharedWal) EndRead(r *txn.Reader) {
	r.Pinned.ReleaseReader()
}

// Upgrade implements spec §4.5/§4.6 upgrade: promotes r to a Writer holding
// the tx_id lock and a fresh write handle into the current segment.
func (w *SharedWal) Upgrade(ctx context.Context, r *txn.Reader) (*txn.Writer, error) {
	if w.shuttingDown.Load() {
		return nil, types.ErrShutdownInProgress
	}
	valid := func() bool {
		cur := w.loadCurrent()
		return cur == r.Pinned && cur.Header().LastCommittedFrameNo == r.MaxFrameNo
	}
	if err := w.lock.Upgrade(ctx, r.ConnID, r.PagesRead(), valid); err != nil {
		if w.metrics != nil && err == types.ErrBusySnapshot {
			w.metrics.BusySnapshots.Inc()
		}
		return nil, err
	}
	handle := w.loadCurrent().BeginWrite()
	return txn.NewWriter(r, handle), nil
}

// InsertPages implements spec §4.6 insert_frames for the page-oriented
// write path: delegates to the current segment, patches page 1 via the
// replication-index injector, broadcasts the new committed frame number,
// and triggers a segment swap when the configured SwapStrategy says so.
func (w *SharedWal) InsertPages(writer *txn.Writer, pages []types.PageWrite, sizeAfter *uint32) error {
	if w.shuttingDown.Load() {
		return types.ErrShutdownInProgress
	}

	page1Present := false
	nonPage1 := 0
	for _, p := range pages {
		if p.PageNo == 1 {
			page1Present = true
		} else {
			nonPage1++
		}
	}
	w.injector.Observe(nonPage1)
	if page1Present {
		w.injector.Apply(pages)
	}

	before := writer.Handle.NextFrameNo()
	if err := writer.Handle.InsertPages(pages, sizeAfter); err != nil {
		return err
	}
	if sizeAfter == nil || writer.Handle.NextFrameNo() == before {
		return nil
	}

	if w.metrics != nil {
		w.metrics.FramesWritten.Add(float64(len(pages)))
		w.metrics.Commits.Inc()
		for range pages {
			w.metrics.BytesWritten.Add(types.PageSize)
		}
	}

	cur := w.loadCurrent()
	h := cur.Header()
	w.notifier.Set(h.LastCommittedFrameNo)

	if w.swap.ShouldSwap(h.FrameCount(), types.FrameOffset(h.FrameCount()), 0) {
		if err := w.sealCurrentLocked(); err != nil {
			level.Error(w.logger).Log("msg", "segment swap failed", "err", err)
			return err
		}
	}
	return nil
}

// InsertFrames implements spec §4.6 insert_frames for the frame-oriented
// write path: a follower replaying frames fetched from a primary or an
// archive, where each frame already carries its own frame_no and (for page
// 1) an already-stamped replication index, so unlike InsertPages this path
// never touches the injector.
func (w *SharedWal) InsertFrames(writer *txn.Writer, frames []types.Frame, commit *uint64) error {
	if w.shuttingDown.Load() {
		return types.ErrShutdownInProgress
	}

	before := writer.Handle.NextFrameNo()
	if err := writer.Handle.InsertFrames(frames, commit); err != nil {
		return err
	}
	if commit == nil || writer.Handle.NextFrameNo() == before {
		return nil
	}

	if w.metrics != nil {
		w.metrics.FramesWritten.Add(float64(len(frames)))
		w.metrics.Commits.Inc()
		for range frames {
			w.metrics.BytesWritten.Add(types.PageSize)
		}
	}

	cur := w.loadCurrent()
	h := cur.Header()
	w.notifier.Set(h.LastCommittedFrameNo)

	if w.swap.ShouldSwap(h.FrameCount(), types.FrameOffset(h.FrameCount()), 0) {
		if err := w.sealCurrentLocked(); err != nil {
			level.Error(w.logger).Log("msg", "segment swap failed", "err", err)
			return err
		}
	}
	return nil
}

// SealCurrent implements spec §4.6 seal_current: open-commit-seal-swap the
// current segment. A no-op if the current segment is empty.
func (w *SharedWal) SealCurrent() error {
	if err := w.lock.Upgrade(context.Background(), 0, 0, func() bool { return true }); err != nil {
		return err
	}
	defer w.lock.Release()
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.sealCurrentLocked()
}

// sealCurrentLocked must be called with writeMu held, or from within
// InsertPages/InsertFrames where the caller already holds the tx_id lock
// (which serializes against concurrent sealCurrentLocked calls just as
// effectively, since only a Writer can ever observe a non-empty current
// segment worth sealing).
func (w *SharedWal) sealCurrentLocked() error {
	cur := w.loadCurrent()
	if cur.IsEmpty() {
		return nil
	}

	sealed, err := cur.Seal()
	if err != nil {
		return err
	}
	w.stampCheckpointMarker(sealed)

	next, err := w.filer.Create(sealed.LastCommittedFrameNo()+1, sealed.SizeAfter(), w.logID)
	if err != nil {
		return err
	}

	w.tail.PushBack(sealed)
	w.current.Store(next)

	if err := w.meta.UpsertSegment(types.SegmentInfo{
		StartFrameNo:         sealed.StartFrameNo(),
		LastCommittedFrameNo: sealed.LastCommittedFrameNo(),
		SealTime:             time.Now(),
	}); err != nil {
		return err
	}
	if err := w.meta.UpsertSegment(types.SegmentInfo{StartFrameNo: next.StartFrameNo(), CreateTime: time.Now()}); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.SegmentRotations.Inc()
	}
	level.Info(w.logger).Log("msg", "sealed segment", "start_frame_no", sealed.StartFrameNo(), "last_committed_frame_no", sealed.LastCommittedFrameNo())

	if w.archive != nil {
		w.archiveGroup.Go(func() error {
			w.archiveSegment(sealed)
			return nil
		})
	}
	return nil
}

// stampCheckpointMarker computes the page-1 image the checkpointer must use
// when it later folds sealed into the main database file, patched with
// exactly the replication index sealed's last committed frame represents
// (spec §4.8). It is a no-op if sealed never touched page 1 at all, in
// which case the checkpointer applies whatever it already has for page 1.
func (w *SharedWal) stampCheckpointMarker(sealed *segment.SealedSegment) {
	idx, err := sealed.Index()
	if err != nil {
		level.Warn(w.logger).Log("msg", "loading sealed segment index for checkpoint marker", "start_frame_no", sealed.StartFrameNo(), "err", err)
		return
	}
	offset, _, ok := idx.LatestOffset(1)
	if !ok {
		return
	}
	var page1 [types.PageSize]byte
	if err := sealed.ReadPageAt(offset, page1[:]); err != nil {
		level.Warn(w.logger).Log("msg", "reading page 1 for checkpoint marker", "start_frame_no", sealed.StartFrameNo(), "err", err)
		return
	}
	stamped := w.injector.StampForCheckpoint(page1, sealed.LastCommittedFrameNo())
	sealed.SetCheckpointMarker(stamped.Data, sealed.LastCommittedFrameNo())
}

// archiveSegment runs the archival Store call in the background so sealing
// never blocks the writer on network IO; on success it advances
// durable_frame_no, the watermark the checkpointer is bounded by.
func (w *SharedWal) archiveSegment(sealed *segment.SealedSegment) {
	idx, err := sealed.Index()
	if err != nil {
		level.Error(w.logger).Log("msg", "archiving segment: loading index", "err", err)
		return
	}
	indexBytes := segment.EncodePageIndex(idx)

	f, err := w.filer.OpenSealed(sealed.StartFrameNo())
	if err != nil {
		level.Error(w.logger).Log("msg", "archiving segment: reopening for upload", "err", err)
		return
	}
	defer f.Close()

	segLen := types.FrameOffset(sealed.Header().FrameCount())
	ctx := context.Background()
	err = w.archive.Store(ctx, w.namespace, sealed.StartFrameNo(), f, segLen, indexBytes, func(lastCommitted uint64) {
		for {
			cur := w.durableFrameNo.Load()
			if lastCommitted <= cur || w.durableFrameNo.CompareAndSwap(cur, lastCommitted) {
				break
			}
		}
		if w.meta != nil {
			_ = w.meta.SetDurableFrameNo(lastCommitted)
		}
	})
	if err != nil {
		level.Error(w.logger).Log("msg", "archiving segment failed", "start_frame_no", sealed.StartFrameNo(), "err", err)
	}
}

// Checkpoint implements spec §4.6 checkpoint: invokes the tail's checkpoint
// procedure bounded by durable_frame_no.
func (w *SharedWal) Checkpoint(ctx context.Context) (uint64, bool, error) {
	return w.checkpt.Run(ctx, w.durableFrameNo.Load())
}

// Streamer builds a replication.Streamer snapshotting the current WAL state.
func (w *SharedWal) Streamer() *replication.Streamer {
	return &replication.Streamer{
		Current:   w.loadCurrent(),
		Tail:      w.tail,
		Archive:   w.archive,
		MainFile:  w.main,
		Namespace: w.namespace,
	}
}

// ReadPage implements spec §4.6 read_page: current -> tail -> main db file.
func (w *SharedWal) ReadPage(r *txn.Reader, pageNo uint32, buf []byte) error {
	return w.readPage(r, r.MaxFrameNo, nil, pageNo, buf)
}

// ReadPageForWriter is read_page for the active writer of an open
// transaction: it consults the transaction's own transient (uncommitted)
// index before falling through to current -> tail -> main db file, so a
// writer reads back pages it wrote earlier in this same transaction (spec
// §4.2 find_frame's transient-index branch, §8's read-your-own-writes
// round-trip property) instead of only ever seeing its last commit.
func (w *SharedWal) ReadPageForWriter(writer *txn.Writer, pageNo uint32, buf []byte) error {
	return w.readPage(writer.Reader, writer.Handle.NextFrameNo(), writer.Handle.TransientIndex(), pageNo, buf)
}

func (w *SharedWal) readPage(r *txn.Reader, maxFrameNo uint64, transient *segment.Index, pageNo uint32, buf []byte) error {
	cur := w.loadCurrent()
	if offset, ok := cur.FindFrame(pageNo, maxFrameNo, transient); ok {
		if err := cur.ReadPageAtOffset(offset, buf); err != nil {
			return err
		}
		r.RecordPageRead()
		w.recordRead(1)
		return nil
	}

	hit, err := w.tail.ReadPage(pageNo, maxFrameNo, buf)
	if err != nil {
		return err
	}
	if hit {
		r.RecordPageRead()
		w.recordRead(1)
		return nil
	}

	if _, err := w.main.ReadAt(buf, types.PageOffset(pageNo)); err != nil {
		return err
	}
	r.RecordPageRead()
	w.recordRead(1)
	return nil
}

func (w *SharedWal) recordRead(pages int) {
	if w.metrics == nil {
		return
	}
	w.metrics.FramesRead.Add(float64(pages))
	w.metrics.PageBytesRead.Add(float64(pages) * types.PageSize)
}

// Shutdown implements spec §4.6 shutdown: it marks the WAL as shutting down
// so new write transactions and inserts are rejected, waits for the write
// lock, seals the current segment if it holds any frames, waits for
// in-flight archive uploads and closes the main database file. An empty
// current segment is left as it is; no extra header write is made for it.
func (w *SharedWal) Shutdown(ctx context.Context) error {
	w.shuttingDown.Store(true)
	if err := w.lock.Upgrade(ctx, 0, 0, func() bool { return true }); err != nil {
		return err
	}
	defer w.lock.Release()

	if err := w.sealCurrentLocked(); err != nil {
		return err
	}
	if err := w.archiveGroup.Wait(); err != nil {
		return err
	}
	return w.main.Close()
}

// NewFrameWatch exposes the new_frame_notifier for followers or internal
// background workers to wait on without polling.
func (w *SharedWal) NewFrameWatch() *notify.Watch { return w.notifier }

// DurableFrameNo reports the archival watermark.
func (w *SharedWal) DurableFrameNo() uint64 { return w.durableFrameNo.Load() }

// LogID reports this database's identity.
func (w *SharedWal) LogID() types.LogID { return w.logID }
