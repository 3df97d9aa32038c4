// Package metrics collects the prometheus instrumentation surface for
// walcore, structured exactly like the teacher's metrics.go
// (_examples/dreamsxin-wal/metrics.go): one struct per subsystem, built
// with promauto.With(reg) so every counter/gauge/histogram registers
// itself against the caller-supplied registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WalMetrics instruments SharedWal and CurrentSegment.
type WalMetrics struct {
	FramesWritten     prometheus.Counter
	BytesWritten      prometheus.Counter
	Commits           prometheus.Counter
	FramesRead        prometheus.Counter
	PageBytesRead     prometheus.Counter
	SegmentRotations  prometheus.Counter
	BusySnapshots     prometheus.Counter
	UpgradeQueueDepth prometheus.Gauge
	LastSegmentAgeSec prometheus.Gauge
}

// NewWalMetrics builds and registers WalMetrics against reg.
func NewWalMetrics(reg prometheus.Registerer) *WalMetrics {
	return &WalMetrics{
		FramesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "walcore_frames_written_total",
			Help: "Number of frames appended across all insert_pages/insert_frames calls.",
		}),
		BytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "walcore_bytes_written_total",
			Help: "Page bytes written to segment files, excluding frame headers.",
		}),
		Commits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "walcore_commits_total",
			Help: "Number of transactions committed to the current segment.",
		}),
		FramesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "walcore_frames_read_total",
			Help: "Number of page reads served by read_page across current, tail and main db file.",
		}),
		PageBytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "walcore_page_bytes_read_total",
			Help: "Page bytes served by read_page.",
		}),
		SegmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "walcore_segment_rotations_total",
			Help: "Number of times the current segment was sealed and swapped.",
		}),
		BusySnapshots: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "walcore_busy_snapshot_total",
			Help: "Number of upgrade attempts that failed with BusySnapshot.",
		}),
		UpgradeQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "walcore_upgrade_queue_depth",
			Help: "Number of connections currently parked waiting for the write lock.",
		}),
		LastSegmentAgeSec: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "walcore_last_segment_age_seconds",
			Help: "Age in seconds of the most recently sealed segment, measured create-to-seal.",
		}),
	}
}

// CheckpointMetrics instruments the Checkpointer.
type CheckpointMetrics struct {
	Runs           prometheus.Counter
	Failures       prometheus.Counter
	PagesApplied   prometheus.Counter
	SegmentsFreed  prometheus.Counter
	AppliedFrameNo prometheus.Gauge
}

// NewCheckpointMetrics builds and registers CheckpointMetrics against reg.
func NewCheckpointMetrics(reg prometheus.Registerer) *CheckpointMetrics {
	return &CheckpointMetrics{
		Runs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "walcore_checkpoint_runs_total",
			Help: "Number of checkpoint invocations.",
		}),
		Failures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "walcore_checkpoint_failures_total",
			Help: "Number of checkpoint invocations that aborted without progress.",
		}),
		PagesApplied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "walcore_checkpoint_pages_applied_total",
			Help: "Number of pages written to the main database file by the checkpointer.",
		}),
		SegmentsFreed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "walcore_checkpoint_segments_freed_total",
			Help: "Number of tail segments fully checkpointed and popped.",
		}),
		AppliedFrameNo: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "walcore_checkpointed_frame_no",
			Help: "Highest frame number reflected in the main database file.",
		}),
	}
}

// ArchiveMetrics instruments the archival backend workers.
type ArchiveMetrics struct {
	StoreLatency   prometheus.Histogram
	StoreFailures  prometheus.Counter
	DurableFrameNo prometheus.Gauge
}

// NewArchiveMetrics builds and registers ArchiveMetrics against reg.
func NewArchiveMetrics(reg prometheus.Registerer) *ArchiveMetrics {
	return &ArchiveMetrics{
		StoreLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "walcore_archive_store_latency_seconds",
			Help:    "Latency of archival backend Store calls.",
			Buckets: prometheus.DefBuckets,
		}),
		StoreFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "walcore_archive_store_failures_total",
			Help: "Number of archival Store calls that returned an error; failed calls are not retried.",
		}),
		DurableFrameNo: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "walcore_durable_frame_no",
			Help: "Highest frame number acknowledged durable by the archival backend.",
		}),
	}
}
