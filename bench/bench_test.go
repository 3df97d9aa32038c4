package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/stretchr/testify/require"

	"github.com/sqlreplica/walcore"
	"github.com/sqlreplica/walcore/sharedwal"
	"github.com/sqlreplica/walcore/storage/local"
	"github.com/sqlreplica/walcore/txn"
	"github.com/sqlreplica/walcore/types"
)

// fixedFrameSwap seals the current segment every n committed frames,
// regardless of byte size or age, so a benchmark run exercises segment
// rotation instead of growing one segment without bound.
type fixedFrameSwap struct{ n uint64 }

func (s fixedFrameSwap) ShouldSwap(committedFrames uint64, _ int64, _ int64) bool {
	return committedFrames > 0 && committedFrames%s.n == 0
}

func openDB(b *testing.B, framesPerSegment uint64) (*walcore.DB, func()) {
	b.Helper()
	dir, err := os.MkdirTemp("", "walcore-bench-*")
	require.NoError(b, err)

	archive, err := local.Open(filepath.Join(dir, "archive"))
	require.NoError(b, err)

	db, err := walcore.Open(dir,
		sharedwal.WithSwapStrategy(fixedFrameSwap{n: framesPerSegment}),
		sharedwal.WithArchive(archive),
	)
	require.NoError(b, err)

	return db, func() {
		db.Close(context.Background())
		os.RemoveAll(dir)
	}
}

// BenchmarkInsertPages measures insert_pages latency across page-batch
// sizes, recording a full distribution (not just mean) via HdrHistogram the
// way a throughput/latency benchmark for a storage engine should.
func BenchmarkInsertPages(b *testing.B) {
	batchSizes := []int{1, 10, 100}

	for _, n := range batchSizes {
		b.Run(fmt.Sprintf("batch=%d", n), func(b *testing.B) {
			db, done := openDB(b, 1000)
			defer done()

			hist := hdrhistogram.New(1, 10_000_000, 3)

			pages := make([]types.PageWrite, n)
			for i := range pages {
				pages[i].PageNo = uint32(i + 1)
			}

			connID := txn.ConnID(1)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				r := db.BeginRead(connID)
				w, err := db.Upgrade(context.Background(), r)
				require.NoError(b, err)

				sizeAfter := uint32(n)
				start := time.Now()
				err = db.InsertPages(w, pages, &sizeAfter)
				elapsed := time.Since(start).Nanoseconds()
				require.NoError(b, err)
				require.NoError(b, hist.RecordValue(elapsed))
			}
			b.StopTimer()

			b.ReportMetric(float64(hist.ValueAtQuantile(50)), "p50-ns")
			b.ReportMetric(float64(hist.ValueAtQuantile(99)), "p99-ns")
		})
	}
}

// waitForArchival polls durable_frame_no until the background archive
// uploads triggered by the preceding seals have settled, so the checkpoint
// benchmark below measures applying a real backlog rather than racing an
// empty one.
func waitForArchival(b *testing.B, db *walcore.DB) {
	b.Helper()
	last := db.DurableFrameNo()
	for i := 0; i < 200; i++ {
		time.Sleep(5 * time.Millisecond)
		cur := db.DurableFrameNo()
		if cur == last && cur > 0 {
			return
		}
		last = cur
	}
}

// BenchmarkCheckpoint measures how long applying a backlog of sealed
// segments to the main database file takes as that backlog grows.
func BenchmarkCheckpoint(b *testing.B) {
	backlogSizes := []int{1, 10}

	for _, segs := range backlogSizes {
		b.Run(fmt.Sprintf("sealedSegments=%d", segs), func(b *testing.B) {
			db, done := openDB(b, 50)
			defer done()

			connID := txn.ConnID(1)
			for s := 0; s < segs; s++ {
				for i := 0; i < 60; i++ {
					r := db.BeginRead(connID)
					w, err := db.Upgrade(context.Background(), r)
					require.NoError(b, err)
					pages := []types.PageWrite{{PageNo: uint32(i + 1)}}
					sizeAfter := uint32(i + 1)
					require.NoError(b, db.InsertPages(w, pages, &sizeAfter))
				}
			}
			require.NoError(b, db.SealCurrent())
			waitForArchival(b, db)

			hist := hdrhistogram.New(1, 10_000_000_000, 3)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				start := time.Now()
				_, _, err := db.Checkpoint(context.Background())
				elapsed := time.Since(start).Nanoseconds()
				require.NoError(b, err)
				require.NoError(b, hist.RecordValue(elapsed))
			}
			b.StopTimer()

			b.ReportMetric(float64(hist.Mean()), "mean-ns")
		})
	}
}
