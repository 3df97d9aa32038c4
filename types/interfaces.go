package types

import (
	"context"
	"io"
)

// ArchivalBackend is the narrow contract the core depends on for archival
// storage (spec §6). Implementations (storage/local, storage/s3) are
// interchangeable capability objects; the core never imports a concrete
// backend.
type ArchivalBackend interface {
	// Store durably persists a sealed segment's frames and its index bytes
	// under namespace. It must be crash-safe and idempotent: storing the
	// same segment twice has the same effect as storing it once. onStored
	// is invoked after the store is durable, with the segment's
	// LastCommittedFrameNo.
	Store(ctx context.Context, namespace string, startFrameNo uint64, segment io.ReaderAt, segmentLen int64, indexBytes []byte, onStored func(lastCommittedFrameNo uint64)) error

	// FetchSegment retrieves the segment containing frameNo into dest,
	// returning the segment's index bytes. Returns ErrNotFound if no
	// archived segment covers frameNo.
	FetchSegment(ctx context.Context, namespace string, frameNo uint64, dest io.WriterAt) (indexBytes []byte, err error)

	// Meta reports the highest frame number archived for namespace.
	Meta(ctx context.Context, namespace string) (maxFrameNo uint64, err error)

	// Restore materializes the main database file as of RestoreOptions into
	// dest.
	Restore(ctx context.Context, namespace string, opts RestoreOptions, dest io.WriterAt) error
}

// RestoreOptions selects a point in the archived history to restore to.
type RestoreOptions struct {
	// Latest restores to the newest archived state. When false, PITFrameNo
	// selects a specific point in time.
	Latest bool
	// PITFrameNo is the frame number to restore up to and including, when
	// Latest is false.
	PITFrameNo uint64
}

// SwapStrategy decides when a CurrentSegment should be sealed and replaced
// (spec §9 open question: "the exact criteria that trigger swap are
// configurable"). ShouldSwap is consulted after every committed insert.
type SwapStrategy interface {
	ShouldSwap(committedFrames uint64, segmentBytes int64, segmentAge int64 /* nanoseconds since creation */) bool
}

// EngineCallbacks models the SQL engine-side hooks the core exposes (spec
// §6). The SQL engine, parser and executor are out of scope; this interface
// only names that contract, and nothing in this module implements or calls
// it.
type EngineCallbacks interface {
	// OnFrames is invoked once per WAL write batch.
	OnFrames(pages []PageWrite, sizeAfter uint32, isCommit bool) error
	// OnUndo rolls back to the state as of upToFrame.
	OnUndo(upToFrame uint64) error
	// Checkpoint requests an out-of-band checkpoint.
	Checkpoint(ctx context.Context) error
}

// PageWrite is a single page mutation as handed to the WAL by the SQL
// engine: the page number and its full post-image.
type PageWrite struct {
	PageNo uint32
	Data   [PageSize]byte
}
