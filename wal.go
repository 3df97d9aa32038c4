// Package walcore implements a single-writer/many-reader write-ahead log
// with segment-based replication, grounded on the lifecycle of
// _examples/dreamsxin-wal/wal.go's top-level Open/Close: a directory-rooted
// store that recovers or initializes its on-disk layout, then hands back a
// ready-to-use handle.
package walcore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sqlreplica/walcore/metadb"
	"github.com/sqlreplica/walcore/replication"
	"github.com/sqlreplica/walcore/sharedwal"
	"github.com/sqlreplica/walcore/txn"
	"github.com/sqlreplica/walcore/types"
)

// DB is the top-level handle for one database directory: its WAL, metadata
// store and archival wiring (spec §6: directory layout).
type DB struct {
	dir  string
	meta *metadb.Store
	wal  *sharedwal.SharedWal
}

// Open recovers (or initializes) the database rooted at dir. dir is created
// if it does not already exist; segment files live under dir/segments, the
// metadata store at dir/meta.db, and the main database file at dir/data.db
// (spec §6).
func Open(dir string, opts ...sharedwal.Option) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	filer, err := sharedwal.NewDiskFiler(dir)
	if err != nil {
		return nil, err
	}

	meta, err := metadb.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		return nil, err
	}

	w, err := sharedwal.Open(dir, filer, meta, opts...)
	if err != nil {
		meta.Close()
		return nil, err
	}

	return &DB{dir: dir, meta: meta, wal: w}, nil
}

// Close flushes and seals the current segment, then releases the metadata
// store and main database file. Once Close returns, no further operation on
// db is valid.
func (db *DB) Close(ctx context.Context) error {
	if err := db.wal.Shutdown(ctx); err != nil {
		return err
	}
	return db.meta.Close()
}

// BeginRead opens a read transaction for connID (spec §4.6 begin_read).
func (db *DB) BeginRead(connID txn.ConnID) *txn.Reader {
	return db.wal.BeginRead(connID)
}

// EndRead releases a transaction previously returned by BeginRead.
func (db *DB) EndRead(r *txn.Reader) {
	db.wal.EndRead(r)
}

// Upgrade promotes a read transaction to a write transaction (spec §4.5
// upgrade). Returns ErrBusySnapshot if the reader's snapshot is stale.
func (db *DB) Upgrade(ctx context.Context, r *txn.Reader) (*txn.Writer, error) {
	return db.wal.Upgrade(ctx, r)
}

// InsertPages writes a batch of page images, optionally committing the
// transaction when sizeAfter is non-nil (spec §4.2 insert_pages).
func (db *DB) InsertPages(w *txn.Writer, pages []types.PageWrite, sizeAfter *uint32) error {
	return db.wal.InsertPages(w, pages, sizeAfter)
}

// InsertFrames writes a batch of already frame-numbered frames, used when
// replaying replicated history (spec §4.2 insert_frames).
func (db *DB) InsertFrames(w *txn.Writer, frames []types.Frame, commit *uint64) error {
	return db.wal.InsertFrames(w, frames, commit)
}

// ReadPage resolves pageNo as visible to r (spec §4.6 read_page).
func (db *DB) ReadPage(r *txn.Reader, pageNo uint32, buf []byte) error {
	return db.wal.ReadPage(r, pageNo, buf)
}

// ReadPageForWriter resolves pageNo as visible to w, including any page w
// has already written earlier in this same uncommitted transaction (spec
// §4.2 find_frame's transient-index branch, §8's read-your-own-writes
// round-trip property). Callers performing read-modify-write inside a
// single transaction should use this instead of ReadPage.
func (db *DB) ReadPageForWriter(w *txn.Writer, pageNo uint32, buf []byte) error {
	return db.wal.ReadPageForWriter(w, pageNo, buf)
}

// SealCurrent forces a segment swap even if the swap strategy would not yet
// trigger one (spec §4.6 seal_current).
func (db *DB) SealCurrent() error {
	return db.wal.SealCurrent()
}

// Checkpoint applies every tail segment covered by the archival watermark to
// the main database file (spec §4.7).
func (db *DB) Checkpoint(ctx context.Context) (uint64, bool, error) {
	return db.wal.Checkpoint(ctx)
}

// Stream drains replicated frames starting at minFrameNo into emit (spec
// §4.9), sourcing from the current segment, the tail, the archival backend,
// and finally a main-database-file snapshot, in that order.
func (db *DB) Stream(ctx context.Context, minFrameNo uint64, seen map[uint32]bool, emit func(types.Frame) error) (replication.Result, error) {
	return db.wal.Streamer().Stream(ctx, minFrameNo, seen, emit)
}

// LogID reports the database's stable identity across restarts.
func (db *DB) LogID() types.LogID { return db.wal.LogID() }

// DurableFrameNo reports the highest frame number acknowledged durable by
// the configured archival backend.
func (db *DB) DurableFrameNo() uint64 { return db.wal.DurableFrameNo() }
