// Package replication implements the frame streamer and the
// replication-index injector (spec §4.8, §4.9), grounded on
// original_source/libsql-server/src/replication/wal/replication_index_injector.rs:
// a WAL wrapper that stamps page 1 with the replication frame number so the
// main database file alone reveals its replication position to a fresh
// reader that never sees the WAL.
package replication

import (
	"encoding/binary"
	"sync"

	"github.com/sqlreplica/walcore/types"
)

// replicationIndexOffset places the stamped value inside the 20-byte region
// of the SQLite database header (bytes 72-91 of page 1) reserved for
// expansion and otherwise left zero, the same region libsql's own injector
// repurposes.
const replicationIndexOffset = 72

// ReadReplicationIndex extracts the stamped replication index from a page-1
// image. page1 must be exactly types.PageSize bytes.
func ReadReplicationIndex(page1 []byte) uint64 {
	return binary.LittleEndian.Uint64(page1[replicationIndexOffset : replicationIndexOffset+8])
}

// WriteReplicationIndex stamps v into page1 in place.
func WriteReplicationIndex(page1 []byte, v uint64) {
	binary.LittleEndian.PutUint64(page1[replicationIndexOffset:replicationIndexOffset+8], v)
}

// Injector patches page 1 of every write batch that touches it so that
// replication_index = previous_value + frames_since_last_page1 (spec §4.8).
// One Injector is owned per SharedWal.
type Injector struct {
	mu               sync.Mutex
	lastIndex        uint64
	framesSincePage1 uint64
}

// NewInjector creates an Injector seeded with the replication index already
// stamped in the database (recovered from the current page 1 at open time,
// or 0 for a brand new database).
func NewInjector(initial uint64) *Injector {
	return &Injector{lastIndex: initial}
}

// Observe records that n frames not containing page 1 were just written,
// advancing the counter used to compute the next stamp.
func (inj *Injector) Observe(n int) {
	if n <= 0 {
		return
	}
	inj.mu.Lock()
	inj.framesSincePage1 += uint64(n)
	inj.mu.Unlock()
}

// Apply scans pages for page_no == 1 and, if present, patches its header in
// place before the batch reaches CurrentSegment.InsertPages. Returns true if
// a patch was applied. Frames in pages other than page 1 are counted toward
// frames_since_last_page1 via Observe by the caller, before calling Apply,
// since Apply only concerns itself with page 1's own stamp.
func (inj *Injector) Apply(pages []types.PageWrite) bool {
	for i := range pages {
		if pages[i].PageNo != 1 {
			continue
		}
		inj.mu.Lock()
		next := inj.lastIndex + inj.framesSincePage1
		inj.lastIndex = next
		inj.framesSincePage1 = 0
		inj.mu.Unlock()
		WriteReplicationIndex(pages[i].Data[:], next)
		return true
	}
	return false
}

// LastIndex reports the most recently stamped replication index.
func (inj *Injector) LastIndex() uint64 {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.lastIndex
}

// StampForCheckpoint stamps segmentLastCommittedFrameNo into page1 as its
// replication index and returns the patched page-1 write for a sealed
// segment's checkpoint. It only builds the page: sharedwal keeps the result
// as the sealed segment's checkpoint marker, and no frame is appended to the
// segment. segmentLastCommittedFrameNo also becomes the injector's last
// index.
func (inj *Injector) StampForCheckpoint(page1 [types.PageSize]byte, segmentLastCommittedFrameNo uint64) types.PageWrite {
	WriteReplicationIndex(page1[:], segmentLastCommittedFrameNo)
	inj.mu.Lock()
	inj.lastIndex = segmentLastCommittedFrameNo
	inj.framesSincePage1 = 0
	inj.mu.Unlock()
	return types.PageWrite{PageNo: 1, Data: page1}
}

// VerifyCheckpointFrame implements the checkpoint-time race guard: if a
// newer frame landed after the checkpoint marker frame was computed (i.e.
// the segment's last_committed_frame_no observed at apply time no longer
// matches the one the marker was stamped for), the checkpoint must abort
// with Busy so it is retried against an up-to-date page 1 (spec §4.8).
func VerifyCheckpointFrame(stampedFor, observedAtApply uint64) error {
	if stampedFor != observedAtApply {
		return types.ErrBusySnapshot
	}
	return nil
}
