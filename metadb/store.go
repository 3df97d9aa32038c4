// Package metadb persists the crash-safe metadata every SharedWal needs
// beyond what segment filenames already encode on disk (spec §6: "Segment
// filenames are the source of truth for ordering on startup" — metadb
// supplements that with the log identity and the two watermarks that must
// survive a restart, grounded on the teacher's unspecified MetaStore
// interface in _examples/dreamsxin-wal/wal.go, made concrete here with
// go.etcd.io/bbolt).
package metadb

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/sqlreplica/walcore/types"
)

var (
	bucketMeta     = []byte("meta")
	bucketSegments = []byte("segments")

	keyLogID               = []byte("log_id")
	keyDurableFrameNo      = []byte("durable_frame_no")
	keyCheckpointedFrameNo = []byte("checkpointed_frame_no")
)

// Store is a bbolt-backed implementation of the database's durable
// metadata. One Store is opened per database directory, alongside its
// segment files.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and ensures its
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening metadb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketSegments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing metadb buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error { return s.db.Close() }

// segmentRecord is the gob-encoded value stored per segment. Protobuf,
// present elsewhere in the retrieval pack (wizenheimer-wal), is not used
// here: the pack only contains marshal/unmarshal helpers built on top of a
// generated message type whose .proto-derived descriptor code was not
// retrieved, and hand-authoring proto.Message's reflection machinery
// without running protoc is not something we can do with confidence it
// would compile. gob is the standard-library choice for this
// process-internal, non-interoperable value and is recorded as such in
// DESIGN.md.
type segmentRecord struct {
	LastCommittedFrameNo uint64
	SealTime             time.Time
	CreateTime           time.Time
	Archived             bool
}

func segmentKey(startFrameNo uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], startFrameNo)
	return b[:]
}

// Load reads the full persistent state. If the database has never been
// opened before, LogID is the zero value and the caller must assign a fresh
// one and call SetLogID.
func (s *Store) Load() (types.PersistentState, error) {
	var out types.PersistentState
	err := s.db.View(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		if v := mb.Get(keyLogID); len(v) == 16 {
			copy(out.LogID[:], v)
		}
		if v := mb.Get(keyDurableFrameNo); len(v) == 8 {
			out.DurableFrameNo = binary.BigEndian.Uint64(v)
		}
		if v := mb.Get(keyCheckpointedFrameNo); len(v) == 8 {
			out.CheckpointedFrameNo = binary.BigEndian.Uint64(v)
		}

		sb := tx.Bucket(bucketSegments)
		return sb.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("%w: malformed segment key in metadb", types.ErrCorrupt)
			}
			startFrameNo := binary.BigEndian.Uint64(k)
			var rec segmentRecord
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return fmt.Errorf("%w: decoding segment record: %v", types.ErrCorrupt, err)
			}
			out.Segments = append(out.Segments, types.SegmentInfo{
				StartFrameNo:         startFrameNo,
				LastCommittedFrameNo: rec.LastCommittedFrameNo,
				SealTime:             rec.SealTime,
				CreateTime:           rec.CreateTime,
				Archived:             rec.Archived,
			})
			return nil
		})
	})
	return out, err
}

// SetLogID persists the database's log identity. Called exactly once, at
// first creation.
func (s *Store) SetLogID(id types.LogID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLogID, id[:])
	})
}

// SetDurableFrameNo persists the archival watermark.
func (s *Store) SetDurableFrameNo(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyDurableFrameNo, b[:])
	})
}

// SetCheckpointedFrameNo persists the checkpoint watermark.
func (s *Store) SetCheckpointedFrameNo(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyCheckpointedFrameNo, b[:])
	})
}

// UpsertSegment persists (or updates) one segment's bookkeeping record,
// keyed by its StartFrameNo so iteration order matches frame order.
func (s *Store) UpsertSegment(info types.SegmentInfo) error {
	rec := segmentRecord{
		LastCommittedFrameNo: info.LastCommittedFrameNo,
		SealTime:             info.SealTime,
		CreateTime:           info.CreateTime,
		Archived:             info.Archived,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSegments).Put(segmentKey(info.StartFrameNo), buf.Bytes())
	})
}

// DeleteSegment removes a segment's bookkeeping record, called once the
// checkpointer has fully applied and popped it.
func (s *Store) DeleteSegment(startFrameNo uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSegments).Delete(segmentKey(startFrameNo))
	})
}
