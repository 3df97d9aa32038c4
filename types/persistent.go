package types

import "time"

// SegmentInfo is the durable record of one segment kept in metadb, modeled
// on the teacher's types.SegmentInfo. Segment filenames on disk
// ({StartFrameNo:020}.seg) are the source of truth for ordering on startup
// (spec §6); SegmentInfo supplements that with bookkeeping that is cheaper
// to keep in the metadata store than to recompute by opening every file.
type SegmentInfo struct {
	StartFrameNo         uint64
	LastCommittedFrameNo uint64
	SealTime             time.Time
	CreateTime           time.Time
	// Archived records whether the archival backend has acknowledged durable
	// storage of this segment. metadb persists the flag, but sharedwal never
	// sets it: archival acknowledgements only advance the durable_frame_no
	// watermark, so records it writes keep Archived false.
	Archived bool
}

// IsSealed reports whether this segment has a seal time recorded.
func (si SegmentInfo) IsSealed() bool { return !si.SealTime.IsZero() }

// PersistentState is the full durable state of a database's WAL metadata,
// persisted in metadb across restarts: the log identity, the sealed
// segment list, and the two watermarks that bound checkpoint and streaming
// behavior (spec §8: checkpointed_frame_no <= durable_frame_no).
type PersistentState struct {
	LogID               LogID
	Segments            []SegmentInfo
	DurableFrameNo      uint64
	CheckpointedFrameNo uint64
}
