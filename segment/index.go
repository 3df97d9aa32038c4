package segment

import (
	"sort"
	"sync"
)

// indexEntry records one known location of a page within a segment file:
// the absolute byte offset of its frame within the segment file (the
// segment header included) and the frame_no that wrote it.
type indexEntry struct {
	offset  uint64
	frameNo uint64
}

// Index is the in-memory multimap page_no -> ordered list of offsets within
// one segment (spec §3 "SegmentIndex (in-memory)"). Entries for a page are
// appended in the order frames are written to the file, which is always
// offset-increasing even when FrameUnordered is set (out-of-order frame_no
// values can still only be appended at the current end of file).
type Index struct {
	mu      sync.RWMutex
	entries map[uint32][]indexEntry
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{entries: make(map[uint32][]indexEntry)}
}

// Insert records that pageNo's latest known write landed at offset with the
// given frameNo. Tie-breaking within a transaction (spec §4.2 "later write
// to the same page supersedes earlier write") is the caller's
// responsibility: CurrentSegment recycles the offset of an in-progress
// transaction's earlier write to the same page instead of calling Insert
// twice, so Insert always appends a genuinely new offset.
func (idx *Index) Insert(pageNo uint32, offset, frameNo uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[pageNo] = append(idx.entries[pageNo], indexEntry{offset: offset, frameNo: frameNo})
}

// ReplaceLast overwrites the most recently inserted entry for pageNo with a
// new frameNo, used when CurrentSegment recycles an offset within an
// in-progress transaction's replay (a page written and then rewritten to
// the same physical frame slot before commit).
func (idx *Index) ReplaceLast(pageNo uint32, offset, frameNo uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	es := idx.entries[pageNo]
	if len(es) == 0 {
		idx.entries[pageNo] = append(es, indexEntry{offset: offset, frameNo: frameNo})
		return
	}
	es[len(es)-1] = indexEntry{offset: offset, frameNo: frameNo}
}

// Locate returns the offset of the newest frame for pageNo with
// frame_no <= maxFrameNo, per spec §4.2 find_frame. ok is false if no such
// frame exists in this segment.
func (idx *Index) Locate(pageNo uint32, maxFrameNo uint64) (offset uint64, ok bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	es := idx.entries[pageNo]
	for i := len(es) - 1; i >= 0; i-- {
		if es[i].frameNo <= maxFrameNo {
			return es[i].offset, true
		}
	}
	return 0, false
}

// LatestOffset returns the most recently inserted offset and frameNo for
// pageNo, used by the write path to decide whether to recycle a frame slot
// within the active transaction.
func (idx *Index) LatestOffset(pageNo uint32) (offset, frameNo uint64, ok bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	es := idx.entries[pageNo]
	if len(es) == 0 {
		return 0, 0, false
	}
	last := es[len(es)-1]
	return last.offset, last.frameNo, true
}

// Merge folds src's entries into idx, page by page in no particular page
// order, preserving relative offset ordering within each page. Used when a transient write-transaction
// index is committed into the segment-wide index (spec §4.2 insert_pages:
// "merge the transaction's transient index into the segment index").
func (idx *Index) Merge(src *Index) {
	src.mu.RLock()
	defer src.mu.RUnlock()
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for pageNo, es := range src.entries {
		idx.entries[pageNo] = append(idx.entries[pageNo], es...)
	}
}

// Pages returns every page number with at least one entry, sorted
// ascending. Used to build the sealed-segment on-disk index.
func (idx *Index) Pages() []uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	pages := make([]uint32, 0, len(idx.entries))
	for p := range idx.entries {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}

// LatestOffsetForPage is Pages()+Locate(pageNo, math.MaxUint64) combined,
// used when sealing: the on-disk index maps page_no to the offset of the
// latest frame for that page in the whole segment.
func (idx *Index) LatestOffsetForPage(pageNo uint32) (uint64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	es := idx.entries[pageNo]
	if len(es) == 0 {
		return 0, false
	}
	return es[len(es)-1].offset, true
}

// IterDescending calls fn once for each page whose newest entry has
// frame_no >= minFrameNo, passing that newest (pageNo, offset, frameNo);
// a page's older entries are never passed. Pages are visited in descending
// order of that newest offset, stopping early if fn returns false. This is
// the core of frame_stream_from (spec §4.2, §4.9): the caller tracks a
// `seen` set of page numbers and skips pages already emitted.
func (idx *Index) IterDescending(minFrameNo uint64, fn func(pageNo uint32, offset, frameNo uint64) bool) {
	idx.mu.RLock()
	// Snapshot pages+entries under the lock, then iterate without it held so
	// fn (which may do I/O) never blocks writers.
	type page struct {
		no uint32
		es []indexEntry
	}
	snapshot := make([]page, 0, len(idx.entries))
	for p, es := range idx.entries {
		if len(es) == 0 {
			continue
		}
		cp := make([]indexEntry, len(es))
		copy(cp, es)
		snapshot = append(snapshot, page{no: p, es: cp})
	}
	idx.mu.RUnlock()
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].es[len(snapshot[i].es)-1].offset > snapshot[j].es[len(snapshot[j].es)-1].offset
	})

	for _, pg := range snapshot {
		if len(pg.es) == 0 {
			continue
		}
		// Only the newest entry for a page can ever be the one streamed: if
		// it predates minFrameNo the page was untouched at or after
		// minFrameNo in this segment, so older entries are irrelevant too.
		newest := pg.es[len(pg.es)-1]
		if newest.frameNo < minFrameNo {
			continue
		}
		if !fn(pg.no, newest.offset, newest.frameNo) {
			return
		}
	}
}
