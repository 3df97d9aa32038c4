package segment

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/sqlreplica/walcore/types"
)

// On-disk sealed-segment index format.
//
// The retrieval pack surveyed for this module contains no finite-state
// transducer library with a Go binding (no couchbase/vellum, no
// blevesearch/vellum); DESIGN.md records that as the justification for this
// component being built on the standard library rather than importing one.
// It is a flat, sorted (page_no -> offset) array, binary-searchable without
// materializing the whole index, closed by a fixed footer recording its
// extent and checksum exactly as spec §4.1 describes.
const (
	pageIndexEntrySize = 12 // uint32 page_no + uint64 offset... see note below
	indexFooterMagic   = uint64(0x5745524f434e4458) // "WCOREINDX"-ish tag
	indexFooterVersion = uint32(1)
	// IndexFooterSize is the fixed trailer written after the sorted array:
	// magic(8) + version(4) + entry count(8) + checksum(8).
	IndexFooterSize = 28
)

// pageIndexEntry is page_no(4) + offset(8) = 12 bytes, sorted ascending by
// page_no so readers can binary search.
type pageIndexEntry struct {
	pageNo uint32
	offset uint64
}

// EncodePageIndex serializes idx's page -> latest-offset mapping plus its
// footer, ready to be appended to the tail of a segment file at seal time.
// Returns the encoded bytes.
func EncodePageIndex(idx *Index) []byte {
	pages := idx.Pages()
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })

	buf := make([]byte, len(pages)*pageIndexEntrySize+IndexFooterSize)
	off := 0
	for _, p := range pages {
		offset, _ := idx.LatestOffsetForPage(p)
		binary.LittleEndian.PutUint32(buf[off:off+4], p)
		binary.LittleEndian.PutUint64(buf[off+4:off+12], offset)
		off += pageIndexEntrySize
	}

	body := buf[:off]
	checksum := xxhash.Sum64(body)

	binary.LittleEndian.PutUint64(buf[off:off+8], indexFooterMagic)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], indexFooterVersion)
	binary.LittleEndian.PutUint64(buf[off+12:off+20], uint64(len(pages)))
	binary.LittleEndian.PutUint64(buf[off+20:off+28], checksum)

	return buf
}

// DecodePageIndex parses a previously encoded page index. It is strict: any
// structural problem (bad magic, bad version, truncated body, checksum
// mismatch) is corruption per spec §9 ("treat this as corruption and
// require operator intervention rather than silently rebuild"), never a
// silent empty-index fallback.
func DecodePageIndex(buf []byte) (map[uint32]uint64, error) {
	if len(buf) < IndexFooterSize {
		return nil, fmt.Errorf("%w: index blob shorter than footer", types.ErrInvalidIndex)
	}
	footerOff := len(buf) - IndexFooterSize
	magic := binary.LittleEndian.Uint64(buf[footerOff : footerOff+8])
	version := binary.LittleEndian.Uint32(buf[footerOff+8 : footerOff+12])
	count := binary.LittleEndian.Uint64(buf[footerOff+12 : footerOff+20])
	checksum := binary.LittleEndian.Uint64(buf[footerOff+20 : footerOff+28])

	if magic != indexFooterMagic {
		return nil, fmt.Errorf("%w: bad index footer magic", types.ErrInvalidIndex)
	}
	if version != indexFooterVersion {
		return nil, fmt.Errorf("%w: unsupported index version %d", types.ErrInvalidIndex, version)
	}
	body := buf[:footerOff]
	if uint64(len(body)) != count*pageIndexEntrySize {
		return nil, fmt.Errorf("%w: index body length %d does not match entry count %d", types.ErrInvalidIndex, len(body), count)
	}
	if xxhash.Sum64(body) != checksum {
		return nil, fmt.Errorf("%w: index checksum mismatch", types.ErrInvalidIndex)
	}

	out := make(map[uint32]uint64, count)
	for off := 0; off < len(body); off += pageIndexEntrySize {
		pageNo := binary.LittleEndian.Uint32(body[off : off+4])
		offset := binary.LittleEndian.Uint64(body[off+4 : off+12])
		out[pageNo] = offset
	}
	return out, nil
}

// DecodePageIndexRepair parses a page index the same way DecodePageIndex
// does but tolerates a checksum mismatch, returning the best-effort decoded
// map and mismatched=true instead of failing outright. Structural problems
// (bad magic, bad version, a body whose length doesn't match its declared
// entry count) are still unrepairable. Reached only through the explicit
// repair opt-in (segment.OpenSealedRepair); DecodePageIndex stays strict.
func DecodePageIndexRepair(buf []byte) (out map[uint32]uint64, mismatched bool, err error) {
	if len(buf) < IndexFooterSize {
		return nil, false, fmt.Errorf("%w: index blob shorter than footer", types.ErrInvalidIndex)
	}
	footerOff := len(buf) - IndexFooterSize
	magic := binary.LittleEndian.Uint64(buf[footerOff : footerOff+8])
	version := binary.LittleEndian.Uint32(buf[footerOff+8 : footerOff+12])
	count := binary.LittleEndian.Uint64(buf[footerOff+12 : footerOff+20])
	checksum := binary.LittleEndian.Uint64(buf[footerOff+20 : footerOff+28])

	if magic != indexFooterMagic {
		return nil, false, fmt.Errorf("%w: bad index footer magic", types.ErrInvalidIndex)
	}
	if version != indexFooterVersion {
		return nil, false, fmt.Errorf("%w: unsupported index version %d", types.ErrInvalidIndex, version)
	}
	body := buf[:footerOff]
	if uint64(len(body)) != count*pageIndexEntrySize {
		return nil, false, fmt.Errorf("%w: index body length %d does not match entry count %d", types.ErrInvalidIndex, len(body), count)
	}
	mismatched = xxhash.Sum64(body) != checksum

	out = make(map[uint32]uint64, count)
	for off := 0; off < len(body); off += pageIndexEntrySize {
		pageNo := binary.LittleEndian.Uint32(body[off : off+4])
		offset := binary.LittleEndian.Uint64(body[off+4 : off+12])
		out[pageNo] = offset
	}
	return out, mismatched, nil
}
