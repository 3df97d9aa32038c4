package sharedwal

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sqlreplica/walcore/segment"
	"github.com/sqlreplica/walcore/types"
)

// SegmentFiler is the narrow disk-access contract SharedWal depends on for
// segment files, modeled on the teacher's types.SegmentFiler
// (_examples/dreamsxin-wal: sf field of WAL). Kept separate from SharedWal
// itself so tests can substitute an in-memory filer.
type SegmentFiler interface {
	// Create allocates a brand new current segment file.
	Create(startFrameNo uint64, dbSizeAfter uint32, logID types.LogID) (*segment.CurrentSegment, error)
	// OpenSealed opens an existing, previously sealed segment file read-only.
	OpenSealed(startFrameNo uint64) (*segment.SealedSegment, error)
	// RecoverTail reopens the unsealed tail segment left over from an
	// unclean shutdown and truncates it to its last committed length.
	RecoverTail(startFrameNo uint64) (*segment.CurrentSegment, error)
	// OpenSealedRepair is OpenSealed's explicit-opt-in repair variant: it
	// tolerates a bad header or index checksum instead of refusing to open.
	OpenSealedRepair(startFrameNo uint64) (*segment.SealedSegment, error)
	// RecoverTailRepair is RecoverTail's explicit-opt-in repair variant. The
	// returned bool reports whether a bad header checksum had to be trusted.
	RecoverTailRepair(startFrameNo uint64) (*segment.CurrentSegment, bool, error)
	// List returns every segment's start_frame_no found on disk, sorted
	// ascending. Segment filenames are the source of truth for ordering on
	// startup.
	List() ([]uint64, error)
	// Remove deletes the on-disk file for a fully checkpointed segment.
	Remove(startFrameNo uint64) error
}

// DiskFiler is the default SegmentFiler, storing one file per segment under
// dir/segments named by zero-padded start_frame_no, the layout referenced
// throughout spec §6.
type DiskFiler struct {
	segDir string
}

// NewDiskFiler ensures dir/segments exists and returns a filer rooted there.
func NewDiskFiler(dir string) (*DiskFiler, error) {
	segDir := filepath.Join(dir, "segments")
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating segments dir: %w", err)
	}
	return &DiskFiler{segDir: segDir}, nil
}

func (f *DiskFiler) path(startFrameNo uint64) string {
	return filepath.Join(f.segDir, fmt.Sprintf("%020d.seg", startFrameNo))
}

// randomSalt generates a fresh per-segment salt (spec §3: "protects against
// accidental cross-segment frame reuse"). A read failure from the OS CSPRNG
// is unrecoverable in practice, so it panics rather than threading an error
// through every call site that creates a segment.
func randomSalt() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("walcore: reading random salt: %v", err))
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Create implements SegmentFiler.
func (f *DiskFiler) Create(startFrameNo uint64, dbSizeAfter uint32, logID types.LogID) (*segment.CurrentSegment, error) {
	path := f.path(startFrameNo)
	file, err := segment.OpenOSFile(path)
	if err != nil {
		return nil, err
	}
	cur, err := segment.Create(file, path, startFrameNo, dbSizeAfter, logID, randomSalt())
	if err != nil {
		file.Close()
		return nil, err
	}
	return cur, nil
}

// OpenSealed implements SegmentFiler.
func (f *DiskFiler) OpenSealed(startFrameNo uint64) (*segment.SealedSegment, error) {
	file, err := segment.OpenOSFileReadOnly(f.path(startFrameNo))
	if err != nil {
		return nil, err
	}
	ss, err := segment.OpenSealed(file, f.path(startFrameNo))
	if err != nil {
		file.Close()
		return nil, err
	}
	return ss, nil
}

// RecoverTail implements SegmentFiler.
func (f *DiskFiler) RecoverTail(startFrameNo uint64) (*segment.CurrentSegment, error) {
	path := f.path(startFrameNo)
	file, err := segment.OpenOSFile(path)
	if err != nil {
		return nil, err
	}
	cur, err := segment.RecoverTail(file, path)
	if err != nil {
		file.Close()
		return nil, err
	}
	return cur, nil
}

// OpenSealedRepair implements SegmentFiler.
func (f *DiskFiler) OpenSealedRepair(startFrameNo uint64) (*segment.SealedSegment, error) {
	file, err := segment.OpenOSFileReadOnly(f.path(startFrameNo))
	if err != nil {
		return nil, err
	}
	ss, err := segment.OpenSealedRepair(file, f.path(startFrameNo))
	if err != nil {
		file.Close()
		return nil, err
	}
	return ss, nil
}

// RecoverTailRepair implements SegmentFiler.
func (f *DiskFiler) RecoverTailRepair(startFrameNo uint64) (*segment.CurrentSegment, bool, error) {
	path := f.path(startFrameNo)
	file, err := segment.OpenOSFile(path)
	if err != nil {
		return nil, false, err
	}
	cur, repaired, err := segment.RecoverTailRepair(file, path)
	if err != nil {
		file.Close()
		return nil, false, err
	}
	return cur, repaired, nil
}

// List implements SegmentFiler.
func (f *DiskFiler) List() ([]uint64, error) {
	entries, err := os.ReadDir(f.segDir)
	if err != nil {
		return nil, err
	}
	var out []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".seg") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".seg"), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Remove implements SegmentFiler.
func (f *DiskFiler) Remove(startFrameNo uint64) error {
	err := os.Remove(f.path(startFrameNo))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
