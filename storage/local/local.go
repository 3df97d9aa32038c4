// Package local is a filesystem-backed types.ArchivalBackend, used in tests
// and single-node deployments that archive to local or NFS-mounted storage
// instead of an object store. It is grounded on the same directory-per-
// namespace, file-per-segment layout the core uses for its own segment
// files (_examples/dreamsxin-wal/wal.go's segment directory convention).
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sqlreplica/walcore/types"
)

// Backend stores each namespace's sealed segments under root/<namespace>/,
// one pair of files per segment: <start_frame_no:020d>.seg and .idx.
type Backend struct {
	root string

	mu  sync.Mutex
	max map[string]uint64
}

// Open creates (if necessary) root and returns a ready Backend.
func Open(root string) (*Backend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive root: %w", err)
	}
	return &Backend{root: root, max: make(map[string]uint64)}, nil
}

func (b *Backend) nsDir(namespace string) string {
	return filepath.Join(b.root, namespace)
}

func segPath(dir string, startFrameNo uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.seg", startFrameNo))
}

func idxPath(dir string, startFrameNo uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.idx", startFrameNo))
}

// Store implements types.ArchivalBackend. It writes to temp files first and
// renames into place, so a crash mid-store never leaves a partially written
// segment visible under its final name.
func (b *Backend) Store(ctx context.Context, namespace string, startFrameNo uint64, segment io.ReaderAt, segmentLen int64, indexBytes []byte, onStored func(uint64)) error {
	dir := b.nsDir(namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	segFinal := segPath(dir, startFrameNo)
	idxFinal := idxPath(dir, startFrameNo)

	if _, err := os.Stat(segFinal); err == nil {
		return b.reportStored(namespace, startFrameNo, onStored)
	}

	if err := writeAtomic(segFinal, io.NewSectionReader(segment, 0, segmentLen)); err != nil {
		return fmt.Errorf("storing segment: %w", err)
	}
	if err := writeAtomic(idxFinal, strings.NewReader(string(indexBytes))); err != nil {
		return fmt.Errorf("storing segment index: %w", err)
	}
	return b.reportStored(namespace, startFrameNo, onStored)
}

func (b *Backend) reportStored(namespace string, startFrameNo uint64, onStored func(uint64)) error {
	lastCommitted, err := readLastCommittedFrameNo(segPath(b.nsDir(namespace), startFrameNo))
	if err != nil {
		return err
	}
	b.mu.Lock()
	if lastCommitted > b.max[namespace] {
		b.max[namespace] = lastCommitted
	}
	b.mu.Unlock()
	if onStored != nil {
		onStored(lastCommitted)
	}
	return nil
}

func writeAtomic(path string, r io.Reader) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readLastCommittedFrameNo(segFile string) (uint64, error) {
	f, err := os.Open(segFile)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var buf [types.SegmentHeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return 0, err
	}
	h, err := types.DecodeSegmentHeader(buf[:])
	if err != nil {
		return 0, err
	}
	return h.LastCommittedFrameNo, nil
}

// listSegments returns the namespace's segment start frame numbers sorted
// ascending, by scanning the directory: the same "filenames are the source
// of truth" convention the core uses locally.
func (b *Backend) listSegments(namespace string) ([]uint64, error) {
	entries, err := os.ReadDir(b.nsDir(namespace))
	if os.IsNotExist(err) {
		return nil, nil
	}
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

// FetchSegment implements types.ArchivalBackend.
func (b *Backend) FetchSegment(ctx context.Context, namespace string, frameNo uint64, dest io.WriterAt) ([]byte, error) {
	starts, err := b.listSegments(namespace)
	if err != nil {
		return nil, err
	}
	var target uint64
	found := false
	for _, s := range starts {
		if s <= frameNo {
			target = s
			found = true
		} else {
			break
		}
	}
	if !found {
		return nil, types.FrameNotFoundError{FrameNo: frameNo}
	}

	dir := b.nsDir(namespace)
	src, err := os.Open(segPath(dir, target))
	if err != nil {
		return nil, err
	}
	defer src.Close()

	buf := make([]byte, 1<<20)
	var off int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dest.WriteAt(buf[:n], off); werr != nil {
				return nil, werr
			}
			off += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}

	return os.ReadFile(idxPath(dir, target))
}

// Meta implements types.ArchivalBackend.
func (b *Backend) Meta(ctx context.Context, namespace string) (uint64, error) {
	b.mu.Lock()
	if v, ok := b.max[namespace]; ok {
		b.mu.Unlock()
		return v, nil
	}
	b.mu.Unlock()

	starts, err := b.listSegments(namespace)
	if err != nil || len(starts) == 0 {
		return 0, err
	}
	last := starts[len(starts)-1]
	v, err := readLastCommittedFrameNo(segPath(b.nsDir(namespace), last))
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.max[namespace] = v
	b.mu.Unlock()
	return v, nil
}

// Restore implements types.ArchivalBackend by replaying every archived
// segment's committed pages into dest, oldest first, then applying
// RestoreOptions.PITFrameNo as a frame-number ceiling when not restoring
// Latest (spec supplement: point-in-time restore, grounded on
// original_source/libsql-server/src/namespace/mod.rs's restore-to-timestamp
// path, simplified here to a frame-number cutoff since no timestamp->frame
// index is modeled anywhere in this module, metadb included).
func (b *Backend) Restore(ctx context.Context, namespace string, opts types.RestoreOptions, dest io.WriterAt) error {
	starts, err := b.listSegments(namespace)
	if err != nil {
		return err
	}
	dir := b.nsDir(namespace)
	for _, start := range starts {
		if !opts.Latest && start > opts.PITFrameNo {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := replaySegmentPages(segPath(dir, start), opts, dest); err != nil {
			return fmt.Errorf("replaying segment %d: %w", start, err)
		}
	}
	return nil
}

func replaySegmentPages(path string, opts types.RestoreOptions, dest io.WriterAt) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var hbuf [types.SegmentHeaderSize]byte
	if _, err := io.ReadFull(f, hbuf[:]); err != nil {
		return err
	}
	h, err := types.DecodeSegmentHeader(hbuf[:])
	if err != nil {
		return err
	}

	frameBuf := make([]byte, types.FrameSize)
	for i := uint64(0); i < h.FrameCount(); i++ {
		if _, err := f.ReadAt(frameBuf, types.FrameOffset(i)); err != nil {
			return err
		}
		frame, err := types.DecodeFrame(frameBuf)
		if err != nil {
			return err
		}
		frameNo := h.StartFrameNo + i
		if !opts.Latest && frameNo > opts.PITFrameNo {
			return nil
		}
		if _, err := dest.WriteAt(frame.Payload[:], types.PageOffset(frame.Header.PageNo)); err != nil {
			return err
		}
	}
	return nil
}
