package segment

import (
	"os"
)

// OSFile adapts *os.File to WritableFile, applying the platform-specific
// fsync behavior from fsync_linux.go/fsync_darwin.go.
type OSFile struct {
	f *os.File
}

// OpenOSFile opens path for read/write, creating it if it does not exist.
func OpenOSFile(path string) (*OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &OSFile{f: f}, nil
}

// OpenOSFileReadOnly opens path for read-only access, used for sealed
// segments once no further writes are expected.
func OpenOSFileReadOnly(path string) (*OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &OSFile{f: f}, nil
}

func (o *OSFile) ReadAt(p []byte, off int64) (int, error)  { return o.f.ReadAt(p, off) }
func (o *OSFile) WriteAt(p []byte, off int64) (int, error) { return o.f.WriteAt(p, off) }
func (o *OSFile) Sync() error                              { return fsyncFile(o.f) }
func (o *OSFile) Truncate(size int64) error                { return o.f.Truncate(size) }
func (o *OSFile) Close() error                             { return o.f.Close() }

// Name returns the underlying path, used by the checkpointer and archival
// store to locate the file for bulk operations.
func (o *OSFile) Name() string { return o.f.Name() }
