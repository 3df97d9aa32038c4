package sharedwal

import "os"

// mainFile wraps the flat main database file (one PageSize page per slot,
// plus an optional trailing DBFooter) that the checkpointer writes through
// and the replication streamer's snapshot fallback reads from.
type mainFile struct {
	f *os.File
}

func openMainFile(path string) (*mainFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &mainFile{f: f}, nil
}

func (m *mainFile) ReadAt(p []byte, off int64) (int, error)  { return m.f.ReadAt(p, off) }
func (m *mainFile) WriteAt(p []byte, off int64) (int, error) { return m.f.WriteAt(p, off) }
func (m *mainFile) Sync() error                              { return m.f.Sync() }
func (m *mainFile) Close() error                             { return m.f.Close() }

func (m *mainFile) Size() (int64, error) {
	info, err := m.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
