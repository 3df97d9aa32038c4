//go:build darwin

package segment

import (
	"os"
	"syscall"
)

// fsyncFile durably syncs a segment file on Darwin. Plain os.File.Sync maps
// to fsync(2), which on APFS/HFS+ only guarantees the data reached the
// drive's write cache, not the platter; a power loss right after can still
// lose the header or index-footer write that Seal/commit just fsynced.
// F_FULLFSYNC, issued here via the raw fcntl syscall since the os package
// exposes no wrapper for it, asks the drive to flush that cache too.
func fsyncFile(f *os.File) error {
	_, _, errno := syscall.Syscall(syscall.SYS_FCNTL, f.Fd(), uintptr(syscall.F_FULLFSYNC), 0)
	if errno != 0 {
		return errno
	}
	return nil
}
