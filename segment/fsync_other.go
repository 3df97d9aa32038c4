//go:build !linux && !darwin

package segment

import "os"

func fsyncFile(f *os.File) error {
	return f.Sync()
}
