//go:build !linux && !darwin

package writebuf

import "os"

// fallocateFile is a no-op where no reservation syscall is available; the
// file grows as it is written.
func fallocateFile(f *os.File, size int64) error {
	return nil
}
