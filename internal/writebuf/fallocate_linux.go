//go:build linux

package writebuf

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// fallocateFile reserves size bytes of disk for f without changing its
// length, so running out of space fails here instead of mid-write.
// Filesystems without fallocate support are not an error.
func fallocateFile(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size)
	if errors.Is(err, unix.ENOSPC) {
		return err
	}
	return nil
}
