//go:build darwin

package writebuf

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// fallocateFile reserves size bytes of disk for f without changing its
// length. F_PREALLOCATE only reserves blocks; the file size is untouched.
func fallocateFile(f *os.File, size int64) error {
	fst := unix.Fstore_t{
		Flags:   unix.F_ALLOCATEALL,
		Posmode: unix.F_PEOFPOSMODE,
		Offset:  0,
		Length:  size,
	}
	err := unix.FcntlFstore(f.Fd(), unix.F_PREALLOCATE, &fst)
	if errors.Is(err, unix.ENOSPC) {
		return err
	}
	return nil
}
