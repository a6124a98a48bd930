//go:build linux

package ovstore

import "golang.org/x/sys/unix"

// madviseSequential tells the kernel a mapped region will be read front to
// back, so it reads ahead aggressively and drops pages behind the cursor.
// data must start on a page boundary, as a whole mapping does.
// Best-effort: errors are ignored.
func madviseSequential(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)
}
