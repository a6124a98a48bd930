//go:build !linux

package ovstore

// madviseSequential is a no-op outside Linux.
func madviseSequential(data []byte) {}
