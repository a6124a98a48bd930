// Package errors defines all exported error sentinels for the ovstore library.
//
// This is the single source of truth for error values. The top-level ovstore
// package, the overlap codec and the internal writer all import from here,
// ensuring errors.Is checks work across package boundaries.
package errors

import "errors"

// Usage errors
var (
	ErrInvalidSlice   = errors.New("ovstore: slice index out of range")
	ErrInvalidMemory  = errors.New("ovstore: memory limit too small to hold a single overlap")
	ErrInvalidConfig  = errors.New("ovstore: invalid store configuration")
	ErrInvalidSeq     = errors.New("ovstore: invalid sequence store")
	ErrSorterFinished = errors.New("ovstore: slice sorter already ran")
)

// Coordination errors
var (
	ErrSliceInProgress = errors.New("ovstore: job (appears to be) in progress")
)

// Resource errors
var (
	ErrMemoryBudget = errors.New("ovstore: overlaps exceed memory limit")
)

// Data integrity errors
var (
	ErrCountMismatch     = errors.New("ovstore: overlap count mismatch")
	ErrBucketCorrupt     = errors.New("ovstore: bucket data is corrupted")
	ErrBucketMissing     = errors.New("ovstore: bucket slice file is missing")
	ErrReadIDOutOfRange  = errors.New("ovstore: overlap has read IDs out of range")
	ErrWorkingSetFull    = errors.New("ovstore: bucket holds more overlaps than the working set has room for")
	ErrShortRecord       = errors.New("ovstore: buffer shorter than one overlap record")
	ErrSegmentOutOfOrder = errors.New("ovstore: segment records are not sorted")
)

// Segment errors
var (
	ErrInvalidMagic   = errors.New("ovstore: invalid magic number")
	ErrInvalidVersion = errors.New("ovstore: unsupported version")
	ErrChecksumFailed = errors.New("ovstore: segment checksum verification failed")
	ErrTruncatedFile  = errors.New("ovstore: segment file is truncated")
	ErrCorruptSegment = errors.New("ovstore: segment data is corrupted")
	ErrSegmentClosed  = errors.New("ovstore: segment is closed")
)

// Writer errors
var (
	ErrWriterClosed = errors.New("ovstore: write buffer is closed")
)
