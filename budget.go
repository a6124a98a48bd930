package ovstore

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/pbnjay/memory"

	ovserrors "github.com/tamirms/ovstore/errors"
	"github.com/tamirms/ovstore/overlap"
)

const (
	// Unlimited disables the memory budget check.
	Unlimited uint64 = math.MaxUint64

	// MemoryOverhead is what a sort process needs beyond its working set.
	// Command-line memory limits below MemoryOverhead plus one record are
	// rejected.
	MemoryOverhead uint64 = 1 << 28 // 0.25 GiB

	gib = 1 << 30

	// maxWorkingSet is the largest working set a slice can allocate,
	// whatever the limit. Heap allocations are bounded by the address
	// space, 2^47 bytes on common 64-bit platforms.
	maxWorkingSet uint64 = min(math.MaxInt, 1<<47) / overlap.SortSize * overlap.SortSize
)

// BudgetError reports that a slice's working set does not fit in the
// configured memory limit.
type BudgetError struct {
	Records    uint64
	RecordSize uint64
	MaxMemory  uint64
}

// Required returns the working-set size in bytes, saturating at
// math.MaxUint64.
func (e *BudgetError) Required() uint64 {
	hi, lo := bits.Mul64(e.Records, e.RecordSize)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

func (e *BudgetError) Error() string {
	need := float64(e.Records) * float64(e.RecordSize) / gib
	return fmt.Sprintf("overlaps need %.2f GB memory, but process limited to %d GB (%d overlaps × %d bytes = %d bytes > %d bytes)",
		need, e.MaxMemory>>30, e.Records, e.RecordSize, e.Required(), e.MaxMemory)
}

func (e *BudgetError) Unwrap() error { return ovserrors.ErrMemoryBudget }

// checkMemory fails when total records of recordSize bytes exceed
// maxMemory or cannot be addressed at all. It must run before the working
// set is allocated.
func checkMemory(total, recordSize, maxMemory uint64) error {
	maxMemory = min(maxMemory, maxWorkingSet)
	hi, lo := bits.Mul64(total, recordSize)
	if hi == 0 && lo <= maxMemory {
		return nil
	}
	return &BudgetError{Records: total, RecordSize: recordSize, MaxMemory: maxMemory}
}

// exceedsPhysicalMemory reports whether required bytes is more than the
// machine has. Physical memory is reported as 0 where it cannot be
// determined, in which case nothing is reported.
func exceedsPhysicalMemory(required uint64) (uint64, bool) {
	phys := memory.TotalMemory()
	return phys, phys != 0 && required > phys
}

// MemoryFromGB converts a limit in GiB to bytes, rounding up.
func MemoryFromGB(gb float64) (uint64, error) {
	if math.IsNaN(gb) || gb <= 0 {
		return 0, fmt.Errorf("%w: %v GB", ovserrors.ErrInvalidMemory, gb)
	}
	b := math.Ceil(gb * gib)
	if b >= math.MaxUint64 {
		return Unlimited, nil
	}
	return uint64(b), nil
}

// MinMemory is the smallest limit a command-line run accepts.
func MinMemory() uint64 {
	return MemoryOverhead + overlap.SortSize
}
