package ovstore

import (
	"context"
	"math/bits"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/tamirms/ovstore/overlap"
)

// minParallelChunk is the smallest chunk worth sorting on its own goroutine.
const minParallelChunk = 1 << 14

type sortPath int

const (
	sortSequential sortPath = iota
	sortParallel
)

func (p sortPath) String() string {
	if p == sortParallel {
		return "parallel"
	}
	return "sequential"
}

// planSort picks the parallel path only when more than one worker is
// requested, the working set is large enough to split, and the limit leaves
// room for the merge scratch buffer (a second working set).
func planSort(n, maxMemory uint64, workers int) sortPath {
	if workers <= 1 || n < 2*minParallelChunk {
		return sortSequential
	}
	if maxMemory == Unlimited {
		return sortParallel
	}
	hi, need := bits.Mul64(2*n, overlap.SortSize)
	if hi != 0 || need > maxMemory {
		return sortSequential
	}
	return sortParallel
}

// sortOverlaps sorts ws in place into overlap.Compare order.
//
// The sequential path sorts with no extra memory. The parallel path sorts
// workers chunks concurrently and merges them pairwise through one scratch
// buffer of len(ws) records.
func sortOverlaps(ctx context.Context, ws []overlap.Overlap, maxMemory uint64, workers int) (sortPath, error) {
	path := planSort(uint64(len(ws)), maxMemory, workers)
	if path == sortSequential {
		slices.SortFunc(ws, overlap.Compare)
		return path, ctx.Err()
	}
	return path, parallelSort(ctx, ws, workers)
}

func parallelSort(ctx context.Context, ws []overlap.Overlap, workers int) error {
	chunks := min(workers, len(ws)/minParallelChunk)
	bounds := make([]int, chunks+1)
	for i := range bounds {
		bounds[i] = len(ws) * i / chunks
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < chunks; i++ {
		chunk := ws[bounds[i]:bounds[i+1]]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slices.SortFunc(chunk, overlap.Compare)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	scratch := make([]overlap.Overlap, len(ws))
	src, dst := ws, scratch
	for len(bounds) > 2 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		next := []int{0}
		for i := 0; i+1 < len(bounds); i += 2 {
			lo := bounds[i]
			if i+2 >= len(bounds) {
				// Odd run out: carried over unchanged.
				hi := bounds[i+1]
				g.Go(func() error {
					copy(dst[lo:hi], src[lo:hi])
					return nil
				})
				next = append(next, hi)
				continue
			}
			mid, hi := bounds[i+1], bounds[i+2]
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				mergeRuns(dst[lo:hi], src[lo:mid], src[mid:hi])
				return nil
			})
			next = append(next, hi)
		}
		if err := g.Wait(); err != nil {
			return err
		}
		bounds = next
		src, dst = dst, src
	}

	if &src[0] != &ws[0] {
		copy(ws, src)
	}
	return nil
}

// mergeRuns merges sorted runs a and b into dst, taking from a on ties.
// len(dst) must equal len(a)+len(b).
func mergeRuns(dst, a, b []overlap.Overlap) {
	i, j, k := 0, 0, 0
	for i < len(a) && j < len(b) {
		if overlap.Compare(a[i], b[j]) <= 0 {
			dst[k] = a[i]
			i++
		} else {
			dst[k] = b[j]
			j++
		}
		k++
	}
	k += copy(dst[k:], a[i:])
	copy(dst[k:], b[j:])
}
