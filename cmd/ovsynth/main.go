// Ovsynth writes a synthetic overlap store input (configuration, sequence
// store metadata and bucket files) and optionally sorts every slice of it,
// reporting throughput and peak memory.
//
// Usage:
//
//	go run ./cmd/ovsynth -O /tmp/store -reads 1000000 -per-read 20 -sort
//
// Flags:
//
//	-O         Store directory to create (required)
//	-reads     Number of reads (default: 100,000)
//	-per-read  Overlaps generated per read; each is stored from both ends (default: 10)
//	-slices    Number of slices (default: 4)
//	-buckets   Highest bucket index (default: 3)
//	-seed      Hash seed (default: 0x1234)
//	-sort      Sort every slice after generating
//	-workers   Sort goroutines when -sort is set (default: 1)
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sys/unix"

	"github.com/tamirms/ovstore"
	"github.com/tamirms/ovstore/overlap"
)

// peakRSS is the process's resident-set high-water mark in bytes. Linux
// reports ru_maxrss in KiB, darwin in bytes.
func peakRSS() uint64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	if runtime.GOOS == "darwin" {
		return uint64(ru.Maxrss)
	}
	return uint64(ru.Maxrss) << 10
}

func main() {
	storeFlag := flag.String("O", "", "store directory to create")
	readsFlag := flag.Uint("reads", 100_000, "number of reads")
	perReadFlag := flag.Uint("per-read", 10, "overlaps generated per read")
	slicesFlag := flag.Uint("slices", 4, "number of slices")
	bucketsFlag := flag.Uint("buckets", 3, "highest bucket index")
	seedFlag := flag.Uint("seed", 0x1234, "hash seed")
	sortFlag := flag.Bool("sort", false, "sort every slice after generating")
	workersFlag := flag.Int("workers", 1, "sort goroutines")
	flag.Parse()

	if *storeFlag == "" || *readsFlag < 2 || *slicesFlag == 0 || uint64(*slicesFlag) > uint64(*readsFlag) {
		flag.Usage()
		os.Exit(1)
	}

	numReads := uint32(*readsFlag)
	numSlices := uint32(*slicesFlag)
	cfg := &ovstore.StoreConfig{
		Slices:        numSlices,
		Buckets:       uint32(*bucketsFlag),
		SliceLastRead: make([]uint32, numSlices),
	}
	for i := range cfg.SliceLastRead {
		cfg.SliceLastRead[i] = uint32(uint64(numReads) * uint64(i+1) / uint64(numSlices))
	}

	fmt.Println("Generating overlaps...")
	genStart := time.Now()
	n, err := generate(*storeFlag, cfg, numReads, uint32(*perReadFlag), uint32(*seedFlag))
	if err != nil {
		fmt.Printf("Generate failed: %v\n", err)
		os.Exit(1)
	}
	genDuration := time.Since(genStart)
	fmt.Printf("Wrote %s overlaps in %v (%.0f overlaps/s, %s)\n",
		humanize.Comma(int64(n)), genDuration.Round(time.Millisecond),
		float64(n)/genDuration.Seconds(), humanize.IBytes(n*overlap.Size))

	if !*sortFlag {
		return
	}

	seq, err := ovstore.OpenSeqStore(seqStorePath(*storeFlag))
	if err != nil {
		fmt.Printf("OpenSeqStore failed: %v\n", err)
		os.Exit(1)
	}

	baselineRSS := peakRSS()

	fmt.Println("Sorting slices...")
	sortStart := time.Now()
	for slice := uint32(1); slice <= numSlices; slice++ {
		sliceStart := time.Now()
		s, err := ovstore.NewSliceSorter(*storeFlag, cfg, seq, slice, ovstore.WithSortWorkers(*workersFlag))
		if err == nil {
			err = s.Run(context.Background())
		}
		if err != nil {
			fmt.Printf("Slice %d failed: %v\n", slice, err)
			os.Exit(1)
		}
		fmt.Printf("  slice %d: %v, peak RSS %s\n",
			slice, time.Since(sliceStart).Round(time.Millisecond), humanize.IBytes(peakRSS()))
	}
	sortDuration := time.Since(sortStart)

	fmt.Printf("Sorted %d slices in %v (%.0f overlaps/s)\n",
		numSlices, sortDuration.Round(time.Millisecond), float64(n)/sortDuration.Seconds())
	fmt.Printf("Peak RSS: %s (%s before sorting)\n", humanize.IBytes(peakRSS()), humanize.IBytes(baselineRSS))
}

func seqStorePath(storePath string) string {
	return filepath.Join(storePath, "reads.seqStore")
}

// generate writes perRead overlaps for every read, each stored from both
// reads, spread across all buckets. Returns the number of records.
func generate(storePath string, cfg *ovstore.StoreConfig, numReads, perRead, seed uint32) (uint64, error) {
	if err := os.MkdirAll(storePath, 0755); err != nil {
		return 0, err
	}
	if err := ovstore.SaveConfig(filepath.Join(storePath, "config.yaml"), cfg); err != nil {
		return 0, err
	}
	if err := ovstore.CreateSeqStore(seqStorePath(storePath), numReads); err != nil {
		return 0, err
	}

	writers := make([]*ovstore.BucketWriter, cfg.Buckets+1)
	closeAll := func() error {
		var errs []error
		for _, w := range writers {
			if w != nil {
				errs = append(errs, w.Close())
			}
		}
		return errors.Join(errs...)
	}
	for b := range writers {
		w, err := ovstore.NewBucketWriter(storePath, uint32(b), cfg)
		if err != nil {
			return 0, errors.Join(err, closeAll())
		}
		writers[b] = w
	}

	var key [8]byte
	var count uint64
	for a := uint32(1); a <= numReads; a++ {
		for j := uint32(0); j < perRead; j++ {
			binary.LittleEndian.PutUint32(key[0:4], a)
			binary.LittleEndian.PutUint32(key[4:8], j)
			h1, h2 := murmur3.Sum128WithSeed(key[:], seed)

			o := syntheticOverlap(a, numReads, h1, h2)
			w := writers[h1%uint64(len(writers))]
			if err := w.Add(o); err != nil {
				return count, errors.Join(err, closeAll())
			}
			if err := w.Add(o.Swapped()); err != nil {
				return count, errors.Join(err, closeAll())
			}
			count += 2
		}
	}
	return count, closeAll()
}

// syntheticOverlap derives a plausible overlap of read a from two hash words.
func syntheticOverlap(a, numReads uint32, h1, h2 uint64) overlap.Overlap {
	b := 1 + uint32((h1>>32)%uint64(numReads))
	if b == a {
		b = a%numReads + 1
	}
	o := overlap.Overlap{
		AID:    a,
		BID:    b,
		AHang:  int32(h2&0x3fff) - 0x2000,
		BHang:  int32((h2>>14)&0x3fff) - 0x2000,
		Span:   1000 + uint32((h2>>28)%20000),
		EValue: uint16((h2 >> 48) & 0x0fff),
		Flags:  uint16(h1>>8) & (overlap.FlagForUTG | overlap.FlagForOBT | overlap.FlagForDUP),
	}
	if h1&1 != 0 {
		o.Flags |= overlap.FlagFlipped
	}
	return o
}
