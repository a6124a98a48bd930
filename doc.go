// Package ovstore implements the slice sort stage of an overlap store.
//
// An upstream stage scatters overlap records into buckets, each bucket
// holding one file per slice. For one slice, this package gathers every
// bucket's contribution into memory, checks it against a memory limit,
// sorts it, and writes the slice's segment of the store. Each slice is an
// independent, restartable job guarded by a sentinel file.
//
// # Basic Usage
//
// Sorting a slice:
//
//	cfg, err := ovstore.LoadConfig("store/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	seq, err := ovstore.OpenSeqStore("reads.seqStore")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	s, err := ovstore.NewSliceSorter("store", cfg, seq, 3,
//	    ovstore.WithMaxMemory(8<<30), ovstore.WithDeleteLate())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Reading a segment:
//
//	seg, err := ovstore.OpenSegment(ovstore.SegmentPath("store", 3))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer seg.Close()
//
//	ovls, err := seg.Lookup(1234)
//
// # Package Structure
//
//   - Public API: sorter.go (NewSliceSorter, Run), segment_reader.go (OpenSegment, Verify, Lookup)
//   - Configuration: sorter_options.go (SorterOption, With* functions), config.go, seqstore.go
//   - Inputs: bucket.go (sliceSizes tables, bucket slice files, BucketWriter)
//   - Serialization: segment.go (header, footer, readIndexEntry), segment_writer.go
//   - Guards: sentinel.go (job claim), budget.go (memory limit)
//   - Sorting: sort.go (in-place or chunked parallel)
//   - Record format: overlap/, buffered output: internal/writebuf/
//   - Platform: madvise_*.go, internal/writebuf/fallocate_*.go
//   - Commands: cmd/ovsort (sort one slice), cmd/ovsynth (synthetic store generator)
package ovstore
