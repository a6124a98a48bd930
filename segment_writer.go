package ovstore

import (
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"

	ovserrors "github.com/tamirms/ovstore/errors"
	"github.com/tamirms/ovstore/internal/writebuf"
	"github.com/tamirms/ovstore/overlap"
)

// encodeBatch is the number of records serialized per write call.
const encodeBatch = 4096

// segmentWriter writes one slice segment through a buffered writer.
// File layout: [Header 64B][Records N×24B][Read Index E×16B][Footer 32B]
//
// The file is written under a temporary name and renamed into place by
// finalize, so a segment under its final name is always complete.
type segmentWriter struct {
	path    string
	tmpPath string
	w       *writebuf.Writer

	header     segmentHeader
	numEntries uint64

	// Streaming hashers, fed as each region is written.
	recordsHasher *xxhash.Digest
	indexHasher   *xxhash.Digest

	scratch []byte
}

// segmentStats describes a written segment.
type segmentStats struct {
	Records      uint64
	IndexEntries uint64
	Bytes        uint64
}

// writeSegment writes recs, which must already be in overlap.Compare order,
// as the segment for slice.
func writeSegment(storePath string, slice, numSlices uint32, recs []overlap.Overlap) (segmentStats, error) {
	sw, err := newSegmentWriter(storePath, slice, numSlices, recs)
	if err != nil {
		return segmentStats{}, err
	}
	if err := sw.writeRecords(recs); err != nil {
		return segmentStats{}, errors.Join(err, sw.close())
	}
	if err := sw.writeIndex(recs); err != nil {
		return segmentStats{}, errors.Join(err, sw.close())
	}
	return sw.finalize()
}

// newSegmentWriter validates the ordering of recs, derives the header and
// the exact file size from them, and prepares the temporary file.
func newSegmentWriter(storePath string, slice, numSlices uint32, recs []overlap.Overlap) (*segmentWriter, error) {
	numEntries, err := countReadIndexEntries(recs)
	if err != nil {
		return nil, err
	}

	hdr := segmentHeader{
		Magic:      segmentMagic,
		Version:    segmentVersion,
		RecordSize: overlap.Size,
		Slice:      slice,
		NumSlices:  numSlices,
		NumRecords: uint64(len(recs)),
	}
	if len(recs) > 0 {
		hdr.MinAID = recs[0].AID
		hdr.MaxAID = recs[len(recs)-1].AID
	}

	size := segmentFileSize(uint64(len(recs)), numEntries)

	path := SegmentPath(storePath, slice)
	tmpPath := path + tmpSuffix
	w, err := writebuf.New(tmpPath, writebuf.ModeWrite, writebuf.WithPreallocate(int64(size)))
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}

	return &segmentWriter{
		path:          path,
		tmpPath:       tmpPath,
		w:             w,
		header:        hdr,
		numEntries:    numEntries,
		recordsHasher: xxhash.New(),
		indexHasher:   xxhash.New(),
		scratch:       make([]byte, 0, encodeBatch*overlap.Size),
	}, nil
}

// countReadIndexEntries returns the number of distinct AIDs in recs and
// fails if recs is not sorted.
func countReadIndexEntries(recs []overlap.Overlap) (uint64, error) {
	var n uint64
	for i := range recs {
		if i > 0 && overlap.Compare(recs[i-1], recs[i]) > 0 {
			return 0, fmt.Errorf("%w: record %d", ovserrors.ErrSegmentOutOfOrder, i)
		}
		if i == 0 || recs[i].AID != recs[i-1].AID {
			n++
		}
	}
	return n, nil
}

func segmentFileSize(numRecords, numEntries uint64) uint64 {
	return segmentHeaderSize + numRecords*overlap.Size + numEntries*readIndexEntrySize + segmentFooterSize
}

func (sw *segmentWriter) writeRecords(recs []overlap.Overlap) error {
	var buf [segmentHeaderSize]byte
	sw.header.encodeTo(buf[:])
	if _, err := sw.w.Write(buf[:]); err != nil {
		return err
	}

	for start := 0; start < len(recs); start += encodeBatch {
		end := min(start+encodeBatch, len(recs))
		sw.scratch = sw.scratch[:0]
		for i := start; i < end; i++ {
			sw.scratch = recs[i].AppendEncode(sw.scratch)
		}
		if _, err := sw.recordsHasher.Write(sw.scratch); err != nil {
			panic("hash.Hash.Write returned unexpected error: " + err.Error())
		}
		if _, err := sw.w.Write(sw.scratch); err != nil {
			return err
		}
	}
	return nil
}

// writeIndex emits one entry per distinct AID. recs is scanned again rather
// than collecting entries during writeRecords, so the index costs no memory
// beyond the scratch buffer.
func (sw *segmentWriter) writeIndex(recs []overlap.Overlap) error {
	sw.scratch = sw.scratch[:0]
	var written uint64
	for i := range recs {
		if i > 0 && recs[i].AID == recs[i-1].AID {
			continue
		}
		var buf [readIndexEntrySize]byte
		encodeReadIndexEntryTo(readIndexEntry{AID: recs[i].AID, FirstRecord: uint64(i)}, buf[:])
		sw.scratch = append(sw.scratch, buf[:]...)
		written++

		if len(sw.scratch) == cap(sw.scratch) {
			if err := sw.flushIndexScratch(); err != nil {
				return err
			}
		}
	}
	if err := sw.flushIndexScratch(); err != nil {
		return err
	}
	if written != sw.numEntries {
		panic("segmentWriter: read index entry count changed between passes")
	}
	return nil
}

func (sw *segmentWriter) flushIndexScratch() error {
	if len(sw.scratch) == 0 {
		return nil
	}
	if _, err := sw.indexHasher.Write(sw.scratch); err != nil {
		panic("hash.Hash.Write returned unexpected error: " + err.Error())
	}
	_, err := sw.w.Write(sw.scratch)
	sw.scratch = sw.scratch[:0]
	return err
}

// finalize writes the footer, commits the file to stable storage and
// renames it into place. On error, delegates to close() for cleanup.
func (sw *segmentWriter) finalize() (segmentStats, error) {
	ftr := segmentFooter{
		RecordsHash:     sw.recordsHasher.Sum64(),
		IndexHash:       sw.indexHasher.Sum64(),
		NumIndexEntries: sw.numEntries,
	}
	var buf [segmentFooterSize]byte
	ftr.encodeTo(buf[:])
	if _, err := sw.w.Write(buf[:]); err != nil {
		return segmentStats{}, errors.Join(err, sw.close())
	}

	size := sw.w.Tell()
	if want := segmentFileSize(sw.header.NumRecords, sw.numEntries); size != want {
		primaryErr := fmt.Errorf("segment size %d differs from computed size %d", size, want)
		return segmentStats{}, errors.Join(primaryErr, sw.close())
	}

	if err := sw.w.Sync(); err != nil {
		return segmentStats{}, errors.Join(err, sw.close())
	}
	if err := sw.w.Close(); err != nil {
		return segmentStats{}, errors.Join(err, sw.close())
	}
	if err := os.Rename(sw.tmpPath, sw.path); err != nil {
		primaryErr := fmt.Errorf("failed to rename segment into place: %w", err)
		return segmentStats{}, errors.Join(primaryErr, sw.close())
	}

	return segmentStats{
		Records:      sw.header.NumRecords,
		IndexEntries: sw.numEntries,
		Bytes:        size,
	}, nil
}

// close abandons the segment and removes the temporary file.
// Idempotent: safe to call multiple times.
func (sw *segmentWriter) close() error {
	closeErr := sw.w.Close()
	var removeErr error
	if err := os.Remove(sw.tmpPath); err != nil && !os.IsNotExist(err) {
		removeErr = err
	}
	return errors.Join(closeErr, removeErr)
}
