package ovstore

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"

	ovserrors "github.com/tamirms/ovstore/errors"
	"github.com/tamirms/ovstore/overlap"
)

// Segment is a read-only, memory-mapped slice segment.
//
// Thread Safety:
// - Record, Lookup, Records and Verify are safe for concurrent use
// - Close must only be called after all reads have completed
type Segment struct {
	mmap mmap.MMap
	data []byte

	header *segmentHeader
	footer *segmentFooter

	recordsOffset uint64
	indexOffset   uint64

	closed atomic.Bool
}

// OpenSegment opens the segment file at path.
// It memory-maps the file and closes the file descriptor.
func OpenSegment(path string) (*Segment, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment file: %w", err)
	}
	if stat.Size() < segmentHeaderSize+segmentFooterSize {
		return nil, ovserrors.ErrTruncatedFile
	}

	mm, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap segment file: %w", err)
	}

	seg := &Segment{
		mmap: mm,
		data: []byte(mm),
	}
	if err := seg.initFromData(); err != nil {
		return nil, errors.Join(err, seg.Close())
	}
	return seg, nil
}

func (s *Segment) initFromData() error {
	fileSize := uint64(len(s.data))

	hdr, err := decodeSegmentHeader(s.data[:segmentHeaderSize])
	if err != nil {
		return err
	}
	ftr, err := decodeSegmentFooter(s.data[fileSize-segmentFooterSize:])
	if err != nil {
		return err
	}

	// Guard the size arithmetic against absurd counts in a damaged header.
	maxRecords := (fileSize - segmentHeaderSize - segmentFooterSize) / overlap.Size
	maxEntries := (fileSize - segmentHeaderSize - segmentFooterSize) / readIndexEntrySize
	if hdr.NumRecords > maxRecords || ftr.NumIndexEntries > maxEntries {
		return ovserrors.ErrTruncatedFile
	}
	if want := segmentFileSize(hdr.NumRecords, ftr.NumIndexEntries); want != fileSize {
		return fmt.Errorf("%w: size %d, layout needs %d", ovserrors.ErrTruncatedFile, fileSize, want)
	}
	if (hdr.NumRecords == 0) != (ftr.NumIndexEntries == 0) || ftr.NumIndexEntries > hdr.NumRecords {
		return ovserrors.ErrCorruptSegment
	}

	s.header = hdr
	s.footer = ftr
	s.recordsOffset = segmentHeaderSize
	s.indexOffset = segmentHeaderSize + hdr.NumRecords*overlap.Size
	return nil
}

// Close unmaps the segment.
func (s *Segment) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.mmap != nil {
		return s.mmap.Unmap()
	}
	return nil
}

// Slice returns the slice number recorded in the header.
func (s *Segment) Slice() uint32 { return s.header.Slice }

// NumSlices returns the number of slices the store was partitioned into.
func (s *Segment) NumSlices() uint32 { return s.header.NumSlices }

// NumRecords returns the number of overlaps in the segment.
func (s *Segment) NumRecords() uint64 { return s.header.NumRecords }

// NumReads returns the number of distinct A reads in the segment.
func (s *Segment) NumReads() uint64 { return s.footer.NumIndexEntries }

// AIDRange returns the smallest and largest AID. Both are 0 for an empty
// segment.
func (s *Segment) AIDRange() (uint32, uint32) { return s.header.MinAID, s.header.MaxAID }

// Record returns the i-th overlap in sorted order.
func (s *Segment) Record(i uint64) (overlap.Overlap, error) {
	if s.closed.Load() {
		return overlap.Overlap{}, ovserrors.ErrSegmentClosed
	}
	if i >= s.header.NumRecords {
		return overlap.Overlap{}, fmt.Errorf("record %d out of range [0, %d)", i, s.header.NumRecords)
	}
	off := s.recordsOffset + i*overlap.Size
	return overlap.Decode(s.data[off : off+overlap.Size])
}

// Records appends every overlap in the segment to dst.
func (s *Segment) Records(dst []overlap.Overlap) ([]overlap.Overlap, error) {
	if s.closed.Load() {
		return dst, ovserrors.ErrSegmentClosed
	}
	region := s.data[s.recordsOffset:s.indexOffset]
	madviseSequential(s.data)
	return overlap.DecodeInto(dst, region)
}

// Lookup returns the overlaps whose A read is aid, in sorted order.
// It returns an empty result if the segment holds none.
func (s *Segment) Lookup(aid uint32) ([]overlap.Overlap, error) {
	if s.closed.Load() {
		return nil, ovserrors.ErrSegmentClosed
	}
	n := int(s.footer.NumIndexEntries)
	i := sort.Search(n, func(i int) bool {
		return s.indexEntry(uint64(i)).AID >= aid
	})
	if i == n {
		return nil, nil
	}
	e := s.indexEntry(uint64(i))
	if e.AID != aid {
		return nil, nil
	}

	end := s.header.NumRecords
	if i+1 < n {
		end = s.indexEntry(uint64(i + 1)).FirstRecord
	}
	if e.FirstRecord >= end || end > s.header.NumRecords {
		return nil, ovserrors.ErrCorruptSegment
	}
	region := s.data[s.recordsOffset+e.FirstRecord*overlap.Size : s.recordsOffset+end*overlap.Size]
	return overlap.DecodeInto(make([]overlap.Overlap, 0, end-e.FirstRecord), region)
}

func (s *Segment) indexEntry(i uint64) readIndexEntry {
	off := s.indexOffset + i*readIndexEntrySize
	return decodeReadIndexEntry(s.data[off : off+readIndexEntrySize])
}

// Verify checks the integrity of the whole segment:
// 1. RecordsHash and IndexHash match the footer
// 2. records are in sorted order and agree with the header's AID range
// 3. the read index names each distinct AID once, at its first record
func (s *Segment) Verify() error {
	if s.closed.Load() {
		return ovserrors.ErrSegmentClosed
	}

	records := s.data[s.recordsOffset:s.indexOffset]
	index := s.data[s.indexOffset : uint64(len(s.data))-segmentFooterSize]
	madviseSequential(s.data)

	if xxhash.Sum64(records) != s.footer.RecordsHash {
		return fmt.Errorf("%w: record region", ovserrors.ErrChecksumFailed)
	}
	if xxhash.Sum64(index) != s.footer.IndexHash {
		return fmt.Errorf("%w: read index region", ovserrors.ErrChecksumFailed)
	}

	var prev overlap.Overlap
	var entry uint64
	for i := uint64(0); i < s.header.NumRecords; i++ {
		off := s.recordsOffset + i*overlap.Size
		cur, err := overlap.Decode(s.data[off : off+overlap.Size])
		if err != nil {
			return err
		}
		if i > 0 && overlap.Compare(prev, cur) > 0 {
			return fmt.Errorf("%w: record %d", ovserrors.ErrSegmentOutOfOrder, i)
		}
		if i == 0 || cur.AID != prev.AID {
			if entry >= s.footer.NumIndexEntries {
				return fmt.Errorf("%w: read index too short", ovserrors.ErrCorruptSegment)
			}
			e := s.indexEntry(entry)
			if e.AID != cur.AID || e.FirstRecord != i {
				return fmt.Errorf("%w: read index entry %d", ovserrors.ErrCorruptSegment, entry)
			}
			entry++
		}
		prev = cur
	}
	if entry != s.footer.NumIndexEntries {
		return fmt.Errorf("%w: read index has %d extra entries", ovserrors.ErrCorruptSegment, s.footer.NumIndexEntries-entry)
	}

	if s.header.NumRecords > 0 {
		first, _ := s.Record(0)
		if first.AID != s.header.MinAID || prev.AID != s.header.MaxAID {
			return fmt.Errorf("%w: AID range does not match header", ovserrors.ErrCorruptSegment)
		}
	}
	return nil
}
