package ovstore

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	ovserrors "github.com/tamirms/ovstore/errors"
	"github.com/tamirms/ovstore/overlap"
)

const (
	// segmentMagic identifies a slice segment file.
	// "OVSS" in little-endian
	segmentMagic = uint32(0x5353564F)

	// segmentVersion is the current segment format version
	segmentVersion = uint16(0x0001)

	// segmentHeaderSize is the exact size of the serialized header (64 bytes)
	segmentHeaderSize = 64

	// segmentFooterSize is the exact size of the serialized footer (32 bytes)
	segmentFooterSize = 32

	// readIndexEntrySize is the size of one read index entry (16 bytes)
	readIndexEntrySize = 16

	segmentSuffix = ".ovs"
	tmpSuffix     = ".tmp"
)

// SegmentPath returns the path of the segment holding slice's sorted overlaps.
func SegmentPath(storePath string, slice uint32) string {
	return filepath.Join(storePath, fmt.Sprintf("%04d%s", slice, segmentSuffix))
}

// segmentHeader is the 64-byte segment header.
//
// Layout:
//
//	Offset  Size  Field       Type
//	0       4     Magic       0x5353564F ("OVSS")
//	4       2     Version     0x0001
//	6       2     RecordSize  uint16_le (24)
//	8       4     Slice       uint32_le
//	12      4     NumSlices   uint32_le
//	16      8     NumRecords  uint64_le
//	24      4     MinAID      uint32_le (0 when empty)
//	28      4     MaxAID      uint32_le (0 when empty)
//	32      32    Reserved    [32]byte (zero)
type segmentHeader struct {
	Magic      uint32
	Version    uint16
	RecordSize uint16
	Slice      uint32
	NumSlices  uint32
	NumRecords uint64
	MinAID     uint32
	MaxAID     uint32
	Reserved   [32]byte
}

func (h *segmentHeader) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.RecordSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.Slice)
	binary.LittleEndian.PutUint32(buf[12:16], h.NumSlices)
	binary.LittleEndian.PutUint64(buf[16:24], h.NumRecords)
	binary.LittleEndian.PutUint32(buf[24:28], h.MinAID)
	binary.LittleEndian.PutUint32(buf[28:32], h.MaxAID)
	copy(buf[32:64], h.Reserved[:])
}

func decodeSegmentHeader(buf []byte) (*segmentHeader, error) {
	if len(buf) < segmentHeaderSize {
		return nil, ovserrors.ErrTruncatedFile
	}

	h := &segmentHeader{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		Version:    binary.LittleEndian.Uint16(buf[4:6]),
		RecordSize: binary.LittleEndian.Uint16(buf[6:8]),
		Slice:      binary.LittleEndian.Uint32(buf[8:12]),
		NumSlices:  binary.LittleEndian.Uint32(buf[12:16]),
		NumRecords: binary.LittleEndian.Uint64(buf[16:24]),
		MinAID:     binary.LittleEndian.Uint32(buf[24:28]),
		MaxAID:     binary.LittleEndian.Uint32(buf[28:32]),
	}
	copy(h.Reserved[:], buf[32:64])

	if h.Magic != segmentMagic {
		return nil, ovserrors.ErrInvalidMagic
	}
	if h.Version != segmentVersion {
		return nil, ovserrors.ErrInvalidVersion
	}
	if h.RecordSize != overlap.Size {
		return nil, fmt.Errorf("%w: record size %d", ovserrors.ErrCorruptSegment, h.RecordSize)
	}
	if h.Slice == 0 || h.Slice > h.NumSlices {
		return nil, fmt.Errorf("%w: slice %d of %d", ovserrors.ErrCorruptSegment, h.Slice, h.NumSlices)
	}
	if h.MinAID > h.MaxAID {
		return nil, ovserrors.ErrCorruptSegment
	}

	return h, nil
}

// segmentFooter is the 32-byte segment footer.
//
// Layout:
//
//	Offset  Size  Field            Type
//	0       8     RecordsHash      uint64_le (xxHash64 of record region)
//	8       8     IndexHash        uint64_le (xxHash64 of read index region)
//	16      8     NumIndexEntries  uint64_le
//	24      8     Reserved         [8]byte (zero)
type segmentFooter struct {
	RecordsHash     uint64
	IndexHash       uint64
	NumIndexEntries uint64
	Reserved        [8]byte
}

func (f *segmentFooter) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], f.RecordsHash)
	binary.LittleEndian.PutUint64(buf[8:16], f.IndexHash)
	binary.LittleEndian.PutUint64(buf[16:24], f.NumIndexEntries)
	copy(buf[24:32], f.Reserved[:])
}

func decodeSegmentFooter(buf []byte) (*segmentFooter, error) {
	if len(buf) < segmentFooterSize {
		return nil, ovserrors.ErrTruncatedFile
	}

	f := &segmentFooter{
		RecordsHash:     binary.LittleEndian.Uint64(buf[0:8]),
		IndexHash:       binary.LittleEndian.Uint64(buf[8:16]),
		NumIndexEntries: binary.LittleEndian.Uint64(buf[16:24]),
	}
	copy(f.Reserved[:], buf[24:32])

	return f, nil
}

// readIndexEntry locates the first record of one A read.
// Entries are written in ascending AID order; an entry's record count is
// the next entry's FirstRecord minus its own.
//
// Wire format (16 bytes, little-endian):
//
//	Offset  Size  Field        Type
//	0       4     AID          uint32_le
//	4       4     Reserved     uint32_le (zero)
//	8       8     FirstRecord  uint64_le (record ordinal)
type readIndexEntry struct {
	AID         uint32
	FirstRecord uint64
}

func encodeReadIndexEntryTo(e readIndexEntry, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], e.AID)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], e.FirstRecord)
}

func decodeReadIndexEntry(buf []byte) readIndexEntry {
	return readIndexEntry{
		AID:         binary.LittleEndian.Uint32(buf[0:4]),
		FirstRecord: binary.LittleEndian.Uint64(buf[8:16]),
	}
}
