// Package overlap defines the fixed-size overlap record stored in bucket files
// and store segments, its binary encoding and its total order.
package overlap

import (
	"cmp"
	"encoding/binary"

	ovserrors "github.com/tamirms/ovstore/errors"
)

const (
	// Size is the exact serialized size of an overlap record.
	Size = 24

	// SortSize is the in-memory size of an Overlap, as accounted for by the
	// memory budget check. The struct has no padding, so it equals Size.
	SortSize = 24
)

// Flag bits stored in Overlap.Flags.
const (
	FlagFlipped uint16 = 1 << iota
	FlagForUTG
	FlagForOBT
	FlagForDUP
)

// Overlap describes an alignment between reads AID and BID.
//
// Wire format (24 bytes, little-endian):
//
//	Offset  Size  Field   Type
//	0       4     AID     uint32_le
//	4       4     BID     uint32_le
//	8       4     AHang   int32_le
//	12      4     BHang   int32_le
//	16      4     Span    uint32_le
//	20      2     EValue  uint16_le (encoded error rate)
//	22      2     Flags   uint16_le (FlagFlipped | FlagForUTG | FlagForOBT | FlagForDUP)
type Overlap struct {
	AID    uint32
	BID    uint32
	AHang  int32
	BHang  int32
	Span   uint32
	EValue uint16
	Flags  uint16
}

// Flipped reports whether B aligns in the reverse orientation.
func (o Overlap) Flipped() bool {
	return o.Flags&FlagFlipped != 0
}

// Swapped returns the same alignment seen from read B.
// Hangs are negated, and for flipped overlaps also exchanged.
func (o Overlap) Swapped() Overlap {
	s := o
	s.AID, s.BID = o.BID, o.AID
	if o.Flipped() {
		s.AHang, s.BHang = o.BHang, o.AHang
	} else {
		s.AHang, s.BHang = -o.AHang, -o.BHang
	}
	return s
}

// Encode serializes o into dst, which must hold at least Size bytes.
func (o Overlap) Encode(dst []byte) {
	_ = dst[Size-1]
	binary.LittleEndian.PutUint32(dst[0:4], o.AID)
	binary.LittleEndian.PutUint32(dst[4:8], o.BID)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(o.AHang))
	binary.LittleEndian.PutUint32(dst[12:16], uint32(o.BHang))
	binary.LittleEndian.PutUint32(dst[16:20], o.Span)
	binary.LittleEndian.PutUint16(dst[20:22], o.EValue)
	binary.LittleEndian.PutUint16(dst[22:24], o.Flags)
}

// AppendEncode appends the serialized record to dst.
func (o Overlap) AppendEncode(dst []byte) []byte {
	var buf [Size]byte
	o.Encode(buf[:])
	return append(dst, buf[:]...)
}

// Decode parses one record from src.
func Decode(src []byte) (Overlap, error) {
	if len(src) < Size {
		return Overlap{}, ovserrors.ErrShortRecord
	}
	return decode(src), nil
}

// DecodeInto appends every complete record in src to dst.
// len(src) must be a multiple of Size.
func DecodeInto(dst []Overlap, src []byte) ([]Overlap, error) {
	if len(src)%Size != 0 {
		return dst, ovserrors.ErrShortRecord
	}
	for off := 0; off < len(src); off += Size {
		dst = append(dst, decode(src[off:off+Size]))
	}
	return dst, nil
}

func decode(src []byte) Overlap {
	_ = src[Size-1]
	return Overlap{
		AID:    binary.LittleEndian.Uint32(src[0:4]),
		BID:    binary.LittleEndian.Uint32(src[4:8]),
		AHang:  int32(binary.LittleEndian.Uint32(src[8:12])),
		BHang:  int32(binary.LittleEndian.Uint32(src[12:16])),
		Span:   binary.LittleEndian.Uint32(src[16:20]),
		EValue: binary.LittleEndian.Uint16(src[20:22]),
		Flags:  binary.LittleEndian.Uint16(src[22:24]),
	}
}

// Compare is the store's total order: by AID, then BID, then orientation
// (forward before flipped), then the remaining fields. Every field takes
// part, so two records compare equal only if they encode identically.
func Compare(a, b Overlap) int {
	if c := cmp.Compare(a.AID, b.AID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.BID, b.BID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Flags&FlagFlipped, b.Flags&FlagFlipped); c != 0 {
		return c
	}
	if c := cmp.Compare(a.AHang, b.AHang); c != 0 {
		return c
	}
	if c := cmp.Compare(a.BHang, b.BHang); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Span, b.Span); c != 0 {
		return c
	}
	if c := cmp.Compare(a.EValue, b.EValue); c != 0 {
		return c
	}
	return cmp.Compare(a.Flags, b.Flags)
}

// Less reports whether a sorts before b.
func Less(a, b Overlap) bool {
	return Compare(a, b) < 0
}
