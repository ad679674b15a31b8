package record

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// SegmentHeader is the 256-byte header at the start of every segment file.
// The final 4 bytes store a CRC32 (IEEE) of the first 252 bytes.
type SegmentHeader struct {
	Magic              [8]byte
	FormatVersion      uint32
	Generation         uint64
	ConceptTableOffset uint64
	ConceptCount       uint32
	AssocTableOffset   uint64
	AssocCount         uint32
	ContentAreaOffset  uint64
	ContentAreaLength  uint64
	VectorAreaOffset   uint64
	VectorAreaLength   uint64
}

// NewSegmentHeader builds a header with the fixed magic and current format
// version pre-filled.
func NewSegmentHeader() SegmentHeader {
	var h SegmentHeader
	copy(h.Magic[:], SegmentMagic)
	h.FormatVersion = SegmentFormatVersion
	return h
}

// MarshalBinary encodes the header into its 256-byte wire form, including
// the trailing CRC32 of the preceding 252 bytes.
func (h SegmentHeader) MarshalBinary() []byte {
	buf := make([]byte, SegmentHeaderSize)
	off := 0
	copy(buf[off:], h.Magic[:])
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], h.FormatVersion)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.Generation)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.ConceptTableOffset)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], h.ConceptCount)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.AssocTableOffset)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], h.AssocCount)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.ContentAreaOffset)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.ContentAreaLength)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.VectorAreaOffset)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.VectorAreaLength)
	off += 8
	// reserved bytes up to offset 252 stay zero.
	crc := crc32.ChecksumIEEE(buf[:SegmentHeaderSize-4])
	binary.LittleEndian.PutUint32(buf[SegmentHeaderSize-4:], crc)
	return buf
}

// ErrCorruptSegment is returned when a segment header fails validation.
var ErrCorruptSegment = fmt.Errorf("record: corrupt segment")

// ParseSegmentHeader decodes and validates a 256-byte segment header,
// checking the magic, format version, and trailing CRC32.
func ParseSegmentHeader(b []byte) (SegmentHeader, error) {
	if len(b) < SegmentHeaderSize {
		return SegmentHeader{}, fmt.Errorf("%w: short header (%d < %d)", ErrCorruptSegment, len(b), SegmentHeaderSize)
	}
	wantCRC := binary.LittleEndian.Uint32(b[SegmentHeaderSize-4:])
	gotCRC := crc32.ChecksumIEEE(b[:SegmentHeaderSize-4])
	if wantCRC != gotCRC {
		return SegmentHeader{}, fmt.Errorf("%w: header crc mismatch", ErrCorruptSegment)
	}

	var h SegmentHeader
	off := 0
	copy(h.Magic[:], b[off:off+8])
	off += 8
	if string(h.Magic[:]) != SegmentMagic {
		return SegmentHeader{}, fmt.Errorf("%w: bad magic %q", ErrCorruptSegment, h.Magic[:])
	}
	h.FormatVersion = binary.LittleEndian.Uint32(b[off:])
	off += 4
	if h.FormatVersion != SegmentFormatVersion {
		return SegmentHeader{}, fmt.Errorf("%w: unsupported format version %d", ErrCorruptSegment, h.FormatVersion)
	}
	h.Generation = binary.LittleEndian.Uint64(b[off:])
	off += 8
	h.ConceptTableOffset = binary.LittleEndian.Uint64(b[off:])
	off += 8
	h.ConceptCount = binary.LittleEndian.Uint32(b[off:])
	off += 4
	h.AssocTableOffset = binary.LittleEndian.Uint64(b[off:])
	off += 8
	h.AssocCount = binary.LittleEndian.Uint32(b[off:])
	off += 4
	h.ContentAreaOffset = binary.LittleEndian.Uint64(b[off:])
	off += 8
	h.ContentAreaLength = binary.LittleEndian.Uint64(b[off:])
	off += 8
	h.VectorAreaOffset = binary.LittleEndian.Uint64(b[off:])
	off += 8
	h.VectorAreaLength = binary.LittleEndian.Uint64(b[off:])
	return h, nil
}

func init() {
	if n := len(NewSegmentHeader().MarshalBinary()); n != SegmentHeaderSize {
		panic(fmt.Sprintf("record: SegmentHeader encodes to %d bytes, want %d", n, SegmentHeaderSize))
	}
}
