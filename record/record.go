// Package record defines the fixed-layout, bit-exact wire records that the
// segment store mmaps and the reconciler produces: concept records,
// association records, the segment header, and the small value types
// (ConceptId, AssociationId, AssociationType, GraphPath) built on top of
// them.
//
// Go gives no portable guarantee that a struct's in-memory layout matches a
// hand-specified packed byte layout, so records are never reinterpreted
// directly from mmap bytes via unsafe. Instead each record type carries an
// explicit MarshalBinary method paired with a Parse* decoder
// (ParseConceptRecord, ParseAssociationRecord, ParseSegmentHeader) and the
// segment store treats
// the mmap region as a flat []byte, slicing and decoding on access.
package record

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	// ConceptRecordSize is the fixed on-disk size of a ConceptRecord.
	ConceptRecordSize = 128
	// AssociationRecordSize is the fixed on-disk size of an AssociationRecord.
	AssociationRecordSize = 64
	// SegmentHeaderSize is the fixed on-disk size of a SegmentHeader.
	SegmentHeaderSize = 256

	// SegmentMagic identifies a sutra segment file.
	SegmentMagic = "SUTRASEG"

	// SegmentFormatVersion is the current on-disk segment format version.
	SegmentFormatVersion uint32 = 1
)

// Concept record flag bits. These are the only three documented in the
// schema (spec §3): tombstone, has-embedding, has-semantic-meta.
const (
	FlagTombstone uint32 = 1 << iota
	FlagHasEmbedding
	FlagHasSemanticMeta
)

// ConceptId is a 16-byte content-addressed identifier. Equality and hashing
// are over the raw bytes; hex form is for display/diagnostics only.
type ConceptId [16]byte

// ConceptIdFromHex decodes a hex string into a ConceptId. An odd-length
// input gets a leading '0' nibble. The decoded bytes fill the id from its
// first byte: short inputs leave the trailing bytes zero, and long ones are
// truncated to the first 16 bytes.
func ConceptIdFromHex(s string) (ConceptId, error) {
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ConceptId{}, fmt.Errorf("record: invalid concept id hex %q: %w", s, err)
	}
	var id ConceptId
	if len(raw) >= 16 {
		copy(id[:], raw[:16])
	} else {
		copy(id[:], raw)
	}
	return id, nil
}

// String returns the hex encoding of the id.
func (c ConceptId) String() string {
	return hex.EncodeToString(c[:])
}

// AssociationId is a 64-bit monotonically assigned identifier, unique within
// a process lifetime.
type AssociationId uint64

// AssociationType is a closed enumeration with fixed 8-bit on-disk encodings.
type AssociationType uint8

const (
	Semantic AssociationType = iota
	Causal
	Temporal
	Hierarchical
	Compositional
)

// ErrUnknownAssocType is returned when decoding an on-disk association type
// code outside the closed enum.
var ErrUnknownAssocType = fmt.Errorf("record: association type code outside closed enum")

// ParseAssociationType validates a raw on-disk type code.
func ParseAssociationType(v uint8) (AssociationType, error) {
	if v > uint8(Compositional) {
		return 0, ErrUnknownAssocType
	}
	return AssociationType(v), nil
}

func (t AssociationType) String() string {
	switch t {
	case Semantic:
		return "Semantic"
	case Causal:
		return "Causal"
	case Temporal:
		return "Temporal"
	case Hierarchical:
		return "Hierarchical"
	case Compositional:
		return "Compositional"
	default:
		return fmt.Sprintf("AssociationType(%d)", uint8(t))
	}
}

// ConceptRecord is the fixed 128-byte concept record.
type ConceptRecord struct {
	ConceptID       ConceptId
	Strength        float32
	Confidence      float32
	AccessCount     uint32
	Created         uint64
	LastAccessed    uint64
	ContentOffset   uint64
	ContentLength   uint32
	EmbeddingOffset uint64
	SourceHash      uint32
	Flags           uint32
}

// NoEmbedding is the sentinel EmbeddingOffset value meaning "no embedding".
const NoEmbedding = ^uint64(0)

// HasFlag reports whether the given flag bit is set.
func (c ConceptRecord) HasFlag(flag uint32) bool { return c.Flags&flag != 0 }

// Tombstoned reports whether the concept has been logically deleted.
func (c ConceptRecord) Tombstoned() bool { return c.HasFlag(FlagTombstone) }

// MarshalBinary encodes the record into its 128-byte wire form.
func (c ConceptRecord) MarshalBinary() []byte {
	buf := make([]byte, ConceptRecordSize)
	off := 0
	copy(buf[off:], c.ConceptID[:])
	off += 16
	binary.LittleEndian.PutUint32(buf[off:], f32bits(c.Strength))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], f32bits(c.Confidence))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], c.AccessCount)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], c.Created)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], c.LastAccessed)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], c.ContentOffset)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], c.ContentLength)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], c.EmbeddingOffset)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], c.SourceHash)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], c.Flags)
	off += 4
	// remaining bytes are reserved and left zero.
	return buf
}

// ParseConceptRecord decodes a 128-byte wire record.
func ParseConceptRecord(b []byte) (ConceptRecord, error) {
	if len(b) < ConceptRecordSize {
		return ConceptRecord{}, fmt.Errorf("record: concept record short read (%d < %d)", len(b), ConceptRecordSize)
	}
	var c ConceptRecord
	off := 0
	copy(c.ConceptID[:], b[off:off+16])
	off += 16
	c.Strength = f32frombits(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	c.Confidence = f32frombits(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	c.AccessCount = binary.LittleEndian.Uint32(b[off:])
	off += 4
	c.Created = binary.LittleEndian.Uint64(b[off:])
	off += 8
	c.LastAccessed = binary.LittleEndian.Uint64(b[off:])
	off += 8
	c.ContentOffset = binary.LittleEndian.Uint64(b[off:])
	off += 8
	c.ContentLength = binary.LittleEndian.Uint32(b[off:])
	off += 4
	c.EmbeddingOffset = binary.LittleEndian.Uint64(b[off:])
	off += 8
	c.SourceHash = binary.LittleEndian.Uint32(b[off:])
	off += 4
	c.Flags = binary.LittleEndian.Uint32(b[off:])
	return c, nil
}

// AssociationRecord is the fixed 64-byte association record.
type AssociationRecord struct {
	SourceID   ConceptId
	TargetID   ConceptId
	AssocType  AssociationType
	Confidence float32
	Weight     float32
	Created    uint64
	LastUsed   uint64
	Flags      uint8
}

// MarshalBinary encodes the record into its 64-byte wire form.
func (a AssociationRecord) MarshalBinary() []byte {
	buf := make([]byte, AssociationRecordSize)
	off := 0
	copy(buf[off:], a.SourceID[:])
	off += 16
	copy(buf[off:], a.TargetID[:])
	off += 16
	buf[off] = uint8(a.AssocType)
	off++
	binary.LittleEndian.PutUint32(buf[off:], f32bits(a.Confidence))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], f32bits(a.Weight))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], a.Created)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], a.LastUsed)
	off += 8
	buf[off] = a.Flags
	return buf
}

// ParseAssociationRecord decodes a 64-byte wire record.
func ParseAssociationRecord(b []byte) (AssociationRecord, error) {
	if len(b) < AssociationRecordSize {
		return AssociationRecord{}, fmt.Errorf("record: association record short read (%d < %d)", len(b), AssociationRecordSize)
	}
	var a AssociationRecord
	off := 0
	copy(a.SourceID[:], b[off:off+16])
	off += 16
	copy(a.TargetID[:], b[off:off+16])
	off += 16
	typ, err := ParseAssociationType(b[off])
	if err != nil {
		return AssociationRecord{}, err
	}
	a.AssocType = typ
	off++
	a.Confidence = f32frombits(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	a.Weight = f32frombits(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	a.Created = binary.LittleEndian.Uint64(b[off:])
	off += 8
	a.LastUsed = binary.LittleEndian.Uint64(b[off:])
	off += 8
	a.Flags = b[off]
	return a, nil
}

// GraphPath is an ordered sequence of concepts and the edges joining them.
// Invariant: Edges[i] = (Concepts[i], Concepts[i+1], _).
type GraphPath struct {
	Concepts   []ConceptId
	Edges      []PathEdge
	Confidence float32
}

// PathEdge is one hop of a GraphPath.
type PathEdge struct {
	Src, Dst ConceptId
	Type     AssociationType
}

func init() {
	// Start-of-process size assertions (spec invariant #2).
	if n := len(ConceptRecord{}.MarshalBinary()); n != ConceptRecordSize {
		panic(fmt.Sprintf("record: ConceptRecord encodes to %d bytes, want %d", n, ConceptRecordSize))
	}
	if n := len(AssociationRecord{}.MarshalBinary()); n != AssociationRecordSize {
		panic(fmt.Sprintf("record: AssociationRecord encodes to %d bytes, want %d", n, AssociationRecordSize))
	}
}
