// Package segment implements the append-only, memory-mapped segment files
// that hold committed concept/association records, their variable-length
// content, and their vector embeddings.
//
// A segment is immutable once committed: header (256B) · concept table
// (N×128B) · association table (M×64B) · content area · vector area. Reads
// are zero-copy slices into an mmap region (github.com/edsrzf/mmap-go);
// writes happen once, in Build, before the reconciler commits the resulting
// byte buffer via write-temp + fsync + rename.
package segment

import (
	"fmt"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/sutralabs/graphstore/record"
)

// The vector dimension is not recorded in the segment header; callers pass
// it explicitly to Vector so the vector area can be sliced.

// Segment is an opened, mmapped segment file. It is immutable and safe for
// concurrent read access from any number of goroutines.
type Segment struct {
	path   string
	file   *os.File
	data   mmap.MMap
	header record.SegmentHeader
}

// Open mmaps path read-only and validates the header. It returns
// record.ErrCorruptSegment (wrapped) on any validation failure.
func Open(path string) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: mmap %s: %w", path, err)
	}

	h, err := record.ParseSegmentHeader(m)
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, fmt.Errorf("segment: %s: %w", path, err)
	}

	return &Segment{path: path, file: f, data: m, header: h}, nil
}

// Close unmaps the segment and closes the underlying file.
func (s *Segment) Close() error {
	if err := s.data.Unmap(); err != nil {
		s.file.Close()
		return fmt.Errorf("segment: unmap %s: %w", s.path, err)
	}
	return s.file.Close()
}

// Path returns the segment's file path.
func (s *Segment) Path() string { return s.path }

// Header returns the parsed segment header.
func (s *Segment) Header() record.SegmentHeader { return s.header }

// ConceptCount returns the number of concept records in the segment.
func (s *Segment) ConceptCount() int { return int(s.header.ConceptCount) }

// AssociationCount returns the number of association records in the segment.
func (s *Segment) AssociationCount() int { return int(s.header.AssocCount) }

// Concept returns the i'th concept record (zero-copy decode from the mmap).
func (s *Segment) Concept(i int) (record.ConceptRecord, error) {
	if i < 0 || i >= s.ConceptCount() {
		return record.ConceptRecord{}, fmt.Errorf("segment: concept index %d out of range [0,%d)", i, s.ConceptCount())
	}
	off := s.header.ConceptTableOffset + uint64(i)*record.ConceptRecordSize
	return record.ParseConceptRecord(s.data[off : off+record.ConceptRecordSize])
}

// Association returns the i'th association record.
func (s *Segment) Association(i int) (record.AssociationRecord, error) {
	if i < 0 || i >= s.AssociationCount() {
		return record.AssociationRecord{}, fmt.Errorf("segment: association index %d out of range [0,%d)", i, s.AssociationCount())
	}
	off := s.header.AssocTableOffset + uint64(i)*record.AssociationRecordSize
	return record.ParseAssociationRecord(s.data[off : off+record.AssociationRecordSize])
}

// Content returns the content bytes for a concept given its offset/length
// into the content area, as recorded on its ConceptRecord. The returned
// slice aliases the mmap region and must not be retained past Close.
func (s *Segment) Content(offset uint64, length uint32) ([]byte, error) {
	start := s.header.ContentAreaOffset + offset
	end := start + uint64(length)
	if length == 0 {
		return nil, nil
	}
	if end > s.header.ContentAreaOffset+s.header.ContentAreaLength {
		return nil, fmt.Errorf("segment: content range [%d,%d) exceeds content area", start, end)
	}
	return s.data[start:end], nil
}

// Vector returns the dim-length f32 vector stored at the given byte offset
// into the vector area.
func (s *Segment) Vector(offset uint64, dim int) ([]float32, error) {
	start := s.header.VectorAreaOffset + offset
	length := uint64(dim) * 4
	end := start + length
	if end > s.header.VectorAreaOffset+s.header.VectorAreaLength {
		return nil, fmt.Errorf("segment: vector range [%d,%d) exceeds vector area", start, end)
	}
	out := make([]float32, dim)
	for i := 0; i < dim; i++ {
		b := s.data[start+uint64(i)*4 : start+uint64(i)*4+4]
		bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}
