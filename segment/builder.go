package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/sutralabs/graphstore/record"
)

func f32bits(f float32) uint32 { return math.Float32bits(f) }

// ConceptBlob pairs a concept record with the raw content bytes and, if
// present, the embedding vector that Build should lay out in the content
// and vector areas.
type ConceptBlob struct {
	Record    record.ConceptRecord
	Content   []byte
	Embedding []float32 // nil if the concept has no embedding
}

// Build assembles the immutable byte buffer for a segment: header, concept
// table, association table, content area, vector area. Offsets inside each
// ConceptBlob's Record (ContentOffset, EmbeddingOffset) are relative to the
// start of their respective area and are rewritten here to be consistent
// with the final layout; callers do not need to have pre-computed them.
func Build(generation uint64, concepts []ConceptBlob, assocs []record.AssociationRecord) []byte {
	var content bytes.Buffer
	var vectors bytes.Buffer

	finalConcepts := make([]record.ConceptRecord, len(concepts))
	for i, c := range concepts {
		rec := c.Record
		rec.ContentOffset = uint64(content.Len())
		rec.ContentLength = uint32(len(c.Content))
		content.Write(c.Content)

		if c.Embedding != nil {
			rec.EmbeddingOffset = uint64(vectors.Len())
			rec.Flags |= record.FlagHasEmbedding
			for _, f := range c.Embedding {
				var b [4]byte
				binary.LittleEndian.PutUint32(b[:], f32bits(f))
				vectors.Write(b[:])
			}
		} else {
			rec.EmbeddingOffset = record.NoEmbedding
		}
		finalConcepts[i] = rec
	}

	h := record.NewSegmentHeader()
	h.Generation = generation
	h.ConceptTableOffset = record.SegmentHeaderSize
	h.ConceptCount = uint32(len(finalConcepts))
	h.AssocTableOffset = h.ConceptTableOffset + uint64(len(finalConcepts))*record.ConceptRecordSize
	h.AssocCount = uint32(len(assocs))
	h.ContentAreaOffset = h.AssocTableOffset + uint64(len(assocs))*record.AssociationRecordSize
	h.ContentAreaLength = uint64(content.Len())
	h.VectorAreaOffset = h.ContentAreaOffset + h.ContentAreaLength
	h.VectorAreaLength = uint64(vectors.Len())

	var out bytes.Buffer
	out.Grow(int(h.VectorAreaOffset + h.VectorAreaLength))
	out.Write(h.MarshalBinary())
	for _, c := range finalConcepts {
		out.Write(c.MarshalBinary())
	}
	for _, a := range assocs {
		out.Write(a.MarshalBinary())
	}
	out.Write(content.Bytes())
	out.Write(vectors.Bytes())
	return out.Bytes()
}

// Commit durably writes buf to dir/name via write-temp + fsync + rename,
// returning the final path. The rename is atomic on the same filesystem, so
// a crash either leaves no file at name or the complete buf.
func Commit(dir, name string, buf []byte) (string, error) {
	final := filepath.Join(dir, name)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("segment: create temp %s: %w", tmp, err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("segment: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("segment: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("segment: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("segment: rename %s -> %s: %w", tmp, final, err)
	}
	return final, nil
}
