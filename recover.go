package graphstore

import (
	"fmt"

	"github.com/sutralabs/graphstore/manifest"
	"github.com/sutralabs/graphstore/record"
	"github.com/sutralabs/graphstore/segment"
	"github.com/sutralabs/graphstore/snapshot"
)

// recoverSnapshot rebuilds the published graph snapshot from the segments a
// manifest lists (spec §4.C: "On open, the engine reads the manifest, opens
// each listed segment, and fails atomically if any referenced segment is
// missing or corrupt"). Every listed segment is opened and header-validated,
// so a single missing or corrupt file anywhere in the chain aborts Open
// before the reconciler ever starts. Only the highest-generation segment's
// record tables are decoded: reconciler.flush always commits a full dump of
// the live snapshot (it ranges over the entire published handle, not just
// the cycle's deltas), so the most recent segment already contains every
// concept and association a reader needs.
//
// It also returns the concept->vector map decoded from that segment so
// Open can rebuild the HNSW index from segment data when the index's own
// persisted files are absent or fail their checksum/consistency checks.
func recoverSnapshot(dir string, vectorDim int) (*snapshot.GraphSnapshot, map[record.ConceptId][]float32, error) {
	m, err := manifest.Load(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("graphstore: load manifest: %w", err)
	}
	if len(m.Segments) == 0 {
		return nil, nil, nil
	}

	opened := make([]*segment.Segment, 0, len(m.Segments))
	defer func() {
		for _, s := range opened {
			s.Close()
		}
	}()

	var latest *segment.Segment
	for _, meta := range m.Segments {
		s, err := segment.Open(meta.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("graphstore: recover segment %s: %w", meta.Path, err)
		}
		opened = append(opened, s)
		if latest == nil || s.Header().Generation > latest.Header().Generation {
			latest = s
		}
	}

	nodes := make(map[record.ConceptId]*snapshot.ConceptNode, latest.ConceptCount())
	vectors := make(map[record.ConceptId][]float32)

	for i := 0; i < latest.ConceptCount(); i++ {
		rec, err := latest.Concept(i)
		if err != nil {
			return nil, nil, fmt.Errorf("graphstore: decode concept %d of %s: %w", i, latest.Path(), err)
		}

		var content []byte
		if rec.ContentLength > 0 {
			raw, err := latest.Content(rec.ContentOffset, rec.ContentLength)
			if err != nil {
				return nil, nil, fmt.Errorf("graphstore: decode content for %s: %w", rec.ConceptID, err)
			}
			content = append([]byte(nil), raw...)
		}

		var vec []float32
		if rec.HasFlag(record.FlagHasEmbedding) && rec.EmbeddingOffset != record.NoEmbedding {
			raw, err := latest.Vector(rec.EmbeddingOffset, vectorDim)
			if err != nil {
				return nil, nil, fmt.Errorf("graphstore: decode vector for %s: %w", rec.ConceptID, err)
			}
			vec = append([]float32(nil), raw...)
		}

		node := &snapshot.ConceptNode{Record: rec, Content: content, Vector: vec}
		nodes[rec.ConceptID] = node
		if vec != nil && !rec.Tombstoned() {
			vectors[rec.ConceptID] = vec
		}
	}

	for i := 0; i < latest.AssociationCount(); i++ {
		a, err := latest.Association(i)
		if err != nil {
			return nil, nil, fmt.Errorf("graphstore: decode association %d of %s: %w", i, latest.Path(), err)
		}
		src, ok := nodes[a.SourceID]
		if !ok {
			continue
		}
		dst, ok := nodes[a.TargetID]
		if !ok {
			continue
		}
		src.Outgoing = append(src.Outgoing, snapshot.Edge{Neighbor: a.TargetID, Type: a.AssocType, Weight: a.Weight, Confidence: a.Confidence})
		dst.Incoming = append(dst.Incoming, snapshot.Edge{Neighbor: a.SourceID, Type: a.AssocType, Weight: a.Weight, Confidence: a.Confidence})
	}

	builder := snapshot.NewBuilder(nil)
	for id, node := range nodes {
		builder.Set(id, node)
	}
	builder.SetHNSWGeneration(m.CurrentGeneration)
	builder.RecomputeEdgeCount()

	return builder.Build(), vectors, nil
}
