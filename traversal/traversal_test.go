package traversal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sutralabs/graphstore/record"
	"github.com/sutralabs/graphstore/snapshot"
)

func mustID(t *testing.T, hex string) record.ConceptId {
	t.Helper()
	id, err := record.ConceptIdFromHex(hex)
	require.NoError(t, err)
	return id
}

func node(id record.ConceptId, confidence float32) *snapshot.ConceptNode {
	return &snapshot.ConceptNode{Record: record.ConceptRecord{ConceptID: id, Confidence: confidence}}
}

func link(builder *snapshot.Builder, a, b record.ConceptId, typ record.AssociationType, confidence float32) {
	nodeA, _ := builder.Get(a)
	nodeA.Outgoing = append(nodeA.Outgoing, snapshot.Edge{Neighbor: b, Type: typ, Confidence: confidence})
	builder.Set(a, nodeA)

	nodeB, _ := builder.Get(b)
	nodeB.Incoming = append(nodeB.Incoming, snapshot.Edge{Neighbor: a, Type: typ, Confidence: confidence})
	builder.Set(b, nodeB)
}

// Path-2 scenario (spec §8 seed scenario 2): A-B-C with confidences 0.8 and
// 0.9, node confidence 1.0, overall path confidence >= 0.72.
func buildPath2Snapshot(t *testing.T) (*snapshot.GraphSnapshot, record.ConceptId, record.ConceptId, record.ConceptId) {
	t.Helper()
	a, b, c := mustID(t, "0a"), mustID(t, "0b"), mustID(t, "0c")

	builder := snapshot.NewBuilder(nil)
	builder.Set(a, node(a, 1))
	builder.Set(b, node(b, 1))
	builder.Set(c, node(c, 1))
	link(builder, a, b, record.Semantic, 0.8)
	link(builder, b, c, record.Semantic, 0.9)
	builder.RecomputeEdgeCount()
	return builder.Build(), a, b, c
}

func TestFindPathSameSourceAndDest(t *testing.T) {
	s, a, _, _ := buildPath2Snapshot(t)
	p := FindPath(s, a, a, 3)
	require.NotNil(t, p)
	require.Equal(t, []record.ConceptId{a}, p.Concepts)
	require.Empty(t, p.Edges)
}

func TestFindPathTwoHops(t *testing.T) {
	s, a, b, c := buildPath2Snapshot(t)
	p := FindPath(s, a, c, 3)
	require.NotNil(t, p)
	require.Equal(t, []record.ConceptId{a, b, c}, p.Concepts)
	require.GreaterOrEqual(t, p.Confidence, float32(0.72))
}

func TestFindPathRespectsMaxHops(t *testing.T) {
	s, a, _, c := buildPath2Snapshot(t)
	p := FindPath(s, a, c, 1)
	require.Nil(t, p)
}

func TestFindPathUnknownEndpointReturnsNil(t *testing.T) {
	s, a, _, _ := buildPath2Snapshot(t)
	p := FindPath(s, a, mustID(t, "ff"), 3)
	require.Nil(t, p)
}

func TestFindPathSkipsTombstonedIntermediate(t *testing.T) {
	s, a, b, c := buildPath2Snapshot(t)

	builder := snapshot.NewBuilder(s)
	n, _ := builder.Get(b)
	rec := n.Record
	rec.Flags |= record.FlagTombstone
	builder.Set(b, &snapshot.ConceptNode{Record: rec, Outgoing: n.Outgoing, Incoming: n.Incoming})
	builder.RecomputeEdgeCount()
	s2 := builder.Build()

	p := FindPath(s2, a, c, 5)
	require.Nil(t, p)
}

func TestFindPathsParallelDisjoint(t *testing.T) {
	a, b1, b2, d := mustID(t, "0a"), mustID(t, "0b"), mustID(t, "0c"), mustID(t, "0d")

	builder := snapshot.NewBuilder(nil)
	builder.Set(a, node(a, 1))
	builder.Set(b1, node(b1, 1))
	builder.Set(b2, node(b2, 1))
	builder.Set(d, node(d, 1))
	link(builder, a, b1, record.Semantic, 0.9)
	link(builder, b1, d, record.Semantic, 0.9)
	link(builder, a, b2, record.Semantic, 0.9)
	link(builder, b2, d, record.Semantic, 0.9)
	builder.RecomputeEdgeCount()
	s := builder.Build()

	paths, err := FindPathsParallel(context.Background(), s, a, d, 5, 2)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	intermediateSets := map[record.ConceptId]bool{}
	for _, p := range paths {
		for _, id := range p.Concepts[1 : len(p.Concepts)-1] {
			require.False(t, intermediateSets[id], "intermediate reused across disjoint paths")
			intermediateSets[id] = true
		}
	}
}

func TestFindPathsParallelEmptyWhenUnreachable(t *testing.T) {
	a, z := mustID(t, "0a"), mustID(t, "ff")
	builder := snapshot.NewBuilder(nil)
	builder.Set(a, node(a, 1))
	builder.Set(z, node(z, 1))
	builder.RecomputeEdgeCount()
	s := builder.Build()

	paths, err := FindPathsParallel(context.Background(), s, a, z, 5, 3)
	require.NoError(t, err)
	require.Empty(t, paths)
}
