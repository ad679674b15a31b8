package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sutralabs/graphstore/record"
)

func mustID(t *testing.T, s string) record.ConceptId {
	t.Helper()
	id, err := record.ConceptIdFromHex(s)
	require.NoError(t, err)
	return id
}

func TestBuildOpenRoundTrip(t *testing.T) {
	idA := mustID(t, "01")
	idB := mustID(t, "02")

	concepts := []ConceptBlob{
		{Record: record.ConceptRecord{ConceptID: idA, Strength: 1, Confidence: 1}, Content: []byte("alpha"), Embedding: []float32{0.1, 0.2, 0.3}},
		{Record: record.ConceptRecord{ConceptID: idB, Strength: 0.5, Confidence: 0.5}, Content: []byte("beta")},
	}
	assocs := []record.AssociationRecord{
		{SourceID: idA, TargetID: idB, AssocType: record.Semantic, Confidence: 0.8, Weight: 1.0},
	}

	buf := Build(3, concepts, assocs)

	dir := t.TempDir()
	path, err := Commit(dir, "000003.seg", buf)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "000003.seg"), path)

	seg, err := Open(path)
	require.NoError(t, err)
	defer seg.Close()

	require.Equal(t, uint64(3), seg.Header().Generation)
	require.Equal(t, 2, seg.ConceptCount())
	require.Equal(t, 1, seg.AssociationCount())

	c0, err := seg.Concept(0)
	require.NoError(t, err)
	require.Equal(t, idA, c0.ConceptID)
	require.True(t, c0.HasFlag(record.FlagHasEmbedding))

	content, err := seg.Content(c0.ContentOffset, c0.ContentLength)
	require.NoError(t, err)
	require.Equal(t, "alpha", string(content))

	vec, err := seg.Vector(c0.EmbeddingOffset, 3)
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	c1, err := seg.Concept(1)
	require.NoError(t, err)
	require.False(t, c1.HasFlag(record.FlagHasEmbedding))
	require.Equal(t, record.NoEmbedding, c1.EmbeddingOffset)

	a0, err := seg.Association(0)
	require.NoError(t, err)
	require.Equal(t, idA, a0.SourceID)
	require.Equal(t, idB, a0.TargetID)
	require.Equal(t, record.Semantic, a0.AssocType)
}

func TestOpenRejectsCorruptSegment(t *testing.T) {
	dir := t.TempDir()
	buf := Build(1, nil, nil)
	buf[0] ^= 0xFF // corrupt magic + CRC

	path, err := Commit(dir, "bad.seg", buf)
	require.NoError(t, err)

	_, err = Open(path)
	require.ErrorIs(t, err, record.ErrCorruptSegment)
}

func TestContentOutOfRange(t *testing.T) {
	buf := Build(1, nil, nil)
	dir := t.TempDir()
	path, err := Commit(dir, "empty.seg", buf)
	require.NoError(t, err)

	seg, err := Open(path)
	require.NoError(t, err)
	defer seg.Close()

	_, err = seg.Content(0, 10)
	require.Error(t, err)
}
