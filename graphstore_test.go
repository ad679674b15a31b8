package graphstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sutralabs/graphstore/record"
)

func mustID(t *testing.T, hex string) record.ConceptId {
	t.Helper()
	id, err := record.ConceptIdFromHex(hex)
	require.NoError(t, err)
	return id
}

func openTestStore(t *testing.T) *ConcurrentMemory {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(dir, 2)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// Echo scenario (spec §8 seed scenario 1): a freshly learned concept is
// visible with its content within one reconcile interval, well before any
// durable flush.
func TestLearnConceptVisibleQuickly(t *testing.T) {
	m := openTestStore(t)
	id := mustID(t, "01")

	_, err := m.LearnConcept(id, []byte("alpha"), nil, 0.5, 0.5)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := m.Get(id)
		return ok && rec.ContentLength == 5
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLearnConceptWithSemanticIsIgnoredButStored(t *testing.T) {
	m := openTestStore(t)
	id := mustID(t, "02")

	_, err := m.LearnConceptWithSemantic(id, []byte("hello"), nil, 1, 1, map[string]any{"source": "test"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.Contains(id)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLearnConceptRejectsWrongVectorDimension(t *testing.T) {
	m := openTestStore(t)
	id := mustID(t, "03")

	_, err := m.LearnConcept(id, nil, []float32{1, 2, 3}, 1, 1)
	require.ErrorIs(t, err, ErrVectorDimMismatch)
}

func TestFindPathBetweenLearnedConcepts(t *testing.T) {
	m := openTestStore(t)
	a, b, c := mustID(t, "0a"), mustID(t, "0b"), mustID(t, "0c")

	for _, id := range []record.ConceptId{a, b, c} {
		_, err := m.LearnConcept(id, nil, nil, 1, 1)
		require.NoError(t, err)
	}
	_, err := m.LearnAssociation(a, b, record.Semantic, 0.8)
	require.NoError(t, err)
	_, err = m.LearnAssociation(b, c, record.Semantic, 0.9)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := m.FindPath(a, c, 3)
		return err == nil && p != nil && len(p.Concepts) == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSearchVectorsFindsNearestNeighbor(t *testing.T) {
	m := openTestStore(t)
	near := mustID(t, "0a")
	far := mustID(t, "0b")

	_, err := m.LearnConcept(near, nil, []float32{1, 0}, 1, 1)
	require.NoError(t, err)
	_, err = m.LearnConcept(far, nil, []float32{0, 1}, 1, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		matches, err := m.SearchVectors([]float32{0.9, 0.1}, 1)
		return err == nil && len(matches) == 1 && matches[0].ID == near
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSearchVectorsRejectsWrongDimension(t *testing.T) {
	m := openTestStore(t)
	_, err := m.SearchVectors([]float32{1, 2, 3}, 1)
	require.ErrorIs(t, err, ErrVectorDimMismatch)
}

func TestFlushBlocksUntilDurable(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, 2, WithFlushPolicy(1, 0))
	require.NoError(t, err)
	defer m.Close()

	id := mustID(t, "0a")
	seq, err := m.LearnConcept(id, []byte("hi"), nil, 1, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Flush(ctx, seq))

	stats := m.Stats()
	require.GreaterOrEqual(t, stats.DiskFlushes, uint64(1))
}

func TestStatsReportsWriteLogAndSnapshotCounts(t *testing.T) {
	m := openTestStore(t)
	id := mustID(t, "0a")
	_, err := m.LearnConcept(id, nil, nil, 1, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.Stats().SnapshotConceptCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	stats := m.Stats()
	require.GreaterOrEqual(t, stats.WriteLogWritten, uint64(1))
}

func TestContainsFalseForUnknownConcept(t *testing.T) {
	m := openTestStore(t)
	require.False(t, m.Contains(mustID(t, "ff")))
}

// TestTouchIncrementsAccessCountThroughPublicAPI exercises the Touch
// production entry point (mirrors reconciler.TestTouchIncrementsAccessCount,
// which only drives EntryTouch directly against a write log).
func TestTouchIncrementsAccessCountThroughPublicAPI(t *testing.T) {
	m := openTestStore(t)
	id := mustID(t, "0a")

	_, err := m.LearnConcept(id, nil, nil, 1, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Contains(id) }, 2*time.Second, 5*time.Millisecond)

	_, err = m.Touch(id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := m.Get(id)
		return ok && rec.AccessCount == 1
	}, 2*time.Second, 5*time.Millisecond)
}

// Crash recovery (spec §4.C, §8 seed scenario 5): concepts and associations
// committed before a close survive a reopen of the same storage directory.
func TestReopenRecoversPreviouslyCommittedData(t *testing.T) {
	dir := t.TempDir()

	m, err := Open(dir, 2, WithFlushPolicy(1, 0))
	require.NoError(t, err)

	a, b := mustID(t, "0a"), mustID(t, "0b")
	_, err = m.LearnConcept(a, []byte("alpha"), []float32{1, 0}, 0.5, 0.5)
	require.NoError(t, err)
	seq, err := m.LearnConcept(b, []byte("beta"), []float32{0, 1}, 0.5, 0.5)
	require.NoError(t, err)
	_, err = m.LearnAssociation(a, b, record.Semantic, 0.9)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Flush(ctx, seq))
	require.NoError(t, m.Close())

	reopened, err := Open(dir, 2, WithFlushPolicy(1, 0))
	require.NoError(t, err)
	defer reopened.Close()

	require.True(t, reopened.Contains(a))
	require.True(t, reopened.Contains(b))

	rec, ok := reopened.Get(a)
	require.True(t, ok)
	require.EqualValues(t, 5, rec.ContentLength)

	matches, err := reopened.SearchVectors([]float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, a, matches[0].ID)

	p, err := reopened.FindPath(a, b, 3)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, []record.ConceptId{a, b}, p.Concepts)
}

// Tombstone scenario (spec §8 seed scenario 6): Forget makes Contains go
// dark and removes the concept from any path found afterwards.
func TestForgetRemovesConceptFromReadsAndPaths(t *testing.T) {
	m := openTestStore(t)
	a, b, c := mustID(t, "0a"), mustID(t, "0b"), mustID(t, "0c")

	for _, id := range []record.ConceptId{a, b, c} {
		_, err := m.LearnConcept(id, nil, nil, 1, 1)
		require.NoError(t, err)
	}
	_, err := m.LearnAssociation(a, b, record.Semantic, 0.9)
	require.NoError(t, err)
	_, err = m.LearnAssociation(b, c, record.Semantic, 0.9)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.Contains(a) && m.Contains(b) && m.Contains(c)
	}, 2*time.Second, 5*time.Millisecond)

	_, err = m.Forget(b)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !m.Contains(b)
	}, 2*time.Second, 5*time.Millisecond)

	p, err := m.FindPath(a, c, 3)
	require.NoError(t, err)
	require.Nil(t, p)
}
