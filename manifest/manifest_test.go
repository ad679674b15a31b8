package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingManifestIsEmpty(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, Manifest{}, m)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := Manifest{
		CurrentGeneration: 5,
		Segments: []SegmentMetadata{
			{Path: "000001.seg", Generation: 1, ConceptCount: 10, AssociationCount: 3, MinCreated: 100, MaxCreated: 200},
			{Path: "000002.seg", Generation: 2, ConceptCount: 20, AssociationCount: 7, MinCreated: 150, MaxCreated: 250},
		},
	}

	require.NoError(t, Save(dir, m))

	got, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, m.CurrentGeneration, got.CurrentGeneration)
	require.Len(t, got.Segments, 2)
	require.Equal(t, m.Segments[0].Path, got.Segments[0].Path)
	require.Equal(t, m.Segments[1].ConceptCount, got.Segments[1].ConceptCount)

	// No leftover temp file after a successful rename.
	_, err = os.Stat(filepath.Join(dir, "MANIFEST.tmp"))
	require.True(t, os.IsNotExist(err))
}

func TestLoadRejectsBadVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, Manifest{CurrentGeneration: 1}))

	path := fileName(dir)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] = 99 // corrupt version field
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Load(dir)
	require.ErrorIs(t, err, ErrCorruptManifest)
}

func TestLoadRejectsTruncated(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, Manifest{
		CurrentGeneration: 1,
		Segments:          []SegmentMetadata{{Path: "x.seg"}},
	}))

	path := fileName(dir)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-2], 0o644))

	_, err = Load(dir)
	require.ErrorIs(t, err, ErrCorruptManifest)
}

// Crash-consistent manifest (spec §8 scenario 5): a crash after a segment
// file is fsynced but before the manifest rename leaves the old manifest
// authoritative and the orphan segment simply unreferenced.
func TestCrashBeforeRenameLeavesOldManifestAuthoritative(t *testing.T) {
	dir := t.TempDir()
	original := Manifest{CurrentGeneration: 1, Segments: []SegmentMetadata{{Path: "000001.seg", Generation: 1}}}
	require.NoError(t, Save(dir, original))

	// Simulate a crash mid-Save: a .tmp file for generation 2 exists on
	// disk (segment already fsynced) but the rename never happened.
	tmp := fileName(dir) + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte("partial garbage"), 0o644))

	got, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, original.CurrentGeneration, got.CurrentGeneration)
	require.Len(t, got.Segments, 1)
	require.Equal(t, "000001.seg", got.Segments[0].Path)
}
