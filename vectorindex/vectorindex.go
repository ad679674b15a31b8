// Package vectorindex wraps an approximate-nearest-neighbor graph over
// concept embeddings, persisted alongside its owning segment generation.
//
// The in-memory structure is github.com/coder/hnsw's Graph, the same
// library the retrieval pack's Aman-CERP-amanmcp example wires up for ANN
// search. On-disk persistence follows the teacher's write-temp + fsync +
// rename discipline (segment.Commit, manifest.Save): the indexed vectors,
// encoded as flat {ConceptId, vector} records (see encodeVectors), land in
// a `.usearch` file that is mmap-loaded back on restart via
// github.com/edsrzf/mmap-go (the same library the segment store uses), and
// a small `.hnsw.meta` sidecar records dimension, vector count, and an
// xxhash checksum of the `.usearch` contents so a truncated or corrupted
// index is detected at load time rather than silently mmap'd.
package vectorindex

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/coder/hnsw"
	"github.com/edsrzf/mmap-go"
	"gonum.org/v1/gonum/floats"

	"github.com/sutralabs/graphstore/record"
)

func mathFloat32bits(f float32) uint32    { return math.Float32bits(f) }
func mathFloat32frombits(b uint32) float32 { return math.Float32frombits(b) }

const metaVersion uint32 = 1

// ErrCorruptIndex is returned when the on-disk index fails its checksum or
// header validation.
var ErrCorruptIndex = fmt.Errorf("vectorindex: corrupt on-disk index")

// Stats mirrors the `{num_vectors, dimension, initialized}` contract.
type Stats struct {
	NumVectors  int
	Dimension   int
	Initialized bool
}

// Match is one result of a Search call.
type Match struct {
	ID    record.ConceptId
	Score float32
}

// Index is the HNSW container. Insert, Delete, Save, Stats and Search all
// hold mu, so inserts and saves are serialized with respect to each other
// (spec §4.F consistency rule) and searches are serialized with them and
// with each other.
type Index struct {
	mu        sync.Mutex
	graph     *hnsw.Graph[string]
	dimension int
	basePath  string

	ids     map[string]record.ConceptId // hex key -> original id, avoids re-parsing on Search
	vectors map[string][]float32        // hex key -> normalized vector, source of truth for Save/LoadOrBuild
}

// New creates an empty, unbuilt index for vectors of the given dimension,
// rooted at basePath (basePath + ".usearch" / basePath + ".hnsw.meta" are
// the two persisted files).
func New(basePath string, dimension int) *Index {
	return &Index{
		graph:     hnsw.NewGraph[string](),
		dimension: dimension,
		basePath:  basePath,
		ids:       make(map[string]record.ConceptId),
		vectors:   make(map[string][]float32),
	}
}

func (idx *Index) usearchPath() string { return idx.basePath + ".usearch" }
func (idx *Index) metaPath() string    { return idx.basePath + ".hnsw.meta" }

// LoadOrBuild mmap-loads a persisted index from basePath if its
// `.hnsw.meta` file exists, returning an error (ErrCorruptIndex when the
// checksum or a consistency check fails) instead of rebuilding if the
// persisted index cannot be loaded. When no `.hnsw.meta` file exists it
// builds fresh from vectors (ConceptId -> embedding). Vectors are
// cosine-normalized (via gonum/floats) before insertion either way.
func LoadOrBuild(basePath string, dimension int, vectors map[record.ConceptId][]float32) (*Index, error) {
	idx := New(basePath, dimension)

	loaded, err := idx.tryLoad()
	if err != nil {
		return nil, err
	}
	if loaded {
		return idx, nil
	}

	for id, vec := range vectors {
		if err := idx.Insert(id, vec); err != nil {
			return nil, fmt.Errorf("vectorindex: build: %w", err)
		}
	}
	return idx, nil
}

// tryLoad attempts to mmap-load a persisted index. It returns (false, nil)
// if no index file exists yet -- not an error, matching a brand-new engine.
func (idx *Index) tryLoad() (bool, error) {
	metaBytes, err := os.ReadFile(idx.metaPath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vectorindex: read meta %s: %w", idx.metaPath(), err)
	}
	if len(metaBytes) != 24 {
		return false, fmt.Errorf("%w: meta file has %d bytes, want 24", ErrCorruptIndex, len(metaBytes))
	}
	version := binary.LittleEndian.Uint32(metaBytes[0:4])
	dimension := binary.LittleEndian.Uint32(metaBytes[4:8])
	vectorCount := binary.LittleEndian.Uint64(metaBytes[8:16])
	wantHash := binary.LittleEndian.Uint64(metaBytes[16:24])
	if version != metaVersion {
		return false, fmt.Errorf("%w: unsupported meta version %d", ErrCorruptIndex, version)
	}

	f, err := os.Open(idx.usearchPath())
	if err != nil {
		return false, fmt.Errorf("vectorindex: open %s: %w", idx.usearchPath(), err)
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return false, fmt.Errorf("vectorindex: mmap %s: %w", idx.usearchPath(), err)
	}
	defer m.Unmap()

	if gotHash := xxhash.Sum64(m); gotHash != wantHash {
		return false, fmt.Errorf("%w: xxhash mismatch on %s", ErrCorruptIndex, idx.usearchPath())
	}

	ids, vectors, err := decodeVectors(m, int(dimension))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	if uint64(len(ids)) != vectorCount {
		return false, fmt.Errorf("%w: meta says %d vectors, export has %d", ErrCorruptIndex, vectorCount, len(ids))
	}

	graph := hnsw.NewGraph[string]()
	for key, vec := range vectors {
		graph.Add(hnsw.MakeNode(key, vec))
	}

	idx.graph = graph
	idx.ids = ids
	idx.vectors = vectors
	idx.dimension = int(dimension)
	return true, nil
}

// Insert adds or replaces vector's embedding for id. The vector is
// cosine-normalized before insertion so the graph's internal L2 distance
// behaves as cosine distance (spec §4.F: "implementations may choose L2 +
// normalization").
func (idx *Index) Insert(id record.ConceptId, vector []float32) error {
	if len(vector) != idx.dimension {
		return fmt.Errorf("vectorindex: vector has dimension %d, index expects %d", len(vector), idx.dimension)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	normalized := normalize(vector)
	key := id.String()
	idx.graph.Add(hnsw.MakeNode(key, normalized))
	idx.ids[key] = id
	idx.vectors[key] = normalized
	return nil
}

// Delete removes id from the index, if present.
func (idx *Index) Delete(id record.ConceptId) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	key := id.String()
	idx.graph.Delete(key)
	delete(idx.ids, key)
	delete(idx.vectors, key)
}

// Search returns up to k nearest neighbors of query by cosine score
// (higher is closer). ef controls the search-time candidate list size. An
// empty index returns an empty slice, never an error.
func (idx *Index) Search(query []float32, k int, ef int) ([]Match, error) {
	if len(query) != idx.dimension {
		return nil, fmt.Errorf("vectorindex: query has dimension %d, index expects %d", len(query), idx.dimension)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.graph.EfSearch = ef

	if len(idx.ids) == 0 {
		return nil, nil
	}

	normalized := normalize(query)
	results := idx.graph.Search(normalized, k)

	out := make([]Match, 0, len(results))
	for _, r := range results {
		id, ok := idx.ids[r.Key]
		if !ok {
			continue
		}
		out = append(out, Match{ID: id, Score: 1 - r.Distance})
	}
	return out, nil
}

// Save durably persists the index: the encoded vectors (see encodeVectors)
// to basePath+".usearch" and the {version, dimension, count, xxhash} sidecar
// to basePath+".hnsw.meta", each via write-temp + fsync + rename.
func (idx *Index) Save() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	buf := encodeVectors(idx.ids, idx.vectors)
	if err := writeFileDurable(idx.usearchPath(), buf); err != nil {
		return err
	}

	var meta [24]byte
	binary.LittleEndian.PutUint32(meta[0:4], metaVersion)
	binary.LittleEndian.PutUint32(meta[4:8], uint32(idx.dimension))
	binary.LittleEndian.PutUint64(meta[8:16], uint64(len(idx.ids)))
	binary.LittleEndian.PutUint64(meta[16:24], xxhash.Sum64(buf))
	return writeFileDurable(idx.metaPath(), meta[:])
}

// Stats reports the current index size and configuration.
func (idx *Index) Stats() Stats {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return Stats{
		NumVectors:  len(idx.ids),
		Dimension:   idx.dimension,
		Initialized: len(idx.ids) > 0,
	}
}

func normalize(v []float32) []float32 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	norm := floats.Norm(out, 2)
	result := make([]float32, len(v))
	if norm == 0 {
		copy(result, v)
		return result
	}
	for i, f := range out {
		result[i] = float32(f / norm)
	}
	return result
}

// encodeVectors is the `.usearch` wire format this package owns: a flat
// sequence of {16-byte ConceptId, dimension*4-byte float32 vector} records
// in map-iteration order. It is a from-scratch format rather than a
// passthrough of the hnsw library's own internal representation, keeping
// the on-disk layout stable across library versions.
func encodeVectors(ids map[string]record.ConceptId, vectors map[string][]float32) []byte {
	buf := make([]byte, 0, len(ids)*32)
	for key, id := range ids {
		vec := vectors[key]
		buf = append(buf, id[:]...)
		var f [4]byte
		for _, v := range vec {
			binary.LittleEndian.PutUint32(f[:], mathFloat32bits(v))
			buf = append(buf, f[:]...)
		}
	}
	return buf
}

func decodeVectors(data []byte, dimension int) (map[string]record.ConceptId, map[string][]float32, error) {
	recordSize := 16 + dimension*4
	if recordSize <= 16 {
		return nil, nil, fmt.Errorf("vectorindex: invalid dimension %d", dimension)
	}
	if len(data)%recordSize != 0 {
		return nil, nil, fmt.Errorf("vectorindex: usearch file length %d not a multiple of record size %d", len(data), recordSize)
	}

	ids := make(map[string]record.ConceptId)
	vectors := make(map[string][]float32)
	for off := 0; off+recordSize <= len(data); off += recordSize {
		var id record.ConceptId
		copy(id[:], data[off:off+16])
		vec := make([]float32, dimension)
		for i := 0; i < dimension; i++ {
			start := off + 16 + i*4
			bits := binary.LittleEndian.Uint32(data[start : start+4])
			vec[i] = mathFloat32frombits(bits)
		}
		key := id.String()
		ids[key] = id
		vectors[key] = vec
	}
	return ids, vectors, nil
}

func writeFileDurable(path string, buf []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("vectorindex: create temp %s: %w", tmp, err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("vectorindex: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("vectorindex: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("vectorindex: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("vectorindex: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
