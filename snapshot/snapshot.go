// Package snapshot implements the wait-free read view published by the
// reconciler: an immutable GraphSnapshot of concept nodes and their
// adjacency, shared across any number of concurrent readers.
//
// Publication follows the teacher's state-swap discipline in wal.go: the
// current snapshot lives behind an atomic.Value, readers load it without
// ever blocking the writer, and structural sharing is achieved by backing
// the concept map with an immutable.SortedMap (the same library the teacher
// uses for `segments *immutable.SortedMap[uint64, segmentState]`) so that a
// reconcile cycle touching a handful of nodes doesn't have to copy the
// entire graph.
package snapshot

import (
	"bytes"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/sutralabs/graphstore/record"
)

// conceptIDComparer orders ConceptId values by their raw bytes, giving
// immutable.SortedMap a total order over the 16-byte array type.
type conceptIDComparer struct{}

func (conceptIDComparer) Compare(a, b record.ConceptId) int {
	return bytes.Compare(a[:], b[:])
}

// Edge is one directed, typed, weighted adjacency entry.
type Edge struct {
	Neighbor   record.ConceptId
	Type       record.AssociationType
	Weight     float32
	Confidence float32
}

// ConceptNode holds a concept's record, its raw content and embedding (kept
// in memory so a concept is readable before its first durable flush), and
// its ordered outgoing and incoming adjacency.
type ConceptNode struct {
	Record   record.ConceptRecord
	Content  []byte
	Vector   []float32 // nil if the concept has no embedding
	Outgoing []Edge
	Incoming []Edge
}

// GraphSnapshot is an immutable, shared-ownership view of the graph plus
// the HNSW index generation it was published alongside (spec invariant #5:
// the vector index may lag the graph by at most one reconcile interval).
type GraphSnapshot struct {
	concepts  *immutable.SortedMap[record.ConceptId, *ConceptNode]
	hnswGen   uint64
	edgeCount int
}

// Empty returns the zero snapshot: no concepts, no edges, generation 0.
func Empty() *GraphSnapshot {
	return &GraphSnapshot{concepts: immutable.NewSortedMap[record.ConceptId, *ConceptNode](conceptIDComparer{})}
}

// Get returns the node for id, if present and not tombstoned.
func (s *GraphSnapshot) Get(id record.ConceptId) (*ConceptNode, bool) {
	n, ok := s.concepts.Get(id)
	if !ok || n.Record.Tombstoned() {
		return nil, false
	}
	return n, true
}

// GetRaw returns the node for id regardless of tombstone state, used by
// callers (e.g. compaction) that need to see logically-deleted concepts.
func (s *GraphSnapshot) GetRaw(id record.ConceptId) (*ConceptNode, bool) {
	return s.concepts.Get(id)
}

// Contains reports whether id is present and not tombstoned.
func (s *GraphSnapshot) Contains(id record.ConceptId) bool {
	_, ok := s.Get(id)
	return ok
}

// Neighbors returns the outgoing adjacency of id (empty if absent).
func (s *GraphSnapshot) Neighbors(id record.ConceptId) []Edge {
	n, ok := s.Get(id)
	if !ok {
		return nil
	}
	return n.Outgoing
}

// EdgesOfType returns the outgoing adjacency of id filtered to typ.
func (s *GraphSnapshot) EdgesOfType(id record.ConceptId, typ record.AssociationType) []Edge {
	var out []Edge
	for _, e := range s.Neighbors(id) {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// ConceptCount returns the number of live (non-tombstoned) concepts.
// Tombstoned concepts stay in the map (the record itself still exists in
// the segment, per spec §3 lifecycle) but are excluded here and from Range.
func (s *GraphSnapshot) ConceptCount() int {
	n := 0
	itr := s.concepts.Iterator()
	for !itr.Done() {
		_, v, _ := itr.Next()
		if !v.Record.Tombstoned() {
			n++
		}
	}
	return n
}

// EdgeCount returns the total number of edges across all live concepts.
func (s *GraphSnapshot) EdgeCount() int { return s.edgeCount }

// HNSWGeneration returns the vector index generation this snapshot was
// published alongside.
func (s *GraphSnapshot) HNSWGeneration() uint64 { return s.hnswGen }

// Range calls fn for every live concept in key order, stopping early if fn
// returns false.
func (s *GraphSnapshot) Range(fn func(record.ConceptId, *ConceptNode) bool) {
	itr := s.concepts.Iterator()
	for !itr.Done() {
		id, node, _ := itr.Next()
		if node.Record.Tombstoned() {
			continue
		}
		if !fn(id, node) {
			return
		}
	}
}

// RangeAll calls fn for every concept in key order, including tombstoned
// ones. Used by the reconciler's flush path: a tombstoned concept's record
// must still be written to its segment (spec §3 Lifecycle -- the segment
// keeps the tombstoned record; only readers filter it).
func (s *GraphSnapshot) RangeAll(fn func(record.ConceptId, *ConceptNode) bool) {
	itr := s.concepts.Iterator()
	for !itr.Done() {
		id, node, _ := itr.Next()
		if !fn(id, node) {
			return
		}
	}
}

// Builder constructs a new GraphSnapshot by structural sharing against a
// base snapshot: unchanged nodes are reused by reference, only nodes
// actually mutated this cycle are reallocated (spec §9 "working-set
// clone").
type Builder struct {
	concepts  *immutable.SortedMap[record.ConceptId, *ConceptNode]
	hnswGen   uint64
	edgeCount int
}

// NewBuilder starts a builder from base (or from an empty snapshot if base
// is nil), ready to have nodes set/removed before Build publishes it.
func NewBuilder(base *GraphSnapshot) *Builder {
	if base == nil {
		base = Empty()
	}
	return &Builder{concepts: base.concepts, hnswGen: base.hnswGen, edgeCount: base.edgeCount}
}

// Set installs (or replaces) the node for id. The caller is responsible for
// producing a fresh *ConceptNode only when something about it actually
// changed; unchanged nodes should not be passed to Set at all so that the
// underlying map keeps sharing the old reference.
func (b *Builder) Set(id record.ConceptId, node *ConceptNode) {
	b.concepts = b.concepts.Set(id, node)
}

// Delete removes id's node entirely. Not used for logical deletion (that's
// a tombstoned Set); reserved for compaction-style hard removal.
func (b *Builder) Delete(id record.ConceptId) {
	b.concepts = b.concepts.Delete(id)
}

// Get returns the currently-staged node for id, if any.
func (b *Builder) Get(id record.ConceptId) (*ConceptNode, bool) {
	n, ok := b.concepts.Get(id)
	return n, ok
}

// SetHNSWGeneration records the vector index generation the resulting
// snapshot will be published alongside.
func (b *Builder) SetHNSWGeneration(gen uint64) { b.hnswGen = gen }

// RecomputeEdgeCount walks the staged map and recounts total outgoing edges
// across live concepts; call once per cycle before Build.
func (b *Builder) RecomputeEdgeCount() {
	n := 0
	itr := b.concepts.Iterator()
	for !itr.Done() {
		_, v, _ := itr.Next()
		if !v.Record.Tombstoned() {
			n += len(v.Outgoing)
		}
	}
	b.edgeCount = n
}

// Build freezes the builder into an immutable GraphSnapshot.
func (b *Builder) Build() *GraphSnapshot {
	return &GraphSnapshot{concepts: b.concepts, hnswGen: b.hnswGen, edgeCount: b.edgeCount}
}

// Handle is a wait-free, shared-ownership pointer to the current published
// snapshot, mirroring the teacher's `s atomic.Value` + acquire/release
// pattern (wal.go loadState/acquireState). Because GraphSnapshot nodes are
// backed by an immutable.SortedMap, Go's garbage collector already frees
// unreferenced nodes once the last holder drops them -- no explicit
// refcounting or hazard-pointer scheme is needed the way the teacher's raw
// mmap-backed segment files require it (those must be explicitly Closed).
type Handle struct {
	current atomic.Value // *GraphSnapshot
}

// NewHandle creates a Handle initialized to an empty snapshot.
func NewHandle() *Handle {
	h := &Handle{}
	h.current.Store(Empty())
	return h
}

// Load returns the currently published snapshot. Wait-free: a single atomic
// load, no locks, no blocking on the reconciler.
func (h *Handle) Load() *GraphSnapshot {
	return h.current.Load().(*GraphSnapshot)
}

// Publish atomically swaps in a newly built snapshot. Only the reconciler
// calls this.
func (h *Handle) Publish(s *GraphSnapshot) {
	h.current.Store(s)
}
