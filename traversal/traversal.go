// Package traversal implements pure, read-only path search over a
// published snapshot.GraphSnapshot: bidirectional BFS for a single
// shortest path, and a round-by-round disjoint-path search whose rounds
// each run a single search in a golang.org/x/sync/errgroup goroutine.
package traversal

import (
	"context"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/sutralabs/graphstore/record"
	"github.com/sutralabs/graphstore/snapshot"
)

// FindPath runs bidirectional BFS from src and dst, expanding the smaller
// frontier each round, and returns the shortest path between them (nil if
// none exists within maxHops). src == dst returns a zero-edge,
// single-concept path (spec §8 edge case).
func FindPath(s *snapshot.GraphSnapshot, src, dst record.ConceptId, maxHops int) *record.GraphPath {
	if !s.Contains(src) || !s.Contains(dst) {
		return nil
	}
	if src == dst {
		return &record.GraphPath{Concepts: []record.ConceptId{src}, Confidence: 1}
	}

	candidates := bidirectionalBFS(s, src, dst, maxHops, nil)
	if len(candidates) == 0 {
		return nil
	}
	return &candidates[0]
}

// FindPathsParallel explores up to k disjoint paths (disjoint on
// intermediate concepts only; endpoints are shared) by running one
// bidirectional search per round, each excluding the intermediates claimed
// by paths found so far. Rounds run one after another and each runs a
// single search, so no two searches run concurrently.
func FindPathsParallel(ctx context.Context, s *snapshot.GraphSnapshot, src, dst record.ConceptId, maxHops, k int) ([]record.GraphPath, error) {
	if !s.Contains(src) || !s.Contains(dst) || k <= 0 {
		return nil, nil
	}

	var results []record.GraphPath
	claimed := make(map[record.ConceptId]bool)

	// Disjointness is enforced sequentially (each round's exclusion set
	// depends on the previous round's winner); each round makes a single
	// search attempt and the loop stops at the first round that finds
	// nothing.
	for len(results) < k {
		found, err := findOneExcluding(ctx, s, src, dst, maxHops, claimed)
		if err != nil {
			return results, err
		}
		if found == nil {
			break
		}
		results = append(results, *found)
		for _, c := range found.Concepts[1 : len(found.Concepts)-1] {
			claimed[c] = true
		}
	}
	return results, nil
}

func findOneExcluding(ctx context.Context, s *snapshot.GraphSnapshot, src, dst record.ConceptId, maxHops int, excluded map[record.ConceptId]bool) (*record.GraphPath, error) {
	g, _ := errgroup.WithContext(ctx)
	var result *record.GraphPath

	g.Go(func() error {
		candidates := bidirectionalBFS(s, src, dst, maxHops, excluded)
		if len(candidates) > 0 {
			result = &candidates[0]
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// bidirectionalBFS expands the smaller of two frontiers each round until
// they intersect or both run dry, per spec §4.H. excluded concepts are
// never traversed as intermediates (used for disjoint-path search); src
// and dst themselves are never excluded even if present in the set.
func bidirectionalBFS(s *snapshot.GraphSnapshot, src, dst record.ConceptId, maxHops int, excluded map[record.ConceptId]bool) []record.GraphPath {
	fwd := map[record.ConceptId][]record.ConceptId{src: {src}}
	bwd := map[record.ConceptId][]record.ConceptId{dst: {dst}}
	fwdFrontier := []record.ConceptId{src}
	bwdFrontier := []record.ConceptId{dst}

	var meeting []record.ConceptId
	hops := 0

	for hops < maxHops && len(fwdFrontier) > 0 && len(bwdFrontier) > 0 {
		if len(fwdFrontier) <= len(bwdFrontier) {
			fwdFrontier = expand(s, fwd, fwdFrontier, excluded, dst, false)
		} else {
			bwdFrontier = expand(s, bwd, bwdFrontier, excluded, src, true)
		}
		hops++

		for id := range fwd {
			if _, ok := bwd[id]; ok {
				meeting = append(meeting, id)
			}
		}
		if len(meeting) > 0 {
			break
		}
	}
	if len(meeting) == 0 {
		return nil
	}

	var paths []record.GraphPath
	for _, mid := range meeting {
		fwdPath := fwd[mid]
		bwdPath := bwd[mid]

		full := make([]record.ConceptId, 0, len(fwdPath)+len(bwdPath)-1)
		full = append(full, fwdPath...)
		for i := len(bwdPath) - 2; i >= 0; i-- {
			full = append(full, bwdPath[i])
		}

		p := buildPath(s, full)
		if p != nil {
			paths = append(paths, *p)
		}
	}

	sortByTieBreak(paths)
	return paths
}

func expand(s *snapshot.GraphSnapshot, visited map[record.ConceptId][]record.ConceptId, frontier []record.ConceptId, excluded map[record.ConceptId]bool, terminus record.ConceptId, reverse bool) []record.ConceptId {
	var next []record.ConceptId
	for _, id := range frontier {
		path := visited[id]
		var edges []snapshot.Edge
		if reverse {
			node, ok := s.GetRaw(id)
			if !ok {
				continue
			}
			edges = node.Incoming
		} else {
			node, ok := s.Get(id)
			if !ok {
				continue
			}
			edges = node.Outgoing
		}
		for _, e := range edges {
			if _, seen := visited[e.Neighbor]; seen {
				continue
			}
			if excluded[e.Neighbor] && e.Neighbor != terminus {
				continue
			}
			if n, ok := s.Get(e.Neighbor); !ok || n.Record.Tombstoned() {
				continue
			}
			newPath := make([]record.ConceptId, len(path)+1)
			copy(newPath, path)
			newPath[len(path)] = e.Neighbor
			visited[e.Neighbor] = newPath
			next = append(next, e.Neighbor)
		}
	}
	return next
}

// buildPath materializes a GraphPath from an ordered concept-id sequence,
// computing confidence as the product of edge confidences times the
// product of node confidences, clamped to [0,1].
func buildPath(s *snapshot.GraphSnapshot, ids []record.ConceptId) *record.GraphPath {
	p := &record.GraphPath{Concepts: ids, Confidence: 1}
	for i := 0; i < len(ids); i++ {
		node, ok := s.Get(ids[i])
		if !ok {
			return nil
		}
		p.Confidence *= node.Record.Confidence
		if i+1 < len(ids) {
			edge, ok := findEdge(node.Outgoing, ids[i+1])
			if !ok {
				return nil
			}
			p.Edges = append(p.Edges, record.PathEdge{Src: ids[i], Dst: ids[i+1], Type: edge.Type})
			p.Confidence *= edge.Confidence
		}
	}
	if p.Confidence < 0 {
		p.Confidence = 0
	}
	if p.Confidence > 1 {
		p.Confidence = 1
	}
	return p
}

func findEdge(edges []snapshot.Edge, to record.ConceptId) (snapshot.Edge, bool) {
	for _, e := range edges {
		if e.Neighbor == to {
			return e, true
		}
	}
	return snapshot.Edge{}, false
}

// sortByTieBreak orders paths shortest first, then equal-length paths by
// descending confidence, then by the lexicographic order of their
// intermediate concept ids (golang.org/x/exp/slices.SortFunc, spec §4.H
// tie-break rule).
func sortByTieBreak(paths []record.GraphPath) {
	slices.SortFunc(paths, func(a, b record.GraphPath) bool {
		if len(a.Concepts) != len(b.Concepts) {
			return len(a.Concepts) < len(b.Concepts)
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return compareIntermediates(a.Concepts, b.Concepts) < 0
	})
}

func compareIntermediates(a, b []record.ConceptId) int {
	ai := intermediates(a)
	bi := intermediates(b)
	n := len(ai)
	if len(bi) < n {
		n = len(bi)
	}
	for i := 0; i < n; i++ {
		if c := compareIDs(ai[i], bi[i]); c != 0 {
			return c
		}
	}
	return len(ai) - len(bi)
}

func intermediates(ids []record.ConceptId) []record.ConceptId {
	if len(ids) <= 2 {
		return nil
	}
	return ids[1 : len(ids)-1]
}

func compareIDs(a, b record.ConceptId) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
