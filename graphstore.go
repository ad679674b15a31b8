// Package graphstore is the public facade over the write log, reconciler,
// snapshot, vector index, and graph traversal packages: a concurrent
// knowledge-graph storage engine that learns concepts and associations
// from any number of writer goroutines while serving wait-free reads.
//
// Configuration follows the teacher's functional-options shape (walOpt +
// applyDefaultsAndValidate in wal.go), realized here as Option +
// Config.setDefaults.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sutralabs/graphstore/manifest"
	"github.com/sutralabs/graphstore/reconciler"
	"github.com/sutralabs/graphstore/record"
	"github.com/sutralabs/graphstore/snapshot"
	"github.com/sutralabs/graphstore/traversal"
	"github.com/sutralabs/graphstore/vectorindex"
	"github.com/sutralabs/graphstore/writelog"
)

// Error taxonomy (spec §7). Each is a sentinel wrapped with fmt.Errorf at
// the call site that detects it; callers match with errors.Is.
var (
	ErrSaturated         = errors.New("graphstore: write log saturated")
	ErrMissing           = errors.New("graphstore: concept not found")
	ErrCorruptSegment    = record.ErrCorruptSegment
	ErrCorruptManifest   = manifest.ErrCorruptManifest
	ErrVectorDimMismatch = errors.New("graphstore: vector length does not match configured dimension")
	ErrUnknownAssocType  = record.ErrUnknownAssocType
)

// ConcurrentStats mirrors the §6 metrics/observability surface.
type ConcurrentStats struct {
	SnapshotConceptCount int
	SnapshotEdgeCount    int
	WriteLogWritten      uint64
	WriteLogDropped      uint64
	WriteLogHighWater    uint64
	Reconciliations      uint64
	EntriesProcessed     uint64
	DiskFlushes          uint64
	HNSWNumVectors       int
	HNSWDimension        int
	HNSWInitialized      bool
}

// LearningStorage is the narrow contract consumed by collaborators,
// directly modeled on the Rust LearningStorage trait (spec §4.I). Both
// synchronous writes and reads are safe from any goroutine; only Flush
// blocks.
type LearningStorage interface {
	LearnConcept(id record.ConceptId, content []byte, vector []float32, strength, confidence float32) (uint64, error)
	LearnConceptWithSemantic(id record.ConceptId, content []byte, vector []float32, strength, confidence float32, semantic map[string]any) (uint64, error)
	LearnAssociation(src, dst record.ConceptId, typ record.AssociationType, confidence float32) (uint64, error)
	Contains(id record.ConceptId) bool
	Get(id record.ConceptId) (record.ConceptRecord, bool)
	FindPath(src, dst record.ConceptId, maxHops int) (*record.GraphPath, error)
	SearchVectors(query []float32, k int) ([]vectorindex.Match, error)
	Stats() ConcurrentStats
	Flush(ctx context.Context, seq uint64) error
}

// Config configures a ConcurrentMemory instance.
type Config struct {
	StoragePath       string
	VectorDimension   int
	WriteLogCapacity  uint64
	MemoryThreshold   int
	ReconcileMinMs    int
	ReconcileMaxMs    int
	FlushEveryCycles  int
	FlushContentBytes uint64
	Logger            log.Logger
	Registerer        prometheus.Registerer
}

// Option mutates a Config, applied in Open (teacher's `type walOpt func(*WAL)`).
type Option func(*Config)

// WithLogger sets the structured logger threaded through every component.
func WithLogger(l log.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithRegisterer sets the Prometheus registerer all components register
// their metrics against.
func WithRegisterer(reg prometheus.Registerer) Option { return func(c *Config) { c.Registerer = reg } }

// WithWriteLogCapacity overrides the default write-log ring capacity.
func WithWriteLogCapacity(capacity uint64) Option {
	return func(c *Config) { c.WriteLogCapacity = capacity }
}

// WithFlushPolicy overrides the reconciler's durable-flush cadence.
func WithFlushPolicy(everyCycles int, contentBytes uint64) Option {
	return func(c *Config) { c.FlushEveryCycles = everyCycles; c.FlushContentBytes = contentBytes }
}

func (c *Config) setDefaults() {
	if c.WriteLogCapacity == 0 {
		c.WriteLogCapacity = writelog.DefaultCapacity
	}
	if c.MemoryThreshold == 0 {
		c.MemoryThreshold = 1_000_000
	}
	if c.ReconcileMinMs == 0 {
		c.ReconcileMinMs = 1
	}
	if c.ReconcileMaxMs == 0 {
		c.ReconcileMaxMs = 100
	}
	if c.FlushEveryCycles == 0 {
		c.FlushEveryCycles = reconciler.DefaultFlushEvery
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
}

func (c *Config) validate() error {
	if c.StoragePath == "" {
		return errors.New("graphstore: StoragePath is required")
	}
	if c.VectorDimension <= 0 {
		return errors.New("graphstore: VectorDimension must be positive")
	}
	return nil
}

// ConcurrentMemory is the concrete LearningStorage implementation wiring
// together the write log, reconciler, snapshot handle, vector index, and
// traversal operations.
type ConcurrentMemory struct {
	cfg Config

	wl       *writelog.WriteLog
	handle   *snapshot.Handle
	vecIndex *vectorindex.Index
	rec      *reconciler.Reconciler

	cancel context.CancelFunc
	runWG  sync.WaitGroup
}

// Open constructs and starts a ConcurrentMemory rooted at a storage
// directory and starts the background reconciler loop. If the directory
// holds a manifest from a previous run, every segment it lists is opened
// and validated, the most recent one's concepts and associations are
// replayed into the published snapshot, and the HNSW index is rebuilt from
// that segment's vectors when its own persisted files are absent or fail
// their checksum/consistency checks (spec §4.C). A persisted index that
// passes those checks is loaded as is, even if it lags the latest segment.
// Open fails atomically if any referenced segment is missing or corrupt.
func Open(storagePath string, vectorDimension int, opts ...Option) (*ConcurrentMemory, error) {
	cfg := Config{StoragePath: storagePath, VectorDimension: vectorDimension}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("graphstore: create storage dir %s: %w", cfg.StoragePath, err)
	}

	recovered, vectors, err := recoverSnapshot(cfg.StoragePath, cfg.VectorDimension)
	if err != nil {
		return nil, fmt.Errorf("graphstore: recover: %w", err)
	}

	wl := writelog.New(cfg.WriteLogCapacity, cfg.Registerer)
	handle := snapshot.NewHandle()
	if recovered != nil {
		handle.Publish(recovered)
	}

	vecBase := filepath.Join(cfg.StoragePath, "vectors")
	vecIndex, err := vectorindex.LoadOrBuild(vecBase, cfg.VectorDimension, vectors)
	if errors.Is(err, vectorindex.ErrCorruptIndex) {
		vecIndex, err = vectorindex.New(vecBase, cfg.VectorDimension), nil
		for id, vec := range vectors {
			if err = vecIndex.Insert(id, vec); err != nil {
				break
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("graphstore: load vector index: %w", err)
	}

	rec, err := reconciler.New(reconciler.Config{
		Dir:          cfg.StoragePath,
		VectorDim:    cfg.VectorDimension,
		FlushEvery:   cfg.FlushEveryCycles,
		ContentFlush: cfg.FlushContentBytes,
		Logger:       cfg.Logger,
		Registerer:   cfg.Registerer,
	}, wl, handle, vecIndex)
	if err != nil {
		return nil, fmt.Errorf("graphstore: construct reconciler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &ConcurrentMemory{
		cfg:      cfg,
		wl:       wl,
		handle:   handle,
		vecIndex: vecIndex,
		rec:      rec,
		cancel:   cancel,
	}

	m.runWG.Add(1)
	go func() {
		defer m.runWG.Done()
		rec.Run(ctx)
	}()

	return m, nil
}

// Close stops the background reconciler and waits for it to exit.
func (m *ConcurrentMemory) Close() error {
	m.cancel()
	m.rec.Stop()
	m.runWG.Wait()
	return nil
}

// LearnConcept enqueues a concept learn and returns its write-log sequence
// number.
func (m *ConcurrentMemory) LearnConcept(id record.ConceptId, content []byte, vector []float32, strength, confidence float32) (uint64, error) {
	return m.LearnConceptWithSemantic(id, content, vector, strength, confidence, nil)
}

// LearnConceptWithSemantic is LearnConcept plus an opaque semantic payload
// (spec §4.I: "default: ignore semantic"). The payload is accepted and
// carried in the write-log entry, but the reconciler ignores it: it is not
// stored on the concept, not written to segments, and does not set
// FlagHasSemanticMeta.
func (m *ConcurrentMemory) LearnConceptWithSemantic(id record.ConceptId, content []byte, vector []float32, strength, confidence float32, semantic map[string]any) (uint64, error) {
	if vector != nil && len(vector) != m.cfg.VectorDimension {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrVectorDimMismatch, len(vector), m.cfg.VectorDimension)
	}
	seq, err := m.wl.Append(record.WriteEntry{
		Kind:       record.EntryLearnConcept,
		ConceptID:  id,
		Content:    content,
		Vector:     vector,
		HasVector:  vector != nil,
		Strength:   strength,
		Confidence: confidence,
		Semantic:   semantic,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSaturated, err)
	}
	return seq, nil
}

// LearnAssociation enqueues an association learn and returns its
// write-log sequence number.
func (m *ConcurrentMemory) LearnAssociation(src, dst record.ConceptId, typ record.AssociationType, confidence float32) (uint64, error) {
	seq, err := m.wl.Append(record.WriteEntry{
		Kind:       record.EntryLearnAssociation,
		Source:     src,
		Target:     dst,
		Type:       typ,
		Confidence: confidence,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSaturated, err)
	}
	return seq, nil
}

// Forget enqueues the logical deletion of id: the reconciler writes a
// tombstoned concept record in its place (spec §3 Lifecycle). It is not
// part of the narrow LearningStorage contract consumed by collaborators
// (spec §4.I), but the engine itself must support it: the tombstone
// lifecycle and seed scenario 6 ("learn then tombstone id X") have no
// other entry point. Forgetting an id that does not exist (or is already
// tombstoned) is a no-op at apply time, not an error here: the caller has
// no way to know locally whether the concept is visible yet.
func (m *ConcurrentMemory) Forget(id record.ConceptId) (uint64, error) {
	seq, err := m.wl.Append(record.WriteEntry{Kind: record.EntryForget, ConceptID: id})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSaturated, err)
	}
	return seq, nil
}

// Touch enqueues an access-count/last-accessed bump for id (spec §3
// WriteEntry Touch{id}, §4.G step 3). Like Forget it sits outside the
// narrow LearningStorage contract (spec §4.I) but the engine must still
// expose it: nothing else can move AccessCount/LastAccessed in a running
// engine. Touching an id that does not exist (or is tombstoned) is a
// no-op at apply time, mirroring Forget.
func (m *ConcurrentMemory) Touch(id record.ConceptId) (uint64, error) {
	seq, err := m.wl.Append(record.WriteEntry{Kind: record.EntryTouch, ConceptID: id})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSaturated, err)
	}
	return seq, nil
}

// Contains reports whether id is present (and not tombstoned) in the
// currently published snapshot.
func (m *ConcurrentMemory) Contains(id record.ConceptId) bool {
	return m.handle.Load().Contains(id)
}

// Get returns id's concept record from the currently published snapshot.
func (m *ConcurrentMemory) Get(id record.ConceptId) (record.ConceptRecord, bool) {
	node, ok := m.handle.Load().Get(id)
	if !ok {
		return record.ConceptRecord{}, false
	}
	return node.Record, true
}

// FindPath runs bidirectional BFS over the currently published snapshot.
func (m *ConcurrentMemory) FindPath(src, dst record.ConceptId, maxHops int) (*record.GraphPath, error) {
	return traversal.FindPath(m.handle.Load(), src, dst, maxHops), nil
}

// FindPathsParallel explores up to k disjoint paths (spec §4.H). The paths
// are searched for one after another; see traversal.FindPathsParallel.
func (m *ConcurrentMemory) FindPathsParallel(ctx context.Context, src, dst record.ConceptId, maxHops, k int) ([]record.GraphPath, error) {
	return traversal.FindPathsParallel(ctx, m.handle.Load(), src, dst, maxHops, k)
}

// SearchVectors runs an ANN search against the vector index. An empty
// index returns an empty slice, never an error.
func (m *ConcurrentMemory) SearchVectors(query []float32, k int) ([]vectorindex.Match, error) {
	if len(query) != m.cfg.VectorDimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVectorDimMismatch, len(query), m.cfg.VectorDimension)
	}
	return m.vecIndex.Search(query, k, defaultEf(k))
}

func defaultEf(k int) int {
	if k < 16 {
		return 64
	}
	return k * 4
}

// Stats returns a point-in-time snapshot of the §6 observability surface.
func (m *ConcurrentMemory) Stats() ConcurrentStats {
	s := m.handle.Load()
	wlStats := m.wl.Stats()
	recStats := m.rec.Stats()
	vecStats := m.vecIndex.Stats()

	return ConcurrentStats{
		SnapshotConceptCount: s.ConceptCount(),
		SnapshotEdgeCount:    s.EdgeCount(),
		WriteLogWritten:      wlStats.Written,
		WriteLogDropped:      wlStats.Dropped,
		WriteLogHighWater:    wlStats.HighWater,
		Reconciliations:      recStats.Reconciliations,
		EntriesProcessed:     recStats.EntriesProcessed,
		DiskFlushes:          recStats.DiskFlushes,
		HNSWNumVectors:       vecStats.NumVectors,
		HNSWDimension:        vecStats.Dimension,
		HNSWInitialized:      vecStats.Initialized,
	}
}

// Flush blocks until a reconcile cycle whose covered range includes seq
// has completed a successful durable flush (spec §4.I). It polls the
// reconciler's counters rather than requiring a dedicated signal channel
// per caller, bounded by ctx: first until the entry at seq has been
// applied to a published snapshot, then until a disk flush has occurred
// at or after that point.
func (m *ConcurrentMemory) Flush(ctx context.Context, seq uint64) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for m.rec.Stats().EntriesProcessed <= seq {
		select {
		case <-ctx.Done():
			return fmt.Errorf("graphstore: flush(%d) did not complete: %w", seq, ctx.Err())
		case <-ticker.C:
		}
	}

	flushesAtApply := m.rec.Stats().DiskFlushes
	for m.rec.Stats().DiskFlushes <= flushesAtApply {
		select {
		case <-ctx.Done():
			return fmt.Errorf("graphstore: flush(%d) did not complete: %w", seq, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

var _ LearningStorage = (*ConcurrentMemory)(nil)
