// Package reconciler implements the single background writer that drains
// the write log, mutates a working copy of the graph snapshot, applies
// queued HNSW inserts, publishes the result, and periodically flushes a
// durable segment plus manifest.
//
// The goroutine/metrics/logging shape mirrors the teacher's WAL: one
// dedicated background loop (the teacher's rotation goroutine reading
// triggerRotate), promauto-registered counters (newWALMetrics), and
// go-kit/log level-tagged logging. The tick interval is adaptive instead of
// fixed, driven by golang.org/x/time/rate rather than a bare time.Sleep.
package reconciler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/sutralabs/graphstore/manifest"
	"github.com/sutralabs/graphstore/record"
	"github.com/sutralabs/graphstore/segment"
	"github.com/sutralabs/graphstore/snapshot"
	"github.com/sutralabs/graphstore/vectorindex"
	"github.com/sutralabs/graphstore/writelog"
)

const (
	minIntervalMillis = 1
	maxIntervalMillis = 100

	// DefaultBatchMax is the default number of entries drained per cycle.
	DefaultBatchMax = 4096

	// DefaultFlushEvery is the default number of cycles between durable
	// flushes (spec §4.G step 6: "once per ~1 s worth of cycles" at a
	// roughly 10ms average interval settles around 100 cycles).
	DefaultFlushEvery = 100
)

// Clock abstracts wall-clock reads so tests can inject deterministic time
// instead of depending on real time passing between reconcile cycles.
type Clock interface {
	Now() uint64 // unix nanos
}

type systemClock struct{}

func (systemClock) Now() uint64 { return uint64(time.Now().UnixNano()) }

// Config configures a Reconciler.
type Config struct {
	Dir          string
	VectorDim    int
	BatchMax     int
	FlushEvery   int
	Logger       log.Logger
	Registerer   prometheus.Registerer
	Clock        Clock
	ContentFlush uint64 // flush early once pending content bytes exceed this
}

func (c *Config) setDefaults() {
	if c.BatchMax <= 0 {
		c.BatchMax = DefaultBatchMax
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = DefaultFlushEvery
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
	if c.ContentFlush == 0 {
		c.ContentFlush = 4 << 20 // 4 MiB of pending content triggers an early flush
	}
}

// Reconciler is the single writer over the write log, the published
// snapshot, and the segment/manifest/vector-index durable state.
type Reconciler struct {
	cfg Config

	wl       *writelog.WriteLog
	handle   *snapshot.Handle
	vecIndex *vectorindex.Index

	metrics  *metrics
	latency  *hdrhistogram.Histogram
	batchLat *hdrhistogram.Histogram

	limiter *rate.Limiter

	mu                sync.Mutex // guards interval/cyclesSinceFlush/pendingContent, read by stats()
	interval          time.Duration
	cyclesSinceFlush  int
	pendingContent    uint64
	currentGeneration uint64

	reconciliationsCount  uint64 // atomic mirror of metrics.reconciliations, for in-process Stats() reads
	entriesProcessedCount uint64
	diskFlushesCount      uint64

	stop chan struct{}
	done chan struct{}
}

type metrics struct {
	reconciliations  prometheus.Counter
	entriesProcessed prometheus.Counter
	diskFlushes      prometheus.Counter
	unflushedWrites  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		reconciliations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "reconciler_reconciliations_total",
			Help: "Total reconcile cycles run.",
		}),
		entriesProcessed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "reconciler_entries_processed_total",
			Help: "Total write-log entries applied to the snapshot.",
		}),
		diskFlushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "reconciler_disk_flushes_total",
			Help: "Total durable segment+manifest flushes.",
		}),
		unflushedWrites: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "reconciler_unflushed_writes",
			Help: "Entries applied to the snapshot but not yet covered by a durable flush.",
		}),
	}
}

// New constructs a Reconciler over an existing write log, a snapshot
// handle to publish into, and a vector index to maintain. The manifest at
// cfg.Dir (if any) is loaded to recover CurrentGeneration.
func New(cfg Config, wl *writelog.WriteLog, handle *snapshot.Handle, vecIndex *vectorindex.Index) (*Reconciler, error) {
	cfg.setDefaults()

	m, err := manifest.Load(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("reconciler: load manifest: %w", err)
	}

	r := &Reconciler{
		cfg:               cfg,
		wl:                wl,
		handle:            handle,
		vecIndex:          vecIndex,
		metrics:           newMetrics(cfg.Registerer),
		latency:           hdrhistogram.New(1, 1_000_000, 3),
		batchLat:          hdrhistogram.New(1, 1_000_000, 3),
		limiter:           rate.NewLimiter(rate.Inf, 1),
		interval:          10 * time.Millisecond,
		currentGeneration: m.CurrentGeneration,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	return r, nil
}

// Run starts the background reconcile loop. It returns once ctx is
// cancelled or Stop is called, after completing any in-flight cycle.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		default:
		}

		start := time.Now()
		n, err := r.cycle()
		if err != nil {
			// A reconciler error that survives cycle()'s own recovery is
			// unexpected: the sole writer cannot safely continue.
			level.Error(r.cfg.Logger).Log("msg", "reconciler cycle failed, terminating", "err", err)
			panic(fmt.Sprintf("reconciler: unrecoverable cycle failure: %v", err))
		}
		r.latency.RecordValue(time.Since(start).Microseconds())
		r.metrics.reconciliations.Inc()
		atomic.AddUint64(&r.reconciliationsCount, 1)

		q := r.wl.OccupancyRatio()
		r.adjustInterval(q)

		if n == 0 {
			// golang.org/x/time/rate drives the sleep/backoff between idle
			// cycles instead of a bare time.Sleep: Wait respects ctx
			// cancellation the same way the select below does, and the
			// limiter's rate is kept in lockstep with the adaptive interval
			// by adjustInterval.
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
			select {
			case <-r.stop:
				return
			default:
			}
		}
	}
}

// Stop signals the reconcile loop to exit after its current cycle and
// blocks until it has.
func (r *Reconciler) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}

// adjustInterval applies the §4.G adaptive policy: t_{n+1} = clamp(1, 100,
// t_n * f(q)), then reprograms the rate limiter to one event per interval
// so the next idle wait in Run honors it.
func (r *Reconciler) adjustInterval(q float64) {
	f := 1.0
	switch {
	case q > 0.5:
		f = 0.7
	case q < 0.1:
		f = 1.3
	}

	r.mu.Lock()
	ms := float64(r.interval) / float64(time.Millisecond) * f
	ms = math.Max(minIntervalMillis, math.Min(maxIntervalMillis, ms))
	r.interval = time.Duration(ms * float64(time.Millisecond))
	interval := r.interval
	r.mu.Unlock()

	r.limiter.SetLimit(rate.Every(interval))
	r.limiter.SetBurst(1)
}

// cycle runs one drain-apply-publish pass and, every FlushEvery cycles (or
// when pending content crosses ContentFlush), a durable flush. It returns
// the number of entries applied.
func (r *Reconciler) cycle() (n int, err error) {
	drained := r.wl.Drain(r.cfg.BatchMax)
	if len(drained) == 0 {
		return 0, nil
	}
	r.batchLat.RecordValue(int64(len(drained)))

	base := r.handle.Load()
	builder := snapshot.NewBuilder(base)
	var hnswQueue []hnswInsert

	now := r.cfg.Clock.Now()

	for _, d := range drained {
		switch d.Entry.Kind {
		case record.EntryLearnConcept:
			r.applyLearnConcept(builder, d.Entry, now, &hnswQueue)
		case record.EntryLearnAssociation:
			r.applyLearnAssociation(builder, d.Entry)
		case record.EntryTouch:
			r.applyTouch(builder, d.Entry, now)
		case record.EntryForget:
			r.applyForget(builder, d.Entry)
		}
	}

	for _, item := range hnswQueue {
		if insErr := r.vecIndex.Insert(item.id, item.vec); insErr != nil {
			level.Error(r.cfg.Logger).Log("msg", "hnsw insert failed, clearing has-embedding", "concept", item.id.String(), "err", insErr)
			if node, ok := builder.Get(item.id); ok {
				rec := node.Record
				rec.Flags &^= record.FlagHasEmbedding
				builder.Set(item.id, &snapshot.ConceptNode{Record: rec, Content: node.Content, Outgoing: node.Outgoing, Incoming: node.Incoming})
			}
		}
	}

	builder.SetHNSWGeneration(r.currentGeneration)
	builder.RecomputeEdgeCount()
	r.handle.Publish(builder.Build())

	r.metrics.entriesProcessed.Add(float64(len(drained)))
	atomic.AddUint64(&r.entriesProcessedCount, uint64(len(drained)))
	r.metrics.unflushedWrites.Add(float64(len(drained)))

	r.mu.Lock()
	r.cyclesSinceFlush++
	shouldFlush := r.cyclesSinceFlush >= r.cfg.FlushEvery || r.pendingContent >= r.cfg.ContentFlush
	r.mu.Unlock()

	if shouldFlush {
		if flushErr := r.flush(); flushErr != nil {
			level.Error(r.cfg.Logger).Log("msg", "segment flush failed, retrying next cycle", "err", flushErr)
		} else {
			r.metrics.diskFlushes.Inc()
			atomic.AddUint64(&r.diskFlushesCount, 1)
			r.mu.Lock()
			r.cyclesSinceFlush = 0
			r.pendingContent = 0
			r.mu.Unlock()
			r.metrics.unflushedWrites.Set(0)
		}
	}

	return len(drained), nil
}

// hnswInsert is a vector queued by applyLearnConcept for insertion into the
// vector index after the pass over drained entries completes.
type hnswInsert struct {
	id  record.ConceptId
	vec []float32
}

func (r *Reconciler) applyLearnConcept(b *snapshot.Builder, e record.WriteEntry, now uint64, queue *[]hnswInsert) {
	r.mu.Lock()
	r.pendingContent += uint64(len(e.Content))
	r.mu.Unlock()

	existing, ok := b.Get(e.ConceptID)
	if !ok {
		rec := record.ConceptRecord{
			ConceptID:       e.ConceptID,
			Strength:        e.Strength,
			Confidence:      e.Confidence,
			Created:         now,
			LastAccessed:    now,
			ContentLength:   uint32(len(e.Content)),
			EmbeddingOffset: record.NoEmbedding,
		}
		node := &snapshot.ConceptNode{Record: rec, Content: e.Content}
		if e.HasVector {
			rec.Flags |= record.FlagHasEmbedding
			node.Record = rec
			node.Vector = e.Vector
			*queue = append(*queue, hnswInsert{e.ConceptID, e.Vector})
		}
		b.Set(e.ConceptID, node)
		return
	}

	if existing.Record.Tombstoned() {
		return
	}

	rec := existing.Record
	rec.Strength = float32(math.Max(float64(rec.Strength), float64(e.Strength)))
	rec.Confidence = float32(math.Max(float64(rec.Confidence), float64(e.Confidence)))
	rec.LastAccessed = now
	content := existing.Content
	vector := existing.Vector
	if len(e.Content) > 0 {
		content = e.Content
		rec.ContentLength = uint32(len(e.Content))
	}
	if e.HasVector {
		rec.Flags |= record.FlagHasEmbedding
		vector = e.Vector
		*queue = append(*queue, hnswInsert{e.ConceptID, e.Vector})
	}
	b.Set(e.ConceptID, &snapshot.ConceptNode{Record: rec, Content: content, Vector: vector, Outgoing: existing.Outgoing, Incoming: existing.Incoming})
}

// applyLearnAssociation de-duplicates by (src, dst, type), taking max
// confidence and saturating the weight via a logistic/noisy-OR accumulator
// (spec §4.G, resolved in DESIGN.md). Both endpoints must already exist in
// the working set or the entry is skipped.
func (r *Reconciler) applyLearnAssociation(b *snapshot.Builder, e record.WriteEntry) {
	src, ok := b.Get(e.Source)
	if !ok || src.Record.Tombstoned() {
		return
	}
	dst, ok := b.Get(e.Target)
	if !ok || dst.Record.Tombstoned() {
		return
	}

	const observationIncrement = 0.2

	edges := append([]snapshot.Edge(nil), src.Outgoing...)
	for i, edge := range edges {
		if edge.Neighbor == e.Target && edge.Type == e.Type {
			edges[i].Confidence = float32(math.Max(float64(edge.Confidence), float64(e.Confidence)))
			edges[i].Weight = saturate(edge.Weight, observationIncrement)
			newSrc := &snapshot.ConceptNode{Record: src.Record, Content: src.Content, Vector: src.Vector, Outgoing: edges, Incoming: src.Incoming}
			b.Set(e.Source, newSrc)
			return
		}
	}

	newEdge := snapshot.Edge{Neighbor: e.Target, Type: e.Type, Confidence: e.Confidence, Weight: observationIncrement}
	newOutgoing := append(append([]snapshot.Edge{}, src.Outgoing...), newEdge)
	b.Set(e.Source, &snapshot.ConceptNode{Record: src.Record, Content: src.Content, Vector: src.Vector, Outgoing: newOutgoing, Incoming: src.Incoming})

	newIncoming := append(append([]snapshot.Edge{}, dst.Incoming...), snapshot.Edge{Neighbor: e.Source, Type: e.Type, Confidence: e.Confidence, Weight: observationIncrement})
	b.Set(e.Target, &snapshot.ConceptNode{Record: dst.Record, Content: dst.Content, Vector: dst.Vector, Outgoing: dst.Outgoing, Incoming: newIncoming})
}

// saturate applies the logistic/noisy-OR accumulator: repeated
// observations push weight towards 1.0 but never reach it.
func saturate(weight, increment float32) float32 {
	return 1 - (1-weight)*(1-increment)
}

// applyForget logically deletes a concept by setting its tombstone flag in
// place (spec §3 Lifecycle). Unknown or already-tombstoned ids are no-ops:
// the segment still carries the record exactly as it last stood, and
// readers already treat a missing id and a tombstoned id identically.
func (r *Reconciler) applyForget(b *snapshot.Builder, e record.WriteEntry) {
	node, ok := b.Get(e.ConceptID)
	if !ok || node.Record.Tombstoned() {
		return
	}
	rec := node.Record
	rec.Flags |= record.FlagTombstone
	b.Set(e.ConceptID, &snapshot.ConceptNode{Record: rec, Content: node.Content, Vector: node.Vector, Outgoing: node.Outgoing, Incoming: node.Incoming})
}

func (r *Reconciler) applyTouch(b *snapshot.Builder, e record.WriteEntry, now uint64) {
	node, ok := b.Get(e.ConceptID)
	if !ok || node.Record.Tombstoned() {
		return
	}
	rec := node.Record
	rec.AccessCount++
	rec.LastAccessed = now
	b.Set(e.ConceptID, &snapshot.ConceptNode{Record: rec, Content: node.Content, Vector: node.Vector, Outgoing: node.Outgoing, Incoming: node.Incoming})
}

// flush synthesizes a new segment from the current snapshot, commits it,
// updates the manifest with rename-over, bumps the generation, and asks
// the vector index to persist itself (spec §4.G step 6).
func (r *Reconciler) flush() error {
	s := r.handle.Load()

	var blobs []segment.ConceptBlob
	var assocs []record.AssociationRecord
	var minCreated, maxCreated uint64
	minCreated = math.MaxUint64

	s.RangeAll(func(id record.ConceptId, node *snapshot.ConceptNode) bool {
		blobs = append(blobs, segment.ConceptBlob{Record: node.Record, Content: node.Content, Embedding: node.Vector})
		if node.Record.Created < minCreated {
			minCreated = node.Record.Created
		}
		if node.Record.Created > maxCreated {
			maxCreated = node.Record.Created
		}
		for _, e := range node.Outgoing {
			assocs = append(assocs, record.AssociationRecord{
				SourceID:   id,
				TargetID:   e.Neighbor,
				AssocType:  e.Type,
				Confidence: e.Confidence,
				Weight:     e.Weight,
			})
		}
		return true
	})
	if len(blobs) == 0 {
		minCreated = 0
	}

	nextGen := r.currentGeneration + 1
	buf := segment.Build(nextGen, blobs, assocs)
	name := fmt.Sprintf("%06d.seg", nextGen)

	path, err := segment.Commit(r.cfg.Dir, name, buf)
	if err != nil {
		return fmt.Errorf("reconciler: commit segment: %w", err)
	}

	m, err := manifest.Load(r.cfg.Dir)
	if err != nil {
		return fmt.Errorf("reconciler: reload manifest: %w", err)
	}
	m.CurrentGeneration = nextGen
	m.Segments = append(m.Segments, manifest.SegmentMetadata{
		Path:             path,
		Generation:       nextGen,
		ConceptCount:     uint64(len(blobs)),
		AssociationCount: uint64(len(assocs)),
		MinCreated:       minCreated,
		MaxCreated:       maxCreated,
	})
	if err := manifest.Save(r.cfg.Dir, m); err != nil {
		return fmt.Errorf("reconciler: save manifest: %w", err)
	}
	r.currentGeneration = nextGen

	if err := r.vecIndex.Save(); err != nil {
		return fmt.Errorf("reconciler: save vector index: %w", err)
	}
	return nil
}

// Stats is the HdrHistogram-derived latency/batch-size surface exposed
// alongside the §6 metrics list (spec §10 supplement).
type Stats struct {
	Reconciliations   uint64
	EntriesProcessed  uint64
	DiskFlushes       uint64
	CycleLatencyP50Ms float64
	CycleLatencyP99Ms float64
	BatchSizeP99      int64
	CurrentIntervalMs float64
}

// Stats returns a point-in-time snapshot of the reconciler's counters and
// latency percentiles.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	interval := r.interval
	r.mu.Unlock()
	return Stats{
		Reconciliations:   atomic.LoadUint64(&r.reconciliationsCount),
		EntriesProcessed:  atomic.LoadUint64(&r.entriesProcessedCount),
		DiskFlushes:       atomic.LoadUint64(&r.diskFlushesCount),
		CycleLatencyP50Ms: float64(r.latency.ValueAtQuantile(50)) / 1000,
		CycleLatencyP99Ms: float64(r.latency.ValueAtQuantile(99)) / 1000,
		BatchSizeP99:      r.batchLat.ValueAtQuantile(99),
		CurrentIntervalMs: float64(interval.Milliseconds()),
	}
}
