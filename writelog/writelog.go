// Package writelog implements the bounded, multi-producer/single-consumer
// write log that absorbs ingest bursts ahead of the reconciler. Producers
// never block: once the ring is saturated, Append returns ErrFull and the
// caller's write is dropped, exactly like the teacher's preference for
// lock-free atomics over blocking on the producer path (WAL.s atomic.Value,
// atomic.SwapUint32 for closed) rather than the single-writer mutex it uses
// for the slower rotate path.
package writelog

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sutralabs/graphstore/record"
)

// ErrFull is returned by Append when the ring is saturated.
var ErrFull = errFull{}

type errFull struct{}

func (errFull) Error() string { return "writelog: full" }

// DefaultCapacity is the default ring capacity (spec §4.D).
const DefaultCapacity = 100_000

// SaturationThreshold is the occupancy fraction at or above which
// Saturated reports true. It is advisory only: Append keeps accepting
// writes until the ring is completely full and rejects only then.
const SaturationThreshold = 0.9

type slot struct {
	seq   uint64
	entry record.WriteEntry
	ready uint32 // 0 = empty, 1 = written and ready for drain
}

// WriteLog is a bounded ring of pending WriteEntry values. Producers call
// Append concurrently from any number of goroutines; Drain is reserved to
// the single reconciler goroutine.
type WriteLog struct {
	capacity uint64
	slots    []slot

	tail     uint64 // next sequence number to be claimed by a producer
	consumed uint64 // next sequence number to be drained by the reconciler

	droppedCount  uint64 // mirrors metrics.dropped for in-process Stats() reads
	highWaterMark uint64 // mirrors metrics.highWater

	metrics *metrics
}

type metrics struct {
	written   prometheus.Counter
	dropped   prometheus.Counter
	highWater prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		written: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "writelog_written_total",
			Help: "Total write-log entries successfully appended.",
		}),
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "writelog_dropped_total",
			Help: "Total write-log entries dropped because the ring was saturated.",
		}),
		highWater: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "writelog_high_water",
			Help: "Highest observed in-flight entry count.",
		}),
	}
}

// New creates a WriteLog with the given capacity, registering its counters
// against reg (pass prometheus.NewRegistry() or nil for an unregistered
// no-op collector set in tests).
func New(capacity uint64, reg prometheus.Registerer) *WriteLog {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &WriteLog{
		capacity: capacity,
		slots:    make([]slot, capacity),
		metrics:  newMetrics(reg),
	}
}

// Append claims the next sequence number and stores entry, returning the
// sequence number on success. It returns ErrFull without blocking if the
// ring is saturated (occupancy >= capacity) -- producers never wait for the
// reconciler.
func (w *WriteLog) Append(entry record.WriteEntry) (uint64, error) {
	for {
		tail := atomic.LoadUint64(&w.tail)
		consumed := atomic.LoadUint64(&w.consumed)
		inFlight := tail - consumed
		if inFlight >= w.capacity {
			w.metrics.dropped.Inc()
			atomic.AddUint64(&w.droppedCount, 1)
			return 0, ErrFull
		}
		if atomic.CompareAndSwapUint64(&w.tail, tail, tail+1) {
			idx := tail % w.capacity
			w.slots[idx].entry = entry
			w.slots[idx].seq = tail
			atomic.StoreUint32(&w.slots[idx].ready, 1)

			w.metrics.written.Inc()
			if hw := inFlight + 1; hw > atomic.LoadUint64(&w.highWaterMark) {
				atomic.StoreUint64(&w.highWaterMark, hw)
				w.metrics.highWater.Set(float64(hw))
			}
			return tail, nil
		}
		// Lost the CAS race against another producer; retry.
	}
}

// Saturated reports whether the ring's current occupancy meets or exceeds
// SaturationThreshold of its capacity (spec §5 backpressure policy).
func (w *WriteLog) Saturated() bool {
	tail := atomic.LoadUint64(&w.tail)
	consumed := atomic.LoadUint64(&w.consumed)
	return float64(tail-consumed) >= SaturationThreshold*float64(w.capacity)
}

// DrainedEntry pairs a sequence number with its entry, returned by Drain in
// sequence-number order.
type DrainedEntry struct {
	Seq   uint64
	Entry record.WriteEntry
}

// Drain removes up to max pending entries in sequence-number order. It must
// only be called by the single reconciler goroutine: the consumed cursor is
// not itself CAS-protected against concurrent drainers.
func (w *WriteLog) Drain(max int) []DrainedEntry {
	consumed := atomic.LoadUint64(&w.consumed)
	tail := atomic.LoadUint64(&w.tail)

	avail := tail - consumed
	if avail == 0 {
		return nil
	}
	n := int(avail)
	if max > 0 && n > max {
		n = max
	}

	out := make([]DrainedEntry, 0, n)
	for i := 0; i < n; i++ {
		seq := consumed + uint64(i)
		idx := seq % w.capacity
		// Spin briefly until the producer's store to this slot becomes
		// visible; under the ring's invariants this window is extremely
		// short since the CAS that reserved `seq` has already completed.
		for atomic.LoadUint32(&w.slots[idx].ready) == 0 {
		}
		out = append(out, DrainedEntry{Seq: w.slots[idx].seq, Entry: w.slots[idx].entry})
		atomic.StoreUint32(&w.slots[idx].ready, 0)
	}
	atomic.StoreUint64(&w.consumed, consumed+uint64(n))
	return out
}

// Stats is a point-in-time snapshot of the write log's counters.
type Stats struct {
	Written   uint64
	Dropped   uint64
	InFlight  uint64
	HighWater uint64
	Capacity  uint64
}

// Stats returns a point-in-time snapshot of the write log's counters.
func (w *WriteLog) Stats() Stats {
	return Stats{
		Written:   atomic.LoadUint64(&w.tail),
		Dropped:   atomic.LoadUint64(&w.droppedCount),
		InFlight:  w.InFlight(),
		HighWater: atomic.LoadUint64(&w.highWaterMark),
		Capacity:  w.capacity,
	}
}

// OccupancyRatio returns the fraction of capacity currently in flight,
// used by the reconciler's adaptive interval policy (spec §4.G).
func (w *WriteLog) OccupancyRatio() float64 {
	tail := atomic.LoadUint64(&w.tail)
	consumed := atomic.LoadUint64(&w.consumed)
	return float64(tail-consumed) / float64(w.capacity)
}

// Written returns the total number of entries ever successfully appended.
func (w *WriteLog) Written() uint64 { return atomic.LoadUint64(&w.tail) }

// InFlight returns the number of entries currently buffered but not yet
// drained.
func (w *WriteLog) InFlight() uint64 {
	return atomic.LoadUint64(&w.tail) - atomic.LoadUint64(&w.consumed)
}

// Capacity returns the ring's fixed capacity.
func (w *WriteLog) Capacity() uint64 { return w.capacity }
