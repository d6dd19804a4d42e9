// Package stats implements the rolling statistics engine: a fixed-size
// ring of Buckets, bucket-rotation and snapshot timers, and the
// aggregation/percentile/mean rules that turn the window into a
// TotalStats.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/hexbase-io/breakerstat/internal/clock"
)

// Config bundles a Stats ring's immutable construction options (spec §3.2).
type Config struct {
	Name         string
	BucketSpan   time.Duration
	BucketNum    int
	StatInterval time.Duration
	Percentiles  []float64
	Clock        clock.Clock
}

// Stats is a rolling window of time-sliced Buckets sharing one
// Cumulative, rotated and snapshotted on independent timers.
//
// mu guards the ring, the occupancy bitset, and the published totals:
// every increment and the aggregate computed from it happen under mu, so
// a concurrent rotation never sees a partially-updated bucket. Update and
// snapshot listeners (registered under updateMu) are called after mu is
// released, so a listener's work, such as the breaker's threshold check,
// is not serialized with rotation or with other recordings.
type Stats struct {
	clock        clock.Clock
	bucketSpan   time.Duration
	bucketNum    int
	statInterval time.Duration
	percentiles  []float64

	mu         sync.Mutex
	buckets    []*Bucket
	cumulative *Cumulative
	totals     TotalStats
	rotations  uint64

	// occupancy marks, per chronological phase within one full
	// bucketNum*bucketSpan cycle, whether that phase has ever recorded a
	// non-short-circuit outcome. Purely observational (read only by
	// Ready) — it never gates the threshold
	// check, which per spec §4.4 only ever looks at total/waitThreshold.
	occupancy      *bitset.BitSet
	occupiedPhases uint

	rotationTimer clock.Timer
	snapshotTimer clock.Timer
	stopped       bool

	updateMu   sync.Mutex
	onUpdate   map[int]func(TotalStats)
	onSnapshot map[int]func(TotalStats)
	nextSubID  int
}

// New allocates bucketNum buckets sharing one Cumulative, computes an
// initial (empty) snapshot, and starts the rotation and snapshot timers
// (spec §4.2 Construction).
func New(cfg Config) *Stats {
	s := &Stats{
		clock:        cfg.Clock,
		bucketSpan:   cfg.BucketSpan,
		bucketNum:    cfg.BucketNum,
		statInterval: cfg.StatInterval,
		percentiles:  append([]float64(nil), cfg.Percentiles...),
		cumulative:   NewCumulative(cfg.Name),
		occupancy:    bitset.New(uint(cfg.BucketNum)),
		onUpdate:     make(map[int]func(TotalStats)),
		onSnapshot:   make(map[int]func(TotalStats)),
	}

	s.buckets = make([]*Bucket, cfg.BucketNum)
	for i := range s.buckets {
		s.buckets[i] = NewBucket(s.cumulative)
	}

	s.mu.Lock()
	s.totals = s.generateStatsLocked(true)
	s.scheduleRotationLocked()
	s.scheduleSnapshotLocked()
	s.mu.Unlock()

	return s
}

func (s *Stats) scheduleRotationLocked() {
	if s.stopped {
		return
	}
	s.rotationTimer = s.clock.AfterFunc(s.bucketSpan, s.rotate)
}

func (s *Stats) scheduleSnapshotLocked() {
	if s.stopped {
		return
	}
	s.snapshotTimer = s.clock.AfterFunc(s.statInterval, s.takeSnapshot)
}

// rotate appends a fresh bucket and drops the oldest, per spec §4.2
// Rotation. It performs no aggregation.
func (s *Stats) rotate() {
	s.mu.Lock()
	fresh := NewBucket(s.cumulative)
	s.buckets = append(s.buckets[1:], fresh)
	s.rotations++
	s.scheduleRotationLocked()
	s.mu.Unlock()
}

// takeSnapshot computes a latency-inclusive aggregate, publishes it,
// then resets the cumulative derivative counters (spec §4.2 Snapshot).
func (s *Stats) takeSnapshot() {
	s.mu.Lock()
	t := s.generateStatsLocked(true)
	s.totals = t
	s.cumulative.resetDeriv()
	s.scheduleSnapshotLocked()
	s.mu.Unlock()

	s.emit(s.onSnapshot, t)
}

// activeSlot reports which chronological phase of a bucketNum*bucketSpan
// cycle is currently active, for occupancy tracking only.
func (s *Stats) activeSlot() uint {
	if s.bucketNum == 0 {
		return 0
	}
	return uint(s.rotations % uint64(s.bucketNum))
}

func (s *Stats) markOccupiedLocked() {
	slot := s.activeSlot()
	if !s.occupancy.Test(slot) {
		s.occupancy.SetTo(slot, true)
		s.occupiedPhases++
	}
}

// Ready reports whether every chronological phase of the window has
// recorded at least one outcome since construction or the last Reset.
func (s *Stats) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occupiedPhases >= uint(s.bucketNum)
}

// Success records a successful outcome on the active bucket and emits
// an update (spec §4.2 Record).
func (s *Stats) Success(runTimeMS int64) { s.record(func(b *Bucket) { b.Success(runTimeMS) }) }

// Failure records a failed outcome on the active bucket and emits an update.
func (s *Stats) Failure(runTimeMS int64) { s.record(func(b *Bucket) { b.Failure(runTimeMS) }) }

// Timeout records a timed-out outcome on the active bucket and emits an update.
func (s *Stats) Timeout(runTimeMS int64) { s.record(func(b *Bucket) { b.Timeout(runTimeMS) }) }

// ShortCircuit records a rejection that never ran the operation. It
// does not touch occupancy, since occupancy tracks genuine traffic.
func (s *Stats) ShortCircuit() {
	s.mu.Lock()
	active := s.buckets[len(s.buckets)-1]
	active.ShortCircuit()
	t := s.generateStatsLocked(false)
	s.totals = t
	s.mu.Unlock()

	s.emit(s.onUpdate, t)
}

func (s *Stats) record(apply func(*Bucket)) {
	s.mu.Lock()
	active := s.buckets[len(s.buckets)-1]
	apply(active)
	s.markOccupiedLocked()
	t := s.generateStatsLocked(false)
	s.totals = t
	s.mu.Unlock()

	s.emit(s.onUpdate, t)
}

// generateStatsLocked implements spec §4.2's generateStats. Callers
// must hold mu.
func (s *Stats) generateStatsLocked(includeLatency bool) TotalStats {
	var total, successful, failed, timedOut, shortCircuited uint64
	for _, b := range s.buckets {
		total += b.Total
		successful += b.Successful
		failed += b.Failed
		timedOut += b.TimedOut
		shortCircuited += b.ShortCircuited
	}

	t := TotalStats{
		Total:          total,
		Successful:     successful,
		Failed:         failed,
		TimedOut:       timedOut,
		ShortCircuited: shortCircuited,
		Cumulative:     s.cumulative.Snapshot(),
	}

	if includeLatency {
		var all []int64
		for _, b := range s.buckets {
			all = append(all, b.RequestTimes...)
		}
		sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

		t.LatencyMean = Mean(all)
		percentiles := make(map[float64]int64, len(s.percentiles))
		for _, p := range s.percentiles {
			percentiles[p] = percentileOfSorted(p, all)
		}
		t.Percentiles = percentiles
	} else {
		t.LatencyMean = s.totals.LatencyMean
		t.Percentiles = s.totals.Percentiles
	}

	return t
}

// Snapshot returns the most recently published aggregate without
// forcing a recomputation.
func (s *Stats) Snapshot() TotalStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals
}

// Reset replaces every bucket with a fresh one sharing the same
// Cumulative, clears occupancy, and emits an update whose total is 0
// (spec §4.2 reset / §8 round-trip property). Cumulative counters are
// not reset.
func (s *Stats) Reset() {
	s.mu.Lock()
	for i := range s.buckets {
		s.buckets[i] = NewBucket(s.cumulative)
	}
	s.occupancy = bitset.New(uint(s.bucketNum))
	s.occupiedPhases = 0
	t := s.generateStatsLocked(false)
	s.totals = t
	s.mu.Unlock()

	s.emit(s.onUpdate, t)
}

// Stop cancels the rotation and snapshot timers idempotently, each
// reporting whether it was still pending (spec §4.2 Teardown).
func (s *Stats) Stop() (rotationStopped, snapshotStopped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rotationTimer != nil {
		rotationStopped = s.rotationTimer.Stop()
	}
	if s.snapshotTimer != nil {
		snapshotStopped = s.snapshotTimer.Stop()
	}
	s.stopped = true
	return rotationStopped, snapshotStopped
}

// OnUpdate registers fn to be called with every update event. The
// returned func unsubscribes.
func (s *Stats) OnUpdate(fn func(TotalStats)) (unsubscribe func()) {
	return s.subscribe(&s.onUpdate, fn)
}

// OnSnapshot registers fn to be called with every snapshot event. The
// returned func unsubscribes.
func (s *Stats) OnSnapshot(fn func(TotalStats)) (unsubscribe func()) {
	return s.subscribe(&s.onSnapshot, fn)
}

func (s *Stats) subscribe(set *map[int]func(TotalStats), fn func(TotalStats)) func() {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	(*set)[id] = fn
	return func() {
		s.updateMu.Lock()
		defer s.updateMu.Unlock()
		delete(*set, id)
	}
}

func (s *Stats) emit(set map[int]func(TotalStats), t TotalStats) {
	s.updateMu.Lock()
	fns := make([]func(TotalStats), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	s.updateMu.Unlock()

	for _, fn := range fns {
		fn(t)
	}
}
