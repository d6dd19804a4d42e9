package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexbase-io/breakerstat/internal/clock"
)

func newTestStats(t *testing.T, mc *clock.Manual) *Stats {
	t.Helper()
	return New(Config{
		Name:         "test",
		BucketSpan:   time.Second,
		BucketNum:    3,
		StatInterval: 2 * time.Second,
		Percentiles:  []float64{0, 0.5, 1},
		Clock:        mc,
	})
}

func TestPercentileExactness(t *testing.T) {
	// spec §8 scenario 1
	sorted := []int64{10, 20, 30, 40, 50}
	assert.Equal(t, int64(10), Percentile(0, sorted))
	assert.Equal(t, int64(30), Percentile(0.5, sorted))
	assert.Equal(t, int64(50), Percentile(1, sorted))
	assert.Equal(t, int64(30), Mean(sorted))
}

func TestPercentileEmptyWindow(t *testing.T) {
	assert.Equal(t, int64(0), Percentile(0.5, nil))
	assert.Equal(t, int64(0), Mean(nil))
}

func TestPercentileSingleSample(t *testing.T) {
	for _, p := range []float64{0, 0.5, 0.9, 1} {
		assert.Equal(t, int64(42), Percentile(p, []int64{42}))
	}
	assert.Equal(t, int64(42), Mean([]int64{42}))
}

func TestBucketInvariantTotal(t *testing.T) {
	b := NewBucket(NewCumulative("b"))
	b.Success(1)
	b.Failure(2)
	b.Timeout(3)
	b.ShortCircuit()

	assert.Equal(t, uint64(3), b.Total)
	assert.EqualValues(t, b.Successful+b.Failed+b.TimedOut, b.Total)
	assert.Len(t, b.RequestTimes, 3)
	assert.Equal(t, uint64(1), b.ShortCircuited)
}

func TestBucketInvalidField(t *testing.T) {
	b := NewBucket(NewCumulative("b"))
	_, err := b.Percent("bogus")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidBucketField)
}

func TestStatsActiveBucketAlwaysLast(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	s := newTestStats(t, mc)
	defer s.Stop()

	require.Len(t, s.buckets, 3)
	mc.Advance(time.Second)
	require.Len(t, s.buckets, 3)
	assert.Same(t, s.buckets[len(s.buckets)-1], s.buckets[2])
}

func TestStatsRecordAggregatesAcrossWindow(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	s := newTestStats(t, mc)
	defer s.Stop()

	s.Success(10)
	s.Failure(20)
	mc.Advance(time.Second) // rotate
	s.Success(30)

	snap := s.Snapshot()
	assert.Equal(t, uint64(3), snap.Total)
	assert.Equal(t, uint64(2), snap.Successful)
	assert.Equal(t, uint64(1), snap.Failed)
}

func TestStatsShortCircuitDoesNotTouchTotal(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	s := newTestStats(t, mc)
	defer s.Stop()

	for i := 0; i < 10; i++ {
		s.ShortCircuit()
	}

	snap := s.Snapshot()
	assert.Equal(t, uint64(0), snap.Total)
	assert.Equal(t, uint64(10), snap.ShortCircuited)
	assert.Equal(t, uint64(10), snap.Cumulative.CountShortCircuited)
	assert.Equal(t, uint64(0), snap.Cumulative.CountTotal)
}

func TestStatsSnapshotResetsDerivatives(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	s := newTestStats(t, mc)
	defer s.Stop()

	s.Success(1)
	s.Success(1)
	s.Failure(1)

	var snapshots []TotalStats
	s.OnSnapshot(func(t TotalStats) { snapshots = append(snapshots, t) })

	mc.Advance(2 * time.Second) // fires statInterval
	require.Len(t, snapshots, 1)
	assert.Equal(t, uint64(2), snapshots[0].Cumulative.CountSuccessDeriv)
	assert.Equal(t, uint64(1), snapshots[0].Cumulative.CountFailureDeriv)
	assert.Equal(t, uint64(3), snapshots[0].Cumulative.CountTotalDeriv)

	// Snapshot() returns the published TotalStats as-is, a flat copy of the
	// pre-reset derivatives (spec §3.4) — it is not recomputed against the
	// live Cumulative that takeSnapshot already reset.
	post := s.Snapshot()
	assert.Equal(t, uint64(2), post.Cumulative.CountSuccessDeriv)
	assert.Equal(t, uint64(1), post.Cumulative.CountFailureDeriv)
	assert.Equal(t, uint64(3), post.Cumulative.CountTotalDeriv)
	assert.Equal(t, uint64(3), post.Cumulative.CountTotal)

	// The reset is only observable on the live Cumulative: one more success
	// recorded after the snapshot, followed by the next snapshot tick, must
	// report a derivative of 1, not 4 — proving resetDeriv actually zeroed
	// the running counters rather than the published copy.
	s.Success(1)
	mc.Advance(2 * time.Second)
	require.Len(t, snapshots, 2)
	assert.Equal(t, uint64(1), snapshots[1].Cumulative.CountSuccessDeriv)
	assert.Equal(t, uint64(0), snapshots[1].Cumulative.CountFailureDeriv)
	assert.Equal(t, uint64(1), snapshots[1].Cumulative.CountTotalDeriv)
	// plain counters keep accumulating across snapshots
	assert.Equal(t, uint64(4), snapshots[1].Cumulative.CountTotal)
}

func TestStatsResetZeroesWindowButNotCumulative(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	s := newTestStats(t, mc)
	defer s.Stop()

	s.Success(5)
	s.Failure(5)

	var updates []TotalStats
	s.OnUpdate(func(t TotalStats) { updates = append(updates, t) })

	s.Reset()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, uint64(0), last.Total)
	assert.Equal(t, uint64(2), last.Cumulative.CountTotal)
}

func TestStatsStopIsIdempotentAndReportsPreviousState(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	s := newTestStats(t, mc)

	r1, sn1 := s.Stop()
	assert.True(t, r1)
	assert.True(t, sn1)

	r2, sn2 := s.Stop()
	assert.False(t, r2)
	assert.False(t, sn2)
}

func TestStatsUnsubscribeStopsDelivery(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	s := newTestStats(t, mc)
	defer s.Stop()

	var count int
	unsubscribe := s.OnUpdate(func(TotalStats) { count++ })
	s.Success(1)
	assert.Equal(t, 1, count)

	unsubscribe()
	s.Success(1)
	assert.Equal(t, 1, count)
}
