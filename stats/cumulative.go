package stats

import (
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Cumulative holds lifetime counters shared by reference across every
// Bucket in a Stats ring and the Stats itself (spec §3.3). Only the
// active bucket writes to it; Stats's mutex (not this type) provides
// the "lockstep" guarantee required by spec §5 under a threaded runtime.
//
// The plain counters are monotonically non-decreasing for the life of
// the process. The Deriv siblings accumulate the same events but are
// zeroed at every snapshot boundary, representing the delta since the
// previous snapshot (spec §3.3 invariant).
type Cumulative struct {
	CountTotal          uint64
	CountSuccess        uint64
	CountFailure        uint64
	CountTimeout        uint64
	CountShortCircuited uint64

	CountTotalDeriv          uint64
	CountSuccessDeriv        uint64
	CountFailureDeriv        uint64
	CountTimeoutDeriv        uint64
	CountShortCircuitedDeriv uint64

	// saturated latches true the first time any plain counter reaches
	// math.MaxUint64, logging once via Logger. Counters do not wrap;
	// once latched they simply stop incrementing (mirrors
	// 1mb-dev-autobreaker's documented uint32-saturation behavior,
	// scaled up to uint64 headroom). Set only while the owning Stats's
	// mutex is held; it is an atomic.Bool so Saturated() can be read
	// without that lock.
	saturated atomic.Bool
	name      string
	// Logger receives a single warning the first time a counter
	// saturates. Defaults to logrus.StandardLogger() (see SPEC_FULL §10.2).
	Logger *logrus.Logger
}

// NewCumulative returns a zero-valued Cumulative for a breaker named name.
func NewCumulative(name string) *Cumulative {
	return &Cumulative{name: name, Logger: logrus.StandardLogger()}
}

func (c *Cumulative) warnIfSaturating(count uint64, label string) {
	if count != math.MaxUint64 {
		return
	}
	if c.saturated.CompareAndSwap(false, true) {
		c.Logger.WithField("breaker", c.name).Warnf(
			"breakerstat: %s counter saturated at %d (max uint64); further increments are dropped", label, count)
	}
}

// Saturated reports whether any plain counter has hit its ceiling.
func (c *Cumulative) Saturated() bool { return c.saturated.Load() }

func (c *Cumulative) recordSuccess() {
	if c.CountTotal != math.MaxUint64 {
		c.CountTotal++
	}
	c.warnIfSaturating(c.CountTotal, "countTotal")
	if c.CountSuccess != math.MaxUint64 {
		c.CountSuccess++
	}
	c.warnIfSaturating(c.CountSuccess, "countSuccess")
	c.CountTotalDeriv++
	c.CountSuccessDeriv++
}

func (c *Cumulative) recordFailure() {
	if c.CountTotal != math.MaxUint64 {
		c.CountTotal++
	}
	c.warnIfSaturating(c.CountTotal, "countTotal")
	if c.CountFailure != math.MaxUint64 {
		c.CountFailure++
	}
	c.warnIfSaturating(c.CountFailure, "countFailure")
	c.CountTotalDeriv++
	c.CountFailureDeriv++
}

func (c *Cumulative) recordTimeout() {
	if c.CountTotal != math.MaxUint64 {
		c.CountTotal++
	}
	c.warnIfSaturating(c.CountTotal, "countTotal")
	if c.CountTimeout != math.MaxUint64 {
		c.CountTimeout++
	}
	c.warnIfSaturating(c.CountTimeout, "countTimeout")
	c.CountTotalDeriv++
	c.CountTimeoutDeriv++
}

func (c *Cumulative) recordShortCircuit() {
	if c.CountShortCircuited != math.MaxUint64 {
		c.CountShortCircuited++
	}
	c.warnIfSaturating(c.CountShortCircuited, "countShortCircuited")
	c.CountShortCircuitedDeriv++
}

// resetDeriv zeros every Deriv sibling. Called at each snapshot boundary
// (spec §4.2 Snapshot step).
func (c *Cumulative) resetDeriv() {
	c.CountTotalDeriv = 0
	c.CountSuccessDeriv = 0
	c.CountFailureDeriv = 0
	c.CountTimeoutDeriv = 0
	c.CountShortCircuitedDeriv = 0
}

// CumulativeSnapshot is a flat, dependency-free value copy of
// Cumulative's counters (spec §3.4: TotalStats carries "a flat copy of
// the current CumulativeStats").
type CumulativeSnapshot struct {
	CountTotal          uint64
	CountSuccess        uint64
	CountFailure        uint64
	CountTimeout        uint64
	CountShortCircuited uint64

	CountTotalDeriv          uint64
	CountSuccessDeriv        uint64
	CountFailureDeriv        uint64
	CountTimeoutDeriv        uint64
	CountShortCircuitedDeriv uint64
}

// Snapshot returns a CumulativeSnapshot of the current counters.
func (c *Cumulative) Snapshot() CumulativeSnapshot {
	return CumulativeSnapshot{
		CountTotal:               c.CountTotal,
		CountSuccess:             c.CountSuccess,
		CountFailure:             c.CountFailure,
		CountTimeout:             c.CountTimeout,
		CountShortCircuited:      c.CountShortCircuited,
		CountTotalDeriv:          c.CountTotalDeriv,
		CountSuccessDeriv:        c.CountSuccessDeriv,
		CountFailureDeriv:        c.CountFailureDeriv,
		CountTimeoutDeriv:        c.CountTimeoutDeriv,
		CountShortCircuitedDeriv: c.CountShortCircuitedDeriv,
	}
}

// TotalStats is the single published aggregate produced by
// Stats.generateStatsLocked (spec §3.4).
type TotalStats struct {
	Total          uint64
	Successful     uint64
	Failed         uint64
	TimedOut       uint64
	ShortCircuited uint64

	LatencyMean int64
	// Percentiles maps a configured percentile (e.g. 0.5) to its
	// latency in ms (spec §4.2.1).
	Percentiles map[float64]int64

	Cumulative CumulativeSnapshot
}
