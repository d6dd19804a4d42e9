package breaker

import "time"

// Diagnostics is a point-in-time view of a Breaker's internal state
// (spec §12 supplemented feature, grounded on
// 1mb-dev-autobreaker/internal/breaker/diagnostics.go).
type Diagnostics struct {
	Open            bool
	Generation      uint64
	TimeToNextProbe time.Duration
	WillTripNext    bool
}

// Diagnostics reports the breaker's current state without mutating it.
func (c *Core) Diagnostics() Diagnostics {
	c.mu.Lock()
	open := c.circuitOpen
	gen := c.circuitGeneration
	waitThreshold := c.settings.WaitThreshold
	threshold := c.settings.Threshold
	var ttp time.Duration
	if !c.nextWakeAt.IsZero() {
		if d := c.nextWakeAt.Sub(c.clk.Now()); d > 0 {
			ttp = d
		}
	}
	c.mu.Unlock()

	// WillTripNext: would one more failure in the current window meet the
	// threshold check?
	t := c.stats.Snapshot()
	next := t.Total + 1
	willTrip := !open && next > waitThreshold && float64(t.Successful)/float64(next) < threshold

	return Diagnostics{
		Open:            open,
		Generation:      gen,
		TimeToNextProbe: ttp,
		WillTripNext:    willTrip,
	}
}
