// Package breaker implements the breaker state machine: a Stats-backed
// closed/open/healing cycle driven by statistical thresholds and
// out-of-band health probes, with generation tags that keep stale
// in-flight outcomes from biasing a fresh generation (spec §4.4).
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hexbase-io/breakerstat/circuit"
	"github.com/hexbase-io/breakerstat/internal/clock"
	"github.com/hexbase-io/breakerstat/registry"
	"github.com/hexbase-io/breakerstat/stats"
)

var _ circuit.Parent = (*Core)(nil)
var _ registry.Snapshotter = (*Core)(nil)

// Core is the non-generic half of a Breaker: the state machine, the
// Stats it owns, the health-check/cooldown timers, and every piece that
// doesn't depend on the protected operation's result type. Breaker[R]
// embeds it and adds the typed master Circuit.
type Core struct {
	mu       sync.Mutex
	settings Settings
	clk      clock.Clock
	stats    *stats.Stats

	circuitOpen       bool
	circuitGeneration uint64

	healthCheckStop func()
	cooldownTimer   clock.Timer
	nextWakeAt      time.Time

	reg        *registry.GlobalRegistry
	registryID uuid.UUID
	registered bool
	destroyed  bool

	healthGroup singleflight.Group

	statsUpdateUnsub   func()
	statsSnapshotUnsub func()

	execListeners              *listenerSet[func()]
	successListeners           *listenerSet[func(time.Duration)]
	failureListeners           *listenerSet[func(time.Duration, error)]
	timeoutListeners           *listenerSet[func(time.Duration, error)]
	circuitOpenListeners       *listenerSet[func()]
	circuitClosedListeners     *listenerSet[func()]
	healthCheckFailedListeners *listenerSet[func(error)]
	snapshotListeners          *listenerSet[func(registry.Envelope)]
}

func newCore(settings Settings, reg *registry.GlobalRegistry, clk clock.Clock) *Core {
	settings = settings.withDefaults()

	c := &Core{
		settings:          settings,
		clk:               clk,
		reg:               reg,
		circuitGeneration: 1,

		execListeners:              newListenerSet[func()](),
		successListeners:           newListenerSet[func(time.Duration)](),
		failureListeners:           newListenerSet[func(time.Duration, error)](),
		timeoutListeners:           newListenerSet[func(time.Duration, error)](),
		circuitOpenListeners:       newListenerSet[func()](),
		circuitClosedListeners:     newListenerSet[func()](),
		healthCheckFailedListeners: newListenerSet[func(error)](),
		snapshotListeners:          newListenerSet[func(registry.Envelope)](),
	}

	c.stats = stats.New(stats.Config{
		Name:         settings.Name,
		BucketSpan:   settings.BucketSpan,
		BucketNum:    settings.BucketNum,
		StatInterval: settings.StatInterval,
		Percentiles:  settings.Percentiles,
		Clock:        clk,
	})
	c.statsUpdateUnsub = c.stats.OnUpdate(c.onStatsUpdate)
	c.statsSnapshotUnsub = c.stats.OnSnapshot(c.onStatsSnapshot)

	if settings.RegisterGlobal && reg != nil {
		c.registryID = reg.Register(c)
		c.registered = true
	}

	return c
}

// Name implements circuit.Parent and registry.Snapshotter.
func (c *Core) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.Name
}

// DefaultTimeout implements circuit.Parent.
func (c *Core) DefaultTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.Timeout
}

// IsFailure implements circuit.Parent.
func (c *Core) IsFailure(err error) bool {
	c.mu.Lock()
	fn := c.settings.IsFailure
	c.mu.Unlock()
	return fn(err)
}

// ModifyError implements circuit.Parent.
func (c *Core) ModifyError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.ModifyError
}

// Generation implements circuit.Parent.
func (c *Core) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.circuitGeneration
}

// IsOpen implements circuit.Parent.
func (c *Core) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.circuitOpen
}

// FailPercentage implements circuit.Parent, reporting the current
// window's observed failure rate and the configured threshold.
func (c *Core) FailPercentage() (observed, threshold float64) {
	t := c.stats.Snapshot()
	c.mu.Lock()
	threshold = c.settings.Threshold
	c.mu.Unlock()
	if t.Total > 0 {
		observed = 1 - float64(t.Successful)/float64(t.Total)
	}
	return observed, threshold
}

// EmitExec implements circuit.Parent.
func (c *Core) EmitExec() {
	for _, fn := range c.execListeners.snapshot() {
		fn()
	}
}

// EmitSuccess implements circuit.Parent: notifies listeners, then
// forwards to Stats unless the outcome's generation is stale.
func (c *Core) EmitSuccess(elapsed time.Duration, generation uint64) {
	for _, fn := range c.successListeners.snapshot() {
		fn(elapsed)
	}
	if c.Generation() == generation {
		c.stats.Success(elapsed.Milliseconds())
	}
}

// EmitFailure implements circuit.Parent.
func (c *Core) EmitFailure(elapsed time.Duration, err error, generation uint64) {
	for _, fn := range c.failureListeners.snapshot() {
		fn(elapsed, err)
	}
	if c.Generation() == generation {
		c.stats.Failure(elapsed.Milliseconds())
	}
}

// EmitTimeout implements circuit.Parent.
func (c *Core) EmitTimeout(elapsed time.Duration, err error, generation uint64) {
	for _, fn := range c.timeoutListeners.snapshot() {
		fn(elapsed, err)
	}
	if c.Generation() == generation {
		c.stats.Timeout(elapsed.Milliseconds())
	}
}

// EmitShortCircuit implements circuit.Parent. Short circuits are never
// stale — they're always evaluated against the current open state, so
// there's no generation to filter against.
func (c *Core) EmitShortCircuit() {
	c.stats.ShortCircuit()
}

// onStatsUpdate runs the threshold check on every Stats update (spec
// §4.4): total > waitThreshold AND !open AND successful/total < threshold.
func (c *Core) onStatsUpdate(t stats.TotalStats) {
	c.mu.Lock()
	open := c.circuitOpen
	waitThreshold := c.settings.WaitThreshold
	threshold := c.settings.Threshold
	c.mu.Unlock()

	if open || t.Total <= waitThreshold {
		return
	}
	if float64(t.Successful)/float64(t.Total) < threshold {
		c.open()
	}
}

// onStatsSnapshot republishes every Stats snapshot with breaker
// metadata attached (spec §6.2 envelope).
func (c *Core) onStatsSnapshot(t stats.TotalStats) {
	env := c.envelope(t)
	for _, fn := range c.snapshotListeners.snapshot() {
		fn(env)
	}
}

func (c *Core) envelope(t stats.TotalStats) registry.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return registry.Envelope{
		Name:            c.settings.Name,
		Group:           c.settings.Group,
		Time:            c.clk.Now(),
		Open:            c.circuitOpen,
		CircuitDuration: c.settings.CircuitDuration,
		Threshold:       c.settings.Threshold,
		WaitThreshold:   c.settings.WaitThreshold,
		Stats:           t,
	}
}

// open transitions CLOSED -> OPEN. No-op if already open (spec §4.4).
func (c *Core) open() {
	c.mu.Lock()
	if c.circuitOpen {
		c.mu.Unlock()
		return
	}
	c.circuitOpen = true
	c.circuitGeneration++
	hasHealthCheck := c.settings.HealthCheck != nil
	healthInterval := c.settings.HealthCheckInterval
	cooldown := c.settings.CircuitDuration
	c.mu.Unlock()

	for _, fn := range c.circuitOpenListeners.snapshot() {
		fn()
	}

	if hasHealthCheck {
		c.scheduleHealthTick(healthInterval)
	} else {
		c.scheduleCooldown(cooldown)
	}
}

// close transitions OPEN -> CLOSED. Callers reset Stats before calling
// close, per spec §4.4 ("Stats reset happens at the call site").
func (c *Core) close() {
	c.mu.Lock()
	c.circuitOpen = false
	c.nextWakeAt = time.Time{}
	c.mu.Unlock()

	for _, fn := range c.circuitClosedListeners.snapshot() {
		fn()
	}
}

func (c *Core) scheduleCooldown(d time.Duration) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.cooldownTimer = c.clk.AfterFunc(d, c.onCooldownFired)
	c.nextWakeAt = c.clk.Now().Add(d)
	c.mu.Unlock()
}

func (c *Core) onCooldownFired() {
	c.mu.Lock()
	open := c.circuitOpen
	c.mu.Unlock()
	if !open {
		return
	}
	c.stats.Reset()
	c.close()
}

// scheduleHealthTick arms a one-shot timer that is re-armed after each
// failed probe (spec §4.4 health-probe loop); it is not a ticker, so it
// never fires after Destroy stops scheduling new ones.
func (c *Core) scheduleHealthTick(interval time.Duration) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	timer := c.clk.AfterFunc(interval, func() { c.healthTick(interval) })
	c.healthCheckStop = func() { timer.Stop() }
	c.nextWakeAt = c.clk.Now().Add(interval)
	c.mu.Unlock()
}

func (c *Core) healthTick(interval time.Duration) {
	c.mu.Lock()
	open := c.circuitOpen
	hc := c.settings.HealthCheck
	name := c.settings.Name
	c.mu.Unlock()

	if !open {
		c.cancelHealthCheck()
		return
	}

	if err := c.runHealthProbe(hc, name); err != nil {
		c.mu.Lock()
		stillOpen := c.circuitOpen
		c.mu.Unlock()
		if stillOpen {
			c.scheduleHealthTick(interval)
		}
	}
}

// ProbeHealth manually invokes the configured HealthCheck out of band,
// ahead of its next scheduled tick (spec §12 supplemented feature). It is
// a no-op returning nil if the breaker is closed or no HealthCheck is
// configured. A probe racing the interval-driven tick shares the same
// healthGroup key, so only one of them actually calls the user's
// HealthCheck; both see its result.
func (c *Core) ProbeHealth() error {
	c.mu.Lock()
	open := c.circuitOpen
	hc := c.settings.HealthCheck
	name := c.settings.Name
	c.mu.Unlock()

	if !open || hc == nil {
		return nil
	}

	return c.runHealthProbe(hc, name)
}

// runHealthProbe invokes hc through healthGroup, keyed on name so a
// concurrent scheduled tick and manual ProbeHealth collapse into one
// in-flight call. On success it resets Stats, closes the circuit, and
// cancels the pending health-check timer; on failure it notifies
// healthCheckFailedListeners and leaves rescheduling to its caller.
func (c *Core) runHealthProbe(hc func(context.Context) error, name string) error {
	_, err, _ := c.healthGroup.Do(name, func() (any, error) {
		return nil, hc(context.Background())
	})

	if err != nil {
		for _, fn := range c.healthCheckFailedListeners.snapshot() {
			fn(err)
		}
		return err
	}

	c.mu.Lock()
	stillOpen := c.circuitOpen
	c.mu.Unlock()
	if stillOpen {
		c.stats.Reset()
		c.close()
	}
	c.cancelHealthCheck()
	return nil
}

func (c *Core) cancelHealthCheck() {
	c.mu.Lock()
	stop := c.healthCheckStop
	c.healthCheckStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// UpdateSettings applies a partial settings change (spec §12
// supplemented feature). Nil fields in update are left unchanged.
func (c *Core) UpdateSettings(update SettingsUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if update.Threshold != nil {
		c.settings.Threshold = *update.Threshold
	}
	if update.WaitThreshold != nil {
		c.settings.WaitThreshold = *update.WaitThreshold
	}
	if update.CircuitDuration != nil {
		c.settings.CircuitDuration = *update.CircuitDuration
	}
	if update.Timeout != nil {
		c.settings.Timeout = *update.Timeout
	}
	if update.ModifyError != nil {
		c.settings.ModifyError = *update.ModifyError
	}
}

// Snapshot returns the most recently published window aggregate.
func (c *Core) Snapshot() stats.TotalStats { return c.stats.Snapshot() }

// OnExec, OnSuccess, OnFailure, OnTimeout, OnCircuitOpen, OnCircuitClosed,
// OnHealthCheckFailed, and OnSnapshot register listeners for the
// corresponding spec §6.3 event and return an unsubscribe func.
func (c *Core) OnExec(fn func()) func()                     { return c.execListeners.add(fn) }
func (c *Core) OnSuccess(fn func(time.Duration)) func()      { return c.successListeners.add(fn) }
func (c *Core) OnFailure(fn func(time.Duration, error)) func() {
	return c.failureListeners.add(fn)
}
func (c *Core) OnTimeout(fn func(time.Duration, error)) func() {
	return c.timeoutListeners.add(fn)
}
func (c *Core) OnCircuitOpen(fn func()) func()   { return c.circuitOpenListeners.add(fn) }
func (c *Core) OnCircuitClosed(fn func()) func() { return c.circuitClosedListeners.add(fn) }
func (c *Core) OnHealthCheckFailed(fn func(error)) func() {
	return c.healthCheckFailedListeners.add(fn)
}

// OnSnapshot implements registry.Snapshotter.
func (c *Core) OnSnapshot(fn func(registry.Envelope)) func() {
	return c.snapshotListeners.add(fn)
}

// Destroy deregisters from the GlobalRegistry, stops every timer,
// clears all listeners, and is idempotent (spec §4.4). Unlike the
// original this spec is distilled from — which the design notes flag as
// leaving the Stats timers running past destroy — this implementation
// stops them too: a library whose Destroy leaks goroutines forever is a
// bug, not a compatibility surface worth preserving (see DESIGN.md).
func (c *Core) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	registered := c.registered
	id := c.registryID
	reg := c.reg
	cooldown := c.cooldownTimer
	c.mu.Unlock()

	if registered && reg != nil {
		reg.Deregister(id)
	}
	c.cancelHealthCheck()
	if cooldown != nil {
		cooldown.Stop()
	}
	c.stats.Stop()
	if c.statsUpdateUnsub != nil {
		c.statsUpdateUnsub()
	}
	if c.statsSnapshotUnsub != nil {
		c.statsSnapshotUnsub()
	}

	c.execListeners.clear()
	c.successListeners.clear()
	c.failureListeners.clear()
	c.timeoutListeners.clear()
	c.circuitOpenListeners.clear()
	c.circuitClosedListeners.clear()
	c.healthCheckFailedListeners.clear()
	c.snapshotListeners.clear()
}

// Breaker is the generic, public handle: a Core plus a typed master
// Circuit built from the primary (and optional fallback) supplied at
// construction (spec §4.4 Construction: "If a primary function was
// supplied, constructs a master Circuit").
type Breaker[R any] struct {
	*Core
	Master *circuit.Circuit[R]
}

// New constructs a Breaker with no fallback, registering with the
// process-wide registry.Default unless settings.RegisterGlobal is false.
func New[R any](settings Settings, primary circuit.Func[R]) *Breaker[R] {
	return newBreaker[R](settings, primary, nil, clock.Real())
}

// NewWithFallback constructs a Breaker whose master Circuit falls back
// to fallback when the primary is short-circuited, times out, or fails.
func NewWithFallback[R any](settings Settings, primary, fallback circuit.Func[R]) *Breaker[R] {
	return newBreaker[R](settings, primary, fallback, clock.Real())
}

// NewWithClock is NewWithFallback (fallback optional) against an
// explicit clock.Clock, for deterministic timer-driven tests against an
// internal/clock.Manual.
func NewWithClock[R any](settings Settings, primary, fallback circuit.Func[R], clk clock.Clock) *Breaker[R] {
	return newBreaker[R](settings, primary, fallback, clk)
}

func newBreaker[R any](settings Settings, primary, fallback circuit.Func[R], clk clock.Clock) *Breaker[R] {
	reg := registry.Default
	if !settings.RegisterGlobal {
		reg = nil
	}

	b := &Breaker[R]{Core: newCore(settings, reg, clk)}
	if primary != nil {
		if fallback != nil {
			b.Master = circuit.NewCircuitWithFallback[R](b.Core, primary, fallback, circuit.Options[R]{})
		} else {
			b.Master = circuit.NewCircuit[R](b.Core, primary, circuit.Options[R]{})
		}
	}
	return b
}

var errNoMasterCircuit = errors.New("breakerstat: breaker has no primary circuit configured")

// Execute runs the master Circuit. It panics-free returns
// errNoMasterCircuit if the Breaker was constructed without a primary.
func (b *Breaker[R]) Execute(ctx context.Context) (R, error) {
	if b.Master == nil {
		var zero R
		return zero, errNoMasterCircuit
	}
	return b.Master.Execute(ctx)
}
