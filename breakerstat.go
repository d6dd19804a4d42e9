// Package breakerstat is a generic, statistics-driven circuit breaker.
//
// # Quick Start
//
//	settings := breakerstat.DefaultSettings()
//	settings.Name = "payments-api"
//	settings.Threshold = 0.5
//	settings.Timeout = 2 * time.Second
//
//	br := breakerstat.New[string](settings, func(ctx context.Context) (string, error) {
//	    return callPaymentsAPI(ctx)
//	})
//
//	result, err := br.Execute(ctx)
//	if errors.Is(err, breakerstat.ErrCircuitOpen) {
//	    // fail fast, the circuit is open
//	}
//
// Settings built as a bare struct literal rather than from
// DefaultSettings start with WaitThreshold 0 (trips on the very first
// sub-threshold outcome) since that field's zero value is itself a
// meaningful spec boundary and so is never defaulted; see
// breaker.Settings.WaitThreshold.
//
// A breaker closed/open/healing cycle is driven by a rolling window of
// outcome counts (see the stats package) rather than a fixed consecutive-
// failure counter: once more than WaitThreshold outcomes have landed in
// the current window, the circuit opens the moment the observed success
// ratio drops below Threshold. Once open, it heals either on a fixed
// CircuitDuration cooldown or, if HealthCheck is set, on a recurring
// out-of-band probe.
//
// Every breaker constructed with RegisterGlobal (the default) publishes
// its periodic window snapshots to the process-wide registry, from which
// the registry and prometheusexport packages build dashboard feeds.
//
// This facade re-exports the breaker package's non-generic surface
// directly; Breaker[R] and its constructors stay generic wrappers here
// since Go does not yet support generic type aliases for this module's
// language version. Callers needing the concrete generic type import
// github.com/hexbase-io/breakerstat/breaker directly.
package breakerstat

import (
	"context"

	"github.com/hexbase-io/breakerstat/breaker"
	"github.com/hexbase-io/breakerstat/circuit"
	"github.com/hexbase-io/breakerstat/internal/clock"
	"github.com/hexbase-io/breakerstat/registry"
	"github.com/hexbase-io/breakerstat/stats"
)

// Settings configures a Breaker. See breaker.Settings for field docs.
type Settings = breaker.Settings

// SettingsUpdate carries a partial runtime settings change. See
// breaker.SettingsUpdate.
type SettingsUpdate = breaker.SettingsUpdate

// Diagnostics is a point-in-time view of a breaker's internal state.
type Diagnostics = breaker.Diagnostics

// TotalStats is a published rolling-window aggregate.
type TotalStats = stats.TotalStats

// CumulativeSnapshot is a lifetime counter snapshot, never reset by
// window rotation.
type CumulativeSnapshot = stats.CumulativeSnapshot

// Envelope is a breaker snapshot as published to the registry and
// dashboard adapters.
type Envelope = registry.Envelope

// DefaultSettings returns the documented option defaults.
var DefaultSettings = breaker.DefaultSettings

// SettingsFromYAML loads the static subset of Settings from a YAML file.
var SettingsFromYAML = breaker.SettingsFromYAML

// Float64Ptr, Uint64Ptr, DurationPtr, and BoolPtr build SettingsUpdate
// field pointers.
var (
	Float64Ptr  = breaker.Float64Ptr
	Uint64Ptr   = breaker.Uint64Ptr
	DurationPtr = breaker.DurationPtr
	BoolPtr     = breaker.BoolPtr
)

// Sentinel errors, matched with errors.Is against whatever Execute returns.
var (
	ErrTimeout      = circuit.ErrTimeout
	ErrCircuitOpen  = circuit.ErrCircuitOpen
	ErrInvalidField = stats.ErrInvalidBucketField
)

// TimeoutError and CircuitOpenError are the concrete error types wrapping
// ErrTimeout and ErrCircuitOpen, matched with errors.As for their detail
// fields.
type TimeoutError = circuit.TimeoutError
type CircuitOpenError = circuit.CircuitOpenError

// Registry is the process-wide breaker registry every RegisterGlobal
// breaker publishes to.
var Registry = registry.Default

// New constructs a Breaker with no fallback, registering with the
// process-wide Registry unless settings.RegisterGlobal is false.
//
// Breaker[R] and circuit.Func[R] are not re-exported under this package's
// own names: this module targets go 1.21, which does not support generic
// type aliases, so New returns breaker.Breaker[R] directly. Callers that
// need to name the type (e.g. to store *breaker.Breaker[R] in a struct
// field) import github.com/hexbase-io/breakerstat/breaker.
func New[R any](settings Settings, primary circuit.Func[R]) *breaker.Breaker[R] {
	return breaker.New[R](settings, primary)
}

// NewWithFallback constructs a Breaker whose execution falls back to
// fallback when the primary is short-circuited, times out, or fails.
func NewWithFallback[R any](settings Settings, primary, fallback circuit.Func[R]) *breaker.Breaker[R] {
	return breaker.NewWithFallback[R](settings, primary, fallback)
}

// NewWithClock is New (fallback optional) against an explicit
// internal clock, exported only for packages that need deterministic
// timer-driven tests against their own breaker instances.
func NewWithClock[R any](settings Settings, primary, fallback circuit.Func[R], clk clock.Clock) *breaker.Breaker[R] {
	return breaker.NewWithClock[R](settings, primary, fallback, clk)
}

// Execute is a free function form of Breaker[R].Execute, occasionally
// more convenient at a call site already holding a *breaker.Breaker[R]
// typed as an interface. It simply delegates.
func Execute[R any](ctx context.Context, b *breaker.Breaker[R]) (R, error) {
	return b.Execute(ctx)
}
