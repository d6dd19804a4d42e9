package breaker

import (
	"context"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings configures a Breaker (spec §6.1). The zero value is not
// meaningful on its own; use DefaultSettings to get a populated value
// and override individual fields.
type Settings struct {
	// Name identifies the breaker in errors and snapshots.
	Name string
	// Group is the dashboard grouping key.
	Group string

	// BucketSpan is the rolling-window rotation period.
	BucketSpan time.Duration
	// BucketNum is the rolling-window ring capacity.
	BucketNum int
	// StatInterval is the snapshot period.
	StatInterval time.Duration
	// Percentiles lists the percentiles computed per snapshot.
	Percentiles []float64

	// CircuitDuration is the cooldown applied when no HealthCheck is set.
	CircuitDuration time.Duration
	// WaitThreshold is the minimum window total before the threshold
	// check runs at all. Unlike the other numeric fields, 0 is a
	// meaningful explicit value (the circuit can trip on the very first
	// recorded outcome) and withDefaults cannot tell it apart from an
	// unset field, so it is never defaulted. Settings built by hand
	// rather than via DefaultSettings().withDefaults() therefore start
	// at WaitThreshold 0 — construct from DefaultSettings() and override
	// individual fields unless that immediate-trip behavior is intended.
	WaitThreshold uint64
	// Threshold is the minimum success ratio before the circuit opens.
	Threshold float64
	// Timeout is the default per-exec timeout.
	Timeout time.Duration

	// HealthCheck, if set, replaces the fixed CircuitDuration cooldown
	// with a recurring probe; its success heals the breaker.
	HealthCheck func(ctx context.Context) error
	// HealthCheckInterval is the probe period.
	HealthCheckInterval time.Duration

	// IsFailure classifies an exec error as a recordable failure.
	IsFailure func(err error) bool

	// RegisterGlobal controls registration with the process-wide
	// registry.
	RegisterGlobal bool
	// ModifyError prepends "[Breaker: name] " to surfaced error messages.
	ModifyError bool
}

// DefaultSettings returns the option defaults from spec §6.1.
func DefaultSettings() Settings {
	return Settings{
		Name:                "defaultBrake",
		Group:               "defaultBrakeGroup",
		BucketSpan:          time.Second,
		BucketNum:           60,
		StatInterval:        1200 * time.Millisecond,
		Percentiles:         []float64{0, 0.25, 0.5, 0.75, 0.9, 0.95, 0.99, 0.995, 1},
		CircuitDuration:     30 * time.Second,
		WaitThreshold:       100,
		Threshold:           0.5,
		Timeout:             15 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		IsFailure:           func(error) bool { return true },
		RegisterGlobal:      true,
		ModifyError:         true,
	}
}

// withDefaults fills in any zero-valued (or, for numeric fields,
// negative) field of s from DefaultSettings. WaitThreshold,
// RegisterGlobal, and ModifyError are never defaulted, since their zero
// values are meaningful settings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.Name == "" {
		s.Name = d.Name
	}
	if s.Group == "" {
		s.Group = d.Group
	}
	if s.BucketSpan <= 0 {
		s.BucketSpan = d.BucketSpan
	}
	if s.BucketNum <= 0 {
		s.BucketNum = d.BucketNum
	}
	if s.StatInterval <= 0 {
		s.StatInterval = d.StatInterval
	}
	if len(s.Percentiles) == 0 {
		s.Percentiles = d.Percentiles
	}
	if s.CircuitDuration <= 0 {
		s.CircuitDuration = d.CircuitDuration
	}
	if s.Threshold <= 0 {
		s.Threshold = d.Threshold
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	if s.HealthCheckInterval <= 0 {
		s.HealthCheckInterval = d.HealthCheckInterval
	}
	if s.IsFailure == nil {
		s.IsFailure = d.IsFailure
	}
	return s
}

// yamlSettings mirrors the subset of Settings that is meaningfully
// expressible as static file configuration: HealthCheck and IsFailure
// are callables and stay Go-side.
type yamlSettings struct {
	Name                string    `yaml:"name"`
	Group               string    `yaml:"group"`
	BucketSpan          int64     `yaml:"bucketSpanMS"`
	BucketNum           int       `yaml:"bucketNum"`
	StatInterval        int64     `yaml:"statIntervalMS"`
	Percentiles         []float64 `yaml:"percentiles"`
	CircuitDuration     int64     `yaml:"circuitDurationMS"`
	WaitThreshold       uint64    `yaml:"waitThreshold"`
	Threshold           float64   `yaml:"threshold"`
	Timeout             int64     `yaml:"timeoutMS"`
	HealthCheckInterval int64     `yaml:"healthCheckIntervalMS"`
	RegisterGlobal      *bool     `yaml:"registerGlobal"`
	ModifyError         *bool     `yaml:"modifyError"`
}

// SettingsFromYAML loads the static subset of Settings from a YAML file
// (spec §10.3 ambient configuration: most of the pack loads file-based
// config via gopkg.in/yaml.v3). Callables (HealthCheck, IsFailure) are
// not expressible in YAML and must be set on the returned Settings in
// Go afterward.
func SettingsFromYAML(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}

	var y yamlSettings
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return Settings{}, err
	}

	s := Settings{
		Name:                y.Name,
		Group:               y.Group,
		BucketSpan:          time.Duration(y.BucketSpan) * time.Millisecond,
		BucketNum:           y.BucketNum,
		StatInterval:        time.Duration(y.StatInterval) * time.Millisecond,
		Percentiles:         y.Percentiles,
		CircuitDuration:     time.Duration(y.CircuitDuration) * time.Millisecond,
		WaitThreshold:       y.WaitThreshold,
		Threshold:           y.Threshold,
		Timeout:             time.Duration(y.Timeout) * time.Millisecond,
		HealthCheckInterval: time.Duration(y.HealthCheckInterval) * time.Millisecond,
		RegisterGlobal:      true,
		ModifyError:         true,
	}
	if y.RegisterGlobal != nil {
		s.RegisterGlobal = *y.RegisterGlobal
	}
	if y.ModifyError != nil {
		s.ModifyError = *y.ModifyError
	}
	return s, nil
}

// SettingsUpdate carries a partial settings change for Breaker.UpdateSettings
// (spec §12 supplemented feature, grounded on 1mb-dev-autobreaker's
// SettingsUpdate/*Ptr helpers). Nil fields are left unchanged.
type SettingsUpdate struct {
	Threshold       *float64
	WaitThreshold   *uint64
	CircuitDuration *time.Duration
	Timeout         *time.Duration
	ModifyError     *bool
}

// Float64Ptr returns a pointer to v, for populating a SettingsUpdate literal.
func Float64Ptr(v float64) *float64 { return &v }

// Uint64Ptr returns a pointer to v, for populating a SettingsUpdate literal.
func Uint64Ptr(v uint64) *uint64 { return &v }

// DurationPtr returns a pointer to v, for populating a SettingsUpdate literal.
func DurationPtr(v time.Duration) *time.Duration { return &v }

// BoolPtr returns a pointer to v, for populating a SettingsUpdate literal.
func BoolPtr(v bool) *bool { return &v }
