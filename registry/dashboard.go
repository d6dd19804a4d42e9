package registry

import (
	"encoding/json"
	"fmt"
	"math"
)

// percentileLabels maps the spec's configured fractional percentile
// keys to the integer-ish labels a Hystrix dashboard expects. A
// configured percentiles sequence that omits one of these exact
// fractional values produces a gap in the output table, not a
// zero-filled entry (spec §9 open question: "do not auto-fill").
var percentileLabels = []struct {
	key   float64
	label string
}{
	{0, "0"},
	{0.25, "25"},
	{0.5, "50"},
	{0.75, "75"},
	{0.9, "90"},
	{0.95, "95"},
	{0.99, "99"},
	{0.995, "99.5"},
	{1, "100"},
}

// hystrixCommand is the minimum field set spec §6.2 requires of the
// external dashboard mapping.
type hystrixCommand struct {
	Type                 string `json:"type"`
	Name                 string `json:"name"`
	Group                string `json:"group"`
	CurrentTime          int64  `json:"currentTime"`
	IsCircuitBreakerOpen bool   `json:"isCircuitBreakerOpen"`
	ErrorPercentage      int    `json:"errorPercentage"`
	ErrorCount           uint64 `json:"errorCount"`
	RequestCount         uint64 `json:"requestCount"`

	RollingCountSuccess        uint64 `json:"rollingCountSuccess"`
	RollingCountFailure        uint64 `json:"rollingCountFailure"`
	RollingCountTimeout        uint64 `json:"rollingCountTimeout"`
	RollingCountShortCircuited uint64 `json:"rollingCountShortCircuited"`

	LatencyExecuteMean int64            `json:"latencyExecute_mean"`
	LatencyExecute     map[string]int64 `json:"latencyExecute"`
	LatencyTotalMean   int64            `json:"latencyTotal_mean"`
	LatencyTotal       map[string]int64 `json:"latencyTotal"`

	CircuitBreakerEnabled     bool `json:"circuitBreakerEnabled"`
	CircuitBreakerForceOpen   bool `json:"circuitBreakerForceOpen"`
	CircuitBreakerForceClosed bool `json:"circuitBreakerForceClosed"`

	PropertyValueCircuitBreakerSleepWindowInMilliseconds int64  `json:"propertyValue_circuitBreakerSleepWindowInMilliseconds"`
	PropertyValueCircuitBreakerErrorThresholdPercentage  int    `json:"propertyValue_circuitBreakerErrorThresholdPercentage"`
	PropertyValueCircuitBreakerRequestVolumeThreshold     uint64 `json:"propertyValue_circuitBreakerRequestVolumeThreshold"`

	ReportingHosts int `json:"reportingHosts"`
}

// ToHystrixJSON maps a snapshot envelope to a Hystrix-dashboard-style
// JSON document (spec §6.2).
func ToHystrixJSON(env Envelope) ([]byte, error) {
	total := env.Stats.Total
	errorCount := env.Stats.Failed + env.Stats.TimedOut

	var errorPct int
	if total > 0 {
		errorPct = int(math.Round((1 - float64(env.Stats.Successful)/float64(total)) * 100))
	}

	cmd := hystrixCommand{
		Type:                 "HystrixCommand",
		Name:                 env.Name,
		Group:                env.Group,
		CurrentTime:          env.Time.UnixMilli(),
		IsCircuitBreakerOpen: env.Open,
		ErrorPercentage:      errorPct,
		ErrorCount:           errorCount,
		RequestCount:         total,

		RollingCountSuccess:        env.Stats.Successful,
		RollingCountFailure:        env.Stats.Failed,
		RollingCountTimeout:        env.Stats.TimedOut,
		RollingCountShortCircuited: env.Stats.ShortCircuited,

		LatencyExecuteMean: env.Stats.LatencyMean,
		LatencyExecute:     percentileTable(env.Stats.Percentiles),
		LatencyTotalMean:   env.Stats.LatencyMean,
		LatencyTotal:       percentileTable(env.Stats.Percentiles),

		CircuitBreakerEnabled: true,

		PropertyValueCircuitBreakerSleepWindowInMilliseconds: env.CircuitDuration.Milliseconds(),
		PropertyValueCircuitBreakerErrorThresholdPercentage:  int(math.Round(env.Threshold * 100)),
		PropertyValueCircuitBreakerRequestVolumeThreshold:    env.WaitThreshold,

		ReportingHosts: 1,
	}

	return json.Marshal(cmd)
}

func percentileTable(percentiles map[float64]int64) map[string]int64 {
	table := make(map[string]int64, len(percentileLabels))
	for _, pl := range percentileLabels {
		if v, ok := percentiles[pl.key]; ok {
			table[pl.label] = v
		}
	}
	return table
}

// FrameSSE marshals env to Hystrix JSON and wraps it in the
// server-sent-event framing a dashboard feed expects: "data: <json>\n\n".
func FrameSSE(env Envelope) (string, error) {
	body, err := ToHystrixJSON(env)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("data: %s\n\n", body), nil
}
