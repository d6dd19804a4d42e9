package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexbase-io/breakerstat/stats"
)

type fakeSnapshotter struct {
	name string
	fn   func(Envelope)
}

func (f *fakeSnapshotter) Name() string { return f.name }
func (f *fakeSnapshotter) OnSnapshot(fn func(Envelope)) func() {
	f.fn = fn
	return func() { f.fn = nil }
}

func (f *fakeSnapshotter) emit(env Envelope) {
	if f.fn != nil {
		f.fn(env)
	}
}

func TestRegistryRegisterAndInstanceCount(t *testing.T) {
	r := NewGlobalRegistry()
	a := &fakeSnapshotter{name: "a"}
	b := &fakeSnapshotter{name: "b"}

	id1 := r.Register(a)
	r.Register(b)
	assert.Equal(t, 2, r.InstanceCount())

	r.Deregister(id1)
	assert.Equal(t, 1, r.InstanceCount())

	// deregistering again is a no-op
	r.Deregister(id1)
	assert.Equal(t, 1, r.InstanceCount())
}

func TestRegistryDeregisterUnsubscribes(t *testing.T) {
	r := NewGlobalRegistry()
	a := &fakeSnapshotter{name: "a"}
	id := r.Register(a)

	feed, closeFeed := r.Subscribe()
	defer closeFeed()

	a.emit(Envelope{Name: "a"})
	select {
	case env := <-feed:
		assert.Equal(t, "a", env.Name)
	case <-time.After(time.Second):
		t.Fatal("expected envelope on raw feed")
	}

	r.Deregister(id)
	assert.Nil(t, a.fn)
}

func TestRegistrySubscribeReceivesPublishedEnvelopes(t *testing.T) {
	r := NewGlobalRegistry()
	a := &fakeSnapshotter{name: "a"}
	r.Register(a)

	feed, closeFeed := r.Subscribe()
	defer closeFeed()

	a.emit(Envelope{Name: "a", Stats: stats.TotalStats{Total: 5}})
	select {
	case env := <-feed:
		assert.Equal(t, uint64(5), env.Stats.Total)
	case <-time.After(time.Second):
		t.Fatal("expected envelope on raw feed")
	}
}

func TestToHystrixJSONMapping(t *testing.T) {
	env := Envelope{
		Name:            "checkout",
		Group:           "payments",
		Time:            time.Unix(1700000000, 0),
		Open:            true,
		CircuitDuration: 30 * time.Second,
		Threshold:       0.5,
		WaitThreshold:   100,
		Stats: stats.TotalStats{
			Total:          10,
			Successful:     6,
			Failed:         3,
			TimedOut:       1,
			ShortCircuited: 2,
			LatencyMean:    42,
			Percentiles: map[float64]int64{
				0: 1, 0.5: 40, 1: 100,
				// 0.25 intentionally omitted to exercise the "gap, not zero" rule
			},
		},
	}

	body, err := ToHystrixJSON(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.Equal(t, "HystrixCommand", decoded["type"])
	assert.Equal(t, "checkout", decoded["name"])
	assert.EqualValues(t, 40, decoded["errorPercentage"]) // round((1 - 6/10)*100) = 40
	assert.EqualValues(t, 10, decoded["requestCount"])

	latency := decoded["latencyExecute"].(map[string]any)
	assert.EqualValues(t, 1, latency["0"])
	assert.EqualValues(t, 40, latency["50"])
	assert.EqualValues(t, 100, latency["100"])
	_, hasGap := latency["25"]
	assert.False(t, hasGap, "omitted percentile key must leave a gap, not a zero")
}

func TestFrameSSE(t *testing.T) {
	frame, err := FrameSSE(Envelope{Name: "x", Stats: stats.TotalStats{}})
	require.NoError(t, err)
	assert.True(t, len(frame) > len("data: \n\n"))
	assert.Equal(t, "data: ", frame[:6])
	assert.Equal(t, "\n\n", frame[len(frame)-2:])
}

func TestRunTransformFeed(t *testing.T) {
	raw := make(chan Envelope, 4)
	out := make(chan string, 4)

	raw <- Envelope{Name: "a", Stats: stats.TotalStats{Total: 1}}
	raw <- Envelope{Name: "b", Stats: stats.TotalStats{Total: 2}}
	close(raw)

	err := RunTransformFeed(context.Background(), raw, out, 2)
	require.NoError(t, err)
	close(out)

	var frames []string
	for f := range out {
		frames = append(frames, f)
	}
	assert.Len(t, frames, 2)
	for _, f := range frames {
		assert.Contains(t, f, "data: ")
	}
}

func TestRunTransformFeedRespectsContextCancellation(t *testing.T) {
	raw := make(chan Envelope)
	out := make(chan string)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunTransformFeed(ctx, raw, out, 1) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunTransformFeed did not return after cancellation")
	}
}
