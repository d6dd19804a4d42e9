// Package registry implements the process-wide breaker registry: a
// single list of registered breakers whose snapshots are multiplexed
// onto a raw feed, and a transform feed that maps the raw feed into
// dashboard-ready, SSE-framed text (spec §4.5).
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hexbase-io/breakerstat/stats"
)

// Envelope is the published snapshot shape of spec §6.2.
type Envelope struct {
	Name            string
	Group           string
	Time            time.Time
	Open            bool
	CircuitDuration time.Duration
	Threshold       float64
	WaitThreshold   uint64
	Stats           stats.TotalStats
}

// Snapshotter is the subset of breaker behavior the registry needs.
// Defining it here — rather than importing the breaker package — keeps
// the dependency edge one-directional: breaker imports registry, never
// the reverse. breaker.Core implements this interface structurally.
type Snapshotter interface {
	Name() string
	// OnSnapshot registers fn to receive every published snapshot and
	// returns a func that cancels the subscription.
	OnSnapshot(fn func(Envelope)) (unsubscribe func())
}

// GlobalRegistry is a process-wide list of registered breakers (spec
// §4.5). Its zero value is not usable; construct with NewGlobalRegistry.
type GlobalRegistry struct {
	mu       sync.Mutex
	breakers map[uuid.UUID]registration

	feedMu      sync.Mutex
	subscribers map[uuid.UUID]chan Envelope
}

type registration struct {
	snapshotter Snapshotter
	unsubscribe func()
}

// NewGlobalRegistry returns an empty registry.
func NewGlobalRegistry() *GlobalRegistry {
	return &GlobalRegistry{
		breakers:    make(map[uuid.UUID]registration),
		subscribers: make(map[uuid.UUID]chan Envelope),
	}
}

// Default is the process-wide registry breakers register with unless
// constructed with RegisterGlobal: false.
var Default = NewGlobalRegistry()

// Register subscribes to s's snapshot event and adds it to the
// registry, returning a handle usable with Deregister.
func (r *GlobalRegistry) Register(s Snapshotter) uuid.UUID {
	id := uuid.New()
	unsubscribe := s.OnSnapshot(r.publish)

	r.mu.Lock()
	r.breakers[id] = registration{snapshotter: s, unsubscribe: unsubscribe}
	r.mu.Unlock()

	return id
}

// Deregister unsubscribes and removes the breaker from the list.
// Idempotent: deregistering an unknown or already-removed id is a no-op.
func (r *GlobalRegistry) Deregister(id uuid.UUID) {
	r.mu.Lock()
	reg, ok := r.breakers[id]
	if ok {
		delete(r.breakers, id)
	}
	r.mu.Unlock()

	if ok && reg.unsubscribe != nil {
		reg.unsubscribe()
	}
}

// InstanceCount returns the current number of registered breakers.
func (r *GlobalRegistry) InstanceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}

func (r *GlobalRegistry) publish(env Envelope) {
	r.feedMu.Lock()
	chans := make([]chan Envelope, 0, len(r.subscribers))
	for _, ch := range r.subscribers {
		chans = append(chans, ch)
	}
	r.feedMu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- env:
		default:
			// A slow dashboard consumer must never back-pressure a
			// breaker's snapshot emission; drop for that subscriber.
		}
	}
}

// Subscribe opens a raw feed of every envelope published by every
// registered breaker. The returned func closes the feed and must be
// called to release it.
func (r *GlobalRegistry) Subscribe() (<-chan Envelope, func()) {
	id := uuid.New()
	ch := make(chan Envelope, 64)

	r.feedMu.Lock()
	r.subscribers[id] = ch
	r.feedMu.Unlock()

	closeFn := func() {
		r.feedMu.Lock()
		delete(r.subscribers, id)
		r.feedMu.Unlock()
		close(ch)
	}
	return ch, closeFn
}

// RunTransformFeed consumes raw, maps each envelope to its SSE-framed
// dashboard JSON (dashboard.go), and sends the frame on out. Mapping
// work for distinct envelopes runs concurrently, bounded by
// concurrency, via golang.org/x/sync/errgroup; RunTransformFeed returns
// when raw closes or ctx is cancelled.
func RunTransformFeed(ctx context.Context, raw <-chan Envelope, out chan<- string, concurrency int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for {
		select {
		case <-gctx.Done():
			return g.Wait()
		case env, ok := <-raw:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				frame, err := FrameSSE(env)
				if err != nil {
					return err
				}
				select {
				case out <- frame:
				case <-gctx.Done():
				}
				return nil
			})
		}
	}
}
