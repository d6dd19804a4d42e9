package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeParent is a minimal Parent used to exercise Circuit in isolation,
// without pulling in the breaker package.
type fakeParent struct {
	mu sync.Mutex

	name            string
	defaultTimeout  time.Duration
	isFailureFn     func(error) bool
	modifyErr       bool
	generation      uint64
	open            bool
	observedPercent float64
	threshold       float64

	execs, successes, shortCircuits int
	failures, timeouts              []error
	failureGenerations              []uint64
}

func newFakeParent() *fakeParent {
	return &fakeParent{
		name:           "fake",
		defaultTimeout: 50 * time.Millisecond,
		isFailureFn:    func(error) bool { return true },
		modifyErr:      true,
		generation:     1,
		threshold:      0.5,
	}
}

func (p *fakeParent) Name() string                   { return p.name }
func (p *fakeParent) DefaultTimeout() time.Duration   { return p.defaultTimeout }
func (p *fakeParent) IsFailure(err error) bool        { return p.isFailureFn(err) }
func (p *fakeParent) ModifyError() bool               { return p.modifyErr }
func (p *fakeParent) Generation() uint64              { return p.generation }
func (p *fakeParent) IsOpen() bool                    { p.mu.Lock(); defer p.mu.Unlock(); return p.open }
func (p *fakeParent) FailPercentage() (float64, float64) {
	return p.observedPercent, p.threshold
}
func (p *fakeParent) EmitExec() { p.mu.Lock(); defer p.mu.Unlock(); p.execs++ }
func (p *fakeParent) EmitSuccess(time.Duration, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes++
}
func (p *fakeParent) EmitFailure(_ time.Duration, err error, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, err)
	p.failureGenerations = append(p.failureGenerations, gen)
}
func (p *fakeParent) EmitTimeout(_ time.Duration, err error, _ uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts = append(p.timeouts, err)
}
func (p *fakeParent) EmitShortCircuit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shortCircuits++
}

func TestCircuitExecuteSuccess(t *testing.T) {
	p := newFakeParent()
	c := NewCircuit[int](p, func(ctx context.Context) (int, error) {
		return 42, nil
	}, Options[int]{})

	val, err := c.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, 1, p.successes)
	assert.Empty(t, p.failures)
}

func TestCircuitExecuteFailureClassified(t *testing.T) {
	p := newFakeParent()
	boom := errors.New("boom")
	c := NewCircuit[int](p, func(ctx context.Context) (int, error) {
		return 0, boom
	}, Options[int]{})

	_, err := c.Execute(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	require.Len(t, p.failures, 1)
	assert.Equal(t, "[Breaker: fake] boom", err.Error())
}

func TestCircuitExecuteUnclassifiedFailureNotRecorded(t *testing.T) {
	p := newFakeParent()
	p.isFailureFn = func(error) bool { return false }
	boom := errors.New("ignored kind")
	c := NewCircuit[int](p, func(ctx context.Context) (int, error) {
		return 0, boom
	}, Options[int]{})

	_, err := c.Execute(context.Background())
	require.Error(t, err)
	assert.Empty(t, p.failures)
	assert.Empty(t, p.timeouts)
}

func TestCircuitExecuteTimeout(t *testing.T) {
	p := newFakeParent()
	p.defaultTimeout = 10 * time.Millisecond
	c := NewCircuit[int](p, func(ctx context.Context) (int, error) {
		time.Sleep(100 * time.Millisecond)
		return 1, nil
	}, Options[int]{})

	_, err := c.Execute(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	require.Len(t, p.timeouts, 1)
}

func TestCircuitShortCircuitWithoutFallback(t *testing.T) {
	p := newFakeParent()
	p.open = true
	p.observedPercent = 0.9
	called := false
	c := NewCircuit[int](p, func(ctx context.Context) (int, error) {
		called = true
		return 1, nil
	}, Options[int]{})

	_, err := c.Execute(context.Background())
	require.Error(t, err)
	var coe *CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.False(t, called)
	assert.Equal(t, 1, p.shortCircuits)
	assert.Equal(t, 1, p.execs)
}

func TestCircuitLocalFallbackAbsorbsOpenCircuit(t *testing.T) {
	p := newFakeParent()
	p.open = true
	c := NewCircuitWithFallback[int](p, func(ctx context.Context) (int, error) {
		return 0, nil
	}, func(ctx context.Context) (int, error) {
		return 99, nil
	}, Options[int]{})

	val, err := c.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 99, val)
}

func TestCircuitParentFallbackUsedWhenNoLocalFallback(t *testing.T) {
	p := newFakeParent()
	boom := errors.New("boom")
	c := NewCircuit[int](p, func(ctx context.Context) (int, error) {
		return 0, boom
	}, Options[int]{
		ParentFallback: func(ctx context.Context) (int, error) { return 7, nil },
	})

	val, err := c.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, val)
}

// TestCircuitGenerationCapturedAtStart models spec §8 scenario 3: the
// generation tag recorded with a late outcome is the one observed when
// exec started, not whatever the breaker has moved on to by the time
// the outcome lands.
func TestCircuitGenerationCapturedAtStart(t *testing.T) {
	p := newFakeParent()
	p.generation = 1

	c := NewCircuit[int](p, func(ctx context.Context) (int, error) {
		// Breaker reopens (generation bumps) while this call is in flight.
		p.mu.Lock()
		p.generation = 2
		p.mu.Unlock()
		return 0, errors.New("late failure")
	}, Options[int]{})

	_, _ = c.Execute(context.Background())
	require.Len(t, p.failureGenerations, 1)
	// The generation reported with the outcome is the one observed at
	// exec start, not whatever the breaker moved on to meanwhile. Actual
	// staleness filtering is the breaker's event-wiring responsibility.
	assert.Equal(t, uint64(1), p.failureGenerations[0])
}
