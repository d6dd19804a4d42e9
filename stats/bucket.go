package stats

import "fmt"

// ErrInvalidBucketField is returned by Bucket.Percent when asked for a
// field name it doesn't recognize.
var ErrInvalidBucketField = fmt.Errorf("breakerstat/stats: invalid bucket field")

// InvalidBucketFieldError wraps ErrInvalidBucketField with the offending
// field name.
type InvalidBucketFieldError struct {
	Field string
}

func (e *InvalidBucketFieldError) Error() string {
	return fmt.Sprintf("breakerstat/stats: invalid bucket field %q", e.Field)
}

func (e *InvalidBucketFieldError) Unwrap() error { return ErrInvalidBucketField }

// Bucket tallies outcomes within one time slice of a rolling window.
//
// A Bucket mutates a shared *Cumulative in lockstep with its own local
// counters: every local increment is paired with exactly one cumulative
// increment (spec §3.1). Bucket itself holds no lock; callers (Stats)
// serialize access under their own mutex.
type Bucket struct {
	Total          uint64
	Successful     uint64
	Failed         uint64
	TimedOut       uint64
	ShortCircuited uint64

	// RequestTimes holds one latency sample (ms) per recorded
	// success/failure/timeout, in the order they were recorded. Short
	// circuits never append here (spec §3.1 invariant).
	RequestTimes []int64

	cumulative *Cumulative
}

// NewBucket returns a zero-valued Bucket sharing cumulative with every
// other bucket in the same Stats ring (spec §3.2).
func NewBucket(cumulative *Cumulative) *Bucket {
	return &Bucket{cumulative: cumulative}
}

// Success records a successful outcome with the given latency in ms.
func (b *Bucket) Success(runTimeMS int64) {
	b.Total++
	b.Successful++
	b.RequestTimes = append(b.RequestTimes, runTimeMS)
	b.cumulative.recordSuccess()
}

// Failure records a failed outcome with the given latency in ms.
func (b *Bucket) Failure(runTimeMS int64) {
	b.Total++
	b.Failed++
	b.RequestTimes = append(b.RequestTimes, runTimeMS)
	b.cumulative.recordFailure()
}

// Timeout records a timed-out outcome with the given latency in ms.
func (b *Bucket) Timeout(runTimeMS int64) {
	b.Total++
	b.TimedOut++
	b.RequestTimes = append(b.RequestTimes, runTimeMS)
	b.cumulative.recordTimeout()
}

// ShortCircuit records a rejection that never ran the operation. It does
// not touch Total or RequestTimes (spec §4.1).
func (b *Bucket) ShortCircuit() {
	b.ShortCircuited++
	b.cumulative.recordShortCircuit()
}

// Percent returns field/Total for a recognized counter field, or 0 if
// Total is 0. Unrecognized field names return InvalidBucketFieldError.
func (b *Bucket) Percent(field string) (float64, error) {
	var n uint64
	switch field {
	case "successful":
		n = b.Successful
	case "failed":
		n = b.Failed
	case "timedOut":
		n = b.TimedOut
	case "shortCircuited":
		n = b.ShortCircuited
	default:
		return 0, &InvalidBucketFieldError{Field: field}
	}
	if b.Total == 0 {
		return 0, nil
	}
	return float64(n) / float64(b.Total), nil
}
