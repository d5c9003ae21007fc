// Package traffic keeps sliding windows of upstream refresh outcomes and
// rate-limit denials. The health endpoint reads them to report degraded and
// overloaded states.
package traffic

import (
	"sync"
	"time"
)

// retention bounds how far back any window can look.
const retention = 5 * time.Minute

var defaultTracker = NewTracker()

// RecordRefresh records one upstream refresh: a failure when err is non-nil.
func RecordRefresh(err error) {
	defaultTracker.RecordRefresh(err)
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.RecordDenied()
}

// FailureRate returns (failures, refreshes) within the window.
func FailureRate(window time.Duration) (failures, total int) {
	return defaultTracker.FailureRate(window)
}

// DenialCount returns the number of denials within the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker holds outcome timestamps, oldest first, pruned to the retention window.
type Tracker struct {
	mu       sync.Mutex
	now      func() time.Time
	okTimes  []time.Time
	errTimes []time.Time
	denied   []time.Time
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

func (t *Tracker) RecordRefresh(err error) {
	if err != nil {
		t.record(&t.errTimes)
		return
	}
	t.record(&t.okTimes)
}

func (t *Tracker) RecordDenied() {
	t.record(&t.denied)
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// FailureRate returns (failures, failures+successes) within the window.
func (t *Tracker) FailureRate(window time.Duration) (failures, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	failures = countSince(t.errTimes, cutoff)
	return failures, failures + countSince(t.okTimes, cutoff)
}

func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.denied, t.now().Add(-window))
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.okTimes, t.errTimes, t.denied = nil, nil, nil
}

// countSince counts timestamps not before cutoff. Slices are ordered, so it scans from the end.
func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(times) - 1; i >= 0 && !times[i].Before(cutoff); i-- {
		n++
	}
	return n
}

// pruneLocked drops timestamps older than retention. Caller holds mu.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.okTimes)
	prune(&t.errTimes)
	prune(&t.denied)
}
