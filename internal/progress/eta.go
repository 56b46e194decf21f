package progress

import (
	"sync"
	"time"
)

const (
	defaultETAWindow = 20
	minETASamples    = 3
)

// ETA estimates session completion from a rolling average of per-record
// processing durations.
type ETA struct {
	mu      sync.Mutex
	window  int
	samples []time.Duration
	next    int
	filled  bool
}

func NewETA(window int) *ETA {
	if window < minETASamples {
		window = defaultETAWindow
	}

	return &ETA{
		window:  window,
		samples: make([]time.Duration, window),
	}
}

func (e *ETA) Observe(d time.Duration) {
	if d < 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.samples[e.next] = d
	e.next++
	if e.next == e.window {
		e.next = 0
		e.filled = true
	}
}

// Estimate returns the projected completion time for the remaining
// record count, or nil until enough samples exist.
func (e *ETA) Estimate(remaining int, now time.Time) *time.Time {
	if remaining <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	count := e.next
	if e.filled {
		count = e.window
	}
	if count < minETASamples {
		return nil
	}

	var total time.Duration
	for i := 0; i < count; i++ {
		total += e.samples[i]
	}

	average := total / time.Duration(count)
	estimate := now.Add(average * time.Duration(remaining))
	return &estimate
}
