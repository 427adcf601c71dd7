// SPDX-License-Identifier: MIT

package scheduler

import (
	"sync"
	"time"
)

// AggregateSnapshot is one consistent point-in-time view across all Jobs,
// built at a single merge point (spec.md §5) so the four counts are always
// mutually consistent within one snapshot.
type AggregateSnapshot struct {
	Completed       int
	Failed          int
	Running         int
	Pending         int
	OverallFraction float64
	At              time.Time
}

// aggregator emits AggregateSnapshots at most every 250ms, plus immediately
// whenever a Job changes state, per spec.md §4.4.
type aggregator struct {
	jobs      []*Job
	minPeriod time.Duration

	mu       sync.Mutex
	lastEmit time.Time

	out chan AggregateSnapshot
}

func newAggregator(jobs []*Job) *aggregator {
	return &aggregator{
		jobs:      jobs,
		minPeriod: 250 * time.Millisecond,
		out:       make(chan AggregateSnapshot, 1),
	}
}

// Snapshots returns the channel of aggregate snapshots; only the most
// recent snapshot is ever buffered, matching the "lazy sequence" the
// specification describes rather than a full event log.
func (a *aggregator) Snapshots() <-chan AggregateSnapshot { return a.out }

func (a *aggregator) build() AggregateSnapshot {
	snap := AggregateSnapshot{At: time.Now()}
	var total float64
	for _, j := range a.jobs {
		s := j.snapshot()
		switch s.State {
		case Succeeded:
			snap.Completed++
		case Failed, Cancelled:
			snap.Failed++
		case Running:
			snap.Running++
		case Backoff_, Pending:
			snap.Pending++
		}
		total += s.Fraction
	}
	if len(a.jobs) > 0 {
		snap.OverallFraction = total / float64(len(a.jobs))
	}
	return snap
}

// maybeEmit publishes the current snapshot if force is set (a Job changed
// state) or if minPeriod has elapsed since the last emission.
func (a *aggregator) maybeEmit(force bool) {
	a.mu.Lock()
	now := time.Now()
	due := force || now.Sub(a.lastEmit) >= a.minPeriod
	if !due {
		a.mu.Unlock()
		return
	}
	a.lastEmit = now
	a.mu.Unlock()

	snap := a.build()
	select {
	case a.out <- snap:
		return
	default:
	}
	// A snapshot is already buffered and unread; replace it with the
	// latest rather than blocking the planner.
	select {
	case <-a.out:
	default:
	}
	select {
	case a.out <- snap:
	default:
	}
}
