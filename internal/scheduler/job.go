// SPDX-License-Identifier: MIT

// Package scheduler implements the Batch Scheduler (C4): planning batches
// from live resource signals, driving a bounded worker pool over the
// Encoder Driver, and handling retry, cancellation, and progress
// aggregation.
//
// Reference: internal/stream/manager.go (State enum pattern, generalized
// from one manager to many Jobs), internal/stream/backoff.go (retry/backoff
// shape), internal/util/panic.go (worker crash isolation),
// internal/supervisor/supervisor.go (ownership discipline for a map of
// concurrently-running units).
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/dstrand/hlsbatch/internal/intake"
)

// State is one of the Job state machine's states.
type State int

const (
	Pending State = iota
	Running
	Backoff_ // trailing underscore avoids colliding with the Backoff type
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Backoff_:
		return "backoff"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// IsTerminal reports whether s is one of the three terminal states.
func (s State) IsTerminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Job is one encoding task for one InputFile.
//
// Attempts, start time and progress are written by the worker running the
// current attempt. State is written by that worker (Running) and also by
// the planner, which records each attempt's outcome (Succeeded, Failed,
// Backoff, Cancelled), and by the backoff timer (back to Pending). Every
// read and write goes through mu, and a snapshot is taken under mu for any
// cross-goroutine read, matching the "no cross-Job locks held across
// subprocess I/O" rule: mu guards only the struct fields, never the
// subprocess call itself.
type Job struct {
	mu sync.Mutex

	ID        int
	Input     intake.InputFile
	OutputDir string

	attempts      int
	state         State
	startTime     time.Time
	fraction      float64
	lastEventTime time.Time
	lastErr       error
}

// NewJob creates a Job in the Pending state.
func NewJob(id int, input intake.InputFile, outputDir string) *Job {
	return &Job{ID: id, Input: input, OutputDir: outputDir, state: Pending}
}

// Snapshot is an immutable point-in-time view of a Job's mutable fields.
type Snapshot struct {
	ID        int
	BaseName  string
	Attempts  int
	State     State
	Fraction  float64
	StartTime time.Time
	LastErr   error
}

func (j *Job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:        j.ID,
		BaseName:  j.Input.BaseName,
		Attempts:  j.attempts,
		State:     j.state,
		Fraction:  j.fraction,
		StartTime: j.startTime,
		LastErr:   j.lastErr,
	}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

func (j *Job) beginAttempt() {
	j.mu.Lock()
	j.attempts++
	j.state = Running
	j.startTime = time.Now()
	j.fraction = 0 // progress resets to 0 when an attempt restarts
	j.mu.Unlock()
}

func (j *Job) recordProgress(fraction float64, at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	// Progress fractions are non-decreasing within a single attempt.
	if fraction > j.fraction {
		j.fraction = fraction
	}
	j.lastEventTime = at
}

func (j *Job) finish(state State, err error) {
	j.mu.Lock()
	j.state = state
	j.lastErr = err
	if state == Succeeded {
		j.fraction = 1.0
	}
	j.mu.Unlock()
}
