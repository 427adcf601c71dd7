// SPDX-License-Identifier: MIT

package scheduler

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dstrand/hlsbatch/internal/intake"
	"github.com/dstrand/hlsbatch/internal/jobkind"
	"github.com/dstrand/hlsbatch/internal/resource"
	"github.com/dstrand/hlsbatch/internal/util"
)

// AttemptFunc drives one attempt of a Job's encode to completion, invoking
// report with progress fractions in [0,1] as they become known. The
// returned error must be one of the internal/jobkind kinds (or nil on
// success) so the planner can classify it for retry.
type AttemptFunc func(ctx context.Context, job *Job, report func(fraction float64)) error

// Config tunes the Scheduler's concurrency and retry behavior.
type Config struct {
	Workers        int // W; see WorkerCount
	FixedBatchSize int // 0 = unconfigured, use the derived B0
	MaxAttempts    int // default 3
	Backoff        Backoff
	CancelGrace    time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.Backoff.Base <= 0 && c.Backoff.MaxDelay <= 0 {
		c.Backoff = DefaultBackoff()
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 30 * time.Second
	}
	return c
}

// Result is the final, terminal outcome of one Job.
type Result struct {
	Snapshot Snapshot
}

// ResourceStater is the read side of C1 that the planner consults each
// dispatch pass; *resource.Monitor satisfies it. Defined here, rather than
// depending on the concrete Monitor type, so tests can drive the planner
// against a deterministic fake ResourceState.
type ResourceStater interface {
	Current() (resource.Sample, resource.State)
}

// Scheduler implements the Batch Scheduler (C4): a single planner loop that
// batches dispatch against the live ResourceState, a fixed worker pool that
// runs each Job's attempts, and a single aggregation merge point.
//
// Reference: internal/supervisor/supervisor.go (single owner goroutine over
// a map/slice of concurrently-running units, Add/Run/shutdown shape) and
// internal/stream/manager.go (per-unit retry/backoff wiring), generalized
// from "one stream, restarted forever" to "N independent Jobs, each retried
// up to a bounded attempt count."
type Scheduler struct {
	cfg     Config
	monitor ResourceStater
	attempt AttemptFunc
	logger  *slog.Logger
	tracker *util.ResourceTracker

	jobs []*Job

	mu      sync.Mutex
	pending *list.List // *Job, arrival order

	dispatchCh chan *Job
	resultCh   chan attemptOutcome
	wake       chan struct{}

	agg *aggregator

	criticalWaiting bool
	criticalAttempt int
}

type attemptOutcome struct {
	job *Job
	err error
}

// NewScheduler builds one Job per InputFile (in arrival order) and returns
// a Scheduler ready to Run. outputDirFor derives each Job's output
// directory from its InputFile, e.g. filepath.Join(outputRoot, base).
func NewScheduler(inputs []intake.InputFile, outputDirFor func(intake.InputFile) string, cfg Config, monitor ResourceStater, attempt AttemptFunc, logger *slog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	jobs := make([]*Job, len(inputs))
	pending := list.New()
	for i, in := range inputs {
		j := NewJob(i, in, outputDirFor(in))
		jobs[i] = j
		pending.PushBack(j)
	}

	return &Scheduler{
		cfg:        cfg,
		monitor:    monitor,
		attempt:    attempt,
		logger:     logger,
		tracker:    util.NewResourceTracker(),
		jobs:       jobs,
		pending:    pending,
		dispatchCh: make(chan *Job, cfg.Workers),
		resultCh:   make(chan attemptOutcome, cfg.Workers),
		wake:       make(chan struct{}, 1),
		agg:        newAggregator(jobs),
	}
}

// Snapshots returns the Scheduler's aggregate progress stream.
func (s *Scheduler) Snapshots() <-chan AggregateSnapshot { return s.agg.Snapshots() }

// LeakedAttempts returns the names of any in-flight attempt trackers still
// registered after Run returns; a non-empty result after Run indicates a
// worker exited runAttempt without the matching Untrack, which should never
// happen since runAttempt's defer/recover guarantees it always returns.
func (s *Scheduler) LeakedAttempts() []string { return s.tracker.LeakedResources() }

// Run drives every Job to a terminal state and returns one Result per Job,
// in the same order NewScheduler received them. Cancelling ctx drains the
// pending deque immediately, cancels every Running Job's encoder context,
// and forces any Job still non-terminal after cfg.CancelGrace to Cancelled.
func (s *Scheduler) Run(ctx context.Context) []Result {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.runWorker(ctx, id)
		}(i)
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	s.signalWake()

	remaining := len(s.jobs)
	cancelled := false
	var graceC <-chan time.Time

	for remaining > 0 {
		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				remaining -= s.drainPendingAsCancelled()
				if remaining > 0 {
					graceTimer := time.NewTimer(s.cfg.CancelGrace)
					defer graceTimer.Stop()
					graceC = graceTimer.C
				}
			}

		case <-graceC:
			s.forceCancelRemaining()
			remaining = 0

		case out := <-s.resultCh:
			remaining -= s.handleOutcome(ctx, out, cancelled)
			s.agg.maybeEmit(true)
			if !cancelled {
				s.signalWake()
			}

		case <-s.wake:
			if !cancelled {
				s.planAndDispatch()
			}

		case <-ticker.C:
			s.agg.maybeEmit(false)
		}
	}

	close(s.dispatchCh)
	wg.Wait()

	return s.buildResults()
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// planAndDispatch implements spec.md §4.4's normative batching algorithm.
// It runs only on the single planner goroutine (the caller of Run), so no
// lock is needed around the ResourceState read or the dispatch decision
// beyond the pending-deque lock itself.
func (s *Scheduler) planAndDispatch() {
	state := resource.Normal
	if s.monitor != nil {
		_, state = s.monitor.Current()
	}

	if state == resource.Critical {
		s.criticalAttempt++
		delay := CriticalBackoff.Delay(s.criticalAttempt)
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			<-timer.C
			s.signalWake()
		}()
		return
	}
	s.criticalAttempt = 0

	s.mu.Lock()
	defer s.mu.Unlock()

	pendingLen := s.pending.Len()
	if pendingLen == 0 {
		return
	}

	b := BatchSize(state, s.cfg.Workers, pendingLen, s.cfg.FixedBatchSize)
	for i := 0; i < b && s.pending.Len() > 0; i++ {
		front := s.pending.Front()
		job := front.Value.(*Job)
		select {
		case s.dispatchCh <- job:
			s.pending.Remove(front)
		default:
			// dispatchCh is at its capacity-W backpressure limit; stop
			// for now, the next job completion will wake the planner.
			return
		}
	}
}

// handleOutcome classifies one worker's attempt result and drives the Job
// state machine's post-Running transition (spec.md §4.4). It returns 1 if
// the Job reached a terminal state, 0 if it was moved to Backoff.
func (s *Scheduler) handleOutcome(ctx context.Context, out attemptOutcome, cancelled bool) int {
	job := out.job
	err := out.err

	if err == nil {
		job.finish(Succeeded, nil)
		return 1
	}

	if cancelled {
		job.finish(Cancelled, err)
		return 1
	}

	snap := job.snapshot()
	if jobkind.Retryable(err) && snap.Attempts < s.cfg.MaxAttempts {
		job.setState(Backoff_)
		delay := s.cfg.Backoff.Delay(snap.Attempts)
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				s.mu.Lock()
				job.setState(Pending)
				s.pending.PushBack(job)
				s.mu.Unlock()
				s.signalWake()
			case <-ctx.Done():
				job.finish(Cancelled, err)
				select {
				case s.resultCh <- attemptOutcome{job: job, err: err}:
				default:
				}
			}
		}()
		return 0
	}

	job.finish(Failed, err)
	return 1
}

// drainPendingAsCancelled cancels every Job still sitting in the pending
// deque and returns how many were drained, so the caller can keep its
// remaining-terminal-Jobs counter accurate without waiting on resultCh for
// Jobs that were never dispatched.
func (s *Scheduler) drainPendingAsCancelled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for e := s.pending.Front(); e != nil; {
		next := e.Next()
		job := e.Value.(*Job)
		job.finish(Cancelled, &jobkind.EncoderAbortedErr{UserCanceled: true})
		s.pending.Remove(e)
		e = next
		n++
	}
	return n
}

func (s *Scheduler) forceCancelRemaining() {
	for _, j := range s.jobs {
		if snap := j.snapshot(); !snap.State.IsTerminal() {
			j.finish(Cancelled, &jobkind.EncoderAbortedErr{UserCanceled: true})
		}
	}
}

func (s *Scheduler) buildResults() []Result {
	results := make([]Result, len(s.jobs))
	for i, j := range s.jobs {
		results[i] = Result{Snapshot: j.snapshot()}
	}
	return results
}

// runWorker pulls Jobs from dispatchCh until it is closed, running one
// attempt of each. Workers own only their current Job's lifecycle; they
// never touch the pending deque.
func (s *Scheduler) runWorker(ctx context.Context, id int) {
	for job := range s.dispatchCh {
		job.beginAttempt()

		name := fmt.Sprintf("job-%d-attempt-%d", job.ID, job.snapshot().Attempts)
		s.tracker.TrackResource(name, job)
		err := s.runAttempt(ctx, job)
		s.tracker.UntrackResource(name)

		select {
		case s.resultCh <- attemptOutcome{job: job, err: err}:
		case <-ctx.Done():
			select {
			case s.resultCh <- attemptOutcome{job: job, err: err}:
			default:
			}
		}
	}
}

// retryabler is the interface every internal/jobkind error type implements;
// used to tell a legitimate attempt failure (always jobkind-typed, per
// AttemptFunc's contract) apart from the plain error util.SafeGoWithRecover
// sends when it recovers a panic.
type retryabler interface{ Retryable() bool }

// runAttempt converts a panicking attempt into EncoderFailureErr{Code: -1}
// per spec.md §4.4's failure semantics ("a crashing worker must be caught,
// converted ... and its Job routed through the normal retry/terminal
// path"), via internal/util.SafeGoWithRecover's recover-and-report-to-
// channel shape so the attempt runs under the same panic-isolation the rest
// of the codebase uses for background work.
func (s *Scheduler) runAttempt(ctx context.Context, job *Job) error {
	report := func(fraction float64) { job.recordProgress(fraction, time.Now()) }

	errCh := make(chan error, 1)
	name := fmt.Sprintf("scheduler-job-%d", job.ID)
	util.SafeGoWithRecover(name, slogWriter{s.logger}, func() error {
		return s.attempt(ctx, job, report)
	}, errCh, nil)

	err := <-errCh
	if err == nil {
		return nil
	}
	if _, ok := err.(retryabler); ok {
		return err
	}
	// Not a jobkind-typed error: the attempt panicked and
	// SafeGoWithRecover's recover fired instead of returning normally.
	return &jobkind.EncoderFailureErr{Code: -1}
}

// slogWriter adapts *slog.Logger to the io.Writer util.SafeGo/SafeGoWithRecover
// expect for their panic log line.
type slogWriter struct{ logger *slog.Logger }

func (w slogWriter) Write(p []byte) (int, error) {
	if w.logger != nil {
		w.logger.Error("scheduler: worker panic recovered", "detail", string(p))
	}
	return len(p), nil
}
