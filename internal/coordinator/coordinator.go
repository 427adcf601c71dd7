// SPDX-License-Identifier: MIT

// Package coordinator implements the Run Coordinator (C5): the composition
// root that wires the Resource Monitor (C1), Encoder Driver (C2), File
// Intake (C3), and Batch Scheduler (C4) into one Run call and maps the
// result onto the program's exit code.
//
// Reference: cmd/lyrebird-stream/main.go (composition-root shape: resolve
// binaries, build the dependency graph, run it to completion) generalized
// from "supervise N stream managers forever" to "drive N Jobs to a
// terminal state once and report."
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dstrand/hlsbatch/internal/config"
	"github.com/dstrand/hlsbatch/internal/encoder"
	"github.com/dstrand/hlsbatch/internal/health"
	"github.com/dstrand/hlsbatch/internal/intake"
	"github.com/dstrand/hlsbatch/internal/jobkind"
	"github.com/dstrand/hlsbatch/internal/lock"
	"github.com/dstrand/hlsbatch/internal/resource"
	"github.com/dstrand/hlsbatch/internal/scheduler"
	"github.com/dstrand/hlsbatch/internal/supervisor"
)

// Options carries the parts of a Run that are resolved by the caller rather
// than the Config file: the binaries found on PATH (or configured
// absolute paths) and the logger. Grounded on cmd/lyrebird-stream/main.go's
// findFFmpegPath + log.New composition.
type Options struct {
	FFmpegPath  string // defaults to "ffmpeg"
	FFprobePath string // defaults to "ffprobe"
	Logger      *slog.Logger
}

// JobReport is one InputFile's final outcome: spec.md §4.5's "per-InputFile
// final state, attempts, wall time, and terminal error kind when
// applicable."
type JobReport struct {
	BaseName   string
	Succeeded  bool
	Cancelled  bool
	Attempts   int
	WallTime   time.Duration
	Kind       string // empty on success
	Err        error
	StderrTail string // up to 4 KiB, only set for EncoderFailure
}

// Report is the Run Coordinator's full output. Per spec.md §7, the
// aggregator never fails: Run returns a Report even when every Job failed.
type Report struct {
	Jobs       []JobReport
	Rejections []intake.Rejection
	Organized  []intake.OrganizeResult
	Started    time.Time
	Finished   time.Time
	Cancelled  bool
}

// AnyFailed reports whether at least one Job did not succeed.
func (r *Report) AnyFailed() bool {
	for _, j := range r.Jobs {
		if !j.Succeeded {
			return true
		}
	}
	return false
}

// ExitCode implements spec.md §6's normative exit-code table for the Run
// Coordinator invoked as a program:
//
//	0  all Jobs succeeded
//	1  at least one Job failed
//	2  cancelled by signal
//	3  configuration rejected before any Job dispatched
//	4  encoder binary unavailable
func ExitCode(report *Report, err error) int {
	if err != nil {
		var missing *jobkind.EncoderBinaryMissingErr
		if errors.As(err, &missing) {
			return 4
		}
		return 3
	}
	if report.Cancelled {
		return 2
	}
	if report.AnyFailed() {
		return 1
	}
	return 0
}

// Run drives every accepted InputFile in cfg.InputFolder to a terminal
// state and returns a full Report. A non-nil error means no Job was ever
// dispatched: cfg failed validation, the encoder/prober binary could not be
// resolved, the run lock in cfg.OutputFolder could not be created or
// acquired, or the intake scan of cfg.InputFolder failed. Cancelling ctx (e.g. on SIGINT/SIGTERM) stops the
// run cooperatively; the returned Report's Cancelled field reflects this,
// its error return stays nil since cancellation is not a startup failure.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("coordinator: configuration rejected: %w", err)
	}

	ffmpegPath := opts.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if err := resolveBinary(ffmpegPath); err != nil {
		return nil, err
	}

	ffprobePath := opts.FFprobePath
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if err := resolveBinary(ffprobePath); err != nil {
		return nil, err
	}

	fileLock, err := lock.NewFileLock(filepath.Join(cfg.OutputFolder, ".hlsbatch.lock"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: creating run lock: %w", err)
	}
	if err := fileLock.AcquireContext(ctx, lock.DefaultAcquireTimeout); err != nil {
		return nil, fmt.Errorf("coordinator: another run holds the lock on %s: %w", cfg.OutputFolder, err)
	}
	defer func() {
		if err := fileLock.Release(); err != nil {
			logger.Warn("coordinator: failed to release run lock", "error", err)
		}
	}()

	report := &Report{Started: time.Now()}

	inputs, rejections, err := intake.Scan(intake.Options{
		InputDir:          cfg.InputFolder,
		AutoRename:        cfg.AutoRenameFiles,
		RenamePattern:     compilePatternOrNil(cfg.FileRenamePattern),
		ValidationPattern: compilePatternOrNil(cfg.FileValidationPattern),
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: intake scan: %w", err)
	}
	report.Rejections = rejections

	if len(inputs) == 0 {
		report.Finished = time.Now()
		return report, nil
	}

	mon := resource.New(resource.WithLogger(logger), memThresholdsFor(cfg))
	monCtx, monCancel := context.WithCancel(ctx)
	mon.Start(monCtx, 5*time.Second)
	defer func() {
		monCancel()
		mon.Stop()
	}()

	// batch_processing.enabled toggles whether the planner consults the
	// live ResourceState at all; when false it dispatches up to W
	// constantly (spec.md §6), which this achieves by substituting a
	// stater that always reports Normal rather than touching the
	// Scheduler's planning algorithm.
	var stater scheduler.ResourceStater = mon
	batchSize := 0
	if cfg.BatchProcessing.Enabled {
		batchSize = cfg.BatchProcessing.BatchSize
	} else {
		stater = alwaysNormal{}
	}

	workers := scheduler.WorkerCount(runtime.NumCPU(), cfg.MaxParallelJobs)

	prober := encoder.NewProber(ffprobePath)
	runner := encoder.NewRunner(ffmpegPath)
	runner.RetryableCodes = cfg.RetryableExitCodeSet()
	attempt := buildAttemptFunc(cfg, prober, runner)

	outputDirFor := func(in intake.InputFile) string {
		return filepath.Join(cfg.OutputFolder, trimExt(in.BaseName))
	}

	schedCfg := scheduler.Config{
		Workers:        workers,
		FixedBatchSize: batchSize,
		MaxAttempts:    cfg.MaxAttempts,
		Backoff:        scheduler.Backoff{Base: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay},
		CancelGrace:    time.Duration(cfg.CancelGraceMS) * time.Millisecond,
	}

	sched := scheduler.NewScheduler(inputs, outputDirFor, schedCfg, stater, attempt, logger)

	if cfg.HealthAddr != "" {
		status := &statusAdapter{}
		go func() {
			for snap := range sched.Snapshots() {
				status.set(snap)
			}
		}()
		handler := health.NewHandler(status).WithResourceInfo(resourceAdapter{mon})

		sup := supervisor.New(supervisor.Config{Name: "hlsbatch-health", Logger: logger})
		if err := sup.Add(&healthService{addr: cfg.HealthAddr, handler: handler}); err != nil {
			logger.Warn("coordinator: failed to register health service", "error", err)
		}
		supCtx, supCancel := context.WithCancel(ctx)
		defer supCancel()
		go func() {
			if err := sup.Run(supCtx); err != nil {
				logger.Warn("coordinator: health supervisor exited", "error", err)
			}
		}()
	}

	results := sched.Run(ctx)

	var succeeded []intake.InputFile
	report.Jobs = make([]JobReport, len(results))
	for i, res := range results {
		snap := res.Snapshot
		jr := JobReport{
			BaseName:  snap.BaseName,
			Succeeded: snap.State == scheduler.Succeeded,
			Cancelled: snap.State == scheduler.Cancelled,
			Attempts:  snap.Attempts,
			Err:       snap.LastErr,
		}
		if !snap.StartTime.IsZero() {
			jr.WallTime = time.Since(snap.StartTime)
		}
		if snap.LastErr != nil {
			jr.Kind = errorKind(snap.LastErr)
			var encFail *jobkind.EncoderFailureErr
			if errors.As(snap.LastErr, &encFail) {
				jr.StderrTail = encFail.StderrTail
			}
		}
		report.Jobs[i] = jr
		if jr.Succeeded {
			succeeded = append(succeeded, inputs[i])
		}
	}

	if cfg.AutoOrganizeFolders {
		report.Organized = intake.Organize(cfg.OutputFolder, succeeded)
	}

	report.Cancelled = ctx.Err() != nil
	report.Finished = time.Now()
	return report, nil
}

// buildAttemptFunc closes over the per-run Config and C2 components to
// produce the Scheduler's AttemptFunc: probe, build the argv, run the
// subprocess, and translate its outcome for retry classification.
func buildAttemptFunc(cfg *config.Config, prober *encoder.Prober, runner *encoder.Runner) scheduler.AttemptFunc {
	return func(ctx context.Context, job *scheduler.Job, report func(fraction float64)) error {
		// #nosec G301 -- per-Job output directory, not user-controlled beyond cfg.OutputFolder
		if err := os.MkdirAll(job.OutputDir, 0755); err != nil {
			return &jobkind.FilesystemErr{Op: "mkdir", Err: err, Transient: isTransientErrno(err)}
		}

		probeResult, err := prober.Probe(ctx, job.Input.SourcePath)
		if err != nil {
			var probeErr *encoder.MediaProbeError
			if errors.As(err, &probeErr) {
				return &jobkind.MediaProbeErr{Path: probeErr.Path, Err: probeErr.Err}
			}
			return &jobkind.MediaProbeErr{Path: job.Input.SourcePath, Err: err}
		}

		inv := encoder.BuildInvocation(encoder.InvocationSpec{
			InputPath:     job.Input.SourcePath,
			OutputDir:     job.OutputDir,
			Encoder:       encoderFor(cfg),
			FPS:           cfg.FPS,
			Ladder:        encoder.StandardLadder(cfg.Bitrates.AsArray()),
			HasAudio:      probeResult.HasAudio,
			IncludeAudio:  cfg.IncludeAudio,
			AudioBitrates: cfg.AudioBitrates,
		})

		progress, final := runner.Run(ctx, inv, probeResult.DurationSeconds)
		for p := range progress {
			report(p.Fraction)
		}
		status := <-final
		return status.Err
	}
}

func encoderFor(cfg *config.Config) encoder.Encoder {
	switch cfg.VideoEncoder {
	case "libx265":
		return encoder.Libx265{Preset: cfg.Preset, Tune: cfg.Tune}
	case "h264_nvenc":
		return encoder.H264Nvenc{}
	default:
		return encoder.Libx264{Preset: cfg.Preset, Tune: cfg.Tune}
	}
}

// statusAdapter bridges the Scheduler's AggregateSnapshot stream to
// health.StatusProvider; it holds only the most recently observed snapshot.
type statusAdapter struct {
	mu   sync.Mutex
	last scheduler.AggregateSnapshot
}

func (s *statusAdapter) set(snap scheduler.AggregateSnapshot) {
	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
}

func (s *statusAdapter) Status() health.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return health.RunStatus{
		Completed:       s.last.Completed,
		Failed:          s.last.Failed,
		Running:         s.last.Running,
		Pending:         s.last.Pending,
		OverallFraction: s.last.OverallFraction,
	}
}

// healthService adapts health.ListenAndServe into supervisor.Service, so a
// crashed listener (e.g. a transient bind failure after a Remove/re-Add) is
// restarted with backoff rather than silently leaving the run unobservable.
type healthService struct {
	addr    string
	handler http.Handler
}

func (h *healthService) Name() string { return "health-server" }

func (h *healthService) Run(ctx context.Context) error {
	return health.ListenAndServe(ctx, h.addr, h.handler)
}

// resourceAdapter bridges *resource.Monitor to health.ResourceInfoProvider.
type resourceAdapter struct{ mon *resource.Monitor }

func (r resourceAdapter) ResourceInfo() health.ResourceInfo {
	sample, state := r.mon.Current()
	return health.ResourceInfo{
		CPUFraction: sample.CPUFrac,
		MemFraction: sample.MemFrac,
		State:       state.String(),
		Stale:       sample.Stale,
	}
}

// memThresholdsFor translates batch_processing.max_memory_percent (spec.md
// §6: "Critical memory threshold; warning derived as 0.875x unless set
// separately") into a resource.Option, leaving the CPU thresholds and the
// default memory thresholds untouched when the option is unconfigured.
func memThresholdsFor(cfg *config.Config) resource.Option {
	cpuT, memT := resource.DefaultThresholds()
	if cfg.BatchProcessing.MaxMemoryPercent > 0 {
		memT.Critical = float64(cfg.BatchProcessing.MaxMemoryPercent) / 100.0
		memT.Warning = memT.Critical * 0.875
	}
	return resource.WithThresholds(cpuT, memT)
}

// alwaysNormal is the ResourceStater substituted when
// batch_processing.enabled is false: the planner then dispatches purely on
// worker availability, never pausing for resource pressure.
type alwaysNormal struct{}

func (alwaysNormal) Current() (resource.Sample, resource.State) {
	return resource.Sample{}, resource.Normal
}

// resolveBinary succeeds if name is found on PATH or is an absolute,
// executable path, and returns *jobkind.EncoderBinaryMissingErr otherwise
// (spec.md §7: EncoderBinaryMissing is run-fatal, exit code 4).
func resolveBinary(name string) error {
	if _, err := exec.LookPath(name); err == nil {
		return nil
	}
	if filepath.IsAbs(name) {
		if info, err := os.Stat(name); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return nil
		}
	}
	return &jobkind.EncoderBinaryMissingErr{Binary: name}
}

func compilePatternOrNil(s string) *regexp.Regexp {
	if s == "" {
		return nil
	}
	re, err := regexp.Compile(s)
	if err != nil {
		return nil
	}
	return re
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func isTransientErrno(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EINTR, syscall.EAGAIN:
			return true
		}
	}
	return false
}

func errorKind(err error) string {
	switch err.(type) {
	case *jobkind.ValidationRejectedErr:
		return "ValidationRejected"
	case *jobkind.RenameConflictErr:
		return "RenameConflict"
	case *jobkind.MediaProbeErr:
		return "MediaProbeError"
	case *jobkind.EncoderFailureErr:
		return "EncoderFailure"
	case *jobkind.EncoderAbortedErr:
		return "EncoderAborted"
	case *jobkind.FilesystemErr:
		return "FilesystemError"
	default:
		return "Unknown"
	}
}
