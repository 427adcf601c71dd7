// SPDX-License-Identifier: MIT

// Package diagnostics provides preflight and runtime health checks for an
// hlsbatch run: encoder tooling, input/output filesystem access, and host
// resource headroom.
//
// Reference: the teacher's 24-check bash-derived framework, narrowed to the
// checks that matter for a batch transcode run rather than a live audio
// capture service.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// CheckResult represents the result of a single diagnostic check.
type CheckResult struct {
	Name        string        `json:"name"`
	Category    string        `json:"category"`
	Status      CheckStatus   `json:"status"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Duration    time.Duration `json:"duration"`
	Suggestions []string      `json:"suggestions,omitempty"`
}

// CheckStatus indicates the result of a check.
type CheckStatus string

const (
	StatusOK       CheckStatus = "OK"
	StatusWarning  CheckStatus = "WARNING"
	StatusCritical CheckStatus = "CRITICAL"
	StatusSkipped  CheckStatus = "SKIPPED"
	StatusError    CheckStatus = "ERROR"
)

// DiagnosticReport contains results from all diagnostic checks.
type DiagnosticReport struct {
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	SystemInfo *SystemInfo   `json:"system_info"`
	Checks     []CheckResult `json:"checks"`
	Summary    *Summary      `json:"summary"`
	Healthy    bool          `json:"healthy"`
}

// SystemInfo contains basic system information.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Kernel       string `json:"kernel"`
	Architecture string `json:"architecture"`
	CPUs         int    `json:"cpus"`
	Memory       int64  `json:"memory_bytes"`
	Uptime       string `json:"uptime"`
	GoVersion    string `json:"go_version"`
}

// Summary contains a summary of check results.
type Summary struct {
	Total    int `json:"total"`
	OK       int `json:"ok"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Skipped  int `json:"skipped"`
	Error    int `json:"error"`
}

// CheckMode determines which checks to run.
type CheckMode string

const (
	ModeQuick CheckMode = "quick" // Essential checks only
	ModeFull  CheckMode = "full"  // All checks (default)
	ModeDebug CheckMode = "debug" // All checks with verbose output
)

// Diagnostic thresholds - all configurable for different deployment scenarios.
const (
	// LogSizeWarningBytes is the threshold for warning about log file sizes (100MB).
	LogSizeWarningBytes = 100 * 1024 * 1024

	// DiskUsageCriticalPercent is the disk usage percentage that triggers critical status.
	DiskUsageCriticalPercent = 95

	// DiskUsageWarningPercent is the disk usage percentage that triggers warning status.
	DiskUsageWarningPercent = 85

	// FDUsageCriticalPercent is the file descriptor usage percentage that triggers critical status.
	FDUsageCriticalPercent = 80

	// FDUsageWarningPercent is the file descriptor usage percentage that triggers warning status.
	FDUsageWarningPercent = 50

	// MemoryUsageCriticalPercent is the memory usage percentage that triggers critical status.
	MemoryUsageCriticalPercent = 90

	// MemoryUsageWarningPercent is the memory usage percentage that triggers warning status.
	MemoryUsageWarningPercent = 75

	// MinFreeOutputBytes is the minimum free space on the output filesystem
	// below which a run is likely to fail partway through (one 1080p HLS
	// ladder can run several GB for a long source file).
	MinFreeOutputBytes = 2 * 1024 * 1024 * 1024
)

// Options configures the diagnostic run.
type Options struct {
	Mode         CheckMode
	ConfigPath   string
	InputFolder  string
	OutputFolder string
	Output       io.Writer
	Verbose      bool
}

// DefaultOptions returns default diagnostic options.
func DefaultOptions() Options {
	return Options{
		Mode:         ModeFull,
		ConfigPath:   "/etc/hlsbatch/config.yaml",
		InputFolder:  "./input",
		OutputFolder: "./output",
		Output:       os.Stdout,
		Verbose:      false,
	}
}

// Runner executes diagnostic checks.
type Runner struct {
	opts Options
}

// NewRunner creates a new diagnostic runner.
func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts}
}

// Run executes all diagnostic checks and returns a report.
func (r *Runner) Run(ctx context.Context) (*DiagnosticReport, error) {
	start := time.Now()

	report := &DiagnosticReport{
		Timestamp:  start,
		SystemInfo: r.collectSystemInfo(),
		Summary:    &Summary{},
	}

	checks := r.getChecks()

	for _, check := range checks {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
			result := check(ctx)
			report.Checks = append(report.Checks, result)

			report.Summary.Total++
			switch result.Status {
			case StatusOK:
				report.Summary.OK++
			case StatusWarning:
				report.Summary.Warning++
			case StatusCritical:
				report.Summary.Critical++
			case StatusSkipped:
				report.Summary.Skipped++
			case StatusError:
				report.Summary.Error++
			}
		}
	}

	report.Duration = time.Since(start)
	report.Healthy = report.Summary.Critical == 0 && report.Summary.Error == 0

	return report, nil
}

// getChecks returns the checks to run based on mode.
func (r *Runner) getChecks() []func(context.Context) CheckResult {
	quickChecks := []func(context.Context) CheckResult{
		r.checkFFmpegBinary,
		r.checkFFprobeBinary,
		r.checkInputDirectory,
		r.checkOutputDirectory,
		r.checkDiskSpace,
	}

	if r.opts.Mode == ModeQuick {
		return quickChecks
	}

	return []func(context.Context) CheckResult{
		// 1. Prerequisites & Dependencies
		r.checkPrerequisites,
		// 2. Encoder versions
		r.checkVersions,
		// 3. System Information
		r.checkSystemInfo,
		// 4. FFmpeg binary & required codecs
		r.checkFFmpegBinary,
		// 5. FFprobe binary
		r.checkFFprobeBinary,
		// 6. Input directory
		r.checkInputDirectory,
		// 7. Output directory
		r.checkOutputDirectory,
		// 8. Configuration
		r.checkConfig,
		// 9. Disk space on the output filesystem
		r.checkDiskSpace,
		// 10. File descriptors
		r.checkFileDescriptors,
		// 11. Memory
		r.checkMemory,
	}
}

// collectSystemInfo gathers basic system information.
func (r *Runner) collectSystemInfo() *SystemInfo {
	info := &SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if h, err := os.Hostname(); err == nil {
		info.Hostname = h
	}

	if data, err := os.ReadFile("/proc/version"); err == nil {
		parts := strings.Fields(string(data))
		if len(parts) >= 3 {
			info.Kernel = parts[2]
		}
	}

	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "MemTotal:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						info.Memory = kb * 1024
					}
				}
				break
			}
		}
	}

	if data, err := os.ReadFile("/proc/uptime"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 1 {
			if secs, err := strconv.ParseFloat(fields[0], 64); err == nil {
				d := time.Duration(secs) * time.Second
				info.Uptime = formatDuration(d)
			}
		}
	}

	return info
}

// Individual check implementations

func (r *Runner) checkPrerequisites(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:     "Prerequisites",
		Category: "System",
	}

	required := []string{"ffmpeg", "ffprobe"}

	var missing []string
	for _, cmd := range required {
		if _, err := exec.LookPath(cmd); err != nil {
			missing = append(missing, cmd)
		}
	}

	if len(missing) > 0 {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Missing required tools: %s", strings.Join(missing, ", "))
		result.Suggestions = append(result.Suggestions, "Install missing tools with: apt-get install "+strings.Join(missing, " "))
	} else {
		result.Status = StatusOK
		result.Message = "All required tools available"
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkVersions(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:     "Versions",
		Category: "System",
	}

	var versions []string

	if out, err := exec.CommandContext(ctx, "ffmpeg", "-version").Output(); err == nil {
		lines := strings.Split(string(out), "\n")
		if len(lines) > 0 {
			versions = append(versions, "FFmpeg: "+strings.TrimPrefix(lines[0], "ffmpeg version "))
		}
	}

	if out, err := exec.CommandContext(ctx, "ffprobe", "-version").Output(); err == nil {
		lines := strings.Split(string(out), "\n")
		if len(lines) > 0 {
			versions = append(versions, "FFprobe: "+strings.TrimPrefix(lines[0], "ffprobe version "))
		}
	}

	result.Status = StatusOK
	result.Message = "Version information collected"
	result.Details = strings.Join(versions, "\n")
	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkSystemInfo(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:     "System Info",
		Category: "System",
		Status:   StatusOK,
		Message:  "System information collected",
	}
	result.Duration = time.Since(start)
	return result
}

// checkFFmpegBinary verifies ffmpeg is on PATH and its build advertises the
// video encoders the Encoder Driver (C2) may select (libx264, libx265,
// h264_nvenc).
func (r *Runner) checkFFmpegBinary(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:     "FFmpeg",
		Category: "Encoder",
	}

	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		result.Status = StatusCritical
		result.Message = "ffmpeg not found on PATH"
		result.Suggestions = append(result.Suggestions, "Install ffmpeg or set --ffmpeg-path to an absolute binary path")
		result.Duration = time.Since(start)
		return result
	}

	out, err := exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output()
	if err != nil {
		result.Status = StatusWarning
		result.Message = "ffmpeg found but `-encoders` query failed"
		result.Duration = time.Since(start)
		return result
	}

	var have []string
	for _, enc := range []string{"libx264", "libx265", "h264_nvenc"} {
		if strings.Contains(string(out), enc) {
			have = append(have, enc)
		}
	}

	if len(have) == 0 {
		result.Status = StatusCritical
		result.Message = "ffmpeg build has none of libx264/libx265/h264_nvenc"
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("ffmpeg at %s supports: %s", path, strings.Join(have, ", "))
	}

	result.Duration = time.Since(start)
	return result
}

// checkFFprobeBinary verifies ffprobe is on PATH, used by the Encoder Driver
// to read source duration and audio-stream presence before invoking ffmpeg.
func (r *Runner) checkFFprobeBinary(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:     "FFprobe",
		Category: "Encoder",
	}

	path, err := exec.LookPath("ffprobe")
	if err != nil {
		result.Status = StatusCritical
		result.Message = "ffprobe not found on PATH"
		result.Suggestions = append(result.Suggestions, "Install ffprobe (usually bundled with ffmpeg) or set --ffprobe-path")
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("ffprobe at %s", path)
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkInputDirectory(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:     "Input Directory",
		Category: "Filesystem",
	}

	dir := r.opts.InputFolder
	if dir == "" {
		dir = DefaultOptions().InputFolder
	}

	info, err := os.Stat(dir)
	switch {
	case err != nil:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("input folder %s: %v", dir, err)
	case !info.IsDir():
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("input folder %s is not a directory", dir)
	default:
		entries, _ := os.ReadDir(dir)
		result.Status = StatusOK
		result.Message = fmt.Sprintf("input folder %s readable (%d entries)", dir, len(entries))
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkOutputDirectory(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:     "Output Directory",
		Category: "Filesystem",
	}

	dir := r.opts.OutputFolder
	if dir == "" {
		dir = DefaultOptions().OutputFolder
	}

	// #nosec G301 -- preflight probe only, same permissions the coordinator uses per-Job
	if err := os.MkdirAll(dir, 0755); err != nil {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("output folder %s: %v", dir, err)
		result.Duration = time.Since(start)
		return result
	}

	probe := dir + "/.hlsbatch-write-probe"
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil { //nolint:gosec // preflight probe file, not attacker-controlled
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("output folder %s not writable: %v", dir, err)
		result.Duration = time.Since(start)
		return result
	}
	_ = os.Remove(probe)

	result.Status = StatusOK
	result.Message = fmt.Sprintf("output folder %s writable", dir)
	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkConfig(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:     "Configuration",
		Category: "System",
	}

	path := r.opts.ConfigPath
	if path == "" {
		path = DefaultOptions().ConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("config file %s not found, defaults will be used", path)
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("config file %s present", path)
	}

	result.Duration = time.Since(start)
	return result
}

// checkDiskSpace statfs's the output folder rather than "/": HLS segment
// output accumulates there, and that is the filesystem that actually runs
// out mid-batch.
func (r *Runner) checkDiskSpace(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:     "Disk Space",
		Category: "Resources",
	}

	dir := r.opts.OutputFolder
	if dir == "" {
		dir = DefaultOptions().OutputFolder
	}
	// statfs needs an existing path; fall back to "." if the output folder
	// has not been created yet.
	target := dir
	if _, err := os.Stat(target); err != nil {
		target = "."
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(target, &stat); err != nil {
		result.Status = StatusError
		result.Message = "Failed to check disk space"
		result.Duration = time.Since(start)
		return result
	}

	// #nosec G115 -- Bsize is always positive on Linux filesystems
	available := stat.Bavail * uint64(stat.Bsize)
	// #nosec G115 -- Bsize is always positive on Linux filesystems
	total := stat.Blocks * uint64(stat.Bsize)
	usedPercent := 100.0 - (float64(available)/float64(total))*100.0

	switch {
	case available < MinFreeOutputBytes:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Only %s free on output filesystem", formatBytes(int64(available)))
		result.Suggestions = append(result.Suggestions, "Free up disk space before starting a large batch")
	case usedPercent > DiskUsageCriticalPercent:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Disk usage critical: %.1f%%", usedPercent)
	case usedPercent > DiskUsageWarningPercent:
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Disk usage high: %.1f%%", usedPercent)
	default:
		result.Status = StatusOK
		result.Message = fmt.Sprintf("Disk usage: %.1f%% (%s available)", usedPercent, formatBytes(int64(available)))
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkFileDescriptors(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:     "File Descriptors",
		Category: "Resources",
	}

	data, err := os.ReadFile("/proc/sys/fs/file-nr")
	if err != nil {
		result.Status = StatusError
		result.Message = "Failed to read file descriptor info"
		result.Duration = time.Since(start)
		return result
	}

	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		result.Status = StatusError
		result.Message = "Invalid file-nr format"
		result.Duration = time.Since(start)
		return result
	}

	used, _ := strconv.ParseInt(fields[0], 10, 64)
	max, _ := strconv.ParseInt(fields[2], 10, 64)
	usedPercent := float64(used) / float64(max) * 100

	if usedPercent > FDUsageCriticalPercent {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("FD usage critical: %.1f%% (%d/%d)", usedPercent, used, max)
	} else if usedPercent > FDUsageWarningPercent {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("FD usage elevated: %.1f%% (%d/%d)", usedPercent, used, max)
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("FD usage normal: %.1f%% (%d/%d)", usedPercent, used, max)
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Runner) checkMemory(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:     "Memory",
		Category: "Resources",
	}

	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		result.Status = StatusError
		result.Message = "Failed to read memory info"
		result.Duration = time.Since(start)
		return result
	}

	var total, available int64
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				total, _ = strconv.ParseInt(fields[1], 10, 64)
				total *= 1024
			}
		} else if strings.HasPrefix(line, "MemAvailable:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				available, _ = strconv.ParseInt(fields[1], 10, 64)
				available *= 1024
			}
		}
	}

	usedPercent := 100.0 - (float64(available)/float64(total))*100.0

	if usedPercent > MemoryUsageCriticalPercent {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("Memory usage critical: %.1f%%", usedPercent)
	} else if usedPercent > MemoryUsageWarningPercent {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Memory usage elevated: %.1f%%", usedPercent)
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("Memory usage: %.1f%% (%s available)", usedPercent, formatBytes(available))
	}

	result.Duration = time.Since(start)
	return result
}

// Helper functions

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// PrintReport prints a formatted diagnostic report.
func PrintReport(w io.Writer, report *DiagnosticReport) {
	_, _ = fmt.Fprintf(w, "hlsbatch Diagnostics Report\n")
	_, _ = fmt.Fprintf(w, "===========================\n\n")

	_, _ = fmt.Fprintf(w, "System: %s (%s/%s)\n", report.SystemInfo.Hostname, report.SystemInfo.OS, report.SystemInfo.Architecture)
	_, _ = fmt.Fprintf(w, "Kernel: %s\n", report.SystemInfo.Kernel)
	_, _ = fmt.Fprintf(w, "Uptime: %s\n", report.SystemInfo.Uptime)
	_, _ = fmt.Fprintf(w, "Time: %s\n\n", report.Timestamp.Format(time.RFC3339))

	categories := make(map[string][]CheckResult)
	var order []string
	for _, check := range report.Checks {
		if _, seen := categories[check.Category]; !seen {
			order = append(order, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	for _, category := range order {
		_, _ = fmt.Fprintf(w, "\n%s\n%s\n", category, strings.Repeat("-", len(category)))
		for _, check := range categories[category] {
			status := "✓"
			switch check.Status {
			case StatusWarning:
				status = "⚠"
			case StatusCritical:
				status = "✗"
			case StatusError:
				status = "!"
			case StatusSkipped:
				status = "○"
			}
			_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", status, check.Name, check.Message)
			if check.Details != "" {
				_, _ = fmt.Fprintf(w, "    %s\n", check.Details)
			}
			for _, suggestion := range check.Suggestions {
				_, _ = fmt.Fprintf(w, "    → %s\n", suggestion)
			}
		}
	}

	_, _ = fmt.Fprintf(w, "\n\nSummary\n-------\n")
	_, _ = fmt.Fprintf(w, "Total: %d | OK: %d | Warning: %d | Critical: %d | Error: %d | Skipped: %d\n",
		report.Summary.Total, report.Summary.OK, report.Summary.Warning,
		report.Summary.Critical, report.Summary.Error, report.Summary.Skipped)
	_, _ = fmt.Fprintf(w, "Duration: %v\n", report.Duration)

	if report.Healthy {
		_, _ = fmt.Fprintf(w, "\nSystem Status: HEALTHY\n")
	} else {
		_, _ = fmt.Fprintf(w, "\nSystem Status: ISSUES DETECTED\n")
	}
}

// ToJSON converts the report to JSON format.
func (r *DiagnosticReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
