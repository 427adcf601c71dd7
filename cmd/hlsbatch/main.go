// Package main implements hlsbatch, a one-shot batch transcoder that turns a
// folder of .mp4 source files into 4-variant HLS packages.
//
// Usage:
//
//	hlsbatch [options]
//
// Options:
//
//	--config=PATH        Path to config file (default: /etc/hlsbatch/config.yaml)
//	--ffmpeg-path=PATH   Absolute path to ffmpeg (default: resolved from PATH)
//	--ffprobe-path=PATH  Absolute path to ffprobe (default: resolved from PATH)
//	--log-level=LEVEL    Log level: debug, info, warn, error (default: info)
//	--help               Show this help message
//
// Example:
//
//	# Run with default config
//	hlsbatch
//
//	# Run with a custom config
//	hlsbatch --config=/path/to/config.yaml
//
// hlsbatch exits 0 when every input file produced a complete HLS package, 1
// when at least one failed, 2 when the run was cancelled by SIGINT/SIGTERM
// before completion, 3 when the configuration was rejected before any file
// was dispatched, and 4 when ffmpeg or ffprobe could not be resolved.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dstrand/hlsbatch/internal/config"
	"github.com/dstrand/hlsbatch/internal/coordinator"
)

// Build information (set by ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath  = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	ffmpegPath  = flag.String("ffmpeg-path", "", "Path to the ffmpeg binary (default: resolved from PATH)")
	ffprobePath = flag.String("ffprobe-path", "", "Path to the ffprobe binary (default: resolved from PATH)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp    = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	logger.Info("hlsbatch starting", "version", Version, "commit", Commit, "built", BuildTime)

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(3)
	}
	logger.Info("loaded configuration", "path", *configPath, "input_folder", cfg.InputFolder, "output_folder", cfg.OutputFolder)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("received signal, cancelling run", "signal", sig.String())
		cancel()
	}()

	report, err := coordinator.Run(ctx, cfg, coordinator.Options{
		FFmpegPath:  *ffmpegPath,
		FFprobePath: *ffprobePath,
		Logger:      logger,
	})

	exitCode := coordinator.ExitCode(report, err)
	if err != nil {
		logger.Error("run did not start", "error", err)
	} else {
		logSummary(logger, report)
	}

	os.Exit(exitCode)
}

func logSummary(logger *slog.Logger, report *coordinator.Report) {
	succeeded, failed := 0, 0
	for _, j := range report.Jobs {
		if j.Succeeded {
			succeeded++
		} else {
			failed++
		}
	}
	logger.Info("run complete",
		"succeeded", succeeded,
		"failed", failed,
		"rejected", len(report.Rejections),
		"cancelled", report.Cancelled,
		"wall_time", report.Finished.Sub(report.Started).String(),
	)
	for _, j := range report.Jobs {
		if !j.Succeeded {
			logger.Warn("job did not succeed", "file", j.BaseName, "kind", j.Kind, "attempts", j.Attempts, "error", j.Err)
		}
	}
	for _, r := range report.Rejections {
		logger.Warn("input rejected before dispatch", "file", r.Path, "reason", r.Kind)
	}
}

// loadConfiguration loads the config file, falling back to defaults when it
// does not exist yet.
func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printUsage() {
	fmt.Println("hlsbatch - batch HLS transcoder")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: hlsbatch [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Transcodes every .mp4 file in the configured input folder into a")
	fmt.Println("1080p/720p/480p/360p HLS package, respecting host resource pressure.")
	fmt.Println()
	fmt.Println("Exit codes:")
	fmt.Println("  0  all files succeeded")
	fmt.Println("  1  at least one file failed")
	fmt.Println("  2  cancelled by signal")
	fmt.Println("  3  configuration rejected before any file was dispatched")
	fmt.Println("  4  ffmpeg/ffprobe binary unavailable")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Cancel the run gracefully")
}
