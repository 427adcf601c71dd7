// SPDX-License-Identifier: MIT

// Package config defines the Config type recognized by the core (spec.md
// §6's normative option table) and its atomic load/save mechanics.
//
// Reference: the teacher's internal/config/config.go (atomic
// temp-file-then-rename Save, injectable atomicCreateTemp for testing,
// Validate/DefaultConfig shape) kept nearly verbatim and retargeted from
// per-device audio settings to the batch-transcoder's option set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/hlsbatch/config.yaml"

// Config is the complete set of options the core recognizes (spec.md §6).
type Config struct {
	InputFolder  string `yaml:"input_folder" koanf:"input_folder"`
	OutputFolder string `yaml:"output_folder" koanf:"output_folder"`

	VideoEncoder string `yaml:"video_encoder" koanf:"video_encoder"` // libx265 | h264_nvenc | libx264
	Preset       string `yaml:"preset" koanf:"preset"`
	Tune         string `yaml:"tune" koanf:"tune"`
	FPS          int    `yaml:"fps" koanf:"fps"`

	IncludeAudio  bool     `yaml:"include_audio" koanf:"include_audio"`
	Bitrates      Ladder   `yaml:"bitrates" koanf:"bitrates"`
	AudioBitrates []string `yaml:"audio_bitrates" koanf:"audio_bitrates"`

	MaxParallelJobs int             `yaml:"max_parallel_jobs" koanf:"max_parallel_jobs"`
	BatchProcessing BatchProcessing `yaml:"batch_processing" koanf:"batch_processing"`

	AutoRenameFiles     bool   `yaml:"auto_rename_files" koanf:"auto_rename_files"`
	FileRenamePattern   string `yaml:"file_rename_pattern" koanf:"file_rename_pattern"`
	FileValidationPattern string `yaml:"file_validation_pattern" koanf:"file_validation_pattern"`

	AutoOrganizeFolders       bool   `yaml:"auto_organize_folders" koanf:"auto_organize_folders"`
	FolderOrganizationPattern string `yaml:"folder_organization_pattern" koanf:"folder_organization_pattern"`

	MaxAttempts        int           `yaml:"max_attempts" koanf:"max_attempts"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay" koanf:"retry_base_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay" koanf:"retry_max_delay"`
	RetryableExitCodes []int         `yaml:"retryable_exit_codes" koanf:"retryable_exit_codes"`

	CancelGraceMS int `yaml:"cancel_grace_ms" koanf:"cancel_grace_ms"`

	HealthAddr string `yaml:"health_addr" koanf:"health_addr"`
}

// Ladder holds one configured bitrate per rung of the fixed resolution
// ladder, matching spec.md §6's "bitrates.{1080p,720p,480p,360p}".
type Ladder struct {
	P1080 string `yaml:"1080p" koanf:"1080p"`
	P720  string `yaml:"720p" koanf:"720p"`
	P480  string `yaml:"480p" koanf:"480p"`
	P360  string `yaml:"360p" koanf:"360p"`
}

// AsArray returns the ladder in descending-resolution order, matching
// encoder.StandardLadder's input shape.
func (l Ladder) AsArray() [4]string {
	return [4]string{l.P1080, l.P720, l.P480, l.P360}
}

// BatchProcessing toggles and tunes the resource-aware batch planner.
type BatchProcessing struct {
	Enabled          bool `yaml:"enabled" koanf:"enabled"`
	BatchSize        int  `yaml:"batch_size" koanf:"batch_size"` // 0 = unconfigured
	MaxMemoryPercent int  `yaml:"max_memory_percent" koanf:"max_memory_percent"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.ExpandEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file via a temp-file-then-rename
// so a crash mid-write never leaves a partially-written config on disk.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil { // #nosec G703
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// ExpandEnv expands ${NAME}-form environment variable references in
// input_folder and output_folder (spec.md §6), the only two options the
// specification requires this of.
func (c *Config) ExpandEnv() {
	c.InputFolder = os.ExpandEnv(c.InputFolder)
	c.OutputFolder = os.ExpandEnv(c.OutputFolder)
}

// RetryableExitCodeSet returns RetryableExitCodes as the map[int]bool shape
// jobkind.EncoderFailureErr.Retryable consults; nil when the operator has
// not configured any retryable codes, matching the spec's empty default.
func (c *Config) RetryableExitCodeSet() map[int]bool {
	if len(c.RetryableExitCodes) == 0 {
		return nil
	}
	set := make(map[int]bool, len(c.RetryableExitCodes))
	for _, code := range c.RetryableExitCodes {
		set[code] = true
	}
	return set
}

// Validate checks configuration for invalid values; it is run before any
// Job is dispatched, so a rejected configuration maps to exit code 3
// without the core ever touching the input directory.
func (c *Config) Validate() error {
	if c.InputFolder == "" {
		return fmt.Errorf("input_folder must be set")
	}
	if c.OutputFolder == "" {
		return fmt.Errorf("output_folder must be set")
	}
	switch c.VideoEncoder {
	case "libx265", "h264_nvenc", "libx264":
	default:
		return fmt.Errorf("video_encoder must be one of libx265, h264_nvenc, libx264 (got %q)", c.VideoEncoder)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be positive")
	}
	for _, br := range c.Bitrates.AsArray() {
		if br == "" {
			return fmt.Errorf("bitrates.{1080p,720p,480p,360p} must all be set")
		}
	}
	if c.MaxParallelJobs < 0 {
		return fmt.Errorf("max_parallel_jobs must not be negative")
	}
	if c.BatchProcessing.BatchSize < 0 {
		return fmt.Errorf("batch_processing.batch_size must not be negative")
	}
	if c.BatchProcessing.MaxMemoryPercent < 0 || c.BatchProcessing.MaxMemoryPercent > 100 {
		return fmt.Errorf("batch_processing.max_memory_percent must be between 0 and 100")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if c.CancelGraceMS < 0 {
		return fmt.Errorf("cancel_grace_ms must not be negative")
	}
	return nil
}

// DefaultConfig returns a configuration with the specification's documented
// defaults (1s/60s retry backoff, empty retryable-exit-code set, 5s cancel
// grace, 0.875x-of-critical warning threshold).
func DefaultConfig() *Config {
	return &Config{
		VideoEncoder:  "libx264",
		Preset:        "fast",
		FPS:           30,
		IncludeAudio:  true,
		Bitrates:      Ladder{P1080: "6500k", P720: "3000k", P480: "1500k", P360: "800k"},
		AudioBitrates: []string{"128k"},

		BatchProcessing: BatchProcessing{
			Enabled:          true,
			MaxMemoryPercent: 90,
		},

		AutoRenameFiles:           true,
		FileValidationPattern:    `^\d+-\d+\.mp4$`,
		AutoOrganizeFolders:      true,
		FolderOrganizationPattern: `^(\d+)-\d+`,

		MaxAttempts:    3,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  60 * time.Second,

		CancelGraceMS: 5000,

		HealthAddr: "127.0.0.1:9998",
	}
}
