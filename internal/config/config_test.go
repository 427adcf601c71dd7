// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.InputFolder = "/data/in"
	cfg.OutputFolder = "/data/out"
	return cfg
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig() (with folders set) failed Validate: %v", err)
	}
}

func TestValidateRejectsMissingFolders(t *testing.T) {
	cfg := validConfig()
	cfg.InputFolder = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing input_folder")
	}

	cfg = validConfig()
	cfg.OutputFolder = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing output_folder")
	}
}

func TestValidateRejectsUnknownEncoder(t *testing.T) {
	cfg := validConfig()
	cfg.VideoEncoder = "av1_nvenc"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unrecognized video_encoder")
	}
}

func TestValidateRejectsNonPositiveFPS(t *testing.T) {
	cfg := validConfig()
	cfg.FPS = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for fps <= 0")
	}
}

func TestValidateRejectsIncompleteLadder(t *testing.T) {
	cfg := validConfig()
	cfg.Bitrates.P720 = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for incomplete bitrate ladder")
	}
}

func TestValidateRejectsNegativeMaxParallelJobs(t *testing.T) {
	cfg := validConfig()
	cfg.MaxParallelJobs = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative max_parallel_jobs")
	}
}

func TestValidateRejectsBadMemoryPercent(t *testing.T) {
	cfg := validConfig()
	cfg.BatchProcessing.MaxMemoryPercent = 101
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for max_memory_percent > 100")
	}

	cfg = validConfig()
	cfg.BatchProcessing.MaxMemoryPercent = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative max_memory_percent")
	}
}

func TestValidateRejectsZeroMaxAttempts(t *testing.T) {
	cfg := validConfig()
	cfg.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for max_attempts <= 0")
	}
}

func TestValidateRejectsNegativeCancelGrace(t *testing.T) {
	cfg := validConfig()
	cfg.CancelGraceMS = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative cancel_grace_ms")
	}
}

func TestLadderAsArrayOrder(t *testing.T) {
	l := Ladder{P1080: "6500k", P720: "3000k", P480: "1500k", P360: "800k"}
	got := l.AsArray()
	want := [4]string{"6500k", "3000k", "1500k", "800k"}
	if got != want {
		t.Errorf("AsArray() = %v, want %v", got, want)
	}
}

func TestExpandEnvExpandsInputOutputFolders(t *testing.T) {
	t.Setenv("HLSBATCH_TEST_ROOT", "/srv/media")

	cfg := &Config{
		InputFolder:  "${HLSBATCH_TEST_ROOT}/in",
		OutputFolder: "${HLSBATCH_TEST_ROOT}/out",
	}
	cfg.ExpandEnv()

	if cfg.InputFolder != "/srv/media/in" {
		t.Errorf("InputFolder = %q, want /srv/media/in", cfg.InputFolder)
	}
	if cfg.OutputFolder != "/srv/media/out" {
		t.Errorf("OutputFolder = %q, want /srv/media/out", cfg.OutputFolder)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("HLSBATCH_TEST_ROOT", "/srv/media")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	content := "input_folder: ${HLSBATCH_TEST_ROOT}/in\n" +
		"output_folder: ${HLSBATCH_TEST_ROOT}/out\n" +
		"video_encoder: libx264\n" +
		"fps: 30\n" +
		"bitrates:\n  1080p: 6500k\n  720p: 3000k\n  480p: 1500k\n  360p: 800k\n" +
		"max_attempts: 3\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.InputFolder != "/srv/media/in" {
		t.Errorf("InputFolder = %q, want /srv/media/in", cfg.InputFolder)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte("input_folder: [unterminated"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := LoadConfig(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadConfigInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	// Valid YAML, invalid per Validate (no folders, unknown encoder).
	if err := os.WriteFile(path, []byte("video_encoder: whatever\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := LoadConfig(path)
	if err == nil {
		t.Error("expected validation error")
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := validConfig()
	cfg.FPS = 24
	cfg.Preset = "slow"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if loaded.FPS != 24 {
		t.Errorf("FPS = %d, want 24", loaded.FPS)
	}
	if loaded.Preset != "slow" {
		t.Errorf("Preset = %q, want slow", loaded.Preset)
	}
	if loaded.Bitrates != cfg.Bitrates {
		t.Errorf("Bitrates = %+v, want %+v", loaded.Bitrates, cfg.Bitrates)
	}
}

func TestSaveProducesRestrictivePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	if err := validConfig().Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0640 {
		t.Errorf("config file mode = %v, want 0640", perm)
	}
}

// mockAtomicFile lets tests inject failures at each step of saveWith's
// write/sync/chmod/close sequence.
type mockAtomicFile struct {
	name                                   string
	writeErr, syncErr, chmodErr, closeErr  error
	data                                   []byte
}

func (m *mockAtomicFile) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.data = append(m.data, p...)
	return len(p), nil
}
func (m *mockAtomicFile) Sync() error             { return m.syncErr }
func (m *mockAtomicFile) Chmod(os.FileMode) error { return m.chmodErr }
func (m *mockAtomicFile) Close() error            { return m.closeErr }
func (m *mockAtomicFile) Name() string            { return m.name }

func newMockCreateTemp(mock *mockAtomicFile, createErr error) atomicCreateTemp {
	return func(dir, pattern string) (atomicFile, error) {
		if createErr != nil {
			return nil, createErr
		}
		if mock.name == "" {
			mock.name = filepath.Join(dir, "mock-temp-file")
		}
		// saveWith's error-path defer calls Close+Remove on the temp file;
		// seed a real file on disk so that cleanup doesn't itself error.
		if _, err := os.Create(mock.name); err != nil {
			return nil, err
		}
		return mock, nil
	}
}

func TestSaveWithInjectableErrors(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	cfg := validConfig()

	t.Run("create temp fails", func(t *testing.T) {
		wantErr := errors.New("disk full")
		err := cfg.saveWith(path, newMockCreateTemp(&mockAtomicFile{}, wantErr))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("write fails", func(t *testing.T) {
		mock := &mockAtomicFile{writeErr: errors.New("write failed")}
		err := cfg.saveWith(path, newMockCreateTemp(mock, nil))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("sync fails", func(t *testing.T) {
		mock := &mockAtomicFile{syncErr: errors.New("sync failed")}
		err := cfg.saveWith(path, newMockCreateTemp(mock, nil))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("chmod fails", func(t *testing.T) {
		mock := &mockAtomicFile{chmodErr: errors.New("chmod failed")}
		err := cfg.saveWith(path, newMockCreateTemp(mock, nil))
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("close fails", func(t *testing.T) {
		mock := &mockAtomicFile{closeErr: errors.New("close failed")}
		err := cfg.saveWith(path, newMockCreateTemp(mock, nil))
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSaveWithTempFileCleanupOnError(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	cfg := validConfig()

	mock := &mockAtomicFile{name: filepath.Join(tmpDir, ".config.leftover.yaml"), writeErr: errors.New("write failed")}
	if _, err := os.Create(mock.name); err != nil {
		t.Fatalf("failed to seed temp file: %v", err)
	}

	if err := cfg.saveWith(path, newMockCreateTemp(mock, nil)); err == nil {
		t.Fatal("expected error")
	}

	if _, err := os.Stat(mock.name); !os.IsNotExist(err) {
		t.Errorf("temp file %s should have been removed on error", mock.name)
	}
}

func BenchmarkLoadConfig(b *testing.B) {
	tmpDir := b.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := validConfig().Save(path); err != nil {
		b.Fatalf("Save() error: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := LoadConfig(path); err != nil {
			b.Fatalf("LoadConfig() error: %v", err)
		}
	}
}

func FuzzLoadConfig(f *testing.F) {
	f.Add([]byte("input_folder: /a\noutput_folder: /b\nvideo_encoder: libx264\nfps: 30\n"))
	f.Add([]byte(""))
	f.Add([]byte("{"))
	f.Fuzz(func(t *testing.T, data []byte) {
		tmpDir := t.TempDir()
		path := filepath.Join(tmpDir, "config.yaml")
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Skip()
		}
		// LoadConfig must never panic, regardless of input.
		_, _ = LoadConfig(path)
	})
}

func TestDefaultConfigRetryDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RetryBaseDelay != time.Second {
		t.Errorf("RetryBaseDelay = %v, want 1s", cfg.RetryBaseDelay)
	}
	if cfg.RetryMaxDelay != 60*time.Second {
		t.Errorf("RetryMaxDelay = %v, want 60s", cfg.RetryMaxDelay)
	}
	if cfg.RetryableExitCodeSet() != nil {
		t.Errorf("RetryableExitCodeSet() = %v, want nil by default", cfg.RetryableExitCodeSet())
	}
}

func TestRetryableExitCodeSet(t *testing.T) {
	cfg := &Config{RetryableExitCodes: []int{1, 137}}
	set := cfg.RetryableExitCodeSet()
	if !set[1] || !set[137] {
		t.Errorf("RetryableExitCodeSet() = %v, want {1: true, 137: true}", set)
	}
	if set[2] {
		t.Error("expected code 2 to be absent from the set")
	}
}

func TestRetryableExitCodeSetEmpty(t *testing.T) {
	cfg := &Config{}
	if set := cfg.RetryableExitCodeSet(); set != nil {
		t.Errorf("RetryableExitCodeSet() = %v, want nil for an unconfigured slice", set)
	}
}
