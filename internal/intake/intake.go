// SPDX-License-Identifier: MIT

// Package intake implements the File Intake (C3): enumerating, renaming,
// and validating source files before a run, and reorganizing successful
// outputs afterward.
//
// Reference: internal/audio/detector.go (directory-enumeration idiom) and
// internal/audio/sanitize.go (pattern-driven, conflict-checked transform
// shape), adapted from audio-device names to batch-input filenames.
package intake

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// InputFile is an accepted source file.
type InputFile struct {
	SourcePath string // absolute path, post-rename
	BaseName   string // e.g. "100-1.mp4", matching ^\d+-\d+\.mp4$
	SizeBytes  int64
}

// Rejection records why a candidate file was excluded from the accepted
// set, without aborting the run.
type Rejection struct {
	Path string
	Kind error // *ValidationRejectedErr or *RenameConflictErr
}

var (
	defaultRenamePattern     = regexp.MustCompile(`(\d+-\d+)(?:[_-].*?)?\.mp4$`)
	defaultValidationPattern = regexp.MustCompile(`^\d+-\d+\.mp4$`)
)

// Options configures one intake pass.
type Options struct {
	InputDir                string
	AutoRename              bool
	RenamePattern           *regexp.Regexp // defaults to defaultRenamePattern
	ValidationPattern       *regexp.Regexp // defaults to defaultValidationPattern; always applied
}

// ValidationRejectedErr mirrors jobkind's type of the same name; intake
// keeps its own copy and does not import jobkind.
type ValidationRejectedErr struct {
	Name    string
	Pattern string
}

func (e *ValidationRejectedErr) Error() string {
	return fmt.Sprintf("validation rejected: %q does not match pattern %q", e.Name, e.Pattern)
}

// RenameConflictErr mirrors jobkind's sentinel.
type RenameConflictErr struct {
	From, To string
}

func (e *RenameConflictErr) Error() string {
	return fmt.Sprintf("rename conflict: %q would overwrite existing %q", e.From, e.To)
}

// Scan enumerates non-recursively all regular .mp4 files (case-insensitive)
// in opts.InputDir, optionally renames them, validates the result, and
// returns the accepted set plus any rejections. Ordering: enumerate →
// (optionally) rename → validate → accept.
func Scan(opts Options) ([]InputFile, []Rejection, error) {
	renamePattern := opts.RenamePattern
	if renamePattern == nil {
		renamePattern = defaultRenamePattern
	}
	validationPattern := opts.ValidationPattern
	if validationPattern == nil {
		validationPattern = defaultValidationPattern
	}

	entries, err := os.ReadDir(opts.InputDir)
	if err != nil {
		return nil, nil, fmt.Errorf("intake: read input dir: %w", err)
	}

	var accepted []InputFile
	var rejections []Rejection
	seen := make(map[string]bool)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".mp4") {
			continue
		}

		path := filepath.Join(opts.InputDir, name)
		finalName := name

		if opts.AutoRename {
			if m := renamePattern.FindStringSubmatch(name); m != nil {
				candidate := m[1] + ".mp4"
				if candidate != name {
					newPath := filepath.Join(opts.InputDir, candidate)
					if _, statErr := os.Stat(newPath); statErr == nil {
						rejections = append(rejections, Rejection{
							Path: path,
							Kind: &RenameConflictErr{From: name, To: candidate},
						})
						continue
					}
					if err := os.Rename(path, newPath); err != nil {
						return nil, nil, fmt.Errorf("intake: rename %q: %w", name, err)
					}
					path = newPath
					finalName = candidate
				}
			}
		}

		if !validationPattern.MatchString(finalName) {
			rejections = append(rejections, Rejection{
				Path: path,
				Kind: &ValidationRejectedErr{Name: finalName, Pattern: validationPattern.String()},
			})
			continue
		}

		if seen[finalName] {
			// Base-name uniqueness is guaranteed before Jobs exist; a
			// post-rename collision between two distinct source files is
			// reported the same way a pre-existing-file conflict is.
			rejections = append(rejections, Rejection{
				Path: path,
				Kind: &RenameConflictErr{From: path, To: finalName},
			})
			continue
		}
		seen[finalName] = true

		info, err := os.Lstat(path)
		if err != nil {
			return nil, nil, fmt.Errorf("intake: stat %q: %w", finalName, err)
		}

		accepted = append(accepted, InputFile{
			SourcePath: path,
			BaseName:   finalName,
			SizeBytes:  info.Size(),
		})
	}

	return accepted, rejections, nil
}
