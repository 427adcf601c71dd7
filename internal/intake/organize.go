// SPDX-License-Identifier: MIT

package intake

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var organizePattern = regexp.MustCompile(`^(\d+)-\d+`)

// OrganizeResult records one move attempt made during post-run
// reorganization.
type OrganizeResult struct {
	BaseName string
	Moved    bool
	Err      error // non-nil on a collision; does not block other moves
}

// Organize moves each successful output directory (named by InputFile
// BaseName without its .mp4 suffix, e.g. "100-1") under outputRoot into a
// parent directory named by its captured numeric prefix, creating the
// parent if absent. Re-running organization over an already-organized tree
// is a no-op: a base whose directory no longer exists directly under
// outputRoot (because it was already moved) is silently skipped.
func Organize(outputRoot string, succeeded []InputFile) []OrganizeResult {
	var results []OrganizeResult

	for _, f := range succeeded {
		base := trimMP4(f.BaseName)
		m := organizePattern.FindStringSubmatch(base)
		if m == nil {
			continue
		}
		prefix := m[1]

		src := filepath.Join(outputRoot, base)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			// Already organized (or never produced); no-op.
			continue
		}

		parent := filepath.Join(outputRoot, prefix)
		if err := os.MkdirAll(parent, 0755); err != nil {
			results = append(results, OrganizeResult{BaseName: base, Err: fmt.Errorf("mkdir %q: %w", parent, err)})
			continue
		}

		dst := filepath.Join(parent, base)
		if _, err := os.Stat(dst); err == nil {
			results = append(results, OrganizeResult{BaseName: base, Err: fmt.Errorf("organize: %q already exists", dst)})
			continue
		}

		if err := os.Rename(src, dst); err != nil {
			results = append(results, OrganizeResult{BaseName: base, Err: fmt.Errorf("move %q: %w", base, err)})
			continue
		}

		results = append(results, OrganizeResult{BaseName: base, Moved: true})
	}

	return results
}

func trimMP4(name string) string {
	const suffix = ".mp4"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}
