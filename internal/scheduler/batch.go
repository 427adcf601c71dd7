// SPDX-License-Identifier: MIT

package scheduler

import (
	"github.com/dstrand/hlsbatch/internal/resource"
)

// WorkerCount implements "W = max(1, floor(cpu_count * 0.75))" unless
// overridden by configured (> 0).
func WorkerCount(cpuCount int, configured int) int {
	if configured > 0 {
		return configured
	}
	w := int(float64(cpuCount) * 0.75)
	if w < 1 {
		w = 1
	}
	return w
}

// BatchSize computes B per spec.md §4.4's normative Plan algorithm: a base
// B0 derived from the live ResourceState and worker/pending counts, then
// clamped by an optional operator-configured fixed batch size.
func BatchSize(state resource.State, workers, pending, configuredFixed int) int {
	var b0 int
	switch state {
	case resource.Critical:
		b0 = 1
	case resource.Warning:
		b0 = workers / 2
		if b0 < 1 {
			b0 = 1
		}
	default: // resource.Normal, or an unrecognized value treated as Normal
		b0 = workers
		if pending < b0 {
			b0 = pending
		}
	}

	if configuredFixed > 0 && configuredFixed < b0 {
		return configuredFixed
	}
	return b0
}
