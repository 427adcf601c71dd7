// SPDX-License-Identifier: MIT

package encoder

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/dstrand/hlsbatch/internal/jobkind"
)

func TestParseHMSF(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want float64
	}{
		{"zero", []string{"", "00", "00", "00", "00"}, 0},
		{"one minute", []string{"", "00", "01", "00", "00"}, 60},
		{"with fraction", []string{"", "00", "00", "01", "50"}, 1.5},
		{"hours", []string{"", "01", "00", "00", "00"}, 3600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseHMSF(tt.in); got != tt.want {
				t.Errorf("parseHMSF(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestBoundedTail(t *testing.T) {
	tail := newBoundedTail(10)
	tail.write("a")
	tail.write("bb")
	tail.write("ccc")
	got := tail.String()
	if len(got) > 10 {
		t.Errorf("tail grew beyond cap: %d bytes (%q)", len(got), got)
	}
	if got == "" {
		t.Error("expected non-empty tail")
	}
}

func TestClassifyExitSuccess(t *testing.T) {
	if err := classifyExit(nil, false, "", nil); err != nil {
		t.Errorf("classifyExit(nil, ...) = %v, want nil", err)
	}
}

func TestClassifyExitNonExitError(t *testing.T) {
	err := classifyExit(exec.ErrNotFound, false, "", nil)
	var aborted *jobkind.EncoderAbortedErr
	if !errors.As(err, &aborted) {
		t.Fatalf("classifyExit(exec.ErrNotFound, ...) = %T, want *jobkind.EncoderAbortedErr", err)
	}
	if aborted.UserCanceled {
		t.Error("expected UserCanceled=false")
	}
}
