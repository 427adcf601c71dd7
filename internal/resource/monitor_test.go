// SPDX-License-Identifier: MIT

package resource

import (
	"sync"
	"testing"
	"time"
)

func TestDefaultThresholds(t *testing.T) {
	cpuT, memT := DefaultThresholds()
	if !(cpuT.Critical > cpuT.Warning) {
		t.Errorf("cpu thresholds: critical %v must exceed warning %v", cpuT.Critical, cpuT.Warning)
	}
	if !(memT.Critical > memT.Warning) {
		t.Errorf("mem thresholds: critical %v must exceed warning %v", memT.Critical, memT.Warning)
	}
}

func TestThresholdsClassify(t *testing.T) {
	th := Thresholds{Warning: 0.5, Critical: 0.9}
	cases := []struct {
		frac float64
		want State
	}{
		{0.1, Normal},
		{0.5, Warning},
		{0.89, Warning},
		{0.9, Critical},
		{1.0, Critical},
	}
	for _, c := range cases {
		if got := th.classify(c.frac); got != c.want {
			t.Errorf("classify(%v) = %v, want %v", c.frac, got, c.want)
		}
	}
}

func TestWorse(t *testing.T) {
	if worse(Normal, Warning) != Warning {
		t.Error("worse(Normal, Warning) should be Warning")
	}
	if worse(Critical, Warning) != Critical {
		t.Error("worse(Critical, Warning) should be Critical")
	}
}

func TestSetThresholdsValidation(t *testing.T) {
	m := New()
	if err := m.SetThresholds("cpu", 0.9, 0.5); err == nil {
		t.Error("expected error when critical <= warning")
	}
	if err := m.SetThresholds("cpu", 0.5, 0.9); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := m.SetThresholds("disk", 0.5, 0.9); err == nil {
		t.Error("expected error for unknown resource")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	m := New()
	var mu sync.Mutex
	fired := 0
	h := m.Subscribe(Critical, func(Sample, State) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	m.notifyCh <- notification{sample: Sample{Timestamp: time.Now()}, state: Critical}
	// Drive the notify loop manually since Start() was never called.
	m.notifyWG.Add(1)
	go m.notifyLoop()
	time.Sleep(20 * time.Millisecond)
	close(m.notifyCh)

	mu.Lock()
	got := fired
	mu.Unlock()
	if got != 1 {
		t.Errorf("fired = %d, want 1", got)
	}

	m.Unsubscribe(h)
	m.mu.RLock()
	n := len(m.subs)
	m.mu.RUnlock()
	if n != 0 {
		t.Errorf("subs left = %d, want 0", n)
	}
}

func TestCurrentBeforeStart(t *testing.T) {
	m := New()
	sample, state := m.Current()
	if !sample.Timestamp.IsZero() {
		t.Error("expected zero-value sample before any Start()")
	}
	if state != Normal {
		t.Errorf("state = %v, want Normal zero value", state)
	}
}

func TestStopIdempotent(t *testing.T) {
	m := New()
	m.Stop()
	m.Stop()
}
