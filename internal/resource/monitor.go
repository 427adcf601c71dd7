// SPDX-License-Identifier: MIT

// Package resource samples whole-machine CPU and memory utilization,
// classifies it against configurable thresholds, and fans out
// edge-triggered state transitions to subscribers.
//
// Reference: internal/stream/monitor.go (structure: thresholds, alerts,
// functional options) adapted from per-process /proc sampling to
// whole-machine gopsutil sampling.
package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// State is the derived classification of a resource's utilization.
type State int

const (
	Normal State = iota
	Warning
	Critical
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// worse returns the more severe of a and b.
func worse(a, b State) State {
	if a > b {
		return a
	}
	return b
}

// Sample is one whole-machine CPU/memory reading.
type Sample struct {
	Timestamp  time.Time
	CPUFrac    float64 // [0,1]
	MemFrac    float64 // [0,1]
	MemFreeB   uint64
	Stale      bool // true once no fresh sample has landed for 2+ intervals
}

// Thresholds holds the warning/critical boundary for one resource, each a
// fraction in (0,1); Critical must be strictly greater than Warning.
type Thresholds struct {
	Warning  float64
	Critical float64
}

// DefaultThresholds mirrors the teacher's DefaultThresholds() shape.
func DefaultThresholds() (cpuT, memT Thresholds) {
	return Thresholds{Warning: 0.70, Critical: 0.90},
		Thresholds{Warning: 0.75, Critical: 0.90}
}

func (t Thresholds) classify(frac float64) State {
	switch {
	case frac >= t.Critical:
		return Critical
	case frac >= t.Warning:
		return Warning
	default:
		return Normal
	}
}

// Callback is fired on each transition into a subscribed state. It runs on a
// dedicated notifier goroutine, never on the sampling path.
type Callback func(Sample, State)

type subscription struct {
	id    int
	state State
	cb    Callback
}

// Monitor implements the C1 Resource Monitor.
type Monitor struct {
	mu sync.RWMutex

	cpuThresh Thresholds
	memThresh Thresholds

	logger *slog.Logger

	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	last      Sample
	lastState State
	haveLast  bool

	subs   []subscription
	nextID int

	notifyCh chan notification
	notifyWG sync.WaitGroup
}

type notification struct {
	sample Sample
	state  State
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the structured logger used for non-fatal sampling
// failures (spec: "Sampling failures do not crash the monitor").
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithThresholds overrides the default CPU/memory thresholds.
func WithThresholds(cpuT, memT Thresholds) Option {
	return func(m *Monitor) {
		m.cpuThresh = cpuT
		m.memThresh = memT
	}
}

// New constructs a Monitor. Sampling does not begin until Start.
func New(opts ...Option) *Monitor {
	cpuT, memT := DefaultThresholds()
	m := &Monitor{
		cpuThresh: cpuT,
		memThresh: memT,
		logger:    slog.Default(),
		notifyCh:  make(chan notification, 16),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetThresholds implements the "Set thresholds(resource, warning, critical)"
// operation. resource is "cpu" or "mem".
func (m *Monitor) SetThresholds(resource string, warning, critical float64) error {
	if !(warning > 0 && warning < 1 && critical > 0 && critical < 1 && critical > warning) {
		return errInvalidThresholds
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch resource {
	case "cpu":
		m.cpuThresh = Thresholds{Warning: warning, Critical: critical}
	case "mem":
		m.memThresh = Thresholds{Warning: warning, Critical: critical}
	default:
		return errUnknownResource
	}
	return nil
}

// Start begins periodic sampling at the given interval (minimum 1s, default
// 5s when interval <= 0).
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	} else if interval < time.Second {
		interval = time.Second
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return // already started; Stop is idempotent, Start is a no-op if running
	}
	sampleCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.interval = interval
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.notifyWG.Add(1)
	go m.notifyLoop()

	go m.sampleLoop(sampleCtx)
}

// Stop halts sampling; idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	done := m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}

	close(m.notifyCh)
	m.notifyWG.Wait()
	// Re-create the channel so a subsequent Start still works.
	m.notifyCh = make(chan notification, 16)
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer close(m.done)

	m.sampleOnce(ctx)

	m.mu.RLock()
	interval := m.interval
	m.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	var cpuFrac float64
	if err != nil || len(cpuPct) == 0 {
		if m.logger != nil {
			m.logger.Warn("resource monitor: cpu sample failed", "error", err)
		}
		m.markStale()
		return
	}
	cpuFrac = cpuPct[0] / 100.0

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("resource monitor: mem sample failed", "error", err)
		}
		m.markStale()
		return
	}

	sample := Sample{
		Timestamp: time.Now(),
		CPUFrac:   cpuFrac,
		MemFrac:   vm.UsedPercent / 100.0,
		MemFreeB:  vm.Available,
	}

	m.mu.Lock()
	state := worse(m.cpuThresh.classify(sample.CPUFrac), m.memThresh.classify(sample.MemFrac))
	transitioned := !m.haveLast || state != m.lastState
	m.last = sample
	m.lastState = state
	m.haveLast = true
	m.mu.Unlock()

	if transitioned {
		select {
		case m.notifyCh <- notification{sample: sample, state: state}:
		default:
			if m.logger != nil {
				m.logger.Warn("resource monitor: notifier backlog, dropping transition")
			}
		}
	}
}

func (m *Monitor) markStale() {
	m.mu.Lock()
	if m.haveLast && time.Since(m.last.Timestamp) > 2*m.interval {
		m.last.Stale = true
	}
	m.mu.Unlock()
}

// notifyLoop runs callbacks off the sampling path, in subscription order,
// replaying only the most recent transition (no history replay) per spec.
func (m *Monitor) notifyLoop() {
	defer m.notifyWG.Done()
	for n := range m.notifyCh {
		m.mu.RLock()
		subs := make([]subscription, len(m.subs))
		copy(subs, m.subs)
		m.mu.RUnlock()

		for _, s := range subs {
			if s.state == n.state {
				s.cb(n.sample, n.state)
			}
		}
	}
}

// Current returns the most recent Sample and its derived State.
func (m *Monitor) Current() (Sample, State) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.lastState
}

// SubscriptionHandle allows Unsubscribe.
type SubscriptionHandle int

// Subscribe registers cb to fire on each transition into state. Returns a
// handle usable with Unsubscribe.
func (m *Monitor) Subscribe(state State, cb Callback) SubscriptionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs = append(m.subs, subscription{id: id, state: state, cb: cb})
	return SubscriptionHandle(id)
}

// Unsubscribe removes a previously registered callback.
func (m *Monitor) Unsubscribe(h SubscriptionHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.id == int(h) {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}
