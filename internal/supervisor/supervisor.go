// Package supervisor provides a supervision tree for managing the long-lived
// background services an hlsbatch run depends on (the resource sampler, the
// health HTTP server), restarting them with exponential backoff if they die.
//
// It wraps github.com/thejerf/suture/v4: suture owns crash isolation,
// panic recovery, and per-service contexts; this package layers a
// configurable exponential, capped restart delay and a small status API on
// top, so the Run Coordinator can report per-service health the way it
// reports per-Job health.
//
// Example:
//
//	sup := supervisor.New(supervisor.Config{
//	    ShutdownTimeout: 10 * time.Second,
//	})
//
//	sup.Add(resourceSamplerService)
//	sup.Add(healthServerService)
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	if err := sup.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service is the interface that supervised services must implement.
// Implementations should block until the context is cancelled or an error occurs.
type Service interface {
	// Run starts the service. It should block until ctx is cancelled or
	// the service encounters an unrecoverable error.
	Run(ctx context.Context) error

	// Name returns the service's identifier.
	Name() string
}

// ServiceState represents the current state of a supervised service.
type ServiceState int

const (
	ServiceStateIdle     ServiceState = iota // Not started
	ServiceStateRunning                      // Running normally
	ServiceStateStopping                     // Being stopped
	ServiceStateFailed                       // Failed, may restart
	ServiceStateStopped                      // Stopped, terminal
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateIdle:
		return "idle"
	case ServiceStateRunning:
		return "running"
	case ServiceStateStopping:
		return "stopping"
	case ServiceStateFailed:
		return "failed"
	case ServiceStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ServiceStatus contains status information about a supervised service.
type ServiceStatus struct {
	Name      string
	State     ServiceState
	StartTime time.Time
	Uptime    time.Duration
	Restarts  int
	LastError error
}

// Config contains supervisor configuration.
type Config struct {
	// Name identifies this supervision tree in suture's own logging.
	Name string

	// ShutdownTimeout is the maximum time suture waits for a service's
	// Serve to return during shutdown before it logs a stop timeout.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration

	// RestartDelay is the wait before the first restart attempt after a
	// service fails. Default: 1 second.
	RestartDelay time.Duration

	// MaxRestartDelay caps the exponential backoff between restart
	// attempts. Default: 5 minutes.
	MaxRestartDelay time.Duration

	// RestartMultiplier scales RestartDelay after each consecutive
	// failure, up to MaxRestartDelay. Default: 2.0.
	RestartMultiplier float64

	// Logger is optional; if set, supervisor events are logged here.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout:   10 * time.Second,
		RestartDelay:      1 * time.Second,
		MaxRestartDelay:   5 * time.Minute,
		RestartMultiplier: 2.0,
	}
}

// Supervisor manages a collection of services under a suture supervision
// tree, restarting them on failure with a configurable backoff.
type Supervisor struct {
	cfg    Config
	suture *suture.Supervisor

	mu      sync.RWMutex
	entries map[string]*serviceEntry
	running bool
}

// serviceEntry tracks a single service's lifecycle.
type serviceEntry struct {
	service   Service
	state     ServiceState
	startTime time.Time
	restarts  int
	lastError error
	token     suture.ServiceToken
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 1 * time.Second
	}
	if cfg.MaxRestartDelay == 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.RestartMultiplier == 0 {
		cfg.RestartMultiplier = 2.0
	}

	name := cfg.Name
	if name == "" {
		name = "hlsbatch"
	}

	s := &Supervisor{
		cfg:     cfg,
		entries: make(map[string]*serviceEntry),
	}
	s.suture = suture.New(name, suture.Spec{
		Timeout: cfg.ShutdownTimeout,
	})
	return s
}

// logf writes a formatted log message if Logger is configured.
func (s *Supervisor) logf(format string, args ...interface{}) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info(fmt.Sprintf(format, args...))
	}
}

// Add registers a service with the supervisor. If the supervisor is already
// running, the service starts immediately. Returns an error if a service
// with the same name already exists.
func (s *Supervisor) Add(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := svc.Name()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}

	entry := &serviceEntry{
		service: svc,
		state:   ServiceStateIdle,
	}
	entry.token = s.suture.Add(&suturedService{sup: s, entry: entry})
	s.entries[name] = entry

	s.logf("added service: %s", name)
	return nil
}

// Remove unregisters and stops a service.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	entry, exists := s.entries[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	delete(s.entries, name)
	s.mu.Unlock()

	if err := s.suture.Remove(entry.token); err != nil {
		return err
	}
	s.logf("removed service: %s", name)
	return nil
}

// Status returns the current status of all services.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ServiceStatus, 0, len(s.entries))
	now := time.Now()

	for name, entry := range s.entries {
		var uptime time.Duration
		if !entry.startTime.IsZero() && entry.state == ServiceStateRunning {
			uptime = now.Sub(entry.startTime)
		}

		result = append(result, ServiceStatus{
			Name:      name,
			State:     entry.state,
			StartTime: entry.startTime,
			Uptime:    uptime,
			Restarts:  entry.restarts,
			LastError: entry.lastError,
		})
	}

	return result
}

// ServiceCount returns the number of registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Run starts the suture supervision tree and blocks until ctx is cancelled,
// at which point every service is stopped gracefully.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logf("supervisor started with %d services", s.ServiceCount())

	err := s.suture.Serve(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logf("supervisor stopped")
	return err
}

func (s *Supervisor) setState(entry *serviceEntry, state ServiceState) {
	s.mu.Lock()
	entry.state = state
	s.mu.Unlock()
}

// suturedService adapts a Service into suture.Service (Serve(ctx) error),
// running it in a loop with the configured backoff between failures.
// Panic recovery and per-service context teardown on Remove are handled by
// suture itself; this loop only owns the restart delay and status tracking.
type suturedService struct {
	sup   *Supervisor
	entry *serviceEntry
}

func (w *suturedService) Serve(ctx context.Context) error {
	sup, entry := w.sup, w.entry
	delay := sup.cfg.RestartDelay

	for {
		if ctx.Err() != nil {
			sup.setState(entry, ServiceStateStopped)
			return nil
		}

		sup.mu.Lock()
		entry.state = ServiceStateRunning
		entry.startTime = time.Now()
		sup.mu.Unlock()

		err := entry.service.Run(ctx)

		if ctx.Err() != nil {
			sup.setState(entry, ServiceStateStopped)
			return nil
		}

		sup.mu.Lock()
		entry.state = ServiceStateFailed
		entry.lastError = err
		entry.restarts++
		restarts := entry.restarts
		sup.mu.Unlock()
		sup.logf("service %s failed (restarts=%d): %v", entry.service.Name(), restarts, err)

		select {
		case <-ctx.Done():
			sup.setState(entry, ServiceStateStopped)
			return nil
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * sup.cfg.RestartMultiplier)
		if delay > sup.cfg.MaxRestartDelay {
			delay = sup.cfg.MaxRestartDelay
		}
	}
}
