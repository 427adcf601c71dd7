// SPDX-License-Identifier: MIT

// Package health provides an HTTP health check endpoint for one hlsbatch
// run.
//
// /healthz exposes the current batch progress as JSON, suitable for a
// process supervisor or monitoring probe. /metrics exposes the same data
// plus the live ResourceState as Prometheus metrics, scraped pull-style via
// a prometheus.Collector rather than pushed on a timer.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobStatus is one Job's state as surfaced to an external probe.
type JobStatus struct {
	BaseName string  `json:"base_name"`
	State    string  `json:"state"`
	Fraction float64 `json:"fraction"`
	Attempts int     `json:"attempts"`
}

// RunStatus is the aggregate progress of the in-flight run, mirroring
// scheduler.AggregateSnapshot's four mutually-consistent counts.
type RunStatus struct {
	Completed       int         `json:"completed"`
	Failed          int         `json:"failed"`
	Running         int         `json:"running"`
	Pending         int         `json:"pending"`
	OverallFraction float64     `json:"overall_fraction"`
	Jobs            []JobStatus `json:"jobs,omitempty"`
}

// ResourceInfo is the live whole-machine ResourceState, surfaced in both the
// JSON body and the Prometheus metrics.
type ResourceInfo struct {
	CPUFraction float64 `json:"cpu_fraction"`
	MemFraction float64 `json:"mem_fraction"`
	State       string  `json:"state"`
	Stale       bool    `json:"stale,omitempty"`
}

// StatusProvider returns the current aggregate run status. The Run
// Coordinator implements this over the Scheduler's latest
// AggregateSnapshot.
type StatusProvider interface {
	Status() RunStatus
}

// ResourceInfoProvider returns the current ResourceState. *resource.Monitor
// satisfies this via a small adapter, kept out of this package to avoid an
// import cycle back into internal/resource from internal/health's tests.
type ResourceInfoProvider interface {
	ResourceInfo() ResourceInfo
}

// Response is the JSON body returned by /healthz.
type Response struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Run       RunStatus     `json:"run"`
	Resource  *ResourceInfo `json:"resource,omitempty"`
}

var (
	completedDesc = prometheus.NewDesc("hlsbatch_jobs_completed", "Number of Jobs that succeeded so far.", nil, nil)
	failedDesc    = prometheus.NewDesc("hlsbatch_jobs_failed", "Number of Jobs that failed or were cancelled so far.", nil, nil)
	runningDesc   = prometheus.NewDesc("hlsbatch_jobs_running", "Number of Jobs currently encoding.", nil, nil)
	pendingDesc   = prometheus.NewDesc("hlsbatch_jobs_pending", "Number of Jobs not yet dispatched or in backoff.", nil, nil)
	fractionDesc  = prometheus.NewDesc("hlsbatch_overall_fraction", "Mean progress fraction across all Jobs, in [0,1].", nil, nil)
	cpuDesc       = prometheus.NewDesc("hlsbatch_resource_cpu_fraction", "Whole-machine CPU utilization fraction, in [0,1].", nil, nil)
	memDesc       = prometheus.NewDesc("hlsbatch_resource_mem_fraction", "Whole-machine memory utilization fraction, in [0,1].", nil, nil)
	staleDesc     = prometheus.NewDesc("hlsbatch_resource_stale", "1 when the resource sample is stale (no fresh reading for 2+ intervals).", nil, nil)
)

// Handler serves /healthz and /metrics. It implements prometheus.Collector
// directly: Collect reads a fresh snapshot from the providers at scrape
// time rather than from periodically-updated gauges, so metrics never lag
// behind /healthz.
type Handler struct {
	provider    StatusProvider
	resProvider ResourceInfoProvider
	registry    *prometheus.Registry
}

// NewHandler creates a health check HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	h := &Handler{provider: provider, registry: prometheus.NewRegistry()}
	h.registry.MustRegister(h)
	return h
}

// WithResourceInfo attaches a ResourceInfoProvider; when set, the live
// ResourceState is included in /healthz and /metrics.
func (h *Handler) WithResourceInfo(p ResourceInfoProvider) *Handler {
	h.resProvider = p
	return h
}

// Describe implements prometheus.Collector.
func (h *Handler) Describe(ch chan<- *prometheus.Desc) {
	ch <- completedDesc
	ch <- failedDesc
	ch <- runningDesc
	ch <- pendingDesc
	ch <- fractionDesc
	ch <- cpuDesc
	ch <- memDesc
	ch <- staleDesc
}

// Collect implements prometheus.Collector.
func (h *Handler) Collect(ch chan<- prometheus.Metric) {
	var status RunStatus
	if h.provider != nil {
		status = h.provider.Status()
	}
	ch <- prometheus.MustNewConstMetric(completedDesc, prometheus.GaugeValue, float64(status.Completed))
	ch <- prometheus.MustNewConstMetric(failedDesc, prometheus.GaugeValue, float64(status.Failed))
	ch <- prometheus.MustNewConstMetric(runningDesc, prometheus.GaugeValue, float64(status.Running))
	ch <- prometheus.MustNewConstMetric(pendingDesc, prometheus.GaugeValue, float64(status.Pending))
	ch <- prometheus.MustNewConstMetric(fractionDesc, prometheus.GaugeValue, status.OverallFraction)

	if h.resProvider != nil {
		info := h.resProvider.ResourceInfo()
		ch <- prometheus.MustNewConstMetric(cpuDesc, prometheus.GaugeValue, info.CPUFraction)
		ch <- prometheus.MustNewConstMetric(memDesc, prometheus.GaugeValue, info.MemFraction)
		stale := 0.0
		if info.Stale {
			stale = 1.0
		}
		ch <- prometheus.MustNewConstMetric(staleDesc, prometheus.GaugeValue, stale)
	}
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	default:
		h.serveHealth(w, r)
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{Timestamp: time.Now()}
	if h.provider != nil {
		resp.Run = h.provider.Status()
	}

	healthy := resp.Run.Failed == 0

	if h.resProvider != nil {
		info := h.resProvider.ResourceInfo()
		resp.Resource = &info
		if info.State == "critical" {
			healthy = false
		}
	}

	switch {
	case resp.Run.Failed > 0:
		resp.Status = "unhealthy"
	case !healthy:
		resp.Status = "degraded"
	default:
		resp.Status = "healthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness once bound, so a caller can detect a port-in-use failure before
// the run proceeds rather than discovering it only on ctx.Done().
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
