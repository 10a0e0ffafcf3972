package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is the result of one named probe.
type HealthCheck struct {
	Name     string            `json:"name"`
	Status   HealthStatus      `json:"status"`
	Message  string            `json:"message"`
	Duration time.Duration     `json:"duration"`
	Details  map[string]string `json:"details,omitempty"`
}

// StatusServer exposes the collector and health probes over HTTP while a run
// is in progress:
//
//	GET /health   JSON health report, 503 when any probe is unhealthy
//	GET /metrics  counters and gauges in Prometheus text format
type StatusServer struct {
	collector *Collector
	checks    map[string]func() HealthCheck
	server    *http.Server
	listener  net.Listener
}

// NewStatusServer listens on addr immediately so the bound address is known
// before Start. Use "127.0.0.1:0" for an ephemeral port.
func NewStatusServer(addr string, c *Collector) (*StatusServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s := &StatusServer{collector: c, checks: DefaultHealthChecks(), listener: ln}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/metrics", s.metricsHandler)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

func (s *StatusServer) Addr() string { return s.listener.Addr().String() }

// RegisterHealthCheck adds or replaces a named probe. Call before Start.
func (s *StatusServer) RegisterHealthCheck(name string, fn func() HealthCheck) {
	s.checks[name] = fn
}

// Start serves in the background.
func (s *StatusServer) Start() {
	log.Info().Str("addr", s.Addr()).Msg("status server listening")
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("status server stopped")
		}
	}()
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *StatusServer) runHealthChecks() ([]HealthCheck, HealthStatus) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	overall := HealthStatusHealthy
	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := s.checks[name]()
		check.Name = name
		check.Duration = time.Since(start)
		switch check.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
		checks = append(checks, check)
	}
	return checks, overall
}

func (s *StatusServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks, overall := s.runHealthChecks()
	w.Header().Set("Content-Type", "application/json")
	if overall == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    overall,
		"timestamp": time.Now(),
		"checks":    checks,
	})
}

func (s *StatusServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	counters, gauges := s.collector.Snapshot()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	write := func(kind MetricType, values map[string]float64) {
		names := make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "# TYPE %s %s\n%s %g\n", name, kind, name, values[name])
		}
	}
	write(Counter, counters)
	write(Gauge, gauges)
}

// DefaultHealthChecks probes heap size and goroutine count.
func DefaultHealthChecks() map[string]func() HealthCheck {
	return map[string]func() HealthCheck{
		"memory": func() HealthCheck {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			heapMB := float64(m.HeapAlloc) / (1024 * 1024)
			check := HealthCheck{
				Status:  HealthStatusHealthy,
				Message: fmt.Sprintf("heap %.2f MB", heapMB),
				Details: map[string]string{"heap_mb": fmt.Sprintf("%.2f", heapMB)},
			}
			if heapMB > 1000 {
				check.Status = HealthStatusDegraded
			}
			if heapMB > 2000 {
				check.Status = HealthStatusUnhealthy
			}
			return check
		},
		"goroutines": func() HealthCheck {
			n := runtime.NumGoroutine()
			check := HealthCheck{
				Status:  HealthStatusHealthy,
				Message: fmt.Sprintf("%d goroutines", n),
				Details: map[string]string{"count": fmt.Sprintf("%d", n)},
			}
			if n > 1000 {
				check.Status = HealthStatusDegraded
			}
			if n > 5000 {
				check.Status = HealthStatusUnhealthy
			}
			return check
		},
	}
}
