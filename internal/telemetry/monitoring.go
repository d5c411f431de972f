package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string        `json:"name"`
	Status      HealthStatus  `json:"status"`
	Message     string        `json:"message"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration"`
}

// MonitoringServer exposes health and metrics endpoints for the registry
// daemon, on a separate port from the registration API.
type MonitoringServer struct {
	collector    *Collector
	healthChecks map[string]func() HealthCheck
	server       *http.Server
}

// NewMonitoringServer creates a new monitoring server.
func NewMonitoringServer(addr string, collector *Collector) *MonitoringServer {
	ms := &MonitoringServer{
		collector:    collector,
		healthChecks: make(map[string]func() HealthCheck),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/metrics", ms.metricsHandler)
	ms.server = &http.Server{Addr: addr, Handler: mux}
	return ms
}

// RegisterHealthCheck adds a named check run on every /health request.
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.healthChecks[name] = checkFn
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	var checks []HealthCheck
	for _, fn := range ms.healthChecks {
		checks = append(checks, fn())
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return checks
}

func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()
	overallStatus := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			overallStatus = HealthStatusUnhealthy
			break
		}
	}
	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now(),
		"checks":    checks,
	}
	w.Header().Set("Content-Type", "application/json")
	if overallStatus != HealthStatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// metricsHandler provides Prometheus-style metrics.
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	metrics := ms.collector.GetMetrics()
	w.Header().Set("Content-Type", "text/plain")
	for _, metric := range metrics {
		labelStr := ""
		if len(metric.Labels) > 0 {
			var pairs []string
			for k, v := range metric.Labels {
				pairs = append(pairs, fmt.Sprintf(`%s=%q`, k, v))
			}
			sort.Strings(pairs)
			labelStr = "{" + strings.Join(pairs, ",") + "}"
		}
		fmt.Fprintf(w, "# TYPE %s %s\n", metric.Name, metric.Type)
		fmt.Fprintf(w, "%s%s %f %d\n", metric.Name, labelStr, metric.Value, metric.Timestamp.Unix())
	}
}

// Start begins serving in the background.
func (ms *MonitoringServer) Start() {
	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("monitoring server stopped")
		}
	}()
}

// Shutdown stops the monitoring server.
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
