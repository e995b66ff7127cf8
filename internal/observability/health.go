package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HealthStatus is the health of one checked component.
type HealthStatus string

const (
	HealthStatusOK        HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the result of one health check.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// HealthCheckResponse is the aggregate /healthz payload.
type HealthCheckResponse struct {
	Status        HealthStatus               `json:"status"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Timestamp     string                     `json:"timestamp"`
	Checks        map[string]ComponentHealth `json:"checks"`
}

// HealthCheckFunc checks one component.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// HealthChecker runs a named set of component checks.
type HealthChecker struct {
	version   string
	startTime time.Time
	checks    map[string]HealthCheckFunc
}

// NewHealthChecker creates a checker reporting version in its responses.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheckFunc),
	}
}

// RegisterCheck registers a named component check.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc HealthCheckFunc) {
	hc.checks[name] = checkFunc
}

// Check runs every registered check and folds their statuses.
func (hc *HealthChecker) Check(ctx context.Context) HealthCheckResponse {
	response := HealthCheckResponse{
		Status:        HealthStatusOK,
		Version:       hc.version,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
		Checks:        make(map[string]ComponentHealth),
	}

	for name, checkFunc := range hc.checks {
		health := checkFunc(ctx)
		response.Checks[name] = health

		if health.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		} else if health.Status == HealthStatusDegraded && response.Status != HealthStatusUnhealthy {
			response.Status = HealthStatusDegraded
		}
	}

	return response
}

// Handler returns an HTTP handler serving the health check response.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		response := hc.Check(ctx)
		w.Header().Set("Content-Type", "application/json")

		switch response.Status {
		case HealthStatusOK:
			w.WriteHeader(http.StatusOK)
		case HealthStatusDegraded:
			w.WriteHeader(http.StatusOK)
		case HealthStatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}

// StoreCheck reports the content store's root directory as reachable or
// unreachable according to the reachable flag; it does not touch the
// filesystem itself.
func StoreCheck(rootDir string, reachable bool) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if reachable {
			return ComponentHealth{Status: HealthStatusOK, Message: fmt.Sprintf("store root %s reachable", rootDir)}
		}
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("store root %s unreachable", rootDir)}
	}
}

// PersistenceCheck checks SQLite session-store connectivity.
func PersistenceCheck(dbPath string, ping func() error) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := ping()
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: err.Error(), LatencyMS: latency}
		}
		if latency > 50 {
			return ComponentHealth{Status: HealthStatusDegraded, Message: "sqlite slow", LatencyMS: latency}
		}
		return ComponentHealth{Status: HealthStatusOK, Message: fmt.Sprintf("%s responsive", dbPath), LatencyMS: latency}
	}
}

// TransportListenerCheck reports a transport as bound or not bound to addr
// according to the bound flag; it does not probe the listener itself.
func TransportListenerCheck(addr string, bound bool) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if bound {
			return ComponentHealth{Status: HealthStatusOK, Message: fmt.Sprintf("listening on %s", addr)}
		}
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("not bound to %s", addr)}
	}
}
