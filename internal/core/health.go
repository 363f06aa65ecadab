package core

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// HealthStatus represents the health state of the node
type HealthStatus struct {
	Status                 string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds          int64  `json:"uptime_seconds"`
	Running                bool   `json:"running"`
	Connected              bool   `json:"connected"`
	Connection             string `json:"connection"`
	State                  string `json:"state"`
	ConsecutiveUnavailable int    `json:"consecutive_unavailable"`
	LastCycleOK            *bool  `json:"last_cycle_ok,omitempty"`
}

// HealthCheck returns the current health status
func (o *Orchestrator) HealthCheck() HealthStatus {
	snap := o.Snapshot()

	status := HealthStatus{
		Status:                 "healthy",
		UptimeSeconds:          snap.UptimeSeconds,
		Running:                snap.Running,
		Connected:              o.channel.Ready(),
		Connection:             snap.Connection,
		State:                  snap.State,
		ConsecutiveUnavailable: snap.ConsecutiveUnavailable,
	}
	if snap.Last != nil {
		ok := snap.Last.State == StateSuccess.String()
		status.LastCycleOK = &ok
	}

	switch {
	case !snap.Running:
		status.Status = "unhealthy"
	case snap.ConsecutiveUnavailable > 0 || !status.Connected:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health (process is alive)
func (o *Orchestrator) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	o.mu.RLock()
	uptime := int64(0)
	if o.running {
		uptime = int64(o.now().Sub(o.started).Seconds())
	}
	o.mu.RUnlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": uptime,
	})
}

// ReadinessHandler handles /readiness. Returns 503 only when unhealthy;
// a degraded node is still ready.
func (o *Orchestrator) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := o.HealthCheck()
	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// StatusHandler handles /status with the full snapshot
func (o *Orchestrator) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(o.Snapshot())
}

// Handler returns the mux serving the health endpoints
func (o *Orchestrator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", o.LivenessHandler)
	mux.HandleFunc("/readiness", o.ReadinessHandler)
	mux.HandleFunc("/status", o.StatusHandler)
	return mux
}

// StartHealthServer starts the HTTP health server on addr in a separate
// goroutine. The returned server is used for shutdown.
func (o *Orchestrator) StartHealthServer(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      o.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health check server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/status"},
	)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return server, nil
}
