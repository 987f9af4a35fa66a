package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// SettlementHealth contains dispatcher counters
type SettlementHealth struct {
	Backend   string `json:"backend"`
	Submitted uint64 `json:"submitted"`
	InFlight  int64  `json:"in_flight"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
}

// HealthStatus represents the health state of the parking service
type HealthStatus struct {
	Status              string           `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds       int64            `json:"uptime_seconds"`
	MQTTConnected       bool             `json:"mqtt_connected"`
	PerceptionRunning   bool             `json:"perception_running"`
	PendingReservations int              `json:"pending_reservations"`
	Ticks               uint64           `json:"ticks"`
	LastTickAt          *time.Time       `json:"last_tick_at,omitempty"`
	FreeSlots           int              `json:"free_slots"`
	Settlement          SettlementHealth `json:"settlement"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	loopStats := s.loop.Stats()
	dispStats := s.dispatcher.Stats()

	status := HealthStatus{
		Status:              "healthy",
		MQTTConnected:       s.bus.IsConnected(),
		PerceptionRunning:   s.source.Stats().Running,
		PendingReservations: s.ledger.Len(),
		Ticks:               loopStats.Ticks,
		Settlement: SettlementHealth{
			Backend:   dispStats.Backend,
			Submitted: dispStats.Submitted,
			InFlight:  dispStats.InFlight,
			Succeeded: dispStats.Succeeded,
			Failed:    dispStats.Failed,
		},
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if !loopStats.LastTick.IsZero() {
		t := loopStats.LastTick
		status.LastTickAt = &t
	}
	if c, ok := s.loop.Latest(); ok {
		status.FreeSlots = len(c.Free())
	}

	// Determine overall health status
	if !running {
		status.Status = "unhealthy"
	} else if !status.MQTTConnected || !status.PerceptionRunning {
		status.Status = "degraded"
	}

	return status
}

// LivenessHandler handles /health endpoint (simple liveness check)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check)
// Returns 503 when the service is not running
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics endpoint in text exposition format
func (s *Service) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	loopStats := s.loop.Stats()
	dispStats := s.dispatcher.Stats()
	intakeStats := s.intake.Stats()
	srcStats := s.source.Stats()
	pubStats := s.broadcaster.Stats()
	inst := s.cfg.InstanceID

	metric := func(name string, value any) {
		fmt.Fprintf(w, "%s{instance=%q} %v\n", name, inst, value)
	}

	w.WriteHeader(http.StatusOK)
	metric("parking_reservations_pending", s.ledger.Len())
	metric("parking_intake_accepted_total", intakeStats.Accepted)
	metric("parking_intake_replaced_total", intakeStats.Replaced)
	metric("parking_intake_rejected_total", intakeStats.Rejected)
	metric("parking_reconcile_ticks_total", loopStats.Ticks)
	metric("parking_reservations_arrived_total", loopStats.Arrived)
	metric("parking_reservations_expired_total", loopStats.Expired)
	metric("parking_reservations_dropped_total", loopStats.Dropped)
	metric("parking_settlement_submitted_total", dispStats.Submitted)
	metric("parking_settlement_succeeded_total", dispStats.Succeeded)
	metric("parking_settlement_failed_total", dispStats.Failed)
	metric("parking_settlement_in_flight", dispStats.InFlight)
	metric("parking_perception_observations_total", srcStats.Emitted)
	metric("parking_perception_dropped_total", srcStats.Dropped)
	metric("parking_availability_published_total", pubStats.Published)
	metric("parking_availability_failed_total", pubStats.Failed)
}

// Handler returns the health mux
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)
	return mux
}

// StartHealthServer starts the HTTP health check server on addr.
// The listener is bound before returning; serving runs in a goroutine.
func (s *Service) StartHealthServer(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}

	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.healthSrv = server
	s.mu.Unlock()

	slog.Info("starting health check server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
