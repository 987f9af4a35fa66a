package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/care/parking/internal/audit"
	"github.com/care/parking/internal/availability"
	"github.com/care/parking/internal/clock"
	"github.com/care/parking/internal/config"
	"github.com/care/parking/internal/emitter"
	"github.com/care/parking/internal/geometry"
	"github.com/care/parking/internal/intake"
	"github.com/care/parking/internal/ledger"
	"github.com/care/parking/internal/perception"
	"github.com/care/parking/internal/reconcile"
	"github.com/care/parking/internal/settlement"
)

// Service is the parking reconciliation orchestrator. It owns the
// reservation ledger for its whole lifetime.
type Service struct {
	cfg *config.Config

	// Core components
	store       *geometry.Store
	ledger      *ledger.Ledger
	intake      *intake.Handler
	loop        *reconcile.Loop
	dispatcher  *settlement.Dispatcher
	backend     settlement.Backend
	recorder    audit.Recorder
	bus         Bus
	source      perception.Source
	broadcaster *availability.Broadcaster
	clock       clock.Clock

	// Lifecycle management
	started    time.Time
	mu         sync.RWMutex
	wg         sync.WaitGroup
	isRunning  bool
	subscribed bool
	healthSrv  *http.Server
	closeOnce  sync.Once
	closeErr   error
}

// Option overrides a default dependency
type Option func(*Service)

// WithBus replaces the MQTT emitter
func WithBus(b Bus) Option {
	return func(s *Service) { s.bus = b }
}

// WithBackend replaces the configured settlement backend
func WithBackend(b settlement.Backend) Option {
	return func(s *Service) { s.backend = b }
}

// WithSource replaces the configured perception source
func WithSource(src perception.Source) Option {
	return func(s *Service) { s.source = src }
}

// WithRecorder replaces the audit store selected by audit.dsn
func WithRecorder(r audit.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// NewService builds every component from cfg. Nothing connects until Run.
func NewService(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	store, err := geometry.Load(cfg.Geometry.Path, cfg.Geometry.NamePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load geometry: %w", err)
	}

	policy, err := ledger.ParsePolicy(cfg.Reservations.DoubleBooking)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		store:  store,
		ledger: ledger.New(policy),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.bus == nil {
		s.bus = emitter.NewMQTTEmitter(cfg.MQTT)
	}
	if s.backend == nil {
		if s.backend, err = newBackend(cfg.Settlement); err != nil {
			return nil, fmt.Errorf("failed to create settlement backend: %w", err)
		}
	}
	if s.source == nil {
		s.source = newSource(cfg.Perception)
	}

	rec := s.recorder
	if rec == nil {
		if rec, err = audit.Open(ctx, cfg.Audit.DSN); err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}
	s.recorder = audit.NewAsync(rec, cfg.Audit.QueueSize)

	s.dispatcher = settlement.NewDispatcher(s.backend, s.recorder, settlement.DispatcherConfig{
		MaxInFlight: cfg.Settlement.MaxInFlight,
		Timeout:     time.Duration(cfg.Settlement.TimeoutS) * time.Second,
	})
	s.loop = reconcile.NewLoop(s.store, s.ledger, s.dispatcher, s.recorder, s.clock)
	s.intake = intake.NewHandler(s.ledger, s.clock)

	s.broadcaster, err = availability.New(availability.Config{
		Schedule:    cfg.Availability.Schedule,
		FreeTopic:   cfg.MQTT.Topics.Free,
		FreeQoS:     cfg.MQTT.QoS["free"],
		StatusTopic: cfg.MQTT.Topics.Status,
		StatusQoS:   cfg.MQTT.QoS["status"],
	}, s.bus, s.loop)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create availability broadcaster: %w", err)
	}

	slog.Info("parking service configured",
		"instance_id", cfg.InstanceID,
		"slots", store.Len(),
		"double_booking", policy,
		"settlement", s.backend.Name(),
		"perception", cfg.Perception.Mode,
	)

	return s, nil
}

func newBackend(cfg config.SettlementConfig) (settlement.Backend, error) {
	switch cfg.Mode {
	case "gateway":
		return settlement.NewGatewayClient(settlement.GatewayConfig{
			URL:      cfg.URL,
			ChainID:  cfg.ChainID,
			Contract: cfg.Contract,
			From:     cfg.From,
			APIKey:   cfg.APIKey,
			Timeout:  time.Duration(cfg.TimeoutS) * time.Second,
		})
	default:
		return settlement.DryRun{}, nil
	}
}

func newSource(cfg config.PerceptionConfig) perception.Source {
	if cfg.Mode == "detector" {
		return perception.NewDetectorProcess(perception.DetectorConfig{
			Command:    cfg.Command,
			Args:       cfg.Args,
			Confidence: cfg.Confidence,
		})
	}
	return perception.NewMockSource(cfg.Script, cfg.FPS)
}

// Run connects every dependency and blocks until ctx is cancelled.
// Failure to reach the settlement backend or the broker is fatal.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	slog.Info("parking service starting", "instance_id", s.cfg.InstanceID)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := s.backend.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to reach settlement backend: %w", err)
	}

	if err := s.bus.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	if err := s.bus.Subscribe(s.cfg.MQTT.Topics.Reserve, s.cfg.MQTT.QoS["reserve"], s.intake.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to reservations: %w", err)
	}
	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()

	if err := s.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start perception: %w", err)
	}

	// Start reconcile consumer
	s.wg.Add(1)
	go s.consumeObservations(ctx)

	s.broadcaster.Start()

	slog.Info("parking service running",
		"reserve_topic", s.cfg.MQTT.Topics.Reserve,
		"free_topic", s.cfg.MQTT.Topics.Free,
	)

	// Wait for context cancellation
	<-ctx.Done()

	slog.Info("parking service run loop exiting")
	return nil
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return s.Close()
	}
	subscribed := s.subscribed
	s.mu.Unlock()

	slog.Info("shutting down parking service")

	// 1. Stop the broadcaster (reads the latest coloring)
	s.broadcaster.Stop()

	// 2. Stop perception, no more ticks
	if err := s.source.Stop(); err != nil {
		slog.Error("failed to stop perception", "error", err)
	}

	// 3. Stop intake
	if subscribed {
		if err := s.bus.Unsubscribe(s.cfg.MQTT.Topics.Reserve); err != nil {
			slog.Error("failed to unsubscribe reservations", "error", err)
		}
	}

	// 4. Wait for the consumer to finish its tick
	s.wg.Wait()

	// 5. Drain settlements already decided
	var shutdownErr error
	if err := s.dispatcher.Wait(ctx); err != nil {
		slog.Error("settlement calls abandoned", "error", err)
		shutdownErr = err
	}

	// 6. Flush the audit log
	if err := s.Close(); err != nil {
		slog.Error("failed to close audit log", "error", err)
	}

	// 7. Disconnect MQTT
	if err := s.bus.Disconnect(); err != nil {
		slog.Error("failed to disconnect mqtt", "error", err)
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	srv := s.healthSrv
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("failed to stop health server", "error", err)
		}
	}

	slog.Info("parking service shutdown complete",
		"uptime", uptime,
		"pending_reservations", s.ledger.Len(),
	)

	return shutdownErr
}

// Close releases what NewService opened: it flushes and closes the audit
// log. Shutdown calls it; a caller that never reaches Run must call it
// itself. Repeated calls return the first result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.recorder.Close()
	})
	return s.closeErr
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := time.Duration(s.cfg.ShutdownTimeoutS) * time.Second
	if timeout == 0 {
		return 10 * time.Second
	}
	return timeout
}

// Ledger exposes the reservation ledger for inspection
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Store exposes the loaded geometry
func (s *Service) Store() *geometry.Store { return s.store }
