package core

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/care/parking/internal/audit"
	"github.com/care/parking/internal/clock"
	"github.com/care/parking/internal/config"
	"github.com/care/parking/internal/emitter"
	"github.com/care/parking/internal/geometry"
	"github.com/care/parking/internal/perception"
	"github.com/care/parking/internal/settlement"
)

// fakeBus records publishes and lets tests inject inbound messages.
type fakeBus struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]emitter.MessageHandler
	published map[string][][]byte
	connErr   error
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers:  make(map[string]emitter.MessageHandler),
		published: make(map[string][][]byte),
	}
}

func (b *fakeBus) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connErr != nil {
		return b.connErr
	}
	b.connected = true
	return nil
}

func (b *fakeBus) Publish(topic string, payload []byte, _ byte, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic] = append(b.published[topic], payload)
	return nil
}

func (b *fakeBus) Subscribe(topic string, _ byte, h emitter.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = h
	return nil
}

func (b *fakeBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	return nil
}

func (b *fakeBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *fakeBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBus) deliver(t *testing.T, topic string, payload string) {
	t.Helper()
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	if h == nil {
		t.Fatalf("no subscription on %s", topic)
	}
	h(topic, []byte(payload))
}

func (b *fakeBus) lastPublished(topic string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.published[topic]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// chanSource is a perception source fed directly by the test.
type chanSource struct {
	ch      chan perception.Observation
	mu      sync.Mutex
	running bool
	once    sync.Once
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan perception.Observation)}
}

func (c *chanSource) Start(context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	return nil
}

func (c *chanSource) Observations() <-chan perception.Observation { return c.ch }

func (c *chanSource) Stop() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(c.ch)
	})
	return nil
}

func (c *chanSource) Stats() perception.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return perception.Stats{Running: c.running}
}

// countingBackend counts calls per outcome.
type countingBackend struct {
	mu      sync.Mutex
	calls   map[settlement.Outcome][]int64
	pingErr error
	called  chan struct{}
}

func newCountingBackend() *countingBackend {
	return &countingBackend{
		calls:  make(map[settlement.Outcome][]int64),
		called: make(chan struct{}, 16),
	}
}

func (b *countingBackend) Name() string { return "counting" }

func (b *countingBackend) Ping(context.Context) error { return b.pingErr }

func (b *countingBackend) ConfirmArrival(_ context.Context, id int64) (settlement.TxHandle, error) {
	return b.record(settlement.ConfirmArrival, id)
}

func (b *countingBackend) FinalizeNoShow(_ context.Context, id int64) (settlement.TxHandle, error) {
	return b.record(settlement.FinalizeNoShow, id)
}

func (b *countingBackend) record(o settlement.Outcome, id int64) (settlement.TxHandle, error) {
	b.mu.Lock()
	b.calls[o] = append(b.calls[o], id)
	b.mu.Unlock()
	b.called <- struct{}{}
	return "0xtx", nil
}

func (b *countingBackend) count(o settlement.Outcome) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls[o])
}

const lotGeometry = `[
  {"points": [[100,100],[110,100],[110,110],[100,110]]},
  {"points": [[200,200],[210,200],[210,210],[200,210]]},
  {"points": [[0,0],[10,0],[10,10],[0,10]]}
]`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	geoPath := filepath.Join(dir, "slots.json")
	if err := os.WriteFile(geoPath, []byte(lotGeometry), 0o644); err != nil {
		t.Fatalf("write geometry: %v", err)
	}
	cfg, err := config.Parse([]byte("instance_id: lot-test\ngeometry:\n  path: " + geoPath + "\nmqtt:\n  topics:\n    status: city/parking/status\n"))
	if err != nil {
		t.Fatalf("config.Parse failed: %v", err)
	}
	return cfg
}

type harness struct {
	svc     *Service
	bus     *fakeBus
	source  *chanSource
	backend *countingBackend
	audit   *audit.Memory
	clock   *clock.Fake
	cancel  context.CancelFunc
	runErr  chan error
}

func start(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:     newFakeBus(),
		source:  newChanSource(),
		backend: newCountingBackend(),
		audit:   audit.NewMemory(),
		clock:   clock.NewFake(time.Unix(1_700_000_000, 0)),
		runErr:  make(chan error, 1),
	}

	svc, err := NewService(context.Background(), testConfig(t),
		WithBus(h.bus),
		WithSource(h.source),
		WithBackend(h.backend),
		WithRecorder(h.audit),
		WithClock(h.clock),
	)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	h.svc = svc

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- svc.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.bus.mu.Lock()
		_, ok := h.bus.handlers[config.DefaultReserveTopic]
		h.bus.mu.Unlock()
		if ok && h.source.Stats().Running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("service did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	if err := <-h.runErr; err != nil {
		t.Errorf("Run returned error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func (h *harness) observe(points ...geometry.Point) {
	h.source.ch <- perception.Observation{Seq: 1, Points: points}
}

func (h *harness) waitSettlement(t *testing.T) {
	t.Helper()
	select {
	case <-h.backend.called:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for settlement call")
	}
}

func TestServiceArrivalEndToEnd(t *testing.T) {
	h := start(t)

	h.bus.deliver(t, config.DefaultReserveTopic, `{"reservationId":7,"slot":"P3","deadline":1700000060}`)
	if h.svc.Ledger().Len() != 1 {
		t.Fatalf("Expected 1 pending reservation, got %d", h.svc.Ledger().Len())
	}

	h.observe(geometry.Point{X: 5, Y: 5})
	h.waitSettlement(t)

	// A second occupied tick must not settle again.
	h.observe(geometry.Point{X: 5, Y: 5})
	h.stop(t)

	if n := h.backend.count(settlement.ConfirmArrival); n != 1 {
		t.Errorf("Expected 1 confirmArrival, got %d", n)
	}
	if n := h.backend.count(settlement.FinalizeNoShow); n != 0 {
		t.Errorf("Expected no finalizeNoShow, got %d", n)
	}

	var events []audit.Event
	for _, rec := range h.audit.Records() {
		events = append(events, rec.Event)
	}
	if len(events) != 2 || events[0] != audit.EventArrived || events[1] != audit.EventSettled {
		t.Errorf("unexpected audit trail %v", events)
	}
}

func TestServiceNoShowEndToEnd(t *testing.T) {
	h := start(t)

	h.bus.deliver(t, config.DefaultReserveTopic, `{"reservationId":8,"slot":"P3","deadline":1700000060}`)

	h.observe()
	h.clock.Advance(61 * time.Second)
	h.observe()
	h.waitSettlement(t)
	h.stop(t)

	if n := h.backend.count(settlement.FinalizeNoShow); n != 1 {
		t.Errorf("Expected 1 finalizeNoShow, got %d", n)
	}
	if n := h.backend.count(settlement.ConfirmArrival); n != 0 {
		t.Errorf("Expected no confirmArrival, got %d", n)
	}
	if h.svc.Ledger().Len() != 0 {
		t.Errorf("Expected empty ledger, got %d", h.svc.Ledger().Len())
	}
}

func TestServiceMalformedMessageIgnored(t *testing.T) {
	h := start(t)

	h.bus.deliver(t, config.DefaultReserveTopic, `not json`)
	h.bus.deliver(t, config.DefaultReserveTopic, `{"slot":"P1"}`)
	h.stop(t)

	if h.svc.Ledger().Len() != 0 {
		t.Errorf("Expected malformed messages to leave ledger empty, got %d", h.svc.Ledger().Len())
	}
}

func TestServiceAvailabilityPublish(t *testing.T) {
	h := start(t)

	h.bus.deliver(t, config.DefaultReserveTopic, `{"reservationId":1,"slot":"P1","deadline":1700000600}`)
	h.observe(geometry.Point{X: 205, Y: 205})

	// The consumer is unbuffered: a second send returns once the first
	// tick has completed.
	h.observe(geometry.Point{X: 205, Y: 205})

	if err := h.svc.broadcaster.PublishOnce(); err != nil {
		t.Fatalf("PublishOnce failed: %v", err)
	}
	h.stop(t)

	var msg struct {
		FreeCount int      `json:"free_count"`
		FreeSlots []string `json:"free_slots"`
	}
	if err := json.Unmarshal(h.bus.lastPublished(config.DefaultFreeTopic), &msg); err != nil {
		t.Fatalf("invalid free message: %v", err)
	}
	if msg.FreeCount != 1 || len(msg.FreeSlots) != 1 || msg.FreeSlots[0] != "P3" {
		t.Errorf("Expected only P3 free, got %+v", msg)
	}
	if h.bus.lastPublished("city/parking/status") == nil {
		t.Error("Expected status message")
	}
}

func TestServiceRunFailsWhenBackendUnreachable(t *testing.T) {
	backend := newCountingBackend()
	backend.pingErr = errors.New("connection refused")

	svc, err := NewService(context.Background(), testConfig(t),
		WithBus(newFakeBus()),
		WithSource(newChanSource()),
		WithBackend(backend),
		WithRecorder(audit.NewMemory()),
	)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	if err := svc.Run(context.Background()); err == nil {
		t.Fatal("Expected Run to fail when backend ping fails")
	}
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown after failed Run: %v", err)
	}
}

func TestServiceRunFailsWhenBrokerUnreachable(t *testing.T) {
	bus := newFakeBus()
	bus.connErr = errors.New("mqtt connection timeout")

	svc, err := NewService(context.Background(), testConfig(t),
		WithBus(bus),
		WithSource(newChanSource()),
		WithBackend(newCountingBackend()),
		WithRecorder(audit.NewMemory()),
	)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	err = svc.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "mqtt") {
		t.Fatalf("Expected mqtt error, got %v", err)
	}
	svc.Shutdown(context.Background())
}

func TestNewServiceMissingGeometry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Geometry.Path = filepath.Join(t.TempDir(), "missing.json")

	if _, err := NewService(context.Background(), cfg, WithBus(newFakeBus())); err == nil {
		t.Fatal("Expected error for missing geometry")
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := start(t)
	h.bus.deliver(t, config.DefaultReserveTopic, `{"reservationId":3,"slot":"P2","deadline":1700000600}`)

	rr := httptest.NewRecorder()
	h.svc.ReadinessHandler(rr, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200 from readiness, got %d", rr.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid readiness body: %v", err)
	}
	if status.Status != "healthy" || status.PendingReservations != 1 || !status.MQTTConnected {
		t.Errorf("unexpected health %+v", status)
	}

	rr = httptest.NewRecorder()
	h.svc.MetricsHandler(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `parking_reservations_pending{instance="lot-test"} 1`) {
		t.Errorf("metrics missing pending gauge:\n%s", rr.Body.String())
	}

	h.stop(t)

	rr = httptest.NewRecorder()
	h.svc.ReadinessHandler(rr, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after shutdown, got %d", rr.Code)
	}
}

func TestReadinessDegradedWhenPerceptionExits(t *testing.T) {
	h := start(t)
	defer h.stop(t)

	// Source ends on its own, as when the detector process dies.
	h.source.Stop()

	status := h.svc.HealthCheck()
	if status.Status != "degraded" || status.PerceptionRunning {
		t.Errorf("Expected degraded with perception stopped, got %+v", status)
	}

	rr := httptest.NewRecorder()
	h.svc.ReadinessHandler(rr, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200 for degraded readiness, got %d", rr.Code)
	}
}

// closeCountingRecorder counts Close calls on the underlying store.
type closeCountingRecorder struct {
	*audit.Memory
	mu     sync.Mutex
	closes int
}

func (r *closeCountingRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

func (r *closeCountingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func TestCloseWithoutRunReleasesAuditLog(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	rec := &closeCountingRecorder{Memory: audit.NewMemory()}
	svc, err := NewService(context.Background(), testConfig(t),
		WithBus(newFakeBus()),
		WithSource(newChanSource()),
		WithBackend(newCountingBackend()),
		WithRecorder(rec),
	)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	if err := svc.StartHealthServer(busy.Addr().String()); err == nil {
		t.Fatal("Expected error when health address is in use")
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("Expected audit log closed once, got %d", rec.count())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown after Close: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("Expected no second close, got %d", rec.count())
	}
}
