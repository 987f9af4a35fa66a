package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("geometry:\n  path: slots.json\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.InstanceID != "parkingd" {
		t.Errorf("Expected default instance id, got %q", cfg.InstanceID)
	}
	if cfg.MQTT.Broker != "localhost:1883" {
		t.Errorf("Expected default broker, got %q", cfg.MQTT.Broker)
	}
	if cfg.MQTT.Topics.Reserve != DefaultReserveTopic || cfg.MQTT.Topics.Free != DefaultFreeTopic {
		t.Errorf("unexpected default topics %+v", cfg.MQTT.Topics)
	}
	if cfg.MQTT.Topics.Status != "" {
		t.Errorf("Expected status topic disabled by default, got %q", cfg.MQTT.Topics.Status)
	}
	if cfg.Availability.Schedule != DefaultSchedule {
		t.Errorf("Expected schedule %q, got %q", DefaultSchedule, cfg.Availability.Schedule)
	}
	if cfg.Settlement.Mode != "dryrun" || cfg.Settlement.ChainID != DefaultChainID || cfg.Settlement.MaxInFlight != 1 {
		t.Errorf("unexpected settlement defaults %+v", cfg.Settlement)
	}
	if cfg.Perception.Mode != "mock" || cfg.Perception.FPS != 1 {
		t.Errorf("unexpected perception defaults %+v", cfg.Perception)
	}
	if cfg.Reservations.DoubleBooking != "allow" {
		t.Errorf("Expected allow, got %q", cfg.Reservations.DoubleBooking)
	}
	if cfg.MQTT.QoS["reserve"] != 1 || cfg.MQTT.QoS["free"] != 1 {
		t.Errorf("unexpected qos %v", cfg.MQTT.QoS)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing geometry", "instance_id: lot-a\n", "geometry.path"},
		{"bad instance id", "instance_id: Lot A\ngeometry: {path: x}\n", "instance_id"},
		{"bad prefix", "geometry: {path: x, name_prefix: P1}\n", "name_prefix"},
		{"bad schedule", "geometry: {path: x}\navailability: {schedule: every three}\n", "availability.schedule"},
		{"gateway without url", "geometry: {path: x}\nsettlement: {mode: gateway}\n", "url is required"},
		{"detector without command", "geometry: {path: x}\nperception: {mode: detector}\n", "command is required"},
		{"bad policy", "geometry: {path: x}\nreservations: {double_booking: first}\n", "double_booking"},
		{"bad qos", "geometry: {path: x}\nmqtt: {qos: {free: 3}}\n", "qos"},
		{"bad script point", "geometry: {path: x}\nperception: {script: [[[1,2,3]]]}\n", "script"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARKING_MQTT_BROKER", "broker.internal:1883")
	t.Setenv("PARKING_SETTLEMENT_URL", "https://gw.internal")
	t.Setenv("PARKING_SETTLEMENT_KEY", "s3cret")
	t.Setenv("PARKING_AUDIT_DSN", "sqlite:/tmp/audit.db")

	cfg, err := Parse([]byte("geometry: {path: x}\nmqtt: {broker: localhost:1883}\nsettlement: {mode: gateway}\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.MQTT.Broker != "broker.internal:1883" {
		t.Errorf("broker not overridden: %q", cfg.MQTT.Broker)
	}
	if cfg.Settlement.URL != "https://gw.internal" || cfg.Settlement.APIKey != "s3cret" {
		t.Errorf("settlement not overridden: %+v", cfg.Settlement)
	}
	if cfg.Audit.DSN != "sqlite:/tmp/audit.db" {
		t.Errorf("audit dsn not overridden: %q", cfg.Audit.DSN)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parkingd.yaml")
	data := `
instance_id: lot-a
geometry:
  path: slots.json
perception:
  mode: mock
  fps: 2
  script:
    - [[5, 5]]
    - []
mqtt:
  topics:
    status: city/parking/status
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Perception.Script) != 2 || len(cfg.Perception.Script[1]) != 0 {
		t.Errorf("unexpected script %v", cfg.Perception.Script)
	}
	if cfg.MQTT.ClientID != "lot-a" {
		t.Errorf("Expected client id from instance id, got %q", cfg.MQTT.ClientID)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
