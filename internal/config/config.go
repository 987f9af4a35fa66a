package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete parkingd configuration
type Config struct {
	InstanceID       string             `yaml:"instance_id"`
	ShutdownTimeoutS int                `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 10)
	Geometry         GeometryConfig     `yaml:"geometry"`
	Perception       PerceptionConfig   `yaml:"perception"`
	MQTT             MQTTConfig         `yaml:"mqtt"`
	Availability     AvailabilityConfig `yaml:"availability"`
	Settlement       SettlementConfig   `yaml:"settlement"`
	Reservations     ReservationsConfig `yaml:"reservations"`
	Audit            AuditConfig        `yaml:"audit"`
	Health           HealthConfig       `yaml:"health"`
}

// GeometryConfig locates the slot polygons
type GeometryConfig struct {
	Path       string `yaml:"path"`
	NamePrefix string `yaml:"name_prefix"` // default "P"
}

// PerceptionConfig selects the occupancy source
type PerceptionConfig struct {
	Mode       string        `yaml:"mode"`    // mock, detector
	Command    string        `yaml:"command"` // detector executable
	Args       []string      `yaml:"args"`
	Confidence float64       `yaml:"confidence"`
	FPS        int           `yaml:"fps"`
	Script     [][][]float64 `yaml:"script"` // mock: list of point sets, each [[x,y],...]
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string          `yaml:"broker"`
	ClientID string          `yaml:"client_id"`
	Username string          `yaml:"username"`
	Password string          `yaml:"password"`
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Reserve string `yaml:"reserve"`
	Free    string `yaml:"free"`
	Status  string `yaml:"status"` // optional retained coloring
}

// AvailabilityConfig controls the free-slot broadcast
type AvailabilityConfig struct {
	Schedule string `yaml:"schedule"` // cron spec, e.g. "@every 3s"
}

// SettlementConfig selects and configures the settlement backend
type SettlementConfig struct {
	Mode        string `yaml:"mode"` // dryrun, gateway
	URL         string `yaml:"url"`
	ChainID     int64  `yaml:"chain_id"`
	Contract    string `yaml:"contract"`
	From        string `yaml:"from"`
	APIKey      string `yaml:"api_key"`
	TimeoutS    int    `yaml:"timeout_s"`
	MaxInFlight int    `yaml:"max_in_flight"`
}

// ReservationsConfig holds admission policy
type ReservationsConfig struct {
	DoubleBooking string `yaml:"double_booking"` // allow, reject
}

// AuditConfig locates the audit log
type AuditConfig struct {
	DSN       string `yaml:"dsn"` // "", sqlite:<path>, postgres://...
	QueueSize int    `yaml:"queue_size"`
}

// HealthConfig configures the HTTP health server
type HealthConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// Load reads and parses a YAML configuration file, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv overrides endpoints and secrets from the environment so they
// need not live in the config file
func ApplyEnv(cfg *Config) {
	cfg.MQTT.Broker = getenv("PARKING_MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Password = getenv("PARKING_MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.Settlement.URL = getenv("PARKING_SETTLEMENT_URL", cfg.Settlement.URL)
	cfg.Settlement.APIKey = getenv("PARKING_SETTLEMENT_KEY", cfg.Settlement.APIKey)
	cfg.Audit.DSN = getenv("PARKING_AUDIT_DSN", cfg.Audit.DSN)
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
