package config

import (
	"fmt"
	"regexp"

	"github.com/robfig/cron/v3"
)

var (
	instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)
	namePrefixPattern = regexp.MustCompile(`^[A-Za-z]$`)
)

// Defaults applied by Validate.
const (
	DefaultReserveTopic = "city/parking/reserved"
	DefaultFreeTopic    = "city/parking/free"
	DefaultSchedule     = "@every 3s"
	DefaultChainID      = 1076
)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		cfg.InstanceID = "parkingd"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 10
	}

	// Geometry
	if cfg.Geometry.Path == "" {
		return fmt.Errorf("geometry.path is required")
	}
	if cfg.Geometry.NamePrefix == "" {
		cfg.Geometry.NamePrefix = "P"
	}
	if !namePrefixPattern.MatchString(cfg.Geometry.NamePrefix) {
		return fmt.Errorf("geometry.name_prefix must be a single letter, got %q", cfg.Geometry.NamePrefix)
	}

	if err := validatePerception(&cfg.Perception); err != nil {
		return fmt.Errorf("perception: %w", err)
	}

	// MQTT
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "localhost:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.InstanceID
	}
	if cfg.MQTT.Topics.Reserve == "" {
		cfg.MQTT.Topics.Reserve = DefaultReserveTopic
	}
	if cfg.MQTT.Topics.Free == "" {
		cfg.MQTT.Topics.Free = DefaultFreeTopic
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{}
	}
	for _, key := range []string{"reserve", "free", "status"} {
		if _, ok := cfg.MQTT.QoS[key]; !ok {
			cfg.MQTT.QoS[key] = 1
		}
	}
	for key, qos := range cfg.MQTT.QoS {
		if qos > 2 {
			return fmt.Errorf("mqtt.qos.%s must be 0, 1 or 2, got %d", key, qos)
		}
	}

	// Availability
	if cfg.Availability.Schedule == "" {
		cfg.Availability.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(cfg.Availability.Schedule); err != nil {
		return fmt.Errorf("availability.schedule: %w", err)
	}

	if err := validateSettlement(&cfg.Settlement); err != nil {
		return fmt.Errorf("settlement: %w", err)
	}

	switch cfg.Reservations.DoubleBooking {
	case "":
		cfg.Reservations.DoubleBooking = "allow"
	case "allow", "reject":
	default:
		return fmt.Errorf("reservations.double_booking must be 'allow' or 'reject', got %q", cfg.Reservations.DoubleBooking)
	}

	if cfg.Audit.QueueSize <= 0 {
		cfg.Audit.QueueSize = 256
	}

	return nil
}

func validatePerception(p *PerceptionConfig) error {
	if p.FPS <= 0 {
		p.FPS = 1
	}

	switch p.Mode {
	case "", "mock":
		p.Mode = "mock"
		for i, set := range p.Script {
			for j, pt := range set {
				if len(pt) != 2 {
					return fmt.Errorf("script[%d] point %d must be [x,y], got %v", i, j, pt)
				}
			}
		}
	case "detector":
		if p.Command == "" {
			return fmt.Errorf("command is required in detector mode")
		}
		if p.Confidence <= 0 {
			p.Confidence = 0.5
		}
	default:
		return fmt.Errorf("unknown mode %q (must be 'mock' or 'detector')", p.Mode)
	}
	return nil
}

func validateSettlement(s *SettlementConfig) error {
	if s.TimeoutS <= 0 {
		s.TimeoutS = 60
	}
	if s.MaxInFlight <= 0 {
		s.MaxInFlight = 1
	}
	if s.ChainID == 0 {
		s.ChainID = DefaultChainID
	}

	switch s.Mode {
	case "", "dryrun":
		s.Mode = "dryrun"
	case "gateway":
		if s.URL == "" {
			return fmt.Errorf("url is required in gateway mode")
		}
	default:
		return fmt.Errorf("unknown mode %q (must be 'dryrun' or 'gateway')", s.Mode)
	}
	return nil
}
