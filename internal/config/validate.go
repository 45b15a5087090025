// internal/config/validate.go
package config

import (
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// maxMirrorSlot is the last slot whose block still fits in 16-bit
// register address space.
const maxMirrorSlot = 65536/20 - 1

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}

	// ------------------------------------------------------------
	// BRIDGE
	// ------------------------------------------------------------

	p := cfg.Bridge.TopicPrefix
	if strings.ContainsAny(p, "+#") || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return fmt.Errorf("bridge: topic_prefix %q must not contain wildcards or leading/trailing '/'", p)
	}
	if a := cfg.Bridge.SourceAddress; a != nil && *a > 253 {
		return fmt.Errorf("bridge: source_address %d is reserved", *a)
	}
	if cfg.Bridge.EventDeadTimeMs < 0 {
		return fmt.Errorf("bridge: event_dead_time_ms must be >= 0")
	}
	for _, s := range cfg.Bridge.Subscriptions {
		dev, param, ok := strings.Cut(s, "/")
		if !ok || dev == "" || param == "" || strings.Contains(param, "/") {
			return fmt.Errorf("bridge: subscription %q must look like <device-glob>/<param>", s)
		}
		if _, err := path.Match(s, ""); err != nil {
			return fmt.Errorf("bridge: subscription %q: %w", s, err)
		}
	}

	// ------------------------------------------------------------
	// TIMING
	// ------------------------------------------------------------

	t := cfg.Timing
	for _, f := range []struct {
		name string
		v    int
	}{
		{"poll_interval_ms", t.PollIntervalMs},
		{"rerequest_timeout_ms", t.RerequestTimeoutMs},
		{"response_timeout_ms", t.ResponseTimeoutMs},
		{"request_tries", t.RequestTries},
		{"identify_window_ms", t.IdentifyWindowMs},
		{"identify_recv_ms", t.IdentifyRecvMs},
		{"identify_retries", t.IdentifyRetries},
		{"ppn_cycle_skips", t.PPNCycleSkips},
		{"ppn_request_timeout_ms", t.PPNRequestTimeoutMs},
		{"ppn_request_tries", t.PPNRequestTries},
		{"ppn_command_timeout_ms", t.PPNCommandTimeoutMs},
		{"ppn_command_tries", t.PPNCommandTries},
	} {
		if f.v < 0 {
			return fmt.Errorf("timing: %s must be >= 0, got %d", f.name, f.v)
		}
	}
	if t.IdentifyRecvMs > 0 && t.IdentifyWindowMs > 0 && t.IdentifyRecvMs > t.IdentifyWindowMs {
		return fmt.Errorf("timing: identify_recv_ms (%d) exceeds identify_window_ms (%d)", t.IdentifyRecvMs, t.IdentifyWindowMs)
	}

	// ------------------------------------------------------------
	// ARBITRATION
	// ------------------------------------------------------------

	if cfg.Arbitration.WindowTicks < 0 {
		return fmt.Errorf("arbitration: window_ticks must be >= 0")
	}
	if cfg.Arbitration.TickMs < 0 {
		return fmt.Errorf("arbitration: tick_ms must be >= 0")
	}

	// ------------------------------------------------------------
	// CAN
	// ------------------------------------------------------------

	if cfg.CAN.NodeTimeoutMs < 0 {
		return fmt.Errorf("can: node_timeout_ms must be >= 0")
	}

	// ------------------------------------------------------------
	// BUS
	// ------------------------------------------------------------

	switch cfg.Bus.Backend {
	case "", BackendMQTT, BackendNATS:
	default:
		return fmt.Errorf("bus: unknown backend %q (want %q or %q)", cfg.Bus.Backend, BackendMQTT, BackendNATS)
	}
	if cfg.Bus.MQTT.QoS > 2 {
		return fmt.Errorf("bus: mqtt qos %d out of range", cfg.Bus.MQTT.QoS)
	}
	if cfg.Bus.MQTT.KeepAliveS < 0 || cfg.Bus.MQTT.ConnectTimeoutS < 0 {
		return fmt.Errorf("bus: mqtt durations must be >= 0")
	}

	// ------------------------------------------------------------
	// LOGGING
	// ------------------------------------------------------------

	if lvl := cfg.Logging.Level; lvl != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(lvl)); err != nil {
			return fmt.Errorf("logging: level %q: %w", lvl, err)
		}
	}

	// ------------------------------------------------------------
	// STATUS MIRROR (OPT-IN)
	// ------------------------------------------------------------

	return validateMirror(cfg.StatusMirror)
}

func validateMirror(m *StatusMirrorConfig) error {
	if m == nil {
		return nil
	}
	if m.Endpoint == "" {
		return fmt.Errorf("status_mirror: endpoint required")
	}
	switch m.Protocol {
	case "", ProtocolModbus, ProtocolIngest:
	default:
		return fmt.Errorf("status_mirror: unknown protocol %q", m.Protocol)
	}
	if m.TimeoutMs < 0 {
		return fmt.Errorf("status_mirror: timeout_ms must be >= 0")
	}
	if len(m.Devices) == 0 {
		return fmt.Errorf("status_mirror: at least one device required")
	}

	slotOwner := make(map[uint16]string)
	names := make(map[string]bool)

	for _, d := range m.Devices {
		if d.Name == "" {
			return fmt.Errorf("status_mirror: device at slot %d has no name", d.Slot)
		}
		for i := 0; i < len(d.Name); i++ {
			if d.Name[i] > 0x7F {
				return fmt.Errorf("status_mirror: device %q: name must contain ASCII characters only", d.Name)
			}
		}
		if names[d.Name] {
			return fmt.Errorf("status_mirror: device %q listed twice", d.Name)
		}
		names[d.Name] = true

		if d.Slot > maxMirrorSlot {
			return fmt.Errorf("status_mirror: device %q: slot %d exceeds %d", d.Name, d.Slot, maxMirrorSlot)
		}
		if prev, exists := slotOwner[d.Slot]; exists {
			return fmt.Errorf(
				"status_mirror: slot collision: endpoint=%s unit_id=%d slot=%d used by %q and %q",
				m.Endpoint, m.UnitID, d.Slot, prev, d.Name,
			)
		}
		slotOwner[d.Slot] = d.Name
	}
	return nil
}
