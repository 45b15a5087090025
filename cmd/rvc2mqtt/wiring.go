// cmd/rvc2mqtt/wiring.go
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/rvc2mqtt/internal/bridge"
	"github.com/tamzrod/rvc2mqtt/internal/bus"
	"github.com/tamzrod/rvc2mqtt/internal/bus/mqttbus"
	"github.com/tamzrod/rvc2mqtt/internal/bus/natsbus"
	"github.com/tamzrod/rvc2mqtt/internal/config"
	"github.com/tamzrod/rvc2mqtt/internal/device"
	"github.com/tamzrod/rvc2mqtt/internal/rvc/j1939"
	"github.com/tamzrod/rvc2mqtt/internal/rvc/socketcan"
)

// Fields of the bridge's own address claim.
const (
	mfgXantrex      = 119
	functionGateway = 130
	classNetwork    = 10
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// bridgeConfig maps a normalized config onto the coordinator's.
func bridgeConfig(cfg *config.Config) bridge.Config {
	bc := bridge.DefaultConfig()
	bc.Prefix = cfg.Bridge.TopicPrefix
	if cfg.Bridge.Subscriptions != nil {
		bc.Subscriptions = cfg.Bridge.Subscriptions
	}
	bc.EventDeadTime = ms(cfg.Bridge.EventDeadTimeMs)
	bc.Tick = ms(cfg.Arbitration.TickMs)
	bc.Window = cfg.Arbitration.WindowTicks
	if s := cfg.Arbitration.SentinelPriority; s != nil {
		bc.Sentinel = uint64(*s)
	}
	if cfg.Arbitration.VirtualModel != "" {
		bc.VirtualModel = cfg.Arbitration.VirtualModel
	}
	bc.Device = deviceConfig(cfg.Timing)
	return bc
}

func deviceConfig(t config.TimingConfig) device.Config {
	return device.Config{
		PollInterval:      ms(t.PollIntervalMs),
		RerequestTimeout:  ms(t.RerequestTimeoutMs),
		ResponseTimeout:   ms(t.ResponseTimeoutMs),
		RequestTries:      t.RequestTries,
		IdentifyWindow:    ms(t.IdentifyWindowMs),
		IdentifyRecv:      ms(t.IdentifyRecvMs),
		IdentifyRetries:   t.IdentifyRetries,
		PPNCycleSkips:     t.PPNCycleSkips,
		PPNRequestTimeout: ms(t.PPNRequestTimeoutMs),
		PPNRequestTries:   t.PPNRequestTries,
		PPNCommandTimeout: ms(t.PPNCommandTimeoutMs),
		PPNCommandTries:   t.PPNCommandTries,
	}
}

// socketcanConfig resolves the bridge's own identity.
func socketcanConfig(cfg *config.Config) socketcan.Config {
	id := cfg.Bridge.Identity
	model := readIdentity(id.ModelPath, id.Model)
	serial := readIdentity(id.SerialPath, id.Serial)

	return socketcan.Config{
		Interface: cfg.CAN.Interface,
		Identity: socketcan.Identity{
			Address: *cfg.Bridge.SourceAddress,
			Name:    j1939.NewName(uniqueNumber(serial), mfgXantrex, functionGateway, classNetwork, true),
			Make:    id.Make,
			Model:   model,
			Serial:  serial,
		},
		NodeTimeout: ms(cfg.CAN.NodeTimeoutMs),
	}
}

// readIdentity returns the trimmed content of path, or fallback when the
// path is unset, unreadable or empty.
func readIdentity(path, fallback string) string {
	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	// device-tree strings are NUL terminated
	v := strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
	if v == "" {
		return fallback
	}
	return v
}

// uniqueNumber takes the trailing digits of serial as the 21-bit NAME
// identity number.
func uniqueNumber(serial string) uint32 {
	i := len(serial)
	for i > 0 && serial[i-1] >= '0' && serial[i-1] <= '9' {
		i--
	}
	n, err := strconv.ParseUint(serial[i:], 10, 64)
	if err != nil {
		return 1
	}
	return uint32(n & 0x1FFFFF)
}

// openBus connects the configured backend. The bridge status topic is the
// will/online topic on both.
func openBus(cfg *config.Config, log zerolog.Logger) (bus.Bus, error) {
	status := bus.StatusTopic(cfg.Bridge.TopicPrefix)

	switch cfg.Bus.Backend {
	case config.BackendMQTT:
		m := cfg.Bus.MQTT
		c, err := mqttbus.Connect(mqttbus.Config{
			Broker:         m.Broker,
			ClientID:       m.ClientID,
			Username:       m.Username,
			Password:       m.Password,
			QoS:            m.QoS,
			KeepAlive:      time.Duration(m.KeepAliveS) * time.Second,
			ConnectTimeout: time.Duration(m.ConnectTimeoutS) * time.Second,
			StatusTopic:    status,
		}, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendNATS:
		c, err := natsbus.Connect(natsbus.Config{
			URL:         cfg.Bus.NATS.URL,
			Name:        cfg.Bus.NATS.Name,
			StatusTopic: status,
		}, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
}
