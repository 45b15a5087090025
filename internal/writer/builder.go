// internal/writer/builder.go
package writer

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	cfg "github.com/tamzrod/rvc2mqtt/internal/config"
	"github.com/tamzrod/rvc2mqtt/internal/writer/ingest"
	wmodbus "github.com/tamzrod/rvc2mqtt/internal/writer/modbus"
)

// BuildPlan converts the mirror config into a Plan.
// Assumes config has already passed validation.
func BuildPlan(m cfg.StatusMirrorConfig) (Plan, error) {
	if m.Endpoint == "" {
		return Plan{}, errors.New("writer: status_mirror.endpoint required")
	}

	plan := Plan{Endpoint: m.Endpoint, UnitID: m.UnitID}
	for _, d := range m.Devices {
		plan.Devices = append(plan.Devices, DevicePlan{Name: d.Name, Slot: d.Slot})
	}
	return plan, nil
}

// BuildClient creates the endpoint client for the configured protocol.
func BuildClient(m cfg.StatusMirrorConfig) (endpointClient, func() error, error) {
	timeout := time.Duration(m.TimeoutMs) * time.Millisecond

	switch m.Protocol {
	case cfg.ProtocolModbus, "":
		c, err := wmodbus.NewEndpointClient(wmodbus.Config{Endpoint: m.Endpoint, Timeout: timeout})
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case cfg.ProtocolIngest:
		c, err := ingest.NewEndpointClient(ingest.Config{Endpoint: m.Endpoint, Timeout: timeout})
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	default:
		return nil, nil, fmt.Errorf("writer: unknown protocol %q", m.Protocol)
	}
}

// Build wires a mirror from config. The returned func closes the client.
func Build(m cfg.StatusMirrorConfig, src StateSource, log zerolog.Logger) (*Mirror, func() error, error) {
	plan, err := BuildPlan(m)
	if err != nil {
		return nil, nil, err
	}
	cli, closeFn, err := BuildClient(m)
	if err != nil {
		return nil, nil, err
	}
	mirror, err := NewMirror(plan, cli, src, log)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return mirror, closeFn, nil
}
