// cmd/rvc2mqtt/main_test.go
package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/rvc2mqtt/internal/bridge"
	"github.com/tamzrod/rvc2mqtt/internal/bus"
	"github.com/tamzrod/rvc2mqtt/internal/config"
	"github.com/tamzrod/rvc2mqtt/internal/logger"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
)

func resetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		configPath, logLevel, simulate = "", "", false
	})
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "rvc2mqtt.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	resetFlags(t)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "xnet", cfg.Bridge.TopicPrefix)
	assert.Equal(t, config.BackendMQTT, cfg.Bus.Backend)
	assert.False(t, cfg.CAN.Simulate)
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	resetFlags(t)
	configPath = writeConfig(t, "logging:\n  level: warn\n")
	logLevel = "debug"
	simulate = true

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.CAN.Simulate)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	resetFlags(t)
	configPath = writeConfig(t, "bus:\n  backend: kafka\n")

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestBridgeConfigMapping(t *testing.T) {
	sentinel := uint8(200)
	cfg := &config.Config{
		Bridge:      config.BridgeConfig{TopicPrefix: "rv", Subscriptions: []string{"bank?/DcVoltage"}},
		Arbitration: config.ArbitrationConfig{WindowTicks: 3, SentinelPriority: &sentinel},
		Timing:      config.TimingConfig{RequestTries: 2},
	}
	config.Normalize(cfg)

	bc := bridgeConfig(cfg)
	assert.Equal(t, "rv", bc.Prefix)
	assert.Equal(t, []string{"bank?/DcVoltage"}, bc.Subscriptions)
	assert.Equal(t, 3, bc.Window)
	assert.Equal(t, uint64(200), bc.Sentinel)
	assert.Equal(t, bridge.DefaultVirtualModel, bc.VirtualModel)
	assert.Equal(t, 200*time.Millisecond, bc.EventDeadTime)
	assert.Equal(t, time.Second, bc.Tick)

	assert.Equal(t, 2, bc.Device.RequestTries)
	assert.Equal(t, time.Second, bc.Device.PollInterval)
	assert.Equal(t, 5*time.Second, bc.Device.RerequestTimeout)
	assert.Equal(t, 500*time.Millisecond, bc.Device.PPNCommandTimeout)
	assert.Equal(t, 4, bc.Device.PPNCommandTries)
}

func TestBridgeConfigDefaultSubscriptions(t *testing.T) {
	cfg := &config.Config{}
	config.Normalize(cfg)
	assert.Equal(t, bridge.DefaultSubscriptions, bridgeConfig(cfg).Subscriptions)

	cfg.Bridge.Subscriptions = []string{}
	assert.Empty(t, bridgeConfig(cfg).Subscriptions)
}

func TestSocketcanIdentity(t *testing.T) {
	model := filepath.Join(t.TempDir(), "model")
	require.NoError(t, os.WriteFile(model, []byte("Coach Controller\x00"), 0o600))

	cfg := &config.Config{Bridge: config.BridgeConfig{Identity: config.IdentityConfig{
		ModelPath:  model,
		SerialPath: filepath.Join(t.TempDir(), "missing"),
		Serial:     "XN-000123",
	}}}
	config.Normalize(cfg)

	sc := socketcanConfig(cfg)
	assert.Equal(t, "can0", sc.Interface)
	assert.Equal(t, uint8(config.DefaultSourceAddress), sc.Identity.Address)
	assert.Equal(t, "Coach Controller", sc.Identity.Model)
	assert.Equal(t, "XN-000123", sc.Identity.Serial)
	assert.Equal(t, config.DefaultMake, sc.Identity.Make)
	assert.Equal(t, 10*time.Second, sc.NodeTimeout)
}

func TestUniqueNumber(t *testing.T) {
	assert.Equal(t, uint32(123), uniqueNumber("XN-000123"))
	assert.Equal(t, uint32(1), uniqueNumber("none"))
}

func TestSimNetworkAnnouncesNodes(t *testing.T) {
	net, _ := simNetwork(rvc.DefaultDatabase(), logger.NewTestLogger())
	t.Cleanup(func() { _ = net.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	seen := map[uint8]bool{}
	for range simNodes {
		ev, err := net.Events(ctx)
		require.NoError(t, err)
		if a, ok := ev.(rvc.NodeAppeared); ok {
			seen[a.Addr] = true
		}
	}
	for _, n := range simNodes {
		assert.True(t, seen[n.addr], "node %d not announced", n.addr)
	}
}

func TestCheckConfigCommand(t *testing.T) {
	resetFlags(t)
	path := writeConfig(t, `
bridge:
  topic_prefix: rv
status_mirror:
  endpoint: 127.0.0.1:502
  devices:
    - {name: invchg1, slot: 0}
`)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"check-config", "--config", path})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, Execute())
	assert.Contains(t, out.String(), "config ok: prefix=rv")
	assert.Contains(t, out.String(), "status mirror: modbus 127.0.0.1:502")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, Execute())
	assert.Equal(t, "rvc2mqtt "+version+"\n", out.String())
}

func TestStatusTopicIsWill(t *testing.T) {
	assert.Equal(t, "xnet/sts/rvc/status", bus.StatusTopic("xnet"))
}
