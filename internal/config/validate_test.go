// internal/config/validate_test.go
package config

import (
	"strings"
	"testing"
)

// helper to build a mirror quickly
func mirror(devices ...MirrorDeviceConfig) *StatusMirrorConfig {
	return &StatusMirrorConfig{
		Endpoint: "127.0.0.1:502",
		UnitID:   1,
		Devices:  devices,
	}
}

func dev(name string, slot uint16) MirrorDeviceConfig {
	return MirrorDeviceConfig{Name: name, Slot: slot}
}

func u8(v uint8) *uint8 { return &v }

// ---- tests ----

func TestValidate_ZeroConfigIsValid(t *testing.T) {
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_NilConfig(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "unknown backend",
			cfg:  Config{Bus: BusConfig{Backend: "kafka"}},
			want: "unknown backend",
		},
		{
			name: "qos out of range",
			cfg:  Config{Bus: BusConfig{MQTT: MQTTConfig{QoS: 3}}},
			want: "qos",
		},
		{
			name: "wildcard prefix",
			cfg:  Config{Bridge: BridgeConfig{TopicPrefix: "xnet/#"}},
			want: "topic_prefix",
		},
		{
			name: "trailing slash prefix",
			cfg:  Config{Bridge: BridgeConfig{TopicPrefix: "xnet/"}},
			want: "topic_prefix",
		},
		{
			name: "reserved source address",
			cfg:  Config{Bridge: BridgeConfig{SourceAddress: u8(254)}},
			want: "source_address",
		},
		{
			name: "subscription without param",
			cfg:  Config{Bridge: BridgeConfig{Subscriptions: []string{"inv*"}}},
			want: "subscription",
		},
		{
			name: "malformed subscription glob",
			cfg:  Config{Bridge: BridgeConfig{Subscriptions: []string{"inv[/OpState"}}},
			want: "subscription",
		},
		{
			name: "negative timing",
			cfg:  Config{Timing: TimingConfig{ResponseTimeoutMs: -1}},
			want: "response_timeout_ms",
		},
		{
			name: "recv longer than window",
			cfg:  Config{Timing: TimingConfig{IdentifyWindowMs: 1000, IdentifyRecvMs: 2000}},
			want: "identify_recv_ms",
		},
		{
			name: "negative window",
			cfg:  Config{Arbitration: ArbitrationConfig{WindowTicks: -2}},
			want: "window_ticks",
		},
		{
			name: "bad log level",
			cfg:  Config{Logging: loggingLevel("loud")},
			want: "logging",
		},
		{
			name: "mirror without endpoint",
			cfg:  Config{StatusMirror: &StatusMirrorConfig{Devices: []MirrorDeviceConfig{dev("inv1", 0)}}},
			want: "endpoint",
		},
		{
			name: "mirror unknown protocol",
			cfg: Config{StatusMirror: &StatusMirrorConfig{
				Endpoint: "ep", Protocol: "snmp", Devices: []MirrorDeviceConfig{dev("inv1", 0)},
			}},
			want: "protocol",
		},
		{
			name: "mirror without devices",
			cfg:  Config{StatusMirror: mirror()},
			want: "at least one device",
		},
		{
			name: "mirror slot collision",
			cfg:  Config{StatusMirror: mirror(dev("inv1", 2), dev("scc1", 2))},
			want: "slot collision",
		},
		{
			name: "mirror duplicate name",
			cfg:  Config{StatusMirror: mirror(dev("inv1", 0), dev("inv1", 1))},
			want: "listed twice",
		},
		{
			name: "mirror slot out of address space",
			cfg:  Config{StatusMirror: mirror(dev("inv1", maxMirrorSlot+1))},
			want: "exceeds",
		},
		{
			name: "mirror non-ascii name",
			cfg:  Config{StatusMirror: mirror(dev("invé", 0))},
			want: "ASCII",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.cfg)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidate_MirrorDistinctSlots(t *testing.T) {
	cfg := &Config{StatusMirror: mirror(dev("inv1", 0), dev("scc1", 1), dev("bank1", maxMirrorSlot))}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_DoesNotMutate(t *testing.T) {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bridge.TopicPrefix != "" || cfg.Bus.Backend != "" {
		t.Fatalf("Validate mutated config: %+v", cfg)
	}
}
