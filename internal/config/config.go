// internal/config/config.go
package config

import "github.com/tamzrod/rvc2mqtt/internal/logger"

type Config struct {
	Bridge       BridgeConfig        `yaml:"bridge"`
	Timing       TimingConfig        `yaml:"timing"`
	Arbitration  ArbitrationConfig   `yaml:"arbitration"`
	CAN          CANConfig           `yaml:"can"`
	Bus          BusConfig           `yaml:"bus"`
	Mapping      MappingConfig       `yaml:"mapping"`
	Logging      logger.Config       `yaml:"logging"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	StatusMirror *StatusMirrorConfig `yaml:"status_mirror"` // optional, opt-in
}

// ---- BRIDGE ----

type BridgeConfig struct {
	TopicPrefix     string         `yaml:"topic_prefix"`
	SourceAddress   *uint8         `yaml:"source_address"`
	Identity        IdentityConfig `yaml:"identity"`
	Subscriptions   []string       `yaml:"subscriptions"`
	EventDeadTimeMs int            `yaml:"event_dead_time_ms"`
}

// IdentityConfig is what the bridge answers ProdIdent requests with.
// A readable *_path file wins over the literal value.
type IdentityConfig struct {
	Make       string `yaml:"make"`
	Model      string `yaml:"model"`
	Serial     string `yaml:"serial"`
	ModelPath  string `yaml:"model_path"`
	SerialPath string `yaml:"serial_path"`
}

// ---- TIMING ----

type TimingConfig struct {
	PollIntervalMs      int `yaml:"poll_interval_ms"`
	RerequestTimeoutMs  int `yaml:"rerequest_timeout_ms"`
	ResponseTimeoutMs   int `yaml:"response_timeout_ms"`
	RequestTries        int `yaml:"request_tries"`
	IdentifyWindowMs    int `yaml:"identify_window_ms"`
	IdentifyRecvMs      int `yaml:"identify_recv_ms"`
	IdentifyRetries     int `yaml:"identify_retries"`
	PPNCycleSkips       int `yaml:"ppn_cycle_skips"`
	PPNRequestTimeoutMs int `yaml:"ppn_request_timeout_ms"`
	PPNRequestTries     int `yaml:"ppn_request_tries"`
	PPNCommandTimeoutMs int `yaml:"ppn_command_timeout_ms"`
	PPNCommandTries     int `yaml:"ppn_command_tries"`
}

// ---- ARBITRATION ----

type ArbitrationConfig struct {
	WindowTicks      int    `yaml:"window_ticks"`
	SentinelPriority *uint8 `yaml:"sentinel_priority"`
	TickMs           int    `yaml:"tick_ms"`
	VirtualModel     string `yaml:"virtual_model"`
}

// ---- CAN ----

type CANConfig struct {
	Interface     string `yaml:"interface"`
	Simulate      bool   `yaml:"simulate"`
	NodeTimeoutMs int    `yaml:"node_timeout_ms"`
}

// ---- BUS ----

type BusConfig struct {
	Backend string     `yaml:"backend"` // mqtt | nats
	MQTT    MQTTConfig `yaml:"mqtt"`
	NATS    NATSConfig `yaml:"nats"`
}

type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	QoS             byte   `yaml:"qos"`
	KeepAliveS      int    `yaml:"keep_alive_s"`
	ConnectTimeoutS int    `yaml:"connect_timeout_s"`
}

type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// ---- MAPPING ----

type MappingConfig struct {
	File string `yaml:"file"` // optional override of the embedded tables
}

// ---- METRICS ----

type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the HTTP server
}

// ---- STATUS MIRROR ----

type StatusMirrorConfig struct {
	Endpoint  string               `yaml:"endpoint"`
	Protocol  string               `yaml:"protocol"` // modbus | ingest
	UnitID    uint8                `yaml:"unit_id"`
	TimeoutMs int                  `yaml:"timeout_ms"`
	Devices   []MirrorDeviceConfig `yaml:"devices"`
}

type MirrorDeviceConfig struct {
	Name string `yaml:"name"`
	Slot uint16 `yaml:"slot"`
}
