// internal/config/normalize.go
package config

const (
	BackendMQTT = "mqtt"
	BackendNATS = "nats"

	ProtocolModbus = "modbus"
	ProtocolIngest = "ingest"
)

// Defaults applied by Normalize.
const (
	DefaultTopicPrefix   = "xnet"
	DefaultSourceAddress = 0x8F
	DefaultMake          = "Xantrex"
	DefaultModel         = "rvc2mqtt"
	DefaultSerial        = "0"
	DefaultInterface     = "can0"
	DefaultMQTTBroker    = "tcp://127.0.0.1:1883"
	DefaultNATSURL       = "nats://127.0.0.1:4222"
	DefaultSentinel      = 255
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	// ---- bridge ----
	b := &cfg.Bridge
	setString(&b.TopicPrefix, DefaultTopicPrefix)
	if b.SourceAddress == nil {
		a := uint8(DefaultSourceAddress)
		b.SourceAddress = &a
	}
	setString(&b.Identity.Make, DefaultMake)
	setString(&b.Identity.Model, DefaultModel)
	setString(&b.Identity.Serial, DefaultSerial)
	setInt(&b.EventDeadTimeMs, 200)
	// Subscriptions stay nil when unset; the bridge applies its own
	// defaults. An explicit empty list disables them.

	// ---- timing ----
	t := &cfg.Timing
	setInt(&t.PollIntervalMs, 1000)
	setInt(&t.RerequestTimeoutMs, 5000)
	setInt(&t.ResponseTimeoutMs, 1000)
	setInt(&t.RequestTries, 1)
	setInt(&t.IdentifyWindowMs, 10000)
	setInt(&t.IdentifyRecvMs, 2000)
	setInt(&t.IdentifyRetries, 4)
	setInt(&t.PPNCycleSkips, 5)
	setInt(&t.PPNRequestTimeoutMs, 500)
	setInt(&t.PPNRequestTries, 3)
	setInt(&t.PPNCommandTimeoutMs, 500)
	setInt(&t.PPNCommandTries, 4)

	// ---- arbitration ----
	a := &cfg.Arbitration
	setInt(&a.WindowTicks, 6)
	setInt(&a.TickMs, 1000)
	if a.SentinelPriority == nil {
		s := uint8(DefaultSentinel)
		a.SentinelPriority = &s
	}

	// ---- can ----
	setString(&cfg.CAN.Interface, DefaultInterface)
	setInt(&cfg.CAN.NodeTimeoutMs, 10000)

	// ---- bus ----
	setString(&cfg.Bus.Backend, BackendMQTT)
	setString(&cfg.Bus.MQTT.Broker, DefaultMQTTBroker)
	setInt(&cfg.Bus.MQTT.KeepAliveS, 30)
	setInt(&cfg.Bus.MQTT.ConnectTimeoutS, 10)
	setString(&cfg.Bus.NATS.URL, DefaultNATSURL)
	setString(&cfg.Bus.NATS.Name, "rvc2mqtt")

	// ---- logging ----
	setString(&cfg.Logging.Level, "info")

	// ---- status mirror ----
	if m := cfg.StatusMirror; m != nil {
		setString(&m.Protocol, ProtocolModbus)
		setInt(&m.TimeoutMs, 2000)
		for i := range m.Devices {
			// ASCII already validated
			if len(m.Devices[i].Name) > 16 {
				m.Devices[i].Name = m.Devices[i].Name[:16]
			}
		}
	}
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}
