// Package metrics exposes the bridge's Prometheus collectors.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rvc2mqtt"

// Publish kinds.
const (
	KindValue  = "value"
	KindStatus = "status"
	KindAlerts = "alerts"
	KindNak    = "nak"
)

// Command results.
const (
	CommandSent          = "sent"
	CommandQueued        = "queued"
	CommandUnknownParam  = "unknown_param"
	CommandUnknownDevice = "unknown_device"
	CommandFailed        = "failed"
)

// Metrics holds the bridge collectors. A nil *Metrics records nothing.
type Metrics struct {
	devices         prometheus.Gauge
	virtualDevices  prometheus.Gauge
	duplicates      prometheus.Gauge
	messages        *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	requestTimeouts *prometheus.CounterVec
	naks            prometheus.Counter
	commands        *prometheus.CounterVec
	bankPriority    *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_live",
			Help:      "Device managers currently running",
		}),
		virtualDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "virtual_devices_live",
			Help:      "Virtual aggregate devices currently present",
		}),
		duplicates: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "duplicate_instances",
			Help:      "Device names currently shared by more than one node",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "RV-C messages received by device managers",
		}, []string{"mnemonic"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Messages published to the bus",
		}, []string{"kind"}), // value, status, alerts, nak
		requestTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Requests that received no response in time",
		}, []string{"mnemonic"}),
		naks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "naks_total",
			Help:      "Negative acknowledgements received",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Bus commands by outcome",
		}, []string{"result"}),
		bankPriority: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bank_priority",
			Help:      "Winning DC source priority per battery bank",
		}, []string{"bank"}),
	}

	for _, c := range []prometheus.Collector{
		m.devices, m.virtualDevices, m.duplicates, m.messages,
		m.publishes, m.requestTimeouts, m.naks, m.commands, m.bankPriority,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) MessageReceived(mnemonic string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(mnemonic).Inc()
}

func (m *Metrics) Published(kind string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(kind).Inc()
}

func (m *Metrics) RequestTimedOut(mnemonic string) {
	if m == nil {
		return
	}
	m.requestTimeouts.WithLabelValues(mnemonic).Inc()
}

func (m *Metrics) NakReceived() {
	if m == nil {
		return
	}
	m.naks.Inc()
}

func (m *Metrics) Command(result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(result).Inc()
}

func (m *Metrics) SetDevices(n int) {
	if m == nil {
		return
	}
	m.devices.Set(float64(n))
}

func (m *Metrics) SetVirtualDevices(n int) {
	if m == nil {
		return
	}
	m.virtualDevices.Set(float64(n))
}

func (m *Metrics) SetDuplicates(n int) {
	if m == nil {
		return
	}
	m.duplicates.Set(float64(n))
}

// SetBankPriorities replaces the per-bank winning priorities.
func (m *Metrics) SetBankPriorities(winners map[uint64]uint64) {
	if m == nil {
		return
	}
	m.bankPriority.Reset()
	for bank, p := range winners {
		m.bankPriority.WithLabelValues(strconv.FormatUint(bank, 10)).Set(float64(p))
	}
}
