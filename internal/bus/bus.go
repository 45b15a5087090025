// Package bus is the publish/subscribe side of the bridge.
//
// Topics follow prefix/{sts,cmd,sub,unsub}/<device>/<param>. Backends
// live in the mqttbus and natsbus subpackages; Recorder is an in-memory
// bus for tests and simulation.
package bus

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/tamzrod/rvc2mqtt/internal/metrics"
)

// Message is one delivered publication.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Handler receives messages matching a subscription.
type Handler func(Message)

// Bus is a topic-based publish/subscribe client. Filters use MQTT
// wildcard syntax.
type Bus interface {
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(filter string, h Handler) error
	Close() error
}

// Topic kinds.
const (
	KindSts   = "sts"
	KindCmd   = "cmd"
	KindSub   = "sub"
	KindUnsub = "unsub"
)

// BridgeName is the device name the bridge publishes its own state under.
const BridgeName = "rvc"

// Topic joins prefix, kind and the remaining path parts.
func Topic(prefix, kind string, parts ...string) string {
	return prefix + "/" + kind + "/" + strings.Join(parts, "/")
}

// StatusTopic is where the bridge's own online state is retained.
func StatusTopic(prefix string) string {
	return Topic(prefix, KindSts, BridgeName, "status")
}

// Parse splits an inbound topic into kind, device and param. Param is
// empty for sub and unsub topics.
func Parse(prefix, topic string) (kind, device, param string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 3 && parts[0] == KindCmd:
		return parts[0], parts[1], parts[2], parts[1] != "" && parts[2] != ""
	case len(parts) == 2 && (parts[0] == KindSub || parts[0] == KindUnsub):
		return parts[0], parts[1], "", parts[1] != ""
	}
	return "", "", "", false
}

// Match reports whether an MQTT filter matches topic.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		switch part {
		case "#":
			return true
		case "+":
			if i >= len(t) {
				return false
			}
		default:
			if i >= len(t) || t[i] != part {
				return false
			}
		}
	}
	return len(f) == len(t)
}

// Sink publishes device state under a topic prefix. Publish failures are
// logged and counted, never returned: a lost status update must not stop
// a device loop.
type Sink struct {
	bus     Bus
	prefix  string
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewSink(b Bus, prefix string, log zerolog.Logger, m *metrics.Metrics) *Sink {
	return &Sink{bus: b, prefix: prefix, log: log, metrics: m}
}

func (s *Sink) publish(kind string, topic string, payload []byte, retain bool) {
	if err := s.bus.Publish(topic, payload, retain); err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		return
	}
	s.metrics.Published(kind)
	s.log.Trace().Str("topic", topic).Bytes("payload", payload).Msg("published")
}

// Value publishes a parameter value.
func (s *Sink) Value(device, param, value string) {
	s.publish(metrics.KindValue, Topic(s.prefix, KindSts, device, param), []byte(value), false)
}

// Retained publishes a retained identity parameter.
func (s *Sink) Retained(device, param, value string) {
	s.publish(metrics.KindStatus, Topic(s.prefix, KindSts, device, param), []byte(value), true)
}

// Status publishes a device's retained online/offline state.
func (s *Sink) Status(device, state string) {
	s.Retained(device, "status", state)
}

// Alerts publishes a device's alert document.
func (s *Sink) Alerts(device string, doc []byte, retain bool) {
	s.publish(metrics.KindAlerts, Topic(s.prefix, KindSts, device, "Alerts"), doc, retain)
}

// Nak publishes a structured command failure under the ack control name.
func (s *Sink) Nak(device, ctrl string, doc []byte) {
	s.publish(metrics.KindNak, Topic(s.prefix, KindSts, device, ctrl), doc, false)
}
