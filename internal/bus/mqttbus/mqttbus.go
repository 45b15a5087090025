// Package mqttbus is the MQTT backend of bus.Bus.
package mqttbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tamzrod/rvc2mqtt/internal/bus"
)

var ErrNotConnected = errors.New("mqttbus: not connected")

type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	// StatusTopic carries "online" while connected and the retained
	// "offline" will message otherwise.
	StatusTopic string
}

// Client is a bus.Bus over a paho MQTT client.
type Client struct {
	cfg Config
	log zerolog.Logger
	cli mqtt.Client

	mu   sync.Mutex
	subs map[string]bus.Handler
}

// ClientID returns cfg.ClientID or a generated one.
func ClientID(configured string) string {
	if configured != "" {
		return configured
	}
	return "rvc2mqtt-" + uuid.NewString()[:8]
}

// Connect dials the broker. Subscriptions are restored and the status
// topic set online after every (re)connect.
func Connect(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	c := &Client{cfg: cfg, log: log, subs: make(map[string]bus.Handler)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(ClientID(cfg.ClientID))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	// handlers may block on the bridge loop
	opts.SetOrderMatters(false)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.StatusTopic != "" {
		opts.SetWill(cfg.StatusTopic, "offline", cfg.QoS, true)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})
	opts.SetOnConnectHandler(func(cli mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("mqtt connected")
		c.onConnect(cli)
	})

	c.cli = mqtt.NewClient(opts)
	tok := c.cli.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqttbus: connect %s: timeout", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqttbus: connect %s: %w", cfg.Broker, err)
	}
	return c, nil
}

func (c *Client) onConnect(cli mqtt.Client) {
	if c.cfg.StatusTopic != "" {
		cli.Publish(c.cfg.StatusTopic, c.cfg.QoS, true, "online")
	}

	c.mu.Lock()
	subs := make(map[string]bus.Handler, len(c.subs))
	for f, h := range c.subs {
		subs[f] = h
	}
	c.mu.Unlock()

	for filter, h := range subs {
		if err := c.subscribe(cli, filter, h); err != nil {
			c.log.Error().Err(err).Str("filter", filter).Msg("resubscribe failed")
		}
	}
}

func (c *Client) subscribe(cli mqtt.Client, filter string, h bus.Handler) error {
	tok := cli.Subscribe(filter, c.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		h(bus.Message{Topic: m.Topic(), Payload: m.Payload(), Retain: m.Retained()})
	})
	if !tok.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("mqttbus: subscribe %s: timeout", filter)
	}
	return tok.Error()
}

func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	if !c.cli.IsConnectionOpen() {
		return ErrNotConnected
	}
	// Fire and forget; paho queues the publish and retries under QoS > 0.
	c.cli.Publish(topic, c.cfg.QoS, retain, payload)
	return nil
}

func (c *Client) Subscribe(filter string, h bus.Handler) error {
	c.mu.Lock()
	c.subs[filter] = h
	c.mu.Unlock()

	if !c.cli.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(c.cli, filter, h)
}

// Close publishes the offline status and disconnects.
func (c *Client) Close() error {
	if c.cfg.StatusTopic != "" && c.cli.IsConnectionOpen() {
		tok := c.cli.Publish(c.cfg.StatusTopic, c.cfg.QoS, true, "offline")
		tok.WaitTimeout(time.Second)
	}
	c.cli.Disconnect(250)
	return nil
}
