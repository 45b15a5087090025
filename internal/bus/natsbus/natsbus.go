// Package natsbus is the NATS backend of bus.Bus. Topic separators map
// to subject tokens ('/' to '.', '+' to '*', '#' to '>'). NATS has no
// retained messages, so the retain flag is ignored.
package natsbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/tamzrod/rvc2mqtt/internal/bus"
)

type Config struct {
	URL         string
	Name        string
	StatusTopic string
}

type Client struct {
	cfg  Config
	log  zerolog.Logger
	conn *nats.Conn
}

// Subject converts a topic or filter to a NATS subject.
func Subject(topic string) string {
	parts := strings.Split(topic, "/")
	for i, p := range parts {
		switch p {
		case "+":
			parts[i] = "*"
		case "#":
			parts[i] = ">"
		}
	}
	return strings.Join(parts, ".")
}

// Topic converts a NATS subject back to a topic.
func Topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func Connect(cfg Config, log zerolog.Logger) (*Client, error) {
	c := &Client{cfg: cfg, log: log}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
			c.announce(nc, "online")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", cfg.URL, err)
	}
	c.conn = conn
	c.announce(conn, "online")
	return c, nil
}

func (c *Client) announce(nc *nats.Conn, state string) {
	if c.cfg.StatusTopic == "" {
		return
	}
	if err := nc.Publish(Subject(c.cfg.StatusTopic), []byte(state)); err != nil {
		c.log.Warn().Err(err).Msg("status publish failed")
	}
}

func (c *Client) Publish(topic string, payload []byte, _ bool) error {
	return c.conn.Publish(Subject(topic), payload)
}

func (c *Client) Subscribe(filter string, h bus.Handler) error {
	_, err := c.conn.Subscribe(Subject(filter), func(m *nats.Msg) {
		h(bus.Message{Topic: Topic(m.Subject), Payload: m.Data})
	})
	if err != nil {
		return fmt.Errorf("natsbus: subscribe %s: %w", filter, err)
	}
	return nil
}

// Close announces offline, then drains the connection.
func (c *Client) Close() error {
	c.announce(c.conn, "offline")
	return c.conn.Drain()
}
