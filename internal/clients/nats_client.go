package clients

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"settlement-backend/internal/config"
	"settlement-backend/internal/metrics"
)

// NATSClient core NATS connection used to fan domain events out to other
// services. Subjects are "<prefix>.<topic>".
type NATSClient struct {
	conn   *nats.Conn
	prefix string
	log    *logrus.Entry
}

// NewNATSClient connects and keeps reconnecting forever.
func NewNATSClient(cfg config.NATSConfig, log *logrus.Logger) (*NATSClient, error) {
	entry := log.WithField("component", "nats")

	connectTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		connectTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	reconnectWait := 5 * time.Second
	if cfg.ReconnectWait > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWait) * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("settlement-backend"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			entry.WithError(err).Warn("NATS disconnected")
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			entry.WithField("url", nc.ConnectedUrl()).Info("🔌 NATS reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)
	entry.WithField("url", conn.ConnectedUrl()).Info("✅ NATS connected")

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "settlement"
	}
	return &NATSClient{conn: conn, prefix: prefix, log: entry}, nil
}

// Subject full subject for topic
func (c *NATSClient) Subject(topic string) string {
	return c.prefix + "." + topic
}

// Publish raw payload on <prefix>.<topic>
func (c *NATSClient) Publish(topic string, data []byte) error {
	if err := c.conn.Publish(c.Subject(topic), data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close flushes pending messages and closes the connection
func (c *NATSClient) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
