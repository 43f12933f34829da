package messaging

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/config"
)

// NatsBroker is the notification fan-out for job progress. All publishes are
// fire-and-forget; no acknowledgement is awaited.
type NatsBroker struct {
	conn   *nats.Conn
	config config.Config
}

// NewNatsBroker connects to the configured NATS server.
func NewNatsBroker(cfg config.Config) (*NatsBroker, error) {
	client := &NatsBroker{
		config: cfg,
	}

	if err := client.connect(); err != nil {
		return nil, err
	}

	return client, nil
}

func (c *NatsBroker) connect() error {
	opts := []nats.Option{
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("server", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if c.config.Nats.Username != "" && c.config.Nats.Password != "" {
		opts = append(opts, nats.UserInfo(c.config.Nats.Username, c.config.Nats.Password))
	}

	conn, err := nats.Connect(c.config.Nats.URL(), opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.conn = conn

	log.Info().Str("server", conn.ConnectedUrl()).Msg("Connected to NATS")
	return nil
}

// Close drains the NATS connection.
func (c *NatsBroker) Close() error {
	if c.conn != nil && c.conn.IsConnected() {
		return c.conn.Drain()
	}
	return nil
}

// Publish sends a message without waiting for delivery. The client buffers
// internally, so the caller is never blocked on a slow broker.
func (c *NatsBroker) Publish(subject string, data []byte) error {
	if c.conn == nil {
		return fmt.Errorf("NATS connection not initialized")
	}
	return c.conn.Publish(subject, data)
}

// SetupNatsBroker initializes the NATS client, or returns nil when NATS is
// disabled in configuration.
func SetupNatsBroker(cfg config.Config) (*NatsBroker, error) {
	if !cfg.Nats.Enabled {
		return nil, nil
	}

	client, err := NewNatsBroker(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating NATS client: %w", err)
	}

	return client, nil
}
