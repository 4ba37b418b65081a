package client

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/storyengine/internal/nats"
	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
	"github.com/wehubfusion/storyengine/pkg/message"
)

// Client owns the NATS connection of the engine and the JetStream topology
// it relies on: one stream carrying triggers, gateway announcements and run
// reports, and one durable pull consumer for triggers.
//
// Example usage:
//
//	c := client.NewClient(nats.DefaultConnectionConfig("nats://localhost:4222"), logger)
//	if err := c.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer c.Close()
type Client struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	config *nats.ConnectionConfig
	logger *zap.Logger

	// Messages moves triggers, registrations and reports.
	Messages *message.MessageService
}

// NewClient creates an unconnected client.
func NewClient(config *nats.ConnectionConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{config: config, logger: logger}
}

// NewClientWithJSContext creates a client wired to a provided JSContext
// implementation. Useful for tests to avoid connecting to a real NATS server.
func NewClientWithJSContext(js message.JSContext, config *nats.ConnectionConfig, logger *zap.Logger) (*Client, error) {
	c := NewClient(config, logger)
	if err := c.initMessaging(js); err != nil {
		return nil, err
	}
	return c, nil
}

// Config returns the connection configuration.
func (c *Client) Config() *nats.ConnectionConfig {
	return c.config
}

// Connect dials NATS, opens JetStream and ensures the stream and trigger
// consumer exist.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	conn, err := nats.Connect(ctx, c.config, c.logger)
	if err != nil {
		return storyerrors.NewError("CONNECTION_FAILED", "failed to connect to NATS", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = nats.Close(conn)
		return storyerrors.NewError("JETSTREAM_NOT_ENABLED", "JetStream is not enabled on the NATS server", err)
	}
	if err := c.initMessaging(message.WrapNATSJetStream(js)); err != nil {
		_ = nats.Close(conn)
		return err
	}

	c.conn = conn
	c.js = js
	c.logger.Info("Connected to NATS",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("stream", c.config.TriggerStream))
	return nil
}

func (c *Client) initMessaging(js message.JSContext) error {
	svc, err := message.NewMessageService(js, message.Options{
		MaxDeliver:        c.config.MaxDeliver,
		AckWait:           c.config.AckWait,
		PublishMaxRetries: c.config.PublishMaxRetries,
	}, c.logger)
	if err != nil {
		return storyerrors.NewError("SERVICE_INIT_FAILED", "failed to initialize message service", err)
	}

	subjects := []string{
		c.config.TriggerSubject + ".>",
		c.config.GatewaySubject + ".>",
		c.config.ResultSubject + ".>",
	}
	if err := svc.EnsureStream(c.config.TriggerStream, subjects...); err != nil {
		return storyerrors.NewError("STREAM_ENSURE_FAILED", "failed to ensure stream", err)
	}
	if err := svc.EnsureConsumer(c.config.TriggerStream, c.config.Consumer, c.config.TriggerSubject+".>"); err != nil {
		return storyerrors.NewError("CONSUMER_ENSURE_FAILED", "failed to ensure consumer", err)
	}
	c.Messages = svc
	return nil
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := nats.Close(c.conn)
	c.conn = nil
	c.js = nil
	c.Messages = nil
	if err != nil {
		return storyerrors.NewError("CLOSE_FAILED", "failed to close connection", err)
	}
	return nil
}

// IsConnected returns true if the client is currently connected to the NATS server.
func (c *Client) IsConnected() bool {
	return nats.IsConnected(c.conn)
}

// Ping round-trips to the server, bounded by ctx.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return storyerrors.ErrNotConnected
	}
	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.conn.FlushTimeout(c.config.Timeout)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("ping cancelled: %w", ctx.Err())
	case err := <-resultCh:
		if err != nil {
			return storyerrors.NewError("PING_FAILED", "ping failed", err)
		}
		return nil
	}
}

// Stats returns current connection statistics.
func (c *Client) Stats() natsclient.Statistics {
	if c.conn == nil {
		return natsclient.Statistics{}
	}
	return c.conn.Stats()
}
