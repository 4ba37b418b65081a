package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig holds the NATS connection settings and the subjects the
// engine exchanges messages on.
type ConnectionConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Name identifies the engine instance to the server
	Name string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for unlimited reconnects
	MaxReconnects int

	ReconnectWait time.Duration
	Timeout       time.Duration

	// Token takes precedence over Username/Password
	Token    string
	Username string
	Password string

	// TriggerStream is the JetStream stream holding story triggers.
	TriggerStream string
	// TriggerSubject is the subject prefix triggers are published under;
	// the story id is the last token ("<prefix>.<story>").
	TriggerSubject string
	// Consumer is the durable pull consumer shared by engine instances.
	Consumer string
	// MaxDeliver bounds redeliveries of a rejected trigger.
	MaxDeliver int
	// AckWait is how long a pulled trigger stays invisible to other workers.
	AckWait time.Duration

	// GatewaySubject receives application register/unregister announcements.
	GatewaySubject string
	// ResultSubject receives one report per finished run.
	ResultSubject string
	// PublishMaxRetries is how often a failed publish is retried.
	PublishMaxRetries int
}

// DefaultConnectionConfig returns a configuration with sensible defaults
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:               url,
		Name:              "storyengine",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		Timeout:           5 * time.Second,
		TriggerStream:     "STORIES",
		TriggerSubject:    "stories.trigger",
		Consumer:          "storyengine",
		MaxDeliver:        5,
		AckWait:           30 * time.Second,
		GatewaySubject:    "stories.gateway",
		ResultSubject:     "stories.result",
		PublishMaxRetries: 3,
	}
}

// Connect establishes a connection to NATS, giving up when ctx ends.
func Connect(ctx context.Context, config *ConnectionConfig, logger *zap.Logger) (*nats.Conn, error) {
	if config == nil {
		return nil, fmt.Errorf("connection config cannot be nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}
	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	} else if config.Username != "" && config.Password != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(config.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		// The dial may still succeed; close it so it does not leak.
		go func() {
			if res := <-resultCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// Close drains the connection so in-flight messages complete, falling back
// to a hard close.
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}
	return nil
}

// IsConnected checks if the connection is active
func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}

// TriggerSubjectFor returns the subject triggers of storyID are published on.
func (c *ConnectionConfig) TriggerSubjectFor(storyID string) string {
	return c.TriggerSubject + "." + storyID
}

// StoryFromSubject extracts the story id from a trigger subject.
func (c *ConnectionConfig) StoryFromSubject(subject string) (string, bool) {
	prefix := c.TriggerSubject + "."
	if len(subject) <= len(prefix) || subject[:len(prefix)] != prefix {
		return "", false
	}
	return subject[len(prefix):], true
}
