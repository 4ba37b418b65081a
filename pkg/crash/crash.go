// Package crash forwards unexpected engine failures to Sentry.
package crash

import (
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// DefaultFlushTimeout bounds how long Flush waits for pending reports.
const DefaultFlushTimeout = 2 * time.Second

// Config configures the reporter.
type Config struct {
	DSN         string
	Release     string
	Environment string
}

// Reporter sends errors to Sentry. A Reporter without a DSN only logs.
type Reporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// New creates a reporter. An empty DSN yields a reporter that only logs.
func New(cfg Config, logger *zap.Logger) (*Reporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reporter{logger: logger}
	if cfg.DSN == "" {
		return r, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Release:     cfg.Release,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, err
	}
	r.hub = sentry.NewHub(client, sentry.NewScope())
	logger.Info("Crash reporting enabled", zap.String("release", cfg.Release))
	return r, nil
}

// Enabled reports whether errors are sent to Sentry.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// Capture queues err for delivery without waiting for it.
func (r *Reporter) Capture(err error) {
	if r == nil || err == nil {
		return
	}
	r.logger.Debug("Capturing error", zap.Error(err))
	if r.hub != nil {
		r.hub.CaptureException(err)
	}
}

// Flush waits up to timeout for queued reports to be delivered.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	if timeout <= 0 {
		timeout = DefaultFlushTimeout
	}
	ok := r.hub.Flush(timeout)
	if !ok {
		r.logger.Warn("Crash reports not flushed in time", zap.Duration("timeout", timeout))
	}
	return ok
}
