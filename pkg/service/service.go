// Package service is the process-wide entry point of the engine: it starts
// the configured applications, accepts triggers and shuts everything down.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wehubfusion/storyengine/pkg/apps"
	"github.com/wehubfusion/storyengine/pkg/concurrency"
	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
)

// Version of the engine, logged at startup.
const Version = "0.4.0"

// DefaultShutdownTimeout bounds Serve's shutdown once its context ends.
const DefaultShutdownTimeout = 60 * time.Second

// Flusher delivers buffered crash reports.
type Flusher interface {
	Flush(timeout time.Duration) bool
}

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopping
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Option configures a Service.
type Option func(*Service)

// WithLimiter bounds how many runs execute at once.
func WithLimiter(l *concurrency.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithFlusher flushes crash reports during shutdown.
func WithFlusher(f Flusher) Option {
	return func(s *Service) { s.flusher = f }
}

// WithShutdownTimeout sets the timeout Serve gives Shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// Service owns the application manager for the lifetime of the process.
type Service struct {
	apps            *apps.Manager
	limiter         *concurrency.Limiter
	flusher         Flusher
	shutdownTimeout time.Duration
	logger          *zap.Logger
	tracer          trace.Tracer

	mu    sync.RWMutex
	state state
	// slots tracks runs holding a limiter slot.
	slots sync.WaitGroup

	stopped     chan struct{}
	stopResults []apps.Result
	stopErr     error
}

// New creates a service around manager.
func New(manager *apps.Manager, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		apps:            manager,
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          logger,
		tracer:          otel.Tracer("storyengine/service"),
		stopped:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initializes the configured applications and begins accepting
// triggers. It fails when no application could be started.
func (s *Service) Start(ctx context.Context, configs []apps.Config) error {
	s.mu.Lock()
	if s.state != stateCreated {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("service is %s: %w", st, storyerrors.ErrAlreadyInitialized)
	}
	s.state = stateRunning
	s.mu.Unlock()

	s.logger.Info("service-init", zap.String("version", Version), zap.Int("apps", len(configs)))

	results, err := s.apps.InitAll(ctx, configs)
	if err != nil {
		return fmt.Errorf("failed to start applications: %w", err)
	}
	started := 0
	for _, r := range results {
		if r.Err == nil {
			started++
		}
	}
	s.logger.Info("Engine started", zap.Int("started", started), zap.Int("failed", len(results)-started))
	return nil
}

// TriggerStory starts a run of storyID with input and returns its id
// without waiting for it to finish. The story's application is created on
// its first trigger.
func (s *Service) TriggerStory(ctx context.Context, storyID string, input map[string]any, opts ...apps.RunOption) (runID string, err error) {
	ctx, span := s.tracer.Start(ctx, "story.trigger", trace.WithAttributes(attribute.String("story.id", storyID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("run.id", runID))
		}
		span.End()
	}()

	if err := s.accepting(); err != nil {
		return "", err
	}

	app, err := s.apps.Ensure(ctx, storyID)
	if err != nil {
		return "", err
	}

	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx); err != nil {
			return "", fmt.Errorf("no run slot for story %s: %w", storyID, err)
		}
	}

	run, err := s.startRun(ctx, app, input, opts)
	if err != nil {
		if s.limiter != nil {
			s.limiter.Release(nil)
		}
		return "", err
	}
	if s.limiter != nil {
		go func() {
			defer s.slots.Done()
			<-run.Done()
			s.limiter.Release(breakerOutcome(run.Err()))
		}()
	}
	return run.ID, nil
}

// startRun re-checks the state under the read lock so that Shutdown, which
// takes the write lock, never misses a slot being taken.
func (s *Service) startRun(ctx context.Context, app *apps.App, input map[string]any, opts []apps.RunOption) (*apps.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != stateRunning {
		return nil, storyerrors.ErrEngineStopped
	}
	run, err := app.StartRun(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	if s.limiter != nil {
		s.slots.Add(1)
	}
	return run, nil
}

func (s *Service) accepting() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case stateRunning:
		return nil
	case stateCreated:
		return fmt.Errorf("service not started: %w", storyerrors.ErrEngineStopped)
	default:
		return storyerrors.ErrEngineStopped
	}
}

// breakerOutcome keeps story failures away from the circuit breaker. Only a
// runtime that cannot provision containers should stop intake.
func breakerOutcome(err error) error {
	if errors.Is(err, storyerrors.ErrProvision) {
		return err
	}
	return nil
}

// Run returns a run by id.
func (s *Service) Run(runID string) (*apps.Run, bool) {
	return s.apps.Run(runID)
}

// Apps returns the application manager.
func (s *Service) Apps() *apps.Manager {
	return s.apps
}

// Shutdown stops accepting triggers, destroys every application and
// flushes crash reports. Further calls wait for the first and return its
// outcome.
func (s *Service) Shutdown(ctx context.Context) ([]apps.Result, error) {
	s.mu.Lock()
	if s.state == stateStopping || s.state == stateStopped {
		s.mu.Unlock()
		select {
		case <-s.stopped:
			return s.stopResults, s.stopErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.state = stateStopping
	s.mu.Unlock()

	s.logger.Info("Shutting down engine")
	results := s.apps.DestroyAll(ctx)
	s.slots.Wait()

	var err error
	for _, r := range results {
		err = multierr.Append(err, r.Err)
	}
	if s.flusher != nil && !s.flusher.Flush(s.flushTimeout(ctx)) {
		s.logger.Warn("Crash reports were not flushed in time")
	}

	s.mu.Lock()
	s.state = stateStopped
	s.stopResults, s.stopErr = results, err
	s.mu.Unlock()
	close(s.stopped)

	if err != nil {
		s.logger.Error("Engine stopped with errors", zap.Error(err))
	} else {
		s.logger.Info("Shutdown complete!")
	}
	return results, err
}

func (s *Service) flushTimeout(ctx context.Context) time.Duration {
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, max(time.Until(deadline), 0))
	}
	return timeout
}

// Serve blocks until ctx is done, then shuts down within the configured
// shutdown timeout.
func (s *Service) Serve(ctx context.Context) error {
	<-ctx.Done()
	s.logger.Info("Received shutdown signal", zap.Error(context.Cause(ctx)))

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	_, err := s.Shutdown(sctx)
	return err
}

// Stopped is closed once Shutdown has finished.
func (s *Service) Stopped() <-chan struct{} {
	return s.stopped
}
