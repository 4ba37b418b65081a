package containers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
	"github.com/wehubfusion/storyengine/pkg/story"
)

const (
	// DefaultTimeout applies when neither the request nor the container spec
	// sets a timeout.
	DefaultTimeout = 5 * time.Minute
	// DefaultReleaseTimeout bounds the release of one unit.
	DefaultReleaseTimeout = 30 * time.Second
)

// Request describes one execution. The unit is invoked with the container command
// followed by Args.
type Request struct {
	Spec story.ContainerSpec
	Args []string
	Env  map[string]string
	// Timeout overrides the container timeout when non-zero.
	Timeout time.Duration
	// Volume is the run volume; it is mounted when the container names a mount path.
	Volume *RunVolume
}

// Outcome is the result of a successful execution.
type Outcome struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Executor runs one unit per request and always releases it. It never retries.
type Executor struct {
	runtime        Runtime
	logger         *zap.Logger
	tracer         trace.Tracer
	defaultTimeout time.Duration
	releaseTimeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithDefaultTimeout sets the timeout used when a request has none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithReleaseTimeout bounds each release call.
func WithReleaseTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.releaseTimeout = d
		}
	}
}

// NewExecutor creates an executor over the given runtime.
func NewExecutor(runtime Runtime, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		runtime:        runtime,
		logger:         logger,
		tracer:         otel.Tracer("storyengine/containers"),
		defaultTimeout: DefaultTimeout,
		releaseTimeout: DefaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type runResponse struct {
	result RunResult
	err    error
}

// Execute provisions a unit for the request, runs it to completion, timeout or
// cancellation, and releases it exactly once on every path. Failures are
// returned as *storyerrors.ExecutionError.
func (e *Executor) Execute(ctx context.Context, req Request) (*Outcome, error) {
	timeout := e.timeoutFor(req)
	ctx, span := e.tracer.Start(ctx, "container.execute",
		trace.WithAttributes(
			attribute.String("container.name", req.Spec.Name),
			attribute.String("container.image", req.Spec.Image),
			attribute.Int64("container.timeout_ms", timeout.Milliseconds()),
		),
	)
	defer span.End()

	start := time.Now()
	outcome, err := e.execute(ctx, req, timeout)
	duration := time.Since(start)
	span.SetAttributes(attribute.Int64("container.duration_ms", duration.Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	outcome.Duration = duration
	span.SetAttributes(attribute.Int("container.exit_code", outcome.ExitCode))
	span.SetStatus(codes.Ok, "container finished")
	return outcome, nil
}

func (e *Executor) execute(ctx context.Context, req Request, timeout time.Duration) (*Outcome, error) {
	unit, err := e.runtime.Create(ctx, req.Spec)
	defer e.release(ctx, req.Spec, unit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, e.fail(storyerrors.ErrCancelled, req.Spec, RunResult{}, ctx.Err())
		}
		return nil, e.fail(storyerrors.ErrProvision, req.Spec, RunResult{}, err)
	}

	args := append(append([]string(nil), req.Spec.Command...), req.Args...)
	inv := Invocation{Args: args, Env: req.Env, Timeout: timeout}
	if req.Volume != nil && req.Spec.Volume != "" {
		vol, err := req.Volume.Get(ctx)
		if err != nil {
			return nil, e.fail(storyerrors.ErrProvision, req.Spec, RunResult{}, err)
		}
		inv.Volume = &vol
		inv.MountPath = req.Spec.Volume
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan runResponse, 1)
	go func() {
		res, err := e.runtime.Run(runCtx, unit, inv)
		done <- runResponse{result: res, err: err}
	}()

	select {
	case <-runCtx.Done():
		return nil, e.interrupted(ctx, req.Spec, RunResult{}, timeout)
	case resp := <-done:
		if resp.err != nil {
			if runCtx.Err() != nil {
				return nil, e.interrupted(ctx, req.Spec, resp.result, timeout)
			}
			return nil, e.fail(storyerrors.ErrRuntime, req.Spec, resp.result, resp.err)
		}
		if resp.result.ExitCode != 0 {
			return nil, e.fail(storyerrors.ErrRuntime, req.Spec, resp.result, nil)
		}
		return &Outcome{Output: resp.result.Output, ExitCode: resp.result.ExitCode}, nil
	}
}

// release runs on a context detached from the caller so cancellation of the
// run cannot skip it.
func (e *Executor) release(ctx context.Context, spec story.ContainerSpec, unit Unit) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.releaseTimeout)
	defer cancel()
	if err := e.runtime.Release(releaseCtx, unit); err != nil {
		e.logger.Warn("Failed to release container unit",
			zap.String("container", spec.Name),
			zap.String("unit", unit.Name),
			zap.Error(err))
	}
}

func (e *Executor) interrupted(ctx context.Context, spec story.ContainerSpec, res RunResult, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return e.fail(storyerrors.ErrCancelled, spec, res, err)
	}
	return e.fail(storyerrors.ErrTimeout, spec, res, fmt.Errorf("no result after %s", timeout))
}

func (e *Executor) fail(kind error, spec story.ContainerSpec, res RunResult, cause error) error {
	if cause == nil && res.Stderr != "" {
		cause = errors.New(res.Stderr)
	}
	e.logger.Debug("Container execution failed",
		zap.String("container", spec.Name),
		zap.String("kind", kind.Error()),
		zap.Int("exit_code", res.ExitCode),
		zap.Error(cause))
	return &storyerrors.ExecutionError{
		Kind:      kind,
		Container: spec.Name,
		ExitCode:  res.ExitCode,
		Output:    res.Output,
		Err:       cause,
	}
}

func (e *Executor) timeoutFor(req Request) time.Duration {
	switch {
	case req.Timeout > 0:
		return req.Timeout
	case req.Spec.Timeout > 0:
		return req.Spec.Timeout
	default:
		return e.defaultTimeout
	}
}
