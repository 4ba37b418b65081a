// Package handler walks a story graph for one run, dispatching each line to a
// control-flow primitive or to the container executor.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/storyengine/pkg/containers"
	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
	"github.com/wehubfusion/storyengine/pkg/lexicon"
	"github.com/wehubfusion/storyengine/pkg/runctx"
	"github.com/wehubfusion/storyengine/pkg/story"
)

// ErrorVariable is the variable a catch line finds the failure in.
const ErrorVariable = "error"

// Executor runs one container request.
type Executor interface {
	Execute(ctx context.Context, req containers.Request) (*containers.Outcome, error)
}

// Handler is the line interpreter. It holds no per-run state and may execute
// any number of runs concurrently.
type Handler struct {
	executor Executor
	resolver *lexicon.Resolver
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option configures a Handler.
type Option func(*Handler)

// WithResolver replaces the expression resolver.
func WithResolver(r *lexicon.Resolver) Option {
	return func(h *Handler) {
		if r != nil {
			h.resolver = r
		}
	}
}

// New creates a handler that runs containers through executor.
func New(executor Executor, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		executor: executor,
		resolver: &lexicon.Resolver{},
		logger:   logger,
		tracer:   otel.Tracer("storyengine/handler"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes the graph from rc.Cursor until the story ends, a line fails
// or ctx is cancelled. Lines run strictly one after another. vol is the run
// volume and may be nil. A failure is returned as *storyerrors.LineError.
func (h *Handler) Run(ctx context.Context, g *story.Graph, rc *runctx.Context, vol *containers.RunVolume) error {
	ctx, span := h.tracer.Start(ctx, "story.run",
		trace.WithAttributes(
			attribute.String("story.id", rc.StoryID),
			attribute.String("story.run_id", rc.RunID),
		),
	)
	defer span.End()

	logger := h.logger.With(zap.String("story_id", rc.StoryID), zap.String("run_id", rc.RunID))
	logger.Debug("Run started", zap.String("entrypoint", rc.Cursor))

	steps := 0
	for rc.Cursor != "" {
		if err := ctx.Err(); err != nil {
			return h.fail(span, logger, &storyerrors.LineError{
				LineID: rc.Cursor,
				Err:    fmt.Errorf("%w: %w", storyerrors.ErrCancelled, err),
			})
		}
		line, ok := g.Line(rc.Cursor)
		if !ok {
			return h.fail(span, logger, &storyerrors.LineError{LineID: rc.Cursor, Err: errors.New("line does not exist")})
		}

		next, err := h.step(ctx, g, rc, line, vol)
		if err != nil {
			var le *storyerrors.LineError
			if !errors.As(err, &le) {
				err = &storyerrors.LineError{LineID: line.ID, Err: err}
			}
			return h.fail(span, logger, err)
		}
		rc.Cursor = next
		steps++
	}

	span.SetAttributes(attribute.Int("story.steps", steps))
	span.SetStatus(codes.Ok, "run finished")
	logger.Debug("Run finished", zap.Int("steps", steps), zap.Int("results", len(rc.Order())))
	return nil
}

func (h *Handler) fail(span trace.Span, logger *zap.Logger, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Warn("Run failed", zap.Error(err))
	return err
}

func (h *Handler) step(ctx context.Context, g *story.Graph, rc *runctx.Context, line *story.Line, vol *containers.RunVolume) (string, error) {
	ctx, span := h.tracer.Start(ctx, "story.line",
		trace.WithAttributes(
			attribute.String("line.id", line.ID),
			attribute.String("line.method", string(line.Op.Method())),
		),
	)
	defer span.End()

	start := time.Now()
	next, err := h.dispatch(ctx, g, rc, line, vol)
	if err != nil {
		if r, ok := rc.Result(line.ID); !ok || r.Start.Before(start) {
			rc.Record(line.ID, runctx.Result{Start: start, End: time.Now(), Err: err.Error()})
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("line.next", next))
	return next, nil
}

func (h *Handler) dispatch(ctx context.Context, g *story.Graph, rc *runctx.Context, line *story.Line, vol *containers.RunVolume) (string, error) {
	switch op := line.Op.(type) {
	case story.Run:
		return h.runContainer(ctx, g, rc, line, op, vol)
	case story.If:
		cond, err := h.resolver.ResolveRequired(line.ID, "condition", op.Condition, rc.Environment)
		if err != nil {
			return "", err
		}
		return lexicon.IfCondition(rc, g, line, cond)
	case story.ElseIf:
		cond, err := h.resolver.ResolveRequired(line.ID, "condition", op.Condition, rc.Environment)
		if err != nil {
			return "", err
		}
		return lexicon.IfCondition(rc, g, line, cond)
	case story.Else:
		return lexicon.Else(line), nil
	case story.Function:
		return lexicon.Next(rc, g, line)
	case story.Set:
		value, err := h.resolver.ResolveRequired(line.ID, "value", op.Value, rc.Environment)
		if err != nil {
			return "", err
		}
		return lexicon.Set(rc, g, line, value)
	case story.Call:
		args, err := h.resolver.ResolveArgs(line.ID, op.Args, rc.Environment)
		if err != nil {
			return "", err
		}
		return lexicon.Call(rc, g, line, args)
	case story.Noop:
		return lexicon.Next(rc, g, line)
	default:
		return "", fmt.Errorf("unsupported operation %T", op)
	}
}

func (h *Handler) runContainer(ctx context.Context, g *story.Graph, rc *runctx.Context, line *story.Line, op story.Run, vol *containers.RunVolume) (string, error) {
	args, err := h.resolver.ResolveArgs(line.ID, op.Args, rc.Environment)
	if err != nil {
		return "", err
	}

	start := time.Now()
	out, err := h.executor.Execute(ctx, containers.Request{
		Spec:   op.Container,
		Args:   lexicon.CommandArgs(args),
		Env:    renderEnv(rc.Environment),
		Volume: vol,
	})
	end := time.Now()

	if err != nil {
		var (
			output   string
			exitCode int
			ee       *storyerrors.ExecutionError
		)
		if errors.As(err, &ee) {
			output, exitCode = ee.Output, ee.ExitCode
		}
		rc.Record(line.ID, runctx.Result{Output: output, Start: start, End: end, ExitCode: exitCode, Err: err.Error()})

		if op.Catch != "" && ctx.Err() == nil {
			h.logger.Info("Line failed, continuing at catch line",
				zap.String("run_id", rc.RunID),
				zap.String("line_id", line.ID),
				zap.String("catch", op.Catch),
				zap.Error(err))
			rc.Set(ErrorVariable, map[string]any{
				"line":      line.ID,
				"message":   err.Error(),
				"output":    output,
				"exit_code": exitCode,
			})
			return op.Catch, nil
		}
		return "", &storyerrors.LineError{LineID: line.ID, Output: output, Err: err}
	}

	rc.Record(line.ID, runctx.Result{Output: out.Output, Start: start, End: end, ExitCode: out.ExitCode})
	if op.Output != "" {
		rc.Set(op.Output, decodeOutput(out.Output))
	}
	return lexicon.Next(rc, g, line)
}

// decodeOutput turns JSON object and array output into values that paths can
// reach into; any other output stays a string.
func decodeOutput(out string) any {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return out
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return out
	}
	return v
}

func renderEnv(env map[string]any) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = lexicon.Render(v)
	}
	return out
}
