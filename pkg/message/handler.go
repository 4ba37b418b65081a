package message

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrInvalidTrigger marks triggers that can never be accepted.
var ErrInvalidTrigger = errors.New("invalid trigger")

// Handler processes one trigger. It must not ack the delivery; the caller
// acks on nil and naks on error.
type Handler func(ctx context.Context, d *Delivery) error

// Middleware is a function that wraps a handler to add additional functionality
type Middleware func(Handler) Handler

// Chain chains multiple middlewares together
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware recovers from panics in message handlers
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, d *Delivery) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, d)
		}
	}
}

// LoggingMiddleware logs every handled trigger.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, d *Delivery) error {
			fields := []zap.Field{zap.String("subject", d.Subject)}
			if d.Trigger != nil {
				fields = append(fields,
					zap.String("story_id", d.Trigger.StoryID),
					zap.String("correlation_id", d.Trigger.CorrelationID))
			}
			logger.Debug("Processing trigger", fields...)
			err := next(ctx, d)
			if err != nil {
				logger.Warn("Trigger rejected", append(fields, zap.Error(err))...)
			}
			return err
		}
	}
}

// ValidationMiddleware rejects triggers without a story.
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, d *Delivery) error {
			if d.Trigger == nil {
				return fmt.Errorf("%w: trigger is nil", ErrInvalidTrigger)
			}
			if d.Trigger.StoryID == "" {
				return fmt.Errorf("%w: trigger on %s names no story", ErrInvalidTrigger, d.Subject)
			}
			return next(ctx, d)
		}
	}
}
