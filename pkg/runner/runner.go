// Package runner consumes triggers from the JetStream trigger consumer and
// hands them to the engine with a fixed pool of workers.
package runner

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
	"go.uber.org/zap"

	"github.com/wehubfusion/storyengine/pkg/apps"
	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
	"github.com/wehubfusion/storyengine/pkg/message"
)

const (
	DefaultBatchSize     = 10
	DefaultAcceptTimeout = 30 * time.Second
	initialPullBackoff   = 100 * time.Millisecond
	maxPullBackoff       = 5 * time.Second
	idlePullDelay        = 500 * time.Millisecond
)

// Fetcher pulls pending triggers.
type Fetcher interface {
	Fetch(ctx context.Context, batch int) ([]*message.Delivery, error)
}

// Acceptor starts a run for a trigger and returns its id. It must not wait
// for the run to finish.
type Acceptor interface {
	TriggerStory(ctx context.Context, storyID string, input map[string]any, opts ...apps.RunOption) (string, error)
}

// Config holds the runner settings.
type Config struct {
	Workers   int
	BatchSize int
	// AcceptTimeout bounds handing one trigger to the acceptor, which may
	// include building the story on first use and waiting for a run slot.
	AcceptTimeout time.Duration
	// StoryFromSubject fills in the story of triggers that do not name one.
	StoryFromSubject func(subject string) (string, bool)
}

// Runner pulls triggers and dispatches them to workers.
type Runner struct {
	fetcher  Fetcher
	acceptor Acceptor
	cfg      Config
	handler  message.Handler
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewRunner creates a runner. Workers and BatchSize default when unset.
func NewRunner(fetcher Fetcher, acceptor Acceptor, cfg Config, logger *zap.Logger) (*Runner, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if acceptor == nil {
		return nil, fmt.Errorf("acceptor cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = DefaultAcceptTimeout
	}

	r := &Runner{
		fetcher:  fetcher,
		acceptor: acceptor,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("storyengine/runner"),
	}
	r.handler = message.Chain(
		message.RecoveryMiddleware(),
		message.LoggingMiddleware(logger),
		message.ValidationMiddleware(),
	)(r.accept)
	return r, nil
}

// Run pulls and dispatches triggers until ctx is done, then waits for the
// workers to finish the triggers they hold.
func (r *Runner) Run(ctx context.Context) error {
	deliveries := make(chan *message.Delivery, r.cfg.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, deliveries)
		}(i)
	}

	r.pull(ctx, deliveries)
	close(deliveries)
	wg.Wait()

	r.logger.Info("Runner stopped")
	return ctx.Err()
}

func (r *Runner) pull(ctx context.Context, out chan<- *message.Delivery) {
	backoff := initialPullBackoff
	for ctx.Err() == nil {
		batch, err := r.fetcher.Fetch(ctx, r.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Error pulling triggers", zap.Error(err))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxPullBackoff)
			continue
		}
		backoff = initialPullBackoff

		if len(batch) == 0 {
			if !sleep(ctx, idlePullDelay) {
				return
			}
			continue
		}

		for i, d := range batch {
			select {
			case out <- d:
			case <-ctx.Done():
				// Hand the rest back for redelivery.
				for _, rest := range batch[i:] {
					_ = rest.Nak()
				}
				return
			}
		}
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, in <-chan *message.Delivery) {
	r.logger.Debug("Worker started", zap.Int("worker_id", workerID))
	defer r.logger.Debug("Worker stopped", zap.Int("worker_id", workerID))

	for d := range in {
		if ctx.Err() != nil {
			_ = d.Nak()
			continue
		}
		r.process(ctx, workerID, d)
	}
}

func (r *Runner) process(ctx context.Context, workerID int, d *message.Delivery) {
	if d.Trigger != nil && d.Trigger.StoryID == "" && r.cfg.StoryFromSubject != nil {
		if id, ok := r.cfg.StoryFromSubject(d.Subject); ok {
			d.Trigger.StoryID = id
		}
	}

	attrs := []attribute.KeyValue{
		attribute.Int("worker.id", workerID),
		attribute.String("trigger.subject", d.Subject),
	}
	if d.Trigger != nil {
		attrs = append(attrs,
			attribute.String("story.id", d.Trigger.StoryID),
			attribute.String("trigger.correlation_id", d.Trigger.CorrelationID))
	}
	ctx, span := r.tracer.Start(ctx, "trigger.process", trace.WithAttributes(attrs...))
	defer span.End()

	actx, cancel := context.WithTimeout(ctx, r.cfg.AcceptTimeout)
	defer cancel()

	err := r.handler(actx, d)
	if err == nil {
		span.SetStatus(codes.Ok, "")
		if ackErr := d.Ack(); ackErr != nil {
			r.logger.Error("Error acking trigger", zap.String("subject", d.Subject), zap.Error(ackErr))
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	settle, verb := d.Nak, "nak"
	if permanent(err) {
		settle, verb = d.Term, "term"
	}
	if settleErr := settle(); settleErr != nil {
		r.logger.Error("Error settling rejected trigger",
			zap.String("subject", d.Subject),
			zap.String("action", verb),
			zap.Error(settleErr))
	}
}

func (r *Runner) accept(ctx context.Context, d *message.Delivery) error {
	var opts []apps.RunOption
	if d.Trigger.CorrelationID != "" {
		opts = append(opts, apps.WithCorrelationID(d.Trigger.CorrelationID))
	}
	runID, err := r.acceptor.TriggerStory(ctx, d.Trigger.StoryID, d.Trigger.Input, opts...)
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("run.id", runID))
	r.logger.Info("Trigger accepted",
		zap.String("story_id", d.Trigger.StoryID),
		zap.String("run_id", runID),
		zap.String("correlation_id", d.Trigger.CorrelationID))
	return nil
}

// permanent reports whether redelivering the trigger cannot succeed.
func permanent(err error) bool {
	var build *storyerrors.GraphBuildError
	switch {
	case errors.Is(err, storyerrors.ErrEngineStopped):
		return false
	case errors.Is(err, storyerrors.ErrStoryNotFound), errors.As(err, &build):
		return true
	case errors.Is(err, message.ErrInvalidTrigger):
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
