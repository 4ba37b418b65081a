package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// JSContext defines the minimal subset of JetStream operations the service depends on.
// This allows tests to provide a mock without requiring a running NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
}

// JSSubscription is the part of a pull subscription the service uses.
type JSSubscription interface {
	Unsubscribe() error
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{JetStreamContext: js}
}

type natsJSAdapter struct {
	nats.JetStreamContext
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	return a.JetStreamContext.PullSubscribe(subj, durable, opts...)
}

// BlobUploader stores reports too large to publish inline.
type BlobUploader interface {
	UploadResult(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error)
}

// MaxInlineReportSize is the largest report published as is.
const MaxInlineReportSize int = 1536 * 1024

// Options tune the message service.
type Options struct {
	// MaxDeliver bounds redeliveries on consumers the service creates.
	MaxDeliver int
	// AckWait is the ack deadline on consumers the service creates.
	AckWait time.Duration
	// PublishMaxRetries is how often a publish is attempted in total.
	PublishMaxRetries int
	// RetryBackoff is multiplied by the attempt number between publishes.
	RetryBackoff time.Duration
	// FetchWait bounds one pull when ctx has no earlier deadline.
	FetchWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxDeliver == 0 {
		o.MaxDeliver = 5
	}
	if o.AckWait <= 0 {
		o.AckWait = 30 * time.Second
	}
	if o.PublishMaxRetries <= 0 {
		o.PublishMaxRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.FetchWait <= 0 {
		o.FetchWait = 3 * time.Second
	}
	return o
}

// MessageService moves triggers, registrations and run reports over JetStream.
type MessageService struct {
	js     JSContext
	opts   Options
	logger *zap.Logger
	blobs  BlobUploader
}

// NewMessageService creates a message service on js.
func NewMessageService(js JSContext, opts Options, logger *zap.Logger) (*MessageService, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{js: js, opts: opts.withDefaults(), logger: logger}, nil
}

// SetBlobStorage enables offloading of large reports.
func (s *MessageService) SetBlobStorage(b BlobUploader) {
	s.blobs = b
}

// EnsureStream creates the stream with the given subjects unless it exists.
func (s *MessageService) EnsureStream(name string, subjects ...string) error {
	info, err := s.js.StreamInfo(name)
	if err == nil {
		s.logger.Debug("JetStream stream already exists",
			zap.String("stream", name),
			zap.Uint64("messages", info.State.Msgs))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", name, err)
	}

	cfg := &nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	}
	if _, err := s.js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", name, err)
	}
	s.logger.Info("Created JetStream stream",
		zap.String("stream", name),
		zap.Strings("subjects", subjects))
	return nil
}

// EnsureConsumer creates a durable pull consumer filtered to filterSubject
// unless it exists.
func (s *MessageService) EnsureConsumer(stream, consumer, filterSubject string) error {
	_, err := s.js.ConsumerInfo(stream, consumer)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumer, stream, err)
	}

	cfg := &nats.ConsumerConfig{
		Durable:       consumer,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		FilterSubject: filterSubject,
		AckWait:       s.opts.AckWait,
		MaxAckPending: 1000,
		MaxDeliver:    s.opts.MaxDeliver,
	}
	if _, err := s.js.AddConsumer(stream, cfg); err != nil {
		return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumer, stream, err)
	}
	s.logger.Info("Created JetStream consumer",
		zap.String("stream", stream),
		zap.String("consumer", consumer),
		zap.Int("max_deliver", s.opts.MaxDeliver))
	return nil
}

// publish sends data, retrying with a linear backoff until ctx ends.
func (s *MessageService) publish(ctx context.Context, subject string, data []byte) error {
	if subject == "" {
		return fmt.Errorf("subject cannot be empty")
	}

	var err error
	for attempt := 1; attempt <= s.opts.PublishMaxRetries; attempt++ {
		if _, err = s.js.Publish(subject, data, nats.Context(ctx)); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("publish cancelled: %w", ctx.Err())
		}
		if attempt == s.opts.PublishMaxRetries {
			break
		}
		s.logger.Warn("Publish failed, retrying",
			zap.String("subject", subject),
			zap.Int("attempt", attempt),
			zap.Error(err))

		timer := time.NewTimer(time.Duration(attempt) * s.opts.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("publish cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("publish to %s failed after %d attempts: %w", subject, s.opts.PublishMaxRetries, err)
}

// PublishTrigger publishes a trigger.
func (s *MessageService) PublishTrigger(ctx context.Context, subject string, t *Trigger) error {
	data, err := t.ToBytes()
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	return s.publish(ctx, subject, data)
}

// PublishRegistration publishes an application announcement.
func (s *MessageService) PublishRegistration(ctx context.Context, subject string, r *Registration) error {
	if r.Timestamp == "" {
		r.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	if err := s.publish(ctx, subject, data); err != nil {
		return err
	}
	s.logger.Debug("Published registration",
		zap.String("action", r.Action),
		zap.String("app", r.App))
	return nil
}

// PublishReport publishes a run report. Reports larger than
// MaxInlineReportSize are uploaded to blob storage when it is configured and
// published as a reference.
func (s *MessageService) PublishReport(ctx context.Context, subject string, r *RunReport) error {
	if r.CreatedAt == "" {
		r.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	if len(data) > MaxInlineReportSize && s.blobs != nil {
		path := fmt.Sprintf("reports/%s/%s.json", r.StoryID, r.RunID)
		url, err := s.blobs.UploadResult(ctx, path, data, map[string]string{
			"run_id":   r.RunID,
			"story_id": r.StoryID,
			"status":   r.Status,
		})
		if err != nil {
			return fmt.Errorf("offload report of run %s: %w", r.RunID, err)
		}
		s.logger.Info("Offloaded large run report",
			zap.String("run_id", r.RunID),
			zap.Int("size_bytes", len(data)))

		slim := *r
		slim.Results = nil
		slim.Order = nil
		slim.BlobReference = &BlobReference{URL: url, SizeBytes: len(data)}
		if slim.Error != nil {
			e := *slim.Error
			e.Output = ""
			slim.Error = &e
		}
		if data, err = json.Marshal(&slim); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
	}
	return s.publish(ctx, subject, data)
}

// Puller fetches triggers from a durable pull consumer.
type Puller struct {
	sub    JSSubscription
	wait   time.Duration
	logger *zap.Logger
}

// Subscribe binds to an existing durable consumer.
func (s *MessageService) Subscribe(stream, consumer string) (*Puller, error) {
	if stream == "" || consumer == "" {
		return nil, fmt.Errorf("stream and consumer names are required")
	}
	sub, err := s.js.PullSubscribe("", consumer, nats.Bind(stream, consumer))
	if err != nil {
		return nil, fmt.Errorf("bind consumer %s: %w", consumer, err)
	}
	return &Puller{sub: sub, wait: s.opts.FetchWait, logger: s.logger}, nil
}

// Fetch pulls up to batch triggers. It returns no triggers and no error when
// none arrived in time. Undecodable messages are terminated.
func (p *Puller) Fetch(ctx context.Context, batch int) ([]*Delivery, error) {
	if batch <= 0 {
		batch = 10
	}
	fctx, cancel := context.WithTimeout(ctx, p.wait)
	defer cancel()

	msgs, err := p.sub.Fetch(batch, nats.Context(fctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
		}
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pull triggers: %w", err)
	}

	out := make([]*Delivery, 0, len(msgs))
	for _, m := range msgs {
		t, err := TriggerFromBytes(m.Data)
		if err != nil {
			p.logger.Warn("Dropping malformed trigger", zap.String("subject", m.Subject), zap.Error(err))
			_ = m.Term()
			continue
		}
		out = append(out, deliveryFromMsg(t, m))
	}
	return out, nil
}

// Close releases the subscription.
func (p *Puller) Close() error {
	return p.sub.Unsubscribe()
}
