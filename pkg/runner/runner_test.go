package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/storyengine/pkg/apps"
	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
	"github.com/wehubfusion/storyengine/pkg/message"
)

type recordingAck struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAck) record(action string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	return nil
}

func (a *recordingAck) Ack(...nats.AckOpt) error        { return a.record("ack") }
func (a *recordingAck) Nak(...nats.AckOpt) error        { return a.record("nak") }
func (a *recordingAck) Term(...nats.AckOpt) error       { return a.record("term") }
func (a *recordingAck) InProgress(...nats.AckOpt) error { return a.record("progress") }

func (a *recordingAck) get() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.actions...)
}

// queueFetcher hands out queued deliveries, then reports nothing pending.
type queueFetcher struct {
	mu      sync.Mutex
	pending []*message.Delivery
	errs    []error
	calls   atomic.Int32
}

func (f *queueFetcher) Fetch(ctx context.Context, batch int) ([]*message.Delivery, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	n := min(batch, len(f.pending))
	out := f.pending[:n]
	f.pending = f.pending[n:]
	return out, nil
}

type acceptFunc func(ctx context.Context, storyID string, input map[string]any, correlationID string) (string, error)

func (f acceptFunc) TriggerStory(ctx context.Context, storyID string, input map[string]any, opts ...apps.RunOption) (string, error) {
	var run apps.Run
	for _, opt := range opts {
		opt(&run)
	}
	return f(ctx, storyID, input, run.CorrelationID)
}

func delivery(subject, storyID string) (*message.Delivery, *recordingAck) {
	ack := &recordingAck{}
	return message.NewAckedDelivery(subject, message.NewTrigger(storyID, map[string]any{"n": 1}), ack), ack
}

func runUntil(t *testing.T, r *Runner, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	require.Eventually(t, done, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestNewRunner_Validates(t *testing.T) {
	_, err := NewRunner(nil, acceptFunc(nil), Config{}, nil)
	assert.ErrorContains(t, err, "fetcher")

	_, err = NewRunner(&queueFetcher{}, nil, Config{}, nil)
	assert.ErrorContains(t, err, "acceptor")

	r, err := NewRunner(&queueFetcher{}, acceptFunc(nil), Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r.cfg.Workers)
	assert.Equal(t, DefaultBatchSize, r.cfg.BatchSize)
	assert.Equal(t, DefaultAcceptTimeout, r.cfg.AcceptTimeout)
}

func TestRunner_AcksAcceptedTriggers(t *testing.T) {
	var (
		mu      sync.Mutex
		stories []string
	)
	fetcher := &queueFetcher{}
	var acks []*recordingAck
	for i := 0; i < 20; i++ {
		d, ack := delivery("stories.trigger.echo", "echo")
		d.Trigger.CorrelationID = fmt.Sprintf("c-%d", i)
		fetcher.pending = append(fetcher.pending, d)
		acks = append(acks, ack)
	}

	r, err := NewRunner(fetcher, acceptFunc(func(ctx context.Context, storyID string, input map[string]any, correlationID string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		stories = append(stories, storyID+"/"+correlationID)
		assert.Equal(t, map[string]any{"n": 1}, input)
		return "run-" + correlationID, nil
	}), Config{Workers: 4, BatchSize: 3}, zap.NewNop())
	require.NoError(t, err)

	runUntil(t, r, func() bool {
		for _, a := range acks {
			if len(a.get()) == 0 {
				return false
			}
		}
		return true
	})

	for _, a := range acks {
		assert.Equal(t, []string{"ack"}, a.get())
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, stories, 20)
}

func TestRunner_SettlesRejectedTriggers(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"engine stopped is retried", fmt.Errorf("trigger: %w", storyerrors.ErrEngineStopped), "nak"},
		{"transient failure is retried", errors.New("no run slot"), "nak"},
		{"missing story is dropped", &storyerrors.AppError{Kind: storyerrors.ErrAppInit, App: "x", Err: storyerrors.ErrStoryNotFound}, "term"},
		{"broken story is dropped", &storyerrors.GraphBuildError{Story: "x", Reason: "cycle"}, "term"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ack := delivery("stories.trigger.x", "x")
			r, err := NewRunner(&queueFetcher{pending: []*message.Delivery{d}},
				acceptFunc(func(context.Context, string, map[string]any, string) (string, error) {
					return "", tt.err
				}), Config{}, nil)
			require.NoError(t, err)

			runUntil(t, r, func() bool { return len(ack.get()) > 0 })
			assert.Equal(t, []string{tt.want}, ack.get())
		})
	}
}

func TestRunner_StoryFromSubject(t *testing.T) {
	named, namedAck := delivery("stories.trigger.echo", "")
	unnamed, unnamedAck := delivery("elsewhere", "")

	var got atomic.Value
	r, err := NewRunner(&queueFetcher{pending: []*message.Delivery{named, unnamed}},
		acceptFunc(func(ctx context.Context, storyID string, input map[string]any, correlationID string) (string, error) {
			got.Store(storyID)
			return "run-1", nil
		}),
		Config{StoryFromSubject: func(subject string) (string, bool) {
			return strings.CutPrefix(subject, "stories.trigger.")
		}}, nil)
	require.NoError(t, err)

	runUntil(t, r, func() bool { return len(namedAck.get()) > 0 && len(unnamedAck.get()) > 0 })
	assert.Equal(t, "echo", got.Load())
	assert.Equal(t, []string{"ack"}, namedAck.get())
	assert.Equal(t, []string{"term"}, unnamedAck.get())
}

func TestRunner_RecoversPanickingAcceptor(t *testing.T) {
	d, ack := delivery("stories.trigger.echo", "echo")
	r, err := NewRunner(&queueFetcher{pending: []*message.Delivery{d}},
		acceptFunc(func(context.Context, string, map[string]any, string) (string, error) {
			panic("boom")
		}), Config{}, nil)
	require.NoError(t, err)

	runUntil(t, r, func() bool { return len(ack.get()) > 0 })
	assert.Equal(t, []string{"nak"}, ack.get())
}

func TestRunner_BacksOffOnFetchErrors(t *testing.T) {
	d, ack := delivery("stories.trigger.echo", "echo")
	fetcher := &queueFetcher{
		pending: []*message.Delivery{d},
		errs:    []error{errors.New("consumer gone"), errors.New("consumer gone")},
	}
	r, err := NewRunner(fetcher, acceptFunc(func(context.Context, string, map[string]any, string) (string, error) {
		return "run-1", nil
	}), Config{}, nil)
	require.NoError(t, err)

	runUntil(t, r, func() bool { return len(ack.get()) > 0 })
	assert.GreaterOrEqual(t, int(fetcher.calls.Load()), 3)
	assert.Equal(t, []string{"ack"}, ack.get())
}

func TestRunner_AcceptTimeout(t *testing.T) {
	d, ack := delivery("stories.trigger.echo", "echo")
	r, err := NewRunner(&queueFetcher{pending: []*message.Delivery{d}},
		acceptFunc(func(ctx context.Context, _ string, _ map[string]any, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}), Config{AcceptTimeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	runUntil(t, r, func() bool { return len(ack.get()) > 0 })
	assert.Equal(t, []string{"nak"}, ack.get())
}
