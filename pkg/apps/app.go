package apps

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wehubfusion/storyengine/pkg/containers"
	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
	"github.com/wehubfusion/storyengine/pkg/runctx"
	"github.com/wehubfusion/storyengine/pkg/story"
)

// Info identifies an application to the gateway.
type Info struct {
	Name    string
	StoryID string
}

// Run is one asynchronous execution of an application's story.
type Run struct {
	ID      string
	App     string
	StoryID string
	// Context is owned by the executing goroutine until Done is closed and is
	// final afterwards.
	Context *runctx.Context
	Volume  *containers.RunVolume
	Started time.Time

	// CorrelationID is echoed from the trigger that started the run.
	CorrelationID string

	done     chan struct{}
	err      error
	finished time.Time
}

// Done is closed when the run has finished and its volume was released.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err returns the terminal error of the run. It is valid once Done is closed.
func (r *Run) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Finished returns when the run ended, zero while it is in flight.
func (r *Run) Finished() time.Time {
	select {
	case <-r.done:
		return r.finished
	default:
		return time.Time{}
	}
}

// Wait blocks until the run finished or ctx ends.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// App is one active application: a story graph, its environment and its
// in-flight runs.
type App struct {
	Name    string
	StoryID string

	graph   *story.Graph
	env     map[string]any
	deps    *Manager
	logger  *zap.Logger
	runsCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	runs     map[string]*Run
	finished []string
	leaked   []*containers.RunVolume
	wg       sync.WaitGroup
}

func newApp(m *Manager, cfg Config, g *story.Graph) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		Name:    cfg.Name,
		StoryID: cfg.StoryID,
		graph:   g,
		env:     MergeEnvironment(g.Environment(), cfg.Environment),
		deps:    m,
		logger:  m.logger.With(zap.String("app", cfg.Name), zap.String("story_id", cfg.StoryID)),
		runsCtx: ctx,
		cancel:  cancel,
		runs:    make(map[string]*Run),
	}
}

// Info returns the gateway identity of the application.
func (a *App) Info() Info {
	return Info{Name: a.Name, StoryID: a.StoryID}
}

// Graph returns the story graph shared by every run of the application.
func (a *App) Graph() *story.Graph {
	return a.graph
}

// Environment returns a copy of the merged application environment.
func (a *App) Environment() map[string]any {
	return overlay(a.env, nil)
}

// RunOption configures a run before it starts.
type RunOption func(*Run)

// WithCorrelationID tags the run with the id of its trigger.
func WithCorrelationID(id string) RunOption {
	return func(r *Run) { r.CorrelationID = id }
}

// StartRun creates a run context from the application environment overlaid
// with input and executes the story asynchronously. The run is cancelled
// only when the application is destroyed, not when ctx ends.
func (a *App) StartRun(ctx context.Context, input map[string]any, opts ...RunOption) (*Run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("app %s: %w", a.Name, storyerrors.ErrEngineStopped)
	}

	runID := uuid.NewString()
	run := &Run{
		ID:      runID,
		App:     a.Name,
		StoryID: a.StoryID,
		Context: runctx.New(runID, a.StoryID, a.graph.Entrypoint(), overlay(a.env, input), a.deps.maxDepth),
		Volume:  containers.NewRunVolume(a.deps.volumes, runID),
		Started: time.Now(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(run)
	}
	a.runs[runID] = run
	a.wg.Add(1)

	a.logger.Info("Run accepted", zap.String("run_id", runID))
	go a.execute(run)
	return run, nil
}

func (a *App) execute(run *Run) {
	defer a.wg.Done()

	err := a.deps.runner.Run(a.runsCtx, a.graph, run.Context, run.Volume)

	releaseCtx, cancel := context.WithTimeout(context.Background(), a.deps.releaseTimeout)
	if relErr := run.Volume.Release(releaseCtx); relErr != nil {
		a.logger.Warn("Failed to release run volume, keeping it for teardown",
			zap.String("run_id", run.ID), zap.Error(relErr))
		a.mu.Lock()
		a.leaked = append(a.leaked, run.Volume)
		a.mu.Unlock()
	}
	cancel()

	run.err = err
	run.finished = time.Now()
	if err != nil {
		a.logger.Warn("Run failed", zap.String("run_id", run.ID), zap.Error(err))
		if !errors.Is(err, storyerrors.ErrCancelled) {
			a.deps.capture(err)
		}
	} else {
		a.logger.Info("Run finished", zap.String("run_id", run.ID),
			zap.Duration("duration", run.finished.Sub(run.Started)))
	}
	close(run.done)

	a.retire(run.ID)
	if a.deps.observer != nil {
		a.deps.observer.RunFinished(context.Background(), run)
	}
}

// retire keeps at most the configured number of finished runs retrievable.
func (a *App) retire(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finished = append(a.finished, runID)
	for len(a.finished) > a.deps.retainRuns {
		delete(a.runs, a.finished[0])
		a.finished = a.finished[1:]
	}
}

// Run returns a run of the application by id.
func (a *App) Run(runID string) (*Run, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.runs[runID]
	return r, ok
}

// InFlight returns the number of runs that have not finished.
func (a *App) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.runs {
		select {
		case <-r.done:
		default:
			n++
		}
	}
	return n
}

// destroy cancels and drains every run, releases every tracked volume and
// unregisters from the gateway. Every step is attempted; errors are combined.
func (a *App) destroy(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.cancel()

	var errs error
	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("runs did not drain: %w", ctx.Err()))
	}

	a.mu.Lock()
	volumes := append([]*containers.RunVolume(nil), a.leaked...)
	for _, r := range a.runs {
		if !slices.Contains(volumes, r.Volume) {
			volumes = append(volumes, r.Volume)
		}
	}
	a.leaked = nil
	a.mu.Unlock()

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.deps.releaseTimeout)
	defer cancel()
	for _, vol := range volumes {
		errs = multierr.Append(errs, vol.Release(releaseCtx))
	}

	if a.deps.gateway != nil {
		if err := a.deps.gateway.Unregister(releaseCtx, a.Info()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("unregister: %w", err))
		}
	}
	return errs
}
