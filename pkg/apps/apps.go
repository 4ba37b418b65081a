package apps

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wehubfusion/storyengine/pkg/containers"
	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
	"github.com/wehubfusion/storyengine/pkg/runctx"
	"github.com/wehubfusion/storyengine/pkg/story"
)

const (
	// DefaultRetainRuns is how many finished runs per app stay retrievable.
	DefaultRetainRuns = 1024
	// DefaultReleaseTimeout bounds volume release and gateway unregistration.
	DefaultReleaseTimeout = 30 * time.Second
)

// Config declares one application.
type Config struct {
	Name        string         `yaml:"name" json:"name"`
	StoryID     string         `yaml:"story" json:"story"`
	Environment map[string]any `yaml:"environment,omitempty" json:"environment,omitempty"`
}

// Result is the lifecycle outcome of one application.
type Result struct {
	Name string
	Err  error
}

// Gateway announces applications to the outside world.
type Gateway interface {
	Register(ctx context.Context, app Info) error
	Unregister(ctx context.Context, app Info) error
}

// Runner executes a story graph against a run context.
type Runner interface {
	Run(ctx context.Context, g *story.Graph, rc *runctx.Context, vol *containers.RunVolume) error
}

// CrashReporter receives unexpected failures.
type CrashReporter interface {
	Capture(err error)
}

// RunObserver is notified after every run finished.
type RunObserver interface {
	RunFinished(ctx context.Context, run *Run)
}

type state int

const (
	stateCreated state = iota
	stateInitializing
	stateInitialized
	stateDestroyed
)

// Manager owns the registry of active applications.
type Manager struct {
	source  story.Source
	runner  Runner
	volumes containers.VolumeProvider
	gateway Gateway
	crash   CrashReporter
	logger  *zap.Logger

	observer       RunObserver
	maxDepth       int
	initLimit      int
	retainRuns     int
	releaseTimeout time.Duration

	mu        sync.RWMutex
	state     state
	apps      map[string]*App
	ensure    singleflight.Group
	// initialized is closed once InitAll has published the registry.
	initialized chan struct{}
	destroyed   chan struct{}
	destroy   []Result
}

// Option configures a Manager.
type Option func(*Manager)

// WithGateway registers every application with gw.
func WithGateway(gw Gateway) Option {
	return func(m *Manager) { m.gateway = gw }
}

// WithVolumes sets the provider of per-run volumes.
func WithVolumes(vp containers.VolumeProvider) Option {
	return func(m *Manager) { m.volumes = vp }
}

// WithCrashReporter forwards unexpected failures to r.
func WithCrashReporter(r CrashReporter) Option {
	return func(m *Manager) { m.crash = r }
}

// WithObserver notifies o of every finished run.
func WithObserver(o RunObserver) Option {
	return func(m *Manager) { m.observer = o }
}

// WithMaxDepth bounds the call stack of every run.
func WithMaxDepth(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxDepth = n
		}
	}
}

// WithInitLimit bounds how many applications initialize at once.
func WithInitLimit(n int) Option {
	return func(m *Manager) { m.initLimit = n }
}

// WithRetainRuns sets how many finished runs per app stay retrievable.
func WithRetainRuns(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retainRuns = n
		}
	}
}

// WithReleaseTimeout bounds each volume release and gateway unregistration.
func WithReleaseTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.releaseTimeout = d
		}
	}
}

// NewManager creates an empty registry.
func NewManager(source story.Source, runner Runner, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		source:         source,
		runner:         runner,
		logger:         logger,
		maxDepth:       runctx.DefaultMaxDepth,
		retainRuns:     DefaultRetainRuns,
		releaseTimeout: DefaultReleaseTimeout,
		apps:           make(map[string]*App),
		initialized:    make(chan struct{}),
		destroyed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitAll starts every configured application concurrently. A failing
// application never prevents the others from starting. The registry becomes
// visible only after every application finished initializing. When apps were
// requested but none started the error wraps ErrNoAppsStarted.
func (m *Manager) InitAll(ctx context.Context, configs []Config) ([]Result, error) {
	m.mu.Lock()
	if m.state != stateCreated {
		m.mu.Unlock()
		return nil, fmt.Errorf("apps: %w", storyerrors.ErrAlreadyInitialized)
	}
	m.state = stateInitializing
	m.mu.Unlock()
	defer close(m.initialized)

	results := make([]Result, len(configs))
	started := make([]*App, len(configs))
	seen := make(map[string]bool, len(configs))

	var g errgroup.Group
	if m.initLimit > 0 {
		g.SetLimit(m.initLimit)
	}
	for i, cfg := range configs {
		results[i].Name = cfg.Name
		if seen[cfg.Name] {
			results[i].Err = &storyerrors.AppError{
				Kind: storyerrors.ErrAppInit,
				App:  cfg.Name,
				Err:  fmt.Errorf("duplicate application name"),
			}
			continue
		}
		seen[cfg.Name] = true

		i, cfg := i, cfg
		g.Go(func() error {
			app, err := m.initApp(ctx, cfg)
			started[i] = app
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()

	var failures error
	count := 0
	var orphans []*App
	m.mu.Lock()
	destroyed := m.state == stateDestroyed
	if !destroyed {
		m.state = stateInitialized
	}
	for i, app := range started {
		if app == nil {
			failures = multierr.Append(failures, results[i].Err)
			continue
		}
		if destroyed {
			orphans = append(orphans, app)
			continue
		}
		m.apps[app.Name] = app
		count++
	}
	m.mu.Unlock()

	// Destroyed while initializing: undo the registrations.
	for _, app := range orphans {
		if err := app.destroy(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("Failed to stop application started during shutdown", zap.String("app", app.Name), zap.Error(err))
		}
	}
	if destroyed {
		return results, fmt.Errorf("apps: %w", storyerrors.ErrEngineStopped)
	}

	for _, r := range results {
		if r.Err != nil {
			m.logger.Error("Application failed to start", zap.String("app", r.Name), zap.Error(r.Err))
			m.capture(r.Err)
		}
	}
	m.logger.Info("Applications initialized",
		zap.Int("requested", len(configs)),
		zap.Int("started", count))

	if len(configs) > 0 && count == 0 {
		return results, fmt.Errorf("%w: %w", storyerrors.ErrNoAppsStarted, failures)
	}
	return results, nil
}

// initApp fetches, builds and registers one application. A panic is turned
// into an init failure of that application.
func (m *Manager) initApp(ctx context.Context, cfg Config) (app *App, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Application init panicked",
				zap.String("app", cfg.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			app = nil
			err = &storyerrors.AppError{Kind: storyerrors.ErrAppInit, App: cfg.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	fail := func(err error) (*App, error) {
		return nil, &storyerrors.AppError{Kind: storyerrors.ErrAppInit, App: cfg.Name, Err: err}
	}
	if cfg.Name == "" {
		return fail(fmt.Errorf("application name is empty"))
	}
	if cfg.StoryID == "" {
		return fail(fmt.Errorf("story id is empty"))
	}

	def, err := m.source.Fetch(ctx, cfg.StoryID)
	if err != nil {
		return fail(fmt.Errorf("fetch story %s: %w", cfg.StoryID, err))
	}
	g, err := story.Build(def)
	if err != nil {
		return fail(err)
	}
	for _, w := range g.Warnings() {
		m.logger.Warn("Story warning", zap.String("app", cfg.Name), zap.String("warning", w))
	}

	app = newApp(m, cfg, g)
	if m.gateway != nil {
		if err := m.gateway.Register(ctx, app.Info()); err != nil {
			app.cancel()
			return fail(fmt.Errorf("register: %w", err))
		}
	}
	m.logger.Info("Application started", zap.String("app", cfg.Name), zap.String("story_id", cfg.StoryID))
	return app, nil
}

// Ensure returns an application running storyID, creating one named after
// the story on the first call. Concurrent first calls share one
// initialization. While InitAll is running Ensure waits for it, so a
// configured application is never started twice.
func (m *Manager) Ensure(ctx context.Context, storyID string) (*App, error) {
	if err := m.waitInitialized(ctx); err != nil {
		return nil, err
	}
	if app, err := m.lookup(storyID); app != nil || err != nil {
		return app, err
	}

	v, err, _ := m.ensure.Do(storyID, func() (any, error) {
		if app, err := m.lookup(storyID); app != nil || err != nil {
			return app, err
		}
		app, err := m.initApp(ctx, Config{Name: m.freeName(storyID), StoryID: storyID})
		if err != nil {
			m.capture(err)
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state != stateInitialized {
			// Destroyed while initializing: undo the registration.
			go func() { _ = app.destroy(context.Background()) }()
			return nil, fmt.Errorf("app %s: %w", storyID, storyerrors.ErrEngineStopped)
		}
		if _, taken := m.apps[app.Name]; taken {
			go func() { _ = app.destroy(context.Background()) }()
			return nil, &storyerrors.AppError{Kind: storyerrors.ErrAppInit, App: app.Name, Err: fmt.Errorf("application name is taken")}
		}
		m.apps[app.Name] = app
		return app, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*App), nil
}

func (m *Manager) waitInitialized(ctx context.Context) error {
	m.mu.RLock()
	st := m.state
	m.mu.RUnlock()
	switch st {
	case stateCreated:
		return fmt.Errorf("apps: not initialized")
	case stateInitializing:
		select {
		case <-m.initialized:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// freeName is the name of a new application for storyID: the story id, or
// the story id with the first free numeric suffix when a configured
// application of another story already uses it.
func (m *Manager) freeName(storyID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name := storyID
	for i := 2; ; i++ {
		if _, taken := m.apps[name]; !taken {
			return name
		}
		name = fmt.Sprintf("%s-%d", storyID, i)
	}
}

func (m *Manager) lookup(storyID string) (*App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.state {
	case stateCreated:
		return nil, fmt.Errorf("apps: not initialized")
	case stateInitializing:
		return nil, fmt.Errorf("apps: still initializing")
	case stateDestroyed:
		return nil, fmt.Errorf("apps: %w", storyerrors.ErrEngineStopped)
	}
	if app, ok := m.apps[storyID]; ok && app.StoryID == storyID {
		return app, nil
	}
	var found *App
	for _, app := range m.apps {
		if app.StoryID == storyID && (found == nil || app.Name < found.Name) {
			found = app
		}
	}
	return found, nil
}

// App returns an active application by name.
func (m *Manager) App(name string) (*App, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[name]
	return app, ok
}

// Names returns the names of the active applications in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.apps))
	for name := range m.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run finds a run of any active application.
func (m *Manager) Run(runID string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, app := range m.apps {
		if r, ok := app.Run(runID); ok {
			return r, true
		}
	}
	return nil, false
}

// DestroyAll tears down every application concurrently and clears the
// registry. Each application's failures are combined into its own result.
// Further calls return the results of the first.
func (m *Manager) DestroyAll(ctx context.Context) []Result {
	m.mu.Lock()
	if m.state == stateDestroyed {
		m.mu.Unlock()
		<-m.destroyed
		return m.destroy
	}
	m.state = stateDestroyed
	apps := make([]*App, 0, len(m.apps))
	for _, app := range m.apps {
		apps = append(apps, app)
	}
	m.apps = make(map[string]*App)
	m.mu.Unlock()

	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	results := make([]Result, len(apps))

	var g errgroup.Group
	for i, app := range apps {
		results[i].Name = app.Name
		i, app := i, app
		g.Go(func() error {
			results[i].Err = m.destroyApp(ctx, app)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Err != nil {
			m.logger.Error("Application failed to stop", zap.String("app", r.Name), zap.Error(r.Err))
			m.capture(r.Err)
		}
	}
	m.logger.Info("Applications destroyed", zap.Int("count", len(results)))

	m.destroy = results
	close(m.destroyed)
	return results
}

func (m *Manager) destroyApp(ctx context.Context, app *App) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = multierr.Append(err, fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			err = &storyerrors.AppError{Kind: storyerrors.ErrAppDestroy, App: app.Name, Err: err}
		}
	}()
	return app.destroy(ctx)
}

func (m *Manager) capture(err error) {
	if m.crash != nil && err != nil {
		m.crash.Capture(err)
	}
}
