package apps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/storyengine/pkg/containers"
	storyerrors "github.com/wehubfusion/storyengine/pkg/errors"
	"github.com/wehubfusion/storyengine/pkg/runctx"
	"github.com/wehubfusion/storyengine/pkg/story"
)

type runFunc func(ctx context.Context, g *story.Graph, rc *runctx.Context, vol *containers.RunVolume) error

func (f runFunc) Run(ctx context.Context, g *story.Graph, rc *runctx.Context, vol *containers.RunVolume) error {
	return f(ctx, g, rc, vol)
}

// usesVolume creates the run volume and finishes.
var usesVolume = runFunc(func(ctx context.Context, g *story.Graph, rc *runctx.Context, vol *containers.RunVolume) error {
	_, err := vol.Get(ctx)
	return err
})

// blocksUntilCancelled creates the run volume and waits for cancellation.
var blocksUntilCancelled = runFunc(func(ctx context.Context, g *story.Graph, rc *runctx.Context, vol *containers.RunVolume) error {
	if _, err := vol.Get(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return fmt.Errorf("%w: %w", storyerrors.ErrCancelled, ctx.Err())
})

type fakeGateway struct {
	mu            sync.Mutex
	registered    map[string]bool
	registerErr   map[string]error
	unregisterErr map[string]error
	unregisters   atomic.Int32
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		registered:    make(map[string]bool),
		registerErr:   make(map[string]error),
		unregisterErr: make(map[string]error),
	}
}

func (g *fakeGateway) Register(ctx context.Context, app Info) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.registerErr[app.Name]; err != nil {
		return err
	}
	g.registered[app.Name] = true
	return nil
}

func (g *fakeGateway) Unregister(ctx context.Context, app Info) error {
	g.unregisters.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.registered, app.Name)
	return g.unregisterErr[app.Name]
}

type fakeVolumes struct {
	mu         sync.Mutex
	live       map[string]bool
	releaseErr map[string]error
}

func newFakeVolumes() *fakeVolumes {
	return &fakeVolumes{live: make(map[string]bool), releaseErr: make(map[string]error)}
}

func (f *fakeVolumes) CreateVolume(ctx context.Context, runID string) (containers.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[runID] = true
	return containers.Volume{ID: "vol-" + runID, RunID: runID}, nil
}

func (f *fakeVolumes) ReleaseVolume(ctx context.Context, vol containers.Volume) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.releaseErr[vol.RunID]; err != nil {
		return err
	}
	delete(f.live, vol.RunID)
	return nil
}

func (f *fakeVolumes) liveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

type fakeCrash struct {
	mu   sync.Mutex
	errs []error
}

func (c *fakeCrash) Capture(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func noopStory(env map[string]any) *story.Definition {
	return &story.Definition{
		Environment: env,
		Tree:        map[string]story.LineDef{"1": {Method: "noop"}},
	}
}

func TestMergeEnvironment(t *testing.T) {
	got := MergeEnvironment(
		map[string]any{"one": 1, "two": 2},
		map[string]any{"one": 0, "three": 3},
	)
	assert.Equal(t, map[string]any{"one": 0, "two": 2}, got)

	assert.Empty(t, MergeEnvironment(nil, map[string]any{"x": 1}))
}

func TestInitAll_IsolatesFailures(t *testing.T) {
	src := story.NewMemorySource(map[string]*story.Definition{
		"good": noopStory(nil),
		"bad":  {Tree: map[string]story.LineDef{"1": {Method: "jump"}}},
	})
	gw := newFakeGateway()
	gw.registerErr["refused"] = errors.New("gateway refused")
	crash := &fakeCrash{}
	m := NewManager(src, usesVolume, zap.NewNop(), WithGateway(gw), WithCrashReporter(crash))

	results, err := m.InitAll(context.Background(), []Config{
		{Name: "a", StoryID: "good"},
		{Name: "b", StoryID: "bad"},
		{Name: "c", StoryID: "missing"},
		{Name: "refused", StoryID: "good"},
		{Name: "a", StoryID: "good"},
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.NoError(t, results[0].Err)
	for _, r := range results[1:] {
		require.Error(t, r.Err, r.Name)
		assert.ErrorIs(t, r.Err, storyerrors.ErrAppInit)
	}
	var buildErr *storyerrors.GraphBuildError
	assert.ErrorAs(t, results[1].Err, &buildErr)
	assert.ErrorIs(t, results[2].Err, storyerrors.ErrStoryNotFound)
	assert.Contains(t, results[3].Err.Error(), "app refused failed to start")
	assert.Contains(t, results[4].Err.Error(), "duplicate")

	assert.Equal(t, []string{"a"}, m.Names())
	assert.True(t, gw.registered["a"])
	assert.Len(t, crash.errs, 4)

	_, err = m.InitAll(context.Background(), nil)
	assert.ErrorIs(t, err, storyerrors.ErrAlreadyInitialized)
}

func TestInitAll_NothingStarted(t *testing.T) {
	m := NewManager(story.NewMemorySource(nil), usesVolume, nil)
	_, err := m.InitAll(context.Background(), []Config{{Name: "a", StoryID: "missing"}})
	assert.ErrorIs(t, err, storyerrors.ErrNoAppsStarted)
	assert.ErrorIs(t, err, storyerrors.ErrStoryNotFound)

	empty := NewManager(story.NewMemorySource(nil), usesVolume, nil)
	_, err = empty.InitAll(context.Background(), nil)
	assert.NoError(t, err)
}

func TestInitAll_RecoversPanics(t *testing.T) {
	m := NewManager(panicSource{}, usesVolume, nil)
	results, err := m.InitAll(context.Background(), []Config{{Name: "a", StoryID: "s"}})
	assert.ErrorIs(t, err, storyerrors.ErrNoAppsStarted)
	require.Len(t, results, 1)
	assert.ErrorContains(t, results[0].Err, "panic: source exploded")
}

type panicSource struct{}

func (panicSource) Fetch(ctx context.Context, storyID string) (*story.Definition, error) {
	panic("source exploded")
}

func TestStartRun_UsesMergedEnvironmentAndInput(t *testing.T) {
	src := story.NewMemorySource(map[string]*story.Definition{
		"s": noopStory(map[string]any{"one": 1, "two": 2}),
	})
	seen := make(chan map[string]any, 1)
	runner := runFunc(func(ctx context.Context, g *story.Graph, rc *runctx.Context, vol *containers.RunVolume) error {
		seen <- rc.Environment
		return nil
	})
	m := NewManager(src, runner, nil)
	_, err := m.InitAll(context.Background(), []Config{
		{Name: "a", StoryID: "s", Environment: map[string]any{"one": 0, "three": 3}},
	})
	require.NoError(t, err)

	app, ok := m.App("a")
	require.True(t, ok)
	run, err := app.StartRun(context.Background(), map[string]any{"two": "input", "four": 4})
	require.NoError(t, err)
	require.NoError(t, run.Wait(context.Background()))

	assert.Equal(t, map[string]any{"one": 0, "two": "input", "four": 4}, <-seen)
	assert.Equal(t, map[string]any{"one": 0, "two": 2}, app.Environment())

	got, ok := m.Run(run.ID)
	require.True(t, ok)
	assert.Same(t, run, got)
	assert.False(t, run.Finished().IsZero())
}

func TestStartRun_ReleasesVolumeAtRunEnd(t *testing.T) {
	src := story.NewMemorySource(map[string]*story.Definition{"s": noopStory(nil)})
	vols := newFakeVolumes()
	m := NewManager(src, usesVolume, nil, WithVolumes(vols))
	_, err := m.InitAll(context.Background(), []Config{{Name: "a", StoryID: "s"}})
	require.NoError(t, err)

	app, _ := m.App("a")
	for i := 0; i < 5; i++ {
		run, err := app.StartRun(context.Background(), nil)
		require.NoError(t, err)
		require.NoError(t, run.Wait(context.Background()))
		assert.False(t, run.Volume.Created())
	}
	assert.Equal(t, 0, vols.liveCount())
}

func TestStartRun_ReportsFailures(t *testing.T) {
	src := story.NewMemorySource(map[string]*story.Definition{"s": noopStory(nil)})
	boom := &storyerrors.LineError{LineID: "1", Err: errors.New("boom")}
	crash := &fakeCrash{}
	obs := &recordingObserver{}
	runner := runFunc(func(ctx context.Context, g *story.Graph, rc *runctx.Context, vol *containers.RunVolume) error {
		return boom
	})
	m := NewManager(src, runner, nil, WithCrashReporter(crash), WithObserver(obs))
	_, err := m.InitAll(context.Background(), []Config{{Name: "a", StoryID: "s"}})
	require.NoError(t, err)

	app, _ := m.App("a")
	run, err := app.StartRun(context.Background(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, run.Wait(context.Background()), boom)
	assert.ErrorIs(t, run.Err(), boom)

	assert.Eventually(t, func() bool { return obs.count() == 1 }, time.Second, 5*time.Millisecond)
	crash.mu.Lock()
	assert.Len(t, crash.errs, 1)
	crash.mu.Unlock()
}

type recordingObserver struct {
	mu   sync.Mutex
	runs []*Run
}

func (o *recordingObserver) RunFinished(ctx context.Context, run *Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, run)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

func TestStartRun_RetainsBoundedHistory(t *testing.T) {
	src := story.NewMemorySource(map[string]*story.Definition{"s": noopStory(nil)})
	m := NewManager(src, usesVolume, nil, WithVolumes(newFakeVolumes()), WithRetainRuns(2))
	_, err := m.InitAll(context.Background(), []Config{{Name: "a", StoryID: "s"}})
	require.NoError(t, err)

	app, _ := m.App("a")
	var ids []string
	for i := 0; i < 3; i++ {
		run, err := app.StartRun(context.Background(), nil)
		require.NoError(t, err)
		require.NoError(t, run.Wait(context.Background()))
		ids = append(ids, run.ID)
	}
	assert.Eventually(t, func() bool {
		_, ok := app.Run(ids[0])
		return !ok
	}, time.Second, 5*time.Millisecond)
	_, ok := app.Run(ids[2])
	assert.True(t, ok)
}

func TestEnsure_CollapsesConcurrentFirstTriggers(t *testing.T) {
	src := &countingSource{inner: story.NewMemorySource(map[string]*story.Definition{"s": noopStory(nil)})}
	gw := newFakeGateway()
	m := NewManager(src, usesVolume, nil, WithGateway(gw))
	_, err := m.InitAll(context.Background(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	apps := make([]*App, 20)
	for i := range apps {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			app, err := m.Ensure(context.Background(), "s")
			assert.NoError(t, err)
			apps[i] = app
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), src.fetches.Load())
	for _, app := range apps {
		assert.Same(t, apps[0], app)
	}
	assert.Equal(t, []string{"s"}, m.Names())

	_, err = m.Ensure(context.Background(), "missing")
	assert.ErrorIs(t, err, storyerrors.ErrStoryNotFound)
}

func TestEnsure_FindsConfiguredApp(t *testing.T) {
	src := story.NewMemorySource(map[string]*story.Definition{"s": noopStory(nil)})
	m := NewManager(src, usesVolume, nil)

	_, err := m.Ensure(context.Background(), "s")
	assert.ErrorContains(t, err, "not initialized")

	_, err = m.InitAll(context.Background(), []Config{{Name: "named", StoryID: "s"}})
	require.NoError(t, err)
	app, err := m.Ensure(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, "named", app.Name)

	m.DestroyAll(context.Background())
	_, err = m.Ensure(context.Background(), "s")
	assert.ErrorIs(t, err, storyerrors.ErrEngineStopped)
}

// gatedSource counts fetches and holds each one until release is closed.
type gatedSource struct {
	inner   story.Source
	fetches atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSource) Fetch(ctx context.Context, storyID string) (*story.Definition, error) {
	if s.fetches.Add(1) == 1 {
		close(s.entered)
	}
	<-s.release
	return s.inner.Fetch(ctx, storyID)
}

func TestEnsure_WaitsForInitAll(t *testing.T) {
	src := &gatedSource{
		inner:   story.NewMemorySource(map[string]*story.Definition{"greet": noopStory(nil)}),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	gw := newFakeGateway()
	m := NewManager(src, usesVolume, nil, WithGateway(gw))

	initDone := make(chan error, 1)
	go func() {
		_, err := m.InitAll(context.Background(), []Config{{Name: "greet", StoryID: "greet"}})
		initDone <- err
	}()
	<-src.entered

	ensured := make(chan *App, 1)
	go func() {
		app, err := m.Ensure(context.Background(), "greet")
		assert.NoError(t, err)
		ensured <- app
	}()

	select {
	case <-ensured:
		t.Fatal("Ensure returned before InitAll finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(src.release)
	require.NoError(t, <-initDone)
	app := <-ensured
	require.NotNil(t, app)

	configured, ok := m.App("greet")
	require.True(t, ok)
	assert.Same(t, configured, app)
	assert.Equal(t, int32(1), src.fetches.Load())

	m.DestroyAll(context.Background())
	assert.Equal(t, int32(1), gw.unregisters.Load())
}

func TestEnsure_WaitHonoursContext(t *testing.T) {
	src := &gatedSource{
		inner:   story.NewMemorySource(map[string]*story.Definition{"s": noopStory(nil)}),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := NewManager(src, usesVolume, nil)
	go func() { _, _ = m.InitAll(context.Background(), []Config{{Name: "a", StoryID: "s"}}) }()
	<-src.entered
	defer close(src.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Ensure(ctx, "s")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnsure_NameTakenByAnotherStory(t *testing.T) {
	src := story.NewMemorySource(map[string]*story.Definition{
		"s": noopStory(nil),
		"t": noopStory(nil),
	})
	m := NewManager(src, usesVolume, nil)
	_, err := m.InitAll(context.Background(), []Config{{Name: "t", StoryID: "s"}})
	require.NoError(t, err)

	app, err := m.Ensure(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, "t-2", app.Name)
	assert.Equal(t, "t", app.StoryID)

	configured, ok := m.App("t")
	require.True(t, ok)
	assert.Equal(t, "s", configured.StoryID)
}

func TestInitAll_DestroyedWhileInitializing(t *testing.T) {
	src := &gatedSource{
		inner:   story.NewMemorySource(map[string]*story.Definition{"s": noopStory(nil)}),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	gw := newFakeGateway()
	m := NewManager(src, usesVolume, nil, WithGateway(gw))

	initDone := make(chan error, 1)
	go func() {
		_, err := m.InitAll(context.Background(), []Config{{Name: "a", StoryID: "s"}})
		initDone <- err
	}()
	<-src.entered

	assert.Empty(t, m.DestroyAll(context.Background()))
	close(src.release)

	assert.ErrorIs(t, <-initDone, storyerrors.ErrEngineStopped)
	assert.Empty(t, m.Names())
	assert.Equal(t, int32(1), gw.unregisters.Load())
}

type countingSource struct {
	inner   story.Source
	fetches atomic.Int32
}

func (s *countingSource) Fetch(ctx context.Context, storyID string) (*story.Definition, error) {
	s.fetches.Add(1)
	time.Sleep(20 * time.Millisecond)
	return s.inner.Fetch(ctx, storyID)
}

func TestDestroyAll_CancelsRunsAndReleasesEverything(t *testing.T) {
	src := story.NewMemorySource(map[string]*story.Definition{"s": noopStory(nil)})
	vols := newFakeVolumes()
	gw := newFakeGateway()
	m := NewManager(src, blocksUntilCancelled, nil, WithVolumes(vols), WithGateway(gw))
	_, err := m.InitAll(context.Background(), []Config{{Name: "a", StoryID: "s"}, {Name: "b", StoryID: "s"}})
	require.NoError(t, err)

	var runs []*Run
	for _, name := range []string{"a", "b"} {
		app, _ := m.App(name)
		for i := 0; i < 3; i++ {
			run, err := app.StartRun(context.Background(), nil)
			require.NoError(t, err)
			runs = append(runs, run)
		}
	}
	assert.Eventually(t, func() bool { return vols.liveCount() == 6 }, time.Second, 5*time.Millisecond)

	results := m.DestroyAll(context.Background())
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	for _, run := range runs {
		assert.ErrorIs(t, run.Err(), storyerrors.ErrCancelled)
	}
	assert.Equal(t, 0, vols.liveCount())
	assert.Empty(t, gw.registered)
	assert.Empty(t, m.Names())

	again := m.DestroyAll(context.Background())
	assert.Equal(t, results, again)
	assert.Equal(t, int32(2), gw.unregisters.Load())
}

func TestDestroyAll_IsolatesFailures(t *testing.T) {
	src := story.NewMemorySource(map[string]*story.Definition{"s": noopStory(nil)})
	vols := newFakeVolumes()
	gw := newFakeGateway()
	gw.unregisterErr["a"] = errors.New("gateway gone")
	crash := &fakeCrash{}
	m := NewManager(src, blocksUntilCancelled, nil,
		WithVolumes(vols), WithGateway(gw), WithCrashReporter(crash), WithReleaseTimeout(time.Second))
	_, err := m.InitAll(context.Background(), []Config{{Name: "a", StoryID: "s"}, {Name: "b", StoryID: "s"}})
	require.NoError(t, err)

	appA, _ := m.App("a")
	appB, _ := m.App("b")
	runA, err := appA.StartRun(context.Background(), nil)
	require.NoError(t, err)
	runB, err := appB.StartRun(context.Background(), nil)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return vols.liveCount() == 2 }, time.Second, 5*time.Millisecond)

	// Only a's volume refuses to go away.
	vols.mu.Lock()
	vols.releaseErr[runA.ID] = errors.New("volume busy")
	vols.mu.Unlock()

	results := m.DestroyAll(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Name)
	assert.ErrorIs(t, results[0].Err, storyerrors.ErrAppDestroy)
	assert.ErrorContains(t, results[0].Err, "app a failed to stop")
	assert.ErrorContains(t, results[0].Err, "volume busy")
	assert.ErrorContains(t, results[0].Err, "gateway gone")
	assert.NoError(t, results[1].Err)

	assert.ErrorIs(t, runB.Err(), storyerrors.ErrCancelled)
	assert.Equal(t, 1, vols.liveCount())
	assert.Empty(t, gw.registered)

	_, err = appA.StartRun(context.Background(), nil)
	assert.ErrorIs(t, err, storyerrors.ErrEngineStopped)
}

func TestDestroyAll_BoundedByContext(t *testing.T) {
	src := story.NewMemorySource(map[string]*story.Definition{"s": noopStory(nil)})
	release := make(chan struct{})
	stuck := runFunc(func(ctx context.Context, g *story.Graph, rc *runctx.Context, vol *containers.RunVolume) error {
		<-release
		return nil
	})
	m := NewManager(src, stuck, nil)
	_, err := m.InitAll(context.Background(), []Config{{Name: "a", StoryID: "s"}})
	require.NoError(t, err)
	app, _ := m.App("a")
	_, err = app.StartRun(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	results := m.DestroyAll(ctx)
	close(release)

	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, storyerrors.ErrAppDestroy)
	assert.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
}
