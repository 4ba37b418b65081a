package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	natsconn "github.com/wehubfusion/storyengine/internal/nats"
	"github.com/wehubfusion/storyengine/internal/tracing"
	"github.com/wehubfusion/storyengine/pkg/apps"
	"github.com/wehubfusion/storyengine/pkg/client"
	"github.com/wehubfusion/storyengine/pkg/concurrency"
	"github.com/wehubfusion/storyengine/pkg/config"
	"github.com/wehubfusion/storyengine/pkg/containers"
	"github.com/wehubfusion/storyengine/pkg/crash"
	"github.com/wehubfusion/storyengine/pkg/gateway"
	"github.com/wehubfusion/storyengine/pkg/handler"
	"github.com/wehubfusion/storyengine/pkg/runner"
	"github.com/wehubfusion/storyengine/pkg/service"
	"github.com/wehubfusion/storyengine/pkg/storage"
	"github.com/wehubfusion/storyengine/pkg/story"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the engine and serve triggers until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

func init() {
	f := startCmd.Flags()
	f.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL")
	f.StringVar(&cfg.SentryDSN, "sentry-dsn", cfg.SentryDSN, "Sentry DSN for bug collection")
	f.StringVar(&cfg.Release, "release", cfg.Release, "The version being released (provide a Git commit ID)")
	f.StringVar(&cfg.AppsFile, "apps", cfg.AppsFile, "YAML file listing the applications started at boot")
	f.StringVar(&cfg.StoriesDir, "stories-dir", cfg.StoriesDir, "Directory to read story definitions from instead of blob storage")
}

func runStart(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	undo := concurrency.SetMaxProcs(logger)
	defer undo()

	if err := cfg.Validate(); err != nil {
		return err
	}
	appConfigs, err := config.LoadApps(cfg.AppsFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig("storyengine", service.Version)
	traceCfg.Environment = cfg.Environment
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.Insecure = cfg.OTLPInsecure
	traceCfg.SampleRatio = cfg.TraceSampleRatio
	shutdownTracing, err := tracing.Setup(ctx, traceCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() { _ = tracing.Shutdown(shutdownTracing, 10*time.Second, logger) }()

	reporter, err := crash.New(crash.Config{DSN: cfg.SentryDSN, Release: cfg.Release, Environment: cfg.Environment}, logger)
	if err != nil {
		return fmt.Errorf("failed to set up crash reporting: %w", err)
	}

	natsCfg := natsconn.DefaultConnectionConfig(cfg.NATSURL)
	natsCfg.Name = "storyengine-" + cfg.Instance
	c := client.NewClient(natsCfg, logger)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	source, err := storySource(c, logger)
	if err != nil {
		return err
	}

	gw := gateway.New(c.Messages, gateway.Config{
		GatewaySubject: natsCfg.GatewaySubject,
		ResultSubject:  natsCfg.ResultSubject,
		TriggerSubject: natsCfg.TriggerSubject,
		Instance:       cfg.Instance,
	}, logger)

	executor := containers.NewExecutor(
		containers.NewDockerRuntime(cfg.DockerBinary, containers.ExecRunner{}, logger),
		logger,
		containers.WithDefaultTimeout(cfg.ContainerTimeout),
	)
	limits := concurrency.LoadConfig()
	logger.Info("Concurrency configured", zap.Stringer("config", limits))

	manager := apps.NewManager(source, handler.New(executor, logger), logger,
		apps.WithGateway(gw),
		apps.WithObserver(gw),
		apps.WithVolumes(containers.NewDockerVolumes(cfg.DockerBinary, containers.ExecRunner{})),
		apps.WithCrashReporter(reporter),
		apps.WithMaxDepth(cfg.MaxCallDepth),
		apps.WithInitLimit(limits.InitLimit),
	)
	svc := service.New(manager, logger,
		service.WithLimiter(concurrency.NewLimiter(limits.MaxConcurrentRuns)),
		service.WithFlusher(reporter),
		service.WithShutdownTimeout(cfg.ShutdownTimeout),
	)

	if err := svc.Start(ctx, appConfigs); err != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		_, _ = svc.Shutdown(sctx)
		return err
	}

	puller, err := c.Messages.Subscribe(natsCfg.TriggerStream, natsCfg.Consumer)
	if err != nil {
		return err
	}
	defer func() { _ = puller.Close() }()

	r, err := runner.NewRunner(puller, svc, runner.Config{
		Workers:          limits.TriggerWorkers,
		StoryFromSubject: natsCfg.StoryFromSubject,
	}, logger)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return svc.Serve(ctx) })
	return g.Wait()
}

// storySource reads definitions from STORIES_DIR when set, otherwise from
// blob storage. With blob storage, large run reports are offloaded too.
func storySource(c *client.Client, logger *zap.Logger) (story.Source, error) {
	if cfg.StoriesDir != "" {
		logger.Info("Reading stories from disk", zap.String("dir", cfg.StoriesDir))
		return story.DirSource{Dir: cfg.StoriesDir}, nil
	}

	stories, err := storage.NewAzureBlobClient(cfg.AzureConnectionString, cfg.StoriesContainer, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create story blob client: %w", err)
	}
	reports, err := storage.NewAzureBlobClient(cfg.AzureConnectionString, cfg.ReportsContainer, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create report blob client: %w", err)
	}
	c.Messages.SetBlobStorage(reports)
	return storage.NewBlobSource(stories, cfg.StoriesPrefix), nil
}
