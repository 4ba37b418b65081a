package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/storyengine/pkg/apps"
	"github.com/wehubfusion/storyengine/pkg/containers"
	"github.com/wehubfusion/storyengine/pkg/handler"
	"github.com/wehubfusion/storyengine/pkg/story"
)

var runInputs []string

var runCmd = &cobra.Command{
	Use:   "run <story-file>",
	Short: "Run a story once against the local Docker daemon and print its results",
	Args:  cobra.ExactArgs(1),
	RunE:  runOnce,
}

func init() {
	runCmd.Flags().StringArrayVarP(&runInputs, "input", "i", nil, "Input variable as name=value; JSON values are decoded")
}

func runOnce(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	input, err := parseInputs(runInputs)
	if err != nil {
		return err
	}
	def, err := story.LoadFile(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	executor := containers.NewExecutor(
		containers.NewDockerRuntime(cfg.DockerBinary, containers.ExecRunner{}, logger),
		logger,
		containers.WithDefaultTimeout(cfg.ContainerTimeout),
	)
	manager := apps.NewManager(
		story.NewMemorySource(map[string]*story.Definition{def.Name: def}),
		handler.New(executor, logger),
		logger,
		apps.WithVolumes(containers.NewDockerVolumes(cfg.DockerBinary, containers.ExecRunner{})),
		apps.WithMaxDepth(cfg.MaxCallDepth),
	)
	if _, err := manager.InitAll(ctx, []apps.Config{{Name: def.Name, StoryID: def.Name}}); err != nil {
		return err
	}
	defer manager.DestroyAll(context.WithoutCancel(ctx))

	app, _ := manager.App(def.Name)
	run, err := app.StartRun(ctx, input)
	if err != nil {
		return err
	}

	// An interrupt ends the run through DestroyAll.
	select {
	case <-run.Done():
	case <-ctx.Done():
		manager.DestroyAll(context.WithoutCancel(ctx))
	}
	runErr := run.Wait(context.WithoutCancel(ctx))

	if err := printResults(cmd, run); err != nil {
		return err
	}
	return runErr
}

func printResults(cmd *cobra.Command, run *apps.Run) error {
	type line struct {
		ID       string `json:"id"`
		Output   any    `json:"output"`
		ExitCode int    `json:"exit_code,omitempty"`
		Error    string `json:"error,omitempty"`
	}
	results := run.Context.Results()
	lines := make([]line, 0, len(results))
	for _, id := range run.Context.Order() {
		r := results[id]
		lines = append(lines, line{ID: id, Output: r.Output, ExitCode: r.ExitCode, Error: r.Err})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"run_id": run.ID, "story": run.StoryID, "lines": lines})
}

// parseInputs turns name=value pairs into run input. Values that parse as
// JSON are decoded, anything else is kept as a string.
func parseInputs(pairs []string) (map[string]any, error) {
	input := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid input %q, expected name=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			decoded = value
		}
		input[name] = decoded
	}
	return input, nil
}
