package containers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/storyengine/pkg/story"
)

// CommandResult is the outcome of one CLI invocation.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner runs a CLI command. A non-zero exit is reported in the
// result; the error is reserved for commands that could not run at all.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (*CommandResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (*CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("execute %s %s: %w", name, strings.Join(args, " "), err)
		}
		exitCode = exitErr.ExitCode()
	}
	return &CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

// DockerRuntime runs units as containers through the docker CLI.
type DockerRuntime struct {
	binary string
	runner CommandRunner
	logger *zap.Logger
}

// NewDockerRuntime creates a runtime using the given docker binary. An empty
// binary selects "docker" and a nil runner selects ExecRunner.
func NewDockerRuntime(binary string, runner CommandRunner, logger *zap.Logger) *DockerRuntime {
	if binary == "" {
		binary = "docker"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerRuntime{binary: binary, runner: runner, logger: logger}
}

// Create makes sure the image is present, pulling it when needed, and
// allocates the container name.
func (d *DockerRuntime) Create(ctx context.Context, spec story.ContainerSpec) (Unit, error) {
	unit := Unit{
		ID:    uuid.NewString(),
		Image: spec.Image,
	}
	unit.Name = containerName(spec.Name, unit.ID)

	res, err := d.runner.Run(ctx, d.binary, "image", "inspect", "--format", "{{.Id}}", spec.Image)
	if err != nil {
		return unit, err
	}
	if res.ExitCode == 0 {
		return unit, nil
	}

	d.logger.Info("Pulling image", zap.String("image", spec.Image))
	res, err = d.runner.Run(ctx, d.binary, "pull", spec.Image)
	if err != nil {
		return unit, err
	}
	if res.ExitCode != 0 {
		return unit, fmt.Errorf("pull %s: %s", spec.Image, strings.TrimSpace(res.Stderr))
	}
	return unit, nil
}

// Run starts the container and waits for it to exit.
func (d *DockerRuntime) Run(ctx context.Context, unit Unit, inv Invocation) (RunResult, error) {
	res, err := d.runner.Run(ctx, d.binary, runArgs(unit, inv)...)
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{
		Output:   strings.TrimRight(res.Stdout, "\r\n"),
		Stderr:   strings.TrimSpace(res.Stderr),
		ExitCode: res.ExitCode,
	}, nil
}

// Release force-removes the container. Removing a container that does not
// exist succeeds.
func (d *DockerRuntime) Release(ctx context.Context, unit Unit) error {
	if unit.Name == "" {
		return nil
	}
	res, err := d.runner.Run(ctx, d.binary, "rm", "-f", unit.Name)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 && !strings.Contains(res.Stderr, "No such container") {
		return fmt.Errorf("remove container %s: %s", unit.Name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func runArgs(unit Unit, inv Invocation) []string {
	args := []string{"run", "--name", unit.Name}

	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+inv.Env[k])
	}
	if inv.Volume != nil && inv.MountPath != "" {
		args = append(args, "-v", inv.Volume.ID+":"+inv.MountPath)
	}
	args = append(args, unit.Image)
	return append(args, inv.Args...)
}

func containerName(name, id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	prefix := strings.Trim(b.String(), "-_.")
	if prefix == "" {
		prefix = "unit"
	}
	return "story-" + prefix + "-" + id[:8]
}

// DockerVolumes provides run volumes as docker named volumes.
type DockerVolumes struct {
	binary string
	runner CommandRunner
}

// NewDockerVolumes creates a volume provider using the given docker binary.
func NewDockerVolumes(binary string, runner CommandRunner) *DockerVolumes {
	if binary == "" {
		binary = "docker"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &DockerVolumes{binary: binary, runner: runner}
}

// CreateVolume creates a named volume for the run.
func (d *DockerVolumes) CreateVolume(ctx context.Context, runID string) (Volume, error) {
	name := "story-run-" + runID
	res, err := d.runner.Run(ctx, d.binary, "volume", "create", "--label", "storyengine.run="+runID, name)
	if err != nil {
		return Volume{}, err
	}
	if res.ExitCode != 0 {
		return Volume{}, fmt.Errorf("create volume %s: %s", name, strings.TrimSpace(res.Stderr))
	}
	return Volume{ID: name, RunID: runID}, nil
}

// ReleaseVolume removes the volume. Removing a missing volume succeeds.
func (d *DockerVolumes) ReleaseVolume(ctx context.Context, vol Volume) error {
	res, err := d.runner.Run(ctx, d.binary, "volume", "rm", "-f", vol.ID)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("remove volume %s: %s", vol.ID, strings.TrimSpace(res.Stderr))
	}
	return nil
}
