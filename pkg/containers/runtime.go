// Package containers provisions, runs and releases the ephemeral execution
// units behind run lines.
package containers

import (
	"context"
	"time"

	"github.com/wehubfusion/storyengine/pkg/story"
)

// Unit is the handle of one provisioned execution unit.
type Unit struct {
	ID    string
	Name  string
	Image string
}

// Volume is the handle of a run-scoped volume.
type Volume struct {
	ID    string
	RunID string
}

// Invocation carries everything a unit is run with.
type Invocation struct {
	Args    []string
	Env     map[string]string
	Timeout time.Duration
	// Volume and MountPath are set when the unit mounts the run volume.
	Volume    *Volume
	MountPath string
}

// RunResult is what a unit produced. A non-zero ExitCode is reported here,
// not as an error.
type RunResult struct {
	Output   string
	Stderr   string
	ExitCode int
}

// Runtime drives a container runtime.
//
// Release must be idempotent and must accept the unit returned by a failed
// Create, including the zero Unit.
type Runtime interface {
	Create(ctx context.Context, spec story.ContainerSpec) (Unit, error)
	Run(ctx context.Context, unit Unit, inv Invocation) (RunResult, error)
	Release(ctx context.Context, unit Unit) error
}

// VolumeProvider creates and releases run-scoped volumes.
type VolumeProvider interface {
	CreateVolume(ctx context.Context, runID string) (Volume, error)
	ReleaseVolume(ctx context.Context, vol Volume) error
}
