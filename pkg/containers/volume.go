package containers

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrVolumeReleased is returned when a released run volume is used again.
var ErrVolumeReleased = errors.New("run volume already released")

// RunVolume is the volume of one run. It is created on first use and
// released successfully at most once; it is never shared with another run.
type RunVolume struct {
	provider VolumeProvider
	runID    string

	mu       sync.Mutex
	vol      *Volume
	released bool
}

// NewRunVolume creates a lazy volume for the run.
func NewRunVolume(provider VolumeProvider, runID string) *RunVolume {
	return &RunVolume{provider: provider, runID: runID}
}

// Get returns the volume, creating it on the first call. A failed creation is
// retried by the next call.
func (v *RunVolume) Get(ctx context.Context) (Volume, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.released {
		return Volume{}, ErrVolumeReleased
	}
	if v.vol != nil {
		return *v.vol, nil
	}
	if v.provider == nil {
		return Volume{}, fmt.Errorf("run %s: no volume provider configured", v.runID)
	}
	vol, err := v.provider.CreateVolume(ctx, v.runID)
	if err != nil {
		return Volume{}, fmt.Errorf("create volume for run %s: %w", v.runID, err)
	}
	v.vol = &vol
	return vol, nil
}

// Created reports whether the volume exists and has not been released.
func (v *RunVolume) Created() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.vol != nil && !v.released
}

// Release releases the volume if it was created. Once a release succeeded
// further calls do nothing; a failed release may be retried.
func (v *RunVolume) Release(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.released {
		return nil
	}
	if v.vol == nil {
		v.released = true
		return nil
	}
	if err := v.provider.ReleaseVolume(ctx, *v.vol); err != nil {
		return fmt.Errorf("release volume %s: %w", v.vol.ID, err)
	}
	v.released = true
	return nil
}
