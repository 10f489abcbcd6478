//go:build !linux

package hypervisor

import (
	"context"
	"time"

	"github.com/containerd/errdefs"
)

// Cgroups is unavailable off Linux.
type Cgroups struct{}

func NewCgroups(context.Context, bool) *Cgroups { return &Cgroups{} }

func (c *Cgroups) Enabled() bool { return false }

func (c *Cgroups) SetCPUShares(context.Context, string, uint64) error {
	return errdefs.ErrNotImplemented
}

type unsupported struct{}

func (unsupported) Launch(context.Context, *LaunchRequest) (Process, error) {
	return nil, errdefs.ErrNotImplemented
}

func (unsupported) Stop(context.Context, string) error    { return errdefs.ErrNotImplemented }
func (unsupported) Suspend(context.Context, string) error { return errdefs.ErrNotImplemented }
func (unsupported) Resume(context.Context, string) error  { return errdefs.ErrNotImplemented }

func (unsupported) ResizeDisk(context.Context, string, int, uint64) error {
	return errdefs.ErrNotImplemented
}

func (unsupported) AttachUSB(context.Context, string, USBAttach) (uint8, error) {
	return 0, errdefs.ErrNotImplemented
}

func (unsupported) DetachUSB(context.Context, string, uint8) error {
	return errdefs.ErrNotImplemented
}

func (unsupported) ListUSB(context.Context, string) ([]USBDevice, error) {
	return nil, errdefs.ErrNotImplemented
}

// NewLauncher returns a launcher that always fails off Linux.
func NewLauncher(string, *Cgroups) Launcher { return unsupported{} }

// NewController returns a controller that always fails off Linux.
func NewController(string, time.Duration) Controller { return unsupported{} }
