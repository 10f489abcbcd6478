package vm

import (
	"context"
	"path"

	"github.com/spin-stack/concierge/internal/agent"
	"github.com/spin-stack/concierge/internal/hypervisor"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

const (
	externalMountRoot   = "/mnt/external"
	externalFSType      = "btrfs"
	externalPermissions = 0o777
)

// AttachUSB passes a host USB device through to the guest and returns the
// guest port it landed on.
func (v *VM) AttachUSB(ctx context.Context, dev hypervisor.USBAttach) (uint8, error) {
	v.op.Lock()
	defer v.op.Unlock()
	if err := v.requireLive(); err != nil {
		return 0, err
	}
	return v.deps.Controller.AttachUSB(ctx, v.controlSocket(), dev)
}

// DetachUSB removes the device on port.
func (v *VM) DetachUSB(ctx context.Context, port uint8) error {
	v.op.Lock()
	defer v.op.Unlock()
	if err := v.requireLive(); err != nil {
		return err
	}
	return v.deps.Controller.DetachUSB(ctx, v.controlSocket(), port)
}

// ListUSB lists attached devices.
func (v *VM) ListUSB(ctx context.Context) ([]hypervisor.USBDevice, error) {
	v.op.Lock()
	defer v.op.Unlock()
	if err := v.requireLive(); err != nil {
		return nil, err
	}
	return v.deps.Controller.ListUSB(ctx, v.controlSocket())
}

// MountExternal mounts a disk attached to the guest under
// /mnt/external/<dir>, formatting it when it has no filesystem yet.
func (v *VM) MountExternal(ctx context.Context, source, dir string) error {
	client := v.agentClient()
	if client == nil || v.State() != Running {
		return vmerrors.New(vmerrors.InvalidArgument, "guest is not running")
	}
	if dir == "" || path.Base(dir) != dir || dir == "." || dir == ".." {
		return vmerrors.New(vmerrors.InvalidArgument, "invalid mount directory")
	}
	return client.Mount(ctx, agent.MountRequest{
		Source:       source,
		Target:       path.Join(externalMountRoot, dir),
		FSType:       externalFSType,
		CreateTarget: true,
		Permissions:  externalPermissions,
		MkfsIfNeeded: true,
	})
}

// KernelVersion returns the guest kernel version recorded at boot.
func (v *VM) KernelVersion() (string, error) {
	if !v.desc.Kind.HasAgent() {
		return "", vmerrors.New(vmerrors.NotImplemented, "Not implemented")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.kernelVersion == "" {
		return "", vmerrors.New(vmerrors.NotFound, "guest kernel version is not known yet")
	}
	return v.kernelVersion, nil
}

func (v *VM) requireLive() error {
	switch v.State() {
	case Running, Suspended, Starting:
		return nil
	}
	return vmerrors.New(vmerrors.InvalidArgument, "guest is not running")
}
