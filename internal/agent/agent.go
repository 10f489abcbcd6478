// Package agent talks to the in-guest agent over ttrpc on vsock, and hosts
// the listener guests use to announce they have booted.
package agent

import (
	"context"
	"time"
)

// ServiceName is the ttrpc service every in-guest agent exposes.
const ServiceName = "concierge.agent.v1.Agent"

// Method names of ServiceName.
const (
	MethodConfigureNetwork     = "ConfigureNetwork"
	MethodSetResolvConfig      = "SetResolvConfig"
	MethodSetTime              = "SetTime"
	MethodOnHostNetworkChanged = "OnHostNetworkChanged"
	MethodMount                = "Mount"
	MethodMount9P              = "Mount9P"
	MethodPrepareToSuspend     = "PrepareToSuspend"
	MethodStartServices        = "StartServices"
	MethodResizeFilesystem     = "ResizeFilesystem"
	MethodGetResizeStatus      = "GetResizeStatus"
	MethodGetKernelVersion     = "GetKernelVersion"
	MethodShutdown             = "Shutdown"
)

// NetworkConfig is the guest's IPv4 configuration.
type NetworkConfig struct {
	Address string `json:"address"`
	Gateway string `json:"gateway"`
	Netmask string `json:"netmask"`
}

// ResolvConfig is the guest's DNS configuration.
type ResolvConfig struct {
	Nameservers   []string `json:"nameservers"`
	SearchDomains []string `json:"search_domains"`
}

// MountRequest mounts source on target inside the guest.
type MountRequest struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	FSType       string `json:"fstype"`
	Flags        uint64 `json:"flags,string"`
	Options      string `json:"options"`
	CreateTarget bool   `json:"create_target,omitempty"`
	Permissions  uint32 `json:"permissions,omitempty"`
	MkfsIfNeeded bool   `json:"mkfs_if_needed,omitempty"`
}

// MountResponse carries the guest errno of a failed mount.
type MountResponse struct {
	Error int32 `json:"error"`
}

// Mount9PRequest mounts the shared-directory server on port at target.
type Mount9PRequest struct {
	Port   uint32 `json:"port"`
	Target string `json:"target"`
}

// StartServicesRequest starts the container runtime in the guest.
type StartServicesRequest struct {
	Gateway         string   `json:"gateway"`
	ContainerSubnet string   `json:"container_subnet"`
	StatefulDevice  string   `json:"stateful_device"`
	AllowPrivileged bool     `json:"allow_privileged"`
	Features        []string `json:"features"`
}

// ResizeFilesystemRequest resizes the stateful filesystem.
type ResizeFilesystemRequest struct {
	Size uint64 `json:"size,string"`
}

// ResizeStatus reports the progress of a filesystem resize.
type ResizeStatus struct {
	InProgress  bool   `json:"resize_in_progress"`
	CurrentSize uint64 `json:"current_size,string"`
}

// KernelVersion identifies the guest kernel.
type KernelVersion struct {
	Release string `json:"kernel_release"`
	Version string `json:"kernel_version"`
}

func (k KernelVersion) String() string {
	return k.Release + " " + k.Version
}

// SetTimeRequest sets the guest wall clock.
type SetTimeRequest struct {
	Time time.Time `json:"time"`
}

// Service is the RPC contract of the in-guest agent.
type Service interface {
	ConfigureNetwork(ctx context.Context, cfg NetworkConfig) error
	SetResolvConfig(ctx context.Context, cfg ResolvConfig) error
	SetTime(ctx context.Context, t time.Time) error
	OnHostNetworkChanged(ctx context.Context) error
	Mount(ctx context.Context, req MountRequest) error
	Mount9P(ctx context.Context, port uint32, target string) error
	PrepareToSuspend(ctx context.Context) error
	StartServices(ctx context.Context, req StartServicesRequest) error
	ResizeFilesystem(ctx context.Context, size uint64) error
	GetResizeStatus(ctx context.Context) (ResizeStatus, error)
	GetKernelVersion(ctx context.Context) (KernelVersion, error)
	Shutdown(ctx context.Context) error
}

// Client is a connection to one guest's agent.
type Client interface {
	Service
	Close() error
}

// Timeouts bound individual RPCs.
type Timeouts struct {
	Default       time.Duration
	Shutdown      time.Duration
	StartServices time.Duration
}

// DefaultTimeouts are the deadlines used when none are configured.
var DefaultTimeouts = Timeouts{
	Default:       10 * time.Second,
	Shutdown:      30 * time.Second,
	StartServices: 150 * time.Second,
}

// Async runs fn in its own goroutine and delivers its result, so an RPC
// deadline can be raced against other events.
func Async(ctx context.Context, fn func(context.Context) error) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- fn(ctx)
	}()
	return ch
}
