// Package plugins registers the daemon's long-lived services with the
// containerd plugin registry and initializes them in dependency order.
package plugins

import (
	"fmt"

	cplugins "github.com/containerd/containerd/v2/plugins"
	"github.com/containerd/plugin"
)

const (
	// ConfigPlugin provides the daemon configuration and shutdown service.
	ConfigPlugin plugin.Type = "concierge.config.v1"

	// ResourcePlugin provides a daemon-scoped resource shared by guests.
	ResourcePlugin plugin.Type = "concierge.resource.v1"

	// RegistryPlugin provides the guest registry.
	RegistryPlugin plugin.Type = "concierge.registry.v1"

	// EventPlugin publishes guest lifecycle signals.
	EventPlugin = cplugins.EventPlugin

	// GRPCPlugin implements part of the host API.
	GRPCPlugin = cplugins.GRPCPlugin
)

// Plugin IDs.
const (
	ConfigID     = "config"
	ShutdownID   = "shutdown"
	ChildExitID  = "childexit"
	PoolID       = "pool"
	NetworkID    = "network"
	HypervisorID = "hypervisor"
	ShareDirID   = "sharedir"
	ReadinessID  = "readiness"
	RecordsID    = "records"
	RegistryID   = "guests"
	ExchangeID   = "exchange"
	VMServiceID  = "vms"
)

// get returns the instance of plugin (t, id) as a T.
func get[T any](ic *plugin.InitContext, t plugin.Type, id string) (T, error) {
	var zero T
	p, err := ic.GetByID(t, id)
	if err != nil {
		return zero, fmt.Errorf("%s.%s: %w", t, id, err)
	}
	v, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("%s.%s: unexpected instance type %T", t, id, p)
	}
	return v, nil
}
