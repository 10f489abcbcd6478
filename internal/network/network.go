// Package network binds guests to host networking.
//
// A Service hands out a TAP device and IPv4 subnet per context ID. The
// core opens the TAP itself (see OpenTAP) and passes the descriptor to the
// hypervisor. A Binding guarantees NotifyShutdown is issued exactly once
// for every NotifyStartup, whatever path the guest takes out.
//
// Two providers are available: "local", which creates TAP devices with
// netlink and carves subnets from configured pools, and "cni", which runs
// a CNI plugin chain per guest in its own network namespace.
package network

import (
	"context"
	"fmt"
	"net"

	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/kind"
)

// Info holds the per-guest network facts returned at startup.
type Info struct {
	IfName  string `json:"if_name"`
	MAC     string `json:"mac,omitempty"`
	IPv4    net.IP `json:"ipv4"`
	Gateway net.IP `json:"gateway"`
	Netmask net.IP `json:"netmask"`

	// ContainerSubnet is set for container guests.
	ContainerSubnet *net.IPNet `json:"container_subnet,omitempty"`

	// NetNS is the namespace holding the TAP, empty for the host namespace.
	NetNS string `json:"netns,omitempty"`
}

// Usable reports whether the startup result can carry guest traffic.
func (i *Info) Usable() bool {
	return i != nil && i.IfName != "" && i.IPv4.To4() != nil && !i.IPv4.IsUnspecified()
}

// ContainerAddr returns the first host address inside the container subnet,
// handed to the guest as the container bridge address.
func (i *Info) ContainerAddr() net.IP {
	if i == nil || i.ContainerSubnet == nil {
		return nil
	}
	return nthAddr(i.ContainerSubnet.IP, 1)
}

// Service is the host network service contract consumed by the core.
type Service interface {
	// NotifyStartup allocates a TAP and subnet for the guest.
	NotifyStartup(ctx context.Context, k kind.Kind, cid uint32) (*Info, error)

	// NotifyShutdown releases everything allocated for cid.
	NotifyShutdown(ctx context.Context, cid uint32) error
}

// Manager is a Service with daemon-scoped lifetime.
type Manager interface {
	Service

	// Close releases provider resources.
	Close() error

	// Metrics returns operation counters for this manager.
	Metrics() *Metrics
}

// New creates the provider selected in cfg.
func New(ctx context.Context, cfg config.NetworkConfig) (Manager, error) {
	log.G(ctx).WithField("provider", cfg.Provider).Info("initializing network manager")

	switch cfg.Provider {
	case "local":
		return NewLocal(cfg, DefaultLinkOperator())
	case "cni":
		return NewCNI(cfg)
	default:
		return nil, fmt.Errorf("unknown network provider %q", cfg.Provider)
	}
}

func nthAddr(base net.IP, n uint32) net.IP {
	if base.To4() == nil {
		return nil
	}
	return uint32ToIP(ipToUint32(base) + n)
}
