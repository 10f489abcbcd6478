package vm

import (
	"context"
	"time"

	"github.com/spin-stack/concierge/internal/agent"
	"github.com/spin-stack/concierge/internal/childexit"
	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/hypervisor"
	"github.com/spin-stack/concierge/internal/network"
	"github.com/spin-stack/concierge/internal/sharedir"
)

// CIDAllocator hands out guest context IDs.
type CIDAllocator interface {
	Allocate(owner, name string) (uint32, error)
	Release(cid uint32)
}

// PortAllocator hands out shared-directory server ports.
type PortAllocator interface {
	Allocate() (uint32, error)
}

// Observer is told about lifecycle transitions worth broadcasting.
type Observer interface {
	VMStartingUp(ctx context.Context, info Info)
	VMStarted(ctx context.Context, info Info)
	VMStopping(ctx context.Context, info Info)
	VMStopped(ctx context.Context, info Info)
}

// Deps are the daemon-scoped collaborators every guest shares.
type Deps struct {
	Config *config.Config

	CIDs       CIDAllocator
	Ports      PortAllocator
	Network    network.Service
	OpenTAP    network.TAPOpener
	ShareDir   sharedir.Server
	Launcher   hypervisor.Launcher
	Controller hypervisor.Controller
	Exits      *childexit.Coordinator
	DNS        *network.DNSState

	// Readiness, when set, gates the agent dial on the guest's VmReady.
	Readiness *agent.Readiness
	Observer  Observer

	// DialAgent and DialPower default to vsock on the configured ports.
	DialAgent func(cid uint32) agent.Dialer
	DialPower func(cid uint32) agent.Dialer

	HostCPUs func() int
	Now      func() time.Time
}

func (d *Deps) dialAgent(cid uint32) agent.Dialer {
	if d.DialAgent != nil {
		return d.DialAgent(cid)
	}
	return agent.VsockDialer(cid, d.Config.Agent.Port)
}

func (d *Deps) dialPower(cid uint32) agent.Dialer {
	if d.DialPower != nil {
		return d.DialPower(cid)
	}
	return agent.VsockDialer(cid, d.Config.Agent.AndroidPort)
}

func (d *Deps) hostCPUs() int {
	if d.HostCPUs != nil {
		return d.HostCPUs()
	}
	return hypervisor.HostCPUs()
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) agentTimeouts() agent.Timeouts {
	t := &d.Config.Timeouts
	return agent.Timeouts{
		Default:       t.GetDefaultRPC(),
		Shutdown:      t.GetAgentShutdown(),
		StartServices: t.GetStartServices(),
	}
}

type nopObserver struct{}

func (nopObserver) VMStartingUp(context.Context, Info) {}
func (nopObserver) VMStarted(context.Context, Info)    {}
func (nopObserver) VMStopping(context.Context, Info)   {}
func (nopObserver) VMStopped(context.Context, Info)    {}

func (d *Deps) observer() Observer {
	if d.Observer != nil {
		return d.Observer
	}
	return nopObserver{}
}
