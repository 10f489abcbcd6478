package vm

import (
	"context"

	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/agent"
	"github.com/spin-stack/concierge/internal/network"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

// Suspend pauses the guest. The state only changes when the hypervisor
// accepted the request.
func (v *VM) Suspend(ctx context.Context) error {
	v.op.Lock()
	defer v.op.Unlock()

	switch v.State() {
	case Suspended:
		return nil
	case Running:
	default:
		return vmerrors.New(vmerrors.InvalidArgument, "guest is not running")
	}

	if client := v.agentClient(); client != nil {
		if err := client.PrepareToSuspend(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("guest did not prepare for suspend")
		}
	}
	if err := v.deps.Controller.Suspend(ctx, v.controlSocket()); err != nil {
		return err
	}
	v.setState(Suspended)
	log.G(ctx).Info("guest suspended")
	return nil
}

// Resume continues a suspended guest and, when configured, corrects the
// clock drift accumulated while it was paused.
func (v *VM) Resume(ctx context.Context) error {
	v.op.Lock()
	defer v.op.Unlock()

	switch v.State() {
	case Running:
		return nil
	case Suspended:
	default:
		return vmerrors.New(vmerrors.InvalidArgument, "guest is not suspended")
	}

	if err := v.deps.Controller.Resume(ctx, v.controlSocket()); err != nil {
		return err
	}
	v.setState(Running)
	log.G(ctx).Info("guest resumed")

	if v.deps.Config.Policy.ResyncClockOnResume {
		if err := v.syncTime(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("failed to resync guest clock")
		}
	}
	return nil
}

// SyncTime sets the guest clock to the host's.
func (v *VM) SyncTime(ctx context.Context) error {
	v.op.Lock()
	defer v.op.Unlock()
	if v.State() != Running {
		return vmerrors.New(vmerrors.InvalidArgument, "guest is not running")
	}
	return v.syncTime(ctx)
}

func (v *VM) syncTime(ctx context.Context) error {
	client := v.agentClient()
	if client == nil {
		return nil
	}
	return client.SetTime(ctx, v.deps.now())
}

// OnDNSChanged pushes new resolver settings to the guest. Failures are
// logged.
func (v *VM) OnDNSChanged(ctx context.Context, dns network.DNSConfig) {
	client := v.agentClient()
	if client == nil {
		return
	}
	if err := client.SetResolvConfig(ctx, agent.ResolvConfig{
		Nameservers:   dns.Nameservers,
		SearchDomains: dns.SearchDomains,
	}); err != nil {
		log.G(ctx).WithError(err).Warn("failed to update guest resolver settings")
	}
}

// OnHostNetworkChanged tells the guest the host network changed.
func (v *VM) OnHostNetworkChanged(ctx context.Context) {
	client := v.agentClient()
	if client == nil {
		return
	}
	if err := client.OnHostNetworkChanged(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("failed to notify guest of network change")
	}
}

// OnSuspendImminent suspends the guest ahead of a host suspend when policy
// asks for it.
func (v *VM) OnSuspendImminent(ctx context.Context) {
	if !v.deps.Config.Policy.SuspendOnHostSuspend {
		return
	}
	if err := v.Suspend(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("failed to suspend guest for host suspend")
	}
}

// OnSuspendDone resumes the guest after the host resumes.
func (v *VM) OnSuspendDone(ctx context.Context) {
	if !v.deps.Config.Policy.SuspendOnHostSuspend {
		return
	}
	if err := v.Resume(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("failed to resume guest after host suspend")
	}
}
