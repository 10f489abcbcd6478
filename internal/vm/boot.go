package vm

import (
	"context"
	"errors"

	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/agent"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

// boot finishes bringing up a guest with an agent. Failure, other than
// cancellation by a concurrent Shutdown, stops the guest.
func (v *VM) boot(ctx context.Context) {
	err := v.postBoot(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		log.G(ctx).Debug("post-boot cancelled")
		return
	}
	log.G(ctx).WithError(err).Error("guest failed to finish booting, stopping it")
	if err := v.Shutdown(context.WithoutCancel(ctx)); err != nil {
		log.G(ctx).WithError(err).Error("failed to stop guest after boot failure")
	}
}

func (v *VM) postBoot(ctx context.Context) error {
	v.op.Lock()
	defer v.op.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if v.State() != Starting {
		return context.Canceled
	}

	cfg := v.deps.Config
	readyCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.GetVMReady())
	defer cancel()

	if v.deps.Readiness != nil && !cfg.Agent.DisableReady {
		if err := v.deps.Readiness.Wait(readyCtx, v.cid); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return vmerrors.Wrap(vmerrors.Transport, "guest never reported ready", err)
		}
	}

	client, err := agent.Connect(readyCtx, v.deps.dialAgent(v.cid), v.deps.agentTimeouts())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	v.mu.Lock()
	v.client = client
	v.mu.Unlock()

	if kv, err := client.GetKernelVersion(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("failed to read guest kernel version")
	} else {
		v.mu.Lock()
		v.kernelVersion = kv.String()
		v.mu.Unlock()
	}

	n := v.binding.Info()
	if err := client.ConfigureNetwork(ctx, agent.NetworkConfig{
		Address: n.IPv4.String(),
		Gateway: n.Gateway.String(),
		Netmask: n.Netmask.String(),
	}); err != nil {
		return err
	}

	if v.deps.DNS != nil {
		dns := v.deps.DNS.Get()
		if err := client.SetResolvConfig(ctx, agent.ResolvConfig{
			Nameservers:   dns.Nameservers,
			SearchDomains: dns.SearchDomains,
		}); err != nil {
			return err
		}
	}

	req := agent.StartServicesRequest{
		StatefulDevice:  v.statefulDevice(),
		AllowPrivileged: v.req.AllowPrivileged,
		Features:        v.req.Features,
	}
	if addr := n.ContainerAddr(); addr != nil {
		req.Gateway = addr.String()
	}
	if n.ContainerSubnet != nil {
		req.ContainerSubnet = n.ContainerSubnet.String()
	}
	if err := client.StartServices(ctx, req); err != nil {
		return err
	}

	if port := v.sharedDirPort(); port != 0 {
		if err := client.Mount9P(ctx, port, sharedDirTarget); err != nil {
			log.G(ctx).WithError(err).WithField("port", port).Warn("failed to mount shared directory")
		}
	}

	v.mu.Lock()
	if v.state != Starting {
		v.mu.Unlock()
		return context.Canceled
	}
	v.state = Running
	v.bootCancel = nil
	v.mu.Unlock()

	log.G(ctx).Info("guest is running")
	v.deps.observer().VMStarted(ctx, v.snapshot())
	return nil
}
