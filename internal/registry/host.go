package registry

import (
	"context"

	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/network"
)

// OnDNSChanged records the host resolver settings and pushes them to every
// guest when they changed.
func (r *Registry) OnDNSChanged(ctx context.Context, dns network.DNSConfig) {
	if r.opts.DNS != nil && !r.opts.DNS.Set(dns) {
		return
	}
	log.G(ctx).WithField("nameservers", dns.Nameservers).Info("host DNS settings changed")
	for _, g := range r.snapshot() {
		g.OnDNSChanged(ctx, dns)
	}
}

// DNS returns the current host resolver settings.
func (r *Registry) DNS() network.DNSConfig {
	if r.opts.DNS == nil {
		return network.DNSConfig{}
	}
	return r.opts.DNS.Get()
}

// OnHostNetworkChanged tells every guest the host network changed.
func (r *Registry) OnHostNetworkChanged(ctx context.Context) {
	for _, g := range r.snapshot() {
		g.OnHostNetworkChanged(ctx)
	}
}

// OnSuspendImminent is called before the host suspends.
func (r *Registry) OnSuspendImminent(ctx context.Context) {
	for _, g := range r.snapshot() {
		g.OnSuspendImminent(ctx)
	}
}

// OnSuspendDone is called after the host resumed.
func (r *Registry) OnSuspendDone(ctx context.Context) {
	for _, g := range r.snapshot() {
		g.OnSuspendDone(ctx)
	}
}

// SyncTimes sets every running guest's clock to the host's. It returns the
// number of guests that could not be updated.
func (r *Registry) SyncTimes(ctx context.Context) int {
	failed := 0
	for _, g := range r.snapshot() {
		if err := g.SyncTime(ctx); err != nil {
			failed++
			log.G(ctx).WithError(err).WithFields(log.Fields{
				"owner": g.Owner(),
				"name":  g.Name(),
			}).Warn("failed to sync guest clock")
		}
	}
	return failed
}
