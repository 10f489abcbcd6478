package registry

import (
	"context"

	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/hypervisor"
	"github.com/spin-stack/concierge/internal/kind"
)

// AdjustCPU applies restriction to the cpu group of the named guest's
// kind. Every guest of that kind is affected.
func (r *Registry) AdjustCPU(ctx context.Context, owner, name string, restriction hypervisor.CPURestriction) error {
	g, err := r.Get(owner, name)
	if err != nil {
		return err
	}
	return r.SetCPURestriction(ctx, g.Kind(), restriction)
}

// SetCPURestriction applies restriction to the cpu group of kind k.
func (r *Registry) SetCPURestriction(ctx context.Context, k kind.Kind, restriction hypervisor.CPURestriction) error {
	group := hypervisor.CgroupFor(r.opts.Config.Cgroups, k)
	if group == "" || r.opts.CPU == nil {
		return nil
	}
	log.G(ctx).WithFields(log.Fields{
		"kind":        k.String(),
		"group":       group,
		"restriction": restriction.String(),
	}).Info("adjusting cpu restriction")
	return r.opts.CPU.SetCPUShares(ctx, group, restriction.Shares())
}
