//go:build linux

package hypervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/containerd/cgroups/v3"
	"github.com/containerd/cgroups/v3/cgroup1"
	"github.com/containerd/cgroups/v3/cgroup2"
	"github.com/containerd/log"
	"github.com/moby/sys/userns"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const cgroupMount = "/sys/fs/cgroup"

// Cgroups places hypervisors into per-kind cpu control groups and adjusts
// their cpu share. Group names are relative to the cgroup mount.
type Cgroups struct {
	disabled bool
	mode     cgroups.CGMode

	mu      sync.Mutex
	created map[string]bool
}

// NewCgroups returns a placement helper. Placement is skipped entirely
// when disabled, when no cgroup hierarchy is mounted, or when running
// inside a user namespace.
func NewCgroups(ctx context.Context, disabled bool) *Cgroups {
	c := &Cgroups{
		disabled: disabled,
		mode:     cgroups.Mode(),
		created:  make(map[string]bool),
	}
	switch {
	case disabled:
	case c.mode == cgroups.Unavailable:
		log.G(ctx).Warn("no cgroup hierarchy mounted, hypervisors will not be placed in cpu groups")
		c.disabled = true
	case userns.RunningInUserNS():
		log.G(ctx).Info("running in a user namespace, skipping cpu group placement")
		c.disabled = true
	}
	return c
}

// Enabled reports whether placement is active.
func (c *Cgroups) Enabled() bool {
	return c != nil && !c.disabled && c.mode != cgroups.Unavailable
}

// ensure creates group if this daemon has not already done so.
func (c *Cgroups) ensure(group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.created[group] {
		return nil
	}
	if c.mode == cgroups.Unified {
		if _, err := cgroup2.NewManager(cgroupMount, "/"+group, &cgroup2.Resources{}); err != nil {
			return fmt.Errorf("create cgroup %s: %w", group, err)
		}
	} else {
		if _, err := cgroup1.New(cgroup1.StaticPath("/"+group), &specs.LinuxResources{}, cpuHierarchy()); err != nil {
			return fmt.Errorf("create cgroup %s: %w", group, err)
		}
	}
	c.created[group] = true
	return nil
}

// openUnified returns a directory fd usable as SysProcAttr.CgroupFD so the
// child starts inside group. It returns nil on cgroup v1 hosts.
func (c *Cgroups) openUnified(group string) (*os.File, error) {
	if !c.Enabled() || group == "" {
		return nil, nil
	}
	if err := c.ensure(group); err != nil {
		return nil, err
	}
	if c.mode != cgroups.Unified {
		return nil, nil
	}
	f, err := os.Open(filepath.Join(cgroupMount, group))
	if err != nil {
		return nil, fmt.Errorf("open cgroup %s: %w", group, err)
	}
	return f, nil
}

// addLegacy writes pid to the cpu tasks file of group on cgroup v1 hosts.
func (c *Cgroups) addLegacy(group string, pid int) error {
	if !c.Enabled() || group == "" || c.mode == cgroups.Unified {
		return nil
	}
	cg, err := cgroup1.Load(cgroup1.StaticPath("/"+group), cpuHierarchy())
	if err != nil {
		return fmt.Errorf("load cgroup %s: %w", group, err)
	}
	return cg.AddTask(cgroup1.Process{Pid: pid}, cgroup1.Cpu)
}

// SetCPUShares sets the cpu share of every process in group. On cgroup v2
// the share is converted to a cpu weight.
func (c *Cgroups) SetCPUShares(ctx context.Context, group string, shares uint64) error {
	if !c.Enabled() {
		log.G(ctx).WithField("group", group).Debug("cpu groups disabled, ignoring share change")
		return nil
	}
	if err := c.ensure(group); err != nil {
		return err
	}
	if c.mode == cgroups.Unified {
		m, err := cgroup2.Load("/" + group)
		if err != nil {
			return fmt.Errorf("load cgroup %s: %w", group, err)
		}
		weight := sharesToWeight(shares)
		return m.Update(&cgroup2.Resources{CPU: &cgroup2.CPU{Weight: &weight}})
	}
	cg, err := cgroup1.Load(cgroup1.StaticPath("/"+group), cpuHierarchy())
	if err != nil {
		return fmt.Errorf("load cgroup %s: %w", group, err)
	}
	return cg.Update(&specs.LinuxResources{CPU: &specs.LinuxCPU{Shares: &shares}})
}

func cpuHierarchy() cgroup1.InitOpts {
	return cgroup1.WithHiearchy(cgroup1.SingleSubsystem(cgroup1.Default, cgroup1.Cpu))
}

// sharesToWeight maps cpu.shares [2, 262144] onto cpu.weight [1, 10000].
func sharesToWeight(shares uint64) uint64 {
	if shares == 0 {
		return 0
	}
	if shares < 2 {
		shares = 2
	}
	if shares > 262144 {
		shares = 262144
	}
	return 1 + ((shares-2)*9999)/262142
}
