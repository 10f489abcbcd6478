//go:build linux

package plugins

import (
	"context"
	"fmt"

	"github.com/containerd/containerd/v2/pkg/shutdown"
	"github.com/containerd/log"
	"github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"

	"github.com/spin-stack/concierge/internal/agent"
	"github.com/spin-stack/concierge/internal/boltstore"
	"github.com/spin-stack/concierge/internal/childexit"
	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/events"
	"github.com/spin-stack/concierge/internal/hypervisor"
	"github.com/spin-stack/concierge/internal/network"
	"github.com/spin-stack/concierge/internal/paths"
	"github.com/spin-stack/concierge/internal/pool"
	concierge "github.com/spin-stack/concierge/internal/registry"
	"github.com/spin-stack/concierge/internal/service"
	"github.com/spin-stack/concierge/internal/sharedir"
	"github.com/spin-stack/concierge/internal/vm"
)

// Pools holds the context ID and shared-directory port allocators.
type Pools struct {
	CIDs  *pool.CIDPool
	Ports *pool.PortPool
}

// Hypervisor holds the process launcher, control client and cpu groups.
type Hypervisor struct {
	Cgroups    *hypervisor.Cgroups
	Launcher   hypervisor.Launcher
	Controller hypervisor.Controller
}

func init() {
	registry.Register(&plugin.Registration{
		Type: EventPlugin,
		ID:   ExchangeID,
		InitFn: func(*plugin.InitContext) (any, error) {
			return events.NewPublisher(nil), nil
		},
	})

	registry.Register(&plugin.Registration{
		Type: ResourcePlugin,
		ID:   ChildExitID,
		InitFn: func(ic *plugin.InitContext) (any, error) {
			c := childexit.New()
			go childexit.Feed(ic.Context, c)
			return c, nil
		},
	})

	registry.Register(&plugin.Registration{
		Type:     ResourcePlugin,
		ID:       PoolID,
		Requires: []plugin.Type{ConfigPlugin},
		InitFn: func(ic *plugin.InitContext) (any, error) {
			cfg, err := get[*config.Config](ic, ConfigPlugin, ConfigID)
			if err != nil {
				return nil, err
			}
			cids, err := pool.NewCIDPool(paths.CIDLockDir(cfg.Paths), cfg.Pool.MinCID, cfg.Pool.MaxCID)
			if err != nil {
				return nil, err
			}
			return &Pools{CIDs: cids, Ports: pool.NewPortPool(cfg.Pool.FirstPort, cfg.Pool.MaxPort)}, nil
		},
	})

	registry.Register(&plugin.Registration{
		Type:     ResourcePlugin,
		ID:       NetworkID,
		Requires: []plugin.Type{ConfigPlugin},
		InitFn: func(ic *plugin.InitContext) (any, error) {
			cfg, err := get[*config.Config](ic, ConfigPlugin, ConfigID)
			if err != nil {
				return nil, err
			}
			sd, err := get[shutdown.Service](ic, ConfigPlugin, ShutdownID)
			if err != nil {
				return nil, err
			}
			nm, err := network.New(ic.Context, cfg.Network)
			if err != nil {
				return nil, err
			}
			sd.RegisterCallback(func(context.Context) error {
				return nm.Close()
			})
			return nm, nil
		},
	})

	registry.Register(&plugin.Registration{
		Type:     ResourcePlugin,
		ID:       HypervisorID,
		Requires: []plugin.Type{ConfigPlugin},
		InitFn: func(ic *plugin.InitContext) (any, error) {
			cfg, err := get[*config.Config](ic, ConfigPlugin, ConfigID)
			if err != nil {
				return nil, err
			}
			cg := hypervisor.NewCgroups(ic.Context, cfg.Cgroups.Disabled)
			return &Hypervisor{
				Cgroups:    cg,
				Launcher:   hypervisor.NewLauncher(cfg.Paths.Hypervisor, cg),
				Controller: hypervisor.NewController(cfg.Paths.Hypervisor, cfg.Timeouts.GetControlCommand()),
			}, nil
		},
	})

	registry.Register(&plugin.Registration{
		Type:     ResourcePlugin,
		ID:       ShareDirID,
		Requires: []plugin.Type{ConfigPlugin},
		InitFn: func(ic *plugin.InitContext) (any, error) {
			cfg, err := get[*config.Config](ic, ConfigPlugin, ConfigID)
			if err != nil {
				return nil, err
			}
			if cfg.ShareDir.Server == "" {
				return nil, fmt.Errorf("no shared directory server configured: %w", plugin.ErrSkipPlugin)
			}
			return sharedir.NewProcessServer(cfg.ShareDir.Server, cfg.ShareDir.Args), nil
		},
	})

	registry.Register(&plugin.Registration{
		Type:     ResourcePlugin,
		ID:       ReadinessID,
		Requires: []plugin.Type{ConfigPlugin},
		InitFn: func(ic *plugin.InitContext) (any, error) {
			cfg, err := get[*config.Config](ic, ConfigPlugin, ConfigID)
			if err != nil {
				return nil, err
			}
			if cfg.Agent.DisableReady {
				return nil, fmt.Errorf("guest readiness disabled: %w", plugin.ErrSkipPlugin)
			}
			sd, err := get[shutdown.Service](ic, ConfigPlugin, ShutdownID)
			if err != nil {
				return nil, err
			}
			r := agent.NewReadiness()
			l, err := agent.ListenStartup(ic.Context, cfg.Agent.StartupPort, r)
			if err != nil {
				log.G(ic.Context).WithError(err).Warn("startup listener unavailable, agents are dialed without waiting")
				return nil, fmt.Errorf("startup listener: %w", plugin.ErrSkipPlugin)
			}
			sd.RegisterCallback(l.Close)
			return r, nil
		},
	})

	registry.Register(&plugin.Registration{
		Type:     ResourcePlugin,
		ID:       RecordsID,
		Requires: []plugin.Type{ConfigPlugin},
		InitFn: func(ic *plugin.InitContext) (any, error) {
			cfg, err := get[*config.Config](ic, ConfigPlugin, ConfigID)
			if err != nil {
				return nil, err
			}
			sd, err := get[shutdown.Service](ic, ConfigPlugin, ShutdownID)
			if err != nil {
				return nil, err
			}
			db, err := boltstore.Open(paths.RecordDB(cfg.Paths))
			if err != nil {
				return nil, err
			}
			sd.RegisterCallback(func(context.Context) error {
				return db.Close()
			})
			return boltstore.Bucket[concierge.Record](db, concierge.RecordBucket)
		},
	})

	registry.Register(&plugin.Registration{
		Type: RegistryPlugin,
		ID:   RegistryID,
		Requires: []plugin.Type{
			ConfigPlugin,
			ResourcePlugin,
			EventPlugin,
		},
		InitFn: initRegistry,
	})

	registry.Register(&plugin.Registration{
		Type: GRPCPlugin,
		ID:   VMServiceID,
		Requires: []plugin.Type{
			ConfigPlugin,
			RegistryPlugin,
			EventPlugin,
		},
		InitFn: func(ic *plugin.InitContext) (any, error) {
			cfg, err := get[*config.Config](ic, ConfigPlugin, ConfigID)
			if err != nil {
				return nil, err
			}
			reg, err := get[*concierge.Registry](ic, RegistryPlugin, RegistryID)
			if err != nil {
				return nil, err
			}
			pub, err := get[*events.Publisher](ic, EventPlugin, ExchangeID)
			if err != nil {
				return nil, err
			}
			return service.New(cfg, reg, pub), nil
		},
	})
}

func initRegistry(ic *plugin.InitContext) (any, error) {
	ctx := ic.Context
	cfg, err := get[*config.Config](ic, ConfigPlugin, ConfigID)
	if err != nil {
		return nil, err
	}
	pools, err := get[*Pools](ic, ResourcePlugin, PoolID)
	if err != nil {
		return nil, err
	}
	nm, err := get[network.Manager](ic, ResourcePlugin, NetworkID)
	if err != nil {
		return nil, err
	}
	hv, err := get[*Hypervisor](ic, ResourcePlugin, HypervisorID)
	if err != nil {
		return nil, err
	}
	exits, err := get[*childexit.Coordinator](ic, ResourcePlugin, ChildExitID)
	if err != nil {
		return nil, err
	}
	records, err := get[boltstore.Store[concierge.Record]](ic, ResourcePlugin, RecordsID)
	if err != nil {
		return nil, err
	}
	pub, err := get[*events.Publisher](ic, EventPlugin, ExchangeID)
	if err != nil {
		return nil, err
	}

	deps := &vm.Deps{
		Config:     cfg,
		CIDs:       pools.CIDs,
		Ports:      pools.Ports,
		Network:    nm,
		OpenTAP:    network.OpenTAP,
		Launcher:   hv.Launcher,
		Controller: hv.Controller,
		Exits:      exits,
		DNS:        network.NewDNSState(network.ReadHostDNS(ctx, cfg.Network.ResolvConf)),
		Observer:   pub,
		HostCPUs:   hypervisor.HostCPUs,
	}
	// Both are optional: a skipped plugin leaves the feature off.
	if srv, err := get[sharedir.Server](ic, ResourcePlugin, ShareDirID); err == nil {
		deps.ShareDir = srv
	}
	if r, err := get[*agent.Readiness](ic, ResourcePlugin, ReadinessID); err == nil {
		deps.Readiness = r
	}

	reg := concierge.New(concierge.Options{
		Config:  cfg,
		Start:   concierge.VMStarter(deps),
		Records: records,
		CPU:     hv.Cgroups,
		DNS:     deps.DNS,
		Network: nm,
	})
	n, err := reg.Recover(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Warn("failed to recover guest records")
	} else if n > 0 {
		log.G(ctx).WithField("count", n).Info("cleaned up guests left by previous daemon")
	}
	return reg, nil
}
