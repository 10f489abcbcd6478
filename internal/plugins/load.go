package plugins

import (
	"context"
	"fmt"

	"github.com/containerd/containerd/v2/pkg/shutdown"
	"github.com/containerd/log"
	"github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"
	"google.golang.org/grpc"

	"github.com/spin-stack/concierge/internal/config"
	concierge "github.com/spin-stack/concierge/internal/registry"
)

// grpcService is implemented by plugins exposing part of the host API.
type grpcService interface {
	RegisterGRPC(server *grpc.Server) error
}

// Loaded is the result of Load.
type Loaded struct {
	Plugins  *plugin.Set
	Registry *concierge.Registry
}

// Load initializes every registered plugin except those named in disabled
// and registers API plugins on srv. cfg and sd are made available to
// plugins as the "config" and "shutdown" config plugins.
func Load(ctx context.Context, cfg *config.Config, sd shutdown.Service, srv *grpc.Server, disabled ...string) (*Loaded, error) {
	registry.Register(&plugin.Registration{
		Type: ConfigPlugin,
		ID:   ConfigID,
		InitFn: func(*plugin.InitContext) (any, error) {
			return cfg, nil
		},
	})
	registry.Register(&plugin.Registration{
		Type: ConfigPlugin,
		ID:   ShutdownID,
		InitFn: func(*plugin.InitContext) (any, error) {
			return sd, nil
		},
	})

	skip := make(map[string]struct{}, len(disabled))
	for _, id := range disabled {
		skip[id] = struct{}{}
	}

	loaded := &Loaded{Plugins: plugin.NewPluginSet()}
	for _, reg := range registry.Graph(func(*plugin.Registration) bool { return false }) {
		id := reg.URI()
		if _, ok := skip[id]; ok {
			log.G(ctx).WithField("plugin_id", id).Info("plugin is disabled, skipping load")
			continue
		}
		log.G(ctx).WithField("plugin_id", id).Debug("loading plugin")

		ic := plugin.NewContext(ctx, loaded.Plugins, nil)
		p := reg.Init(ic)
		if err := loaded.Plugins.Add(p); err != nil {
			return nil, fmt.Errorf("could not add plugin result to plugin set: %w", err)
		}

		instance, err := p.Instance()
		if err != nil {
			if plugin.IsSkipPlugin(err) {
				log.G(ctx).WithFields(log.Fields{"error": err, "plugin_id": id}).Info("skip loading plugin")
				continue
			}
			return nil, fmt.Errorf("failed to load plugin %s: %w", id, err)
		}

		switch v := instance.(type) {
		case grpcService:
			if err := v.RegisterGRPC(srv); err != nil {
				return nil, fmt.Errorf("failed to register gRPC service %s: %w", id, err)
			}
		case *concierge.Registry:
			loaded.Registry = v
		}
	}
	if loaded.Registry == nil {
		return nil, fmt.Errorf("guest registry plugin did not load")
	}
	return loaded, nil
}
