// Package registry tracks the live guests of every owner. It starts,
// stops and looks up guests by (owner, name), fans host events out to all
// of them and persists enough about each guest to clean up after a daemon
// crash.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"

	"github.com/spin-stack/concierge/internal/boltstore"
	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/hypervisor"
	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/network"
	"github.com/spin-stack/concierge/internal/vm"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

// Guest is the view of a running guest the registry and its callers use.
// *vm.VM implements it.
type Guest interface {
	Owner() string
	Name() string
	Kind() kind.Kind
	State() vm.State
	Info() vm.Info
	Done() <-chan struct{}

	Shutdown(ctx context.Context) error
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	SyncTime(ctx context.Context) error
	Resize(ctx context.Context, size uint64) (vm.ResizeRecord, error)
	ResizeStatus(ctx context.Context) (vm.ResizeRecord, error)
	AttachUSB(ctx context.Context, dev hypervisor.USBAttach) (uint8, error)
	DetachUSB(ctx context.Context, port uint8) error
	ListUSB(ctx context.Context) ([]hypervisor.USBDevice, error)
	MountExternal(ctx context.Context, source, dir string) error
	KernelVersion() (string, error)

	OnDNSChanged(ctx context.Context, dns network.DNSConfig)
	OnHostNetworkChanged(ctx context.Context)
	OnSuspendImminent(ctx context.Context)
	OnSuspendDone(ctx context.Context)
}

// StartFunc starts one guest.
type StartFunc func(ctx context.Context, req vm.StartRequest) (Guest, error)

// VMStarter returns a StartFunc backed by vm.Start.
func VMStarter(deps *vm.Deps) StartFunc {
	return func(ctx context.Context, req vm.StartRequest) (Guest, error) {
		v, err := vm.Start(ctx, deps, req)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

// CPUShares sets the cpu share of a control group.
type CPUShares interface {
	SetCPUShares(ctx context.Context, group string, shares uint64) error
}

// Options configures a Registry.
type Options struct {
	Config  *config.Config
	Start   StartFunc
	Records boltstore.Store[Record]
	CPU     CPUShares
	DNS     *network.DNSState
	// Network releases bindings left behind by a previous daemon.
	Network network.Service
	// Kill terminates a hypervisor left behind by a previous daemon. It
	// defaults to killStale.
	Kill func(pid int, binary string) error
}

type key struct {
	owner string
	name  string
}

func (k key) String() string { return k.owner + "/" + k.name }

type startInFlight struct {
	done  chan struct{}
	guest Guest
	err   error
}

// Registry is the set of live guests.
type Registry struct {
	opts Options

	// mu guards guests and inFlight. It is never held across a guest
	// operation.
	mu       sync.Mutex
	guests   map[key]Guest
	inFlight map[key]*startInFlight
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.Kill == nil {
		opts.Kill = killStale
	}
	return &Registry{
		opts:     opts,
		guests:   make(map[key]Guest),
		inFlight: make(map[key]*startInFlight),
	}
}

// Start starts the guest described by req. When a guest with the same
// owner and name is already starting or running, its info is returned and
// nothing new is launched; Info.State tells the caller which.
func (r *Registry) Start(ctx context.Context, req vm.StartRequest) (vm.Info, error) {
	k := key{req.Owner, req.Name}

	r.mu.Lock()
	if g, ok := r.guests[k]; ok && g.State() != vm.Gone {
		r.mu.Unlock()
		log.G(ctx).WithField("guest", k.String()).Info("guest already running")
		return g.Info(), nil
	}
	if inflight, ok := r.inFlight[k]; ok {
		r.mu.Unlock()
		<-inflight.done
		if inflight.err != nil {
			return vm.Info{}, inflight.err
		}
		return inflight.guest.Info(), nil
	}
	inflight := &startInFlight{done: make(chan struct{})}
	r.inFlight[k] = inflight
	r.mu.Unlock()

	g, err := r.opts.Start(ctx, req)

	r.mu.Lock()
	delete(r.inFlight, k)
	if err == nil {
		r.guests[k] = g
	}
	r.mu.Unlock()
	inflight.guest, inflight.err = g, err
	close(inflight.done)

	if err != nil {
		return vm.Info{}, err
	}

	info := g.Info()
	r.persist(ctx, k, info)
	go r.forget(context.WithoutCancel(ctx), k, g)
	return info, nil
}

// forget drops g once it is gone.
func (r *Registry) forget(ctx context.Context, k key, g Guest) {
	<-g.Done()

	r.mu.Lock()
	if cur, ok := r.guests[k]; ok && cur == g {
		delete(r.guests, k)
	}
	r.mu.Unlock()

	if r.opts.Records != nil {
		if err := r.opts.Records.Delete(ctx, k.String()); err != nil {
			log.G(ctx).WithError(err).WithField("guest", k.String()).Warn("failed to delete guest record")
		}
	}
}

// Get returns the live guest owned by owner called name.
func (r *Registry) Get(owner, name string) (Guest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guests[key{owner, name}]
	if !ok || g.State() == vm.Gone {
		return nil, vmerrors.New(vmerrors.NotFound, "Requested VM does not exist")
	}
	return g, nil
}

// Info returns a snapshot of one guest.
func (r *Registry) Info(owner, name string) (vm.Info, error) {
	g, err := r.Get(owner, name)
	if err != nil {
		return vm.Info{}, err
	}
	return g.Info(), nil
}

// Enumerate returns every live guest ordered by owner and name.
func (r *Registry) Enumerate() []vm.Info {
	guests := r.snapshot()
	out := make([]vm.Info, 0, len(guests))
	for _, g := range guests {
		out = append(out, g.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Stop shuts one guest down.
func (r *Registry) Stop(ctx context.Context, owner, name string) error {
	g, err := r.Get(owner, name)
	if err != nil {
		return err
	}
	return g.Shutdown(ctx)
}

// StopAll shuts every guest down in parallel and waits for all of them.
// The whole call is bounded by the deadline of a single shutdown, not
// their sum.
func (r *Registry) StopAll(ctx context.Context) {
	guests := r.snapshot()
	if len(guests) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, ShutdownDeadline(r.opts.Config.Timeouts))
	defer cancel()

	log.G(ctx).WithField("count", len(guests)).Info("stopping all guests")
	var eg errgroup.Group
	for _, g := range guests {
		eg.Go(func() error {
			if err := g.Shutdown(ctx); err != nil {
				log.G(ctx).WithError(err).WithFields(log.Fields{
					"owner": g.Owner(),
					"name":  g.Name(),
				}).Warn("guest did not stop cleanly")
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// ShutdownDeadline is the longest a single guest shutdown can take: the
// graceful step, the stop command and four child exit waits.
func ShutdownDeadline(t config.TimeoutsConfig) time.Duration {
	graceful := max(t.GetAgentShutdown(), t.GetDefaultRPC())
	return graceful + t.GetControlCommand() + 4*t.GetChildExit()
}

func (r *Registry) snapshot() []Guest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Guest, 0, len(r.guests))
	for _, g := range r.guests {
		if g.State() != vm.Gone {
			out = append(out, g)
		}
	}
	return out
}

func (r *Registry) persist(ctx context.Context, k key, info vm.Info) {
	if r.opts.Records == nil {
		return
	}
	rec := recordFrom(info)
	if err := r.opts.Records.Put(ctx, k.String(), &rec); err != nil {
		log.G(ctx).WithError(err).WithField("guest", k.String()).Warn("failed to persist guest record")
	}
}
