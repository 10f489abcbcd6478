// Package vm implements one supervised guest: its start sequence, the
// lifecycle state machine and the operations callers can issue while it
// runs.
//
// A VM owns its runtime scratch directory, network binding, shared
// directory server, hypervisor process and agent connection. Every one of
// them is released exactly once, whether the guest is stopped, crashes or
// fails to start.
package vm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/agent"
	"github.com/spin-stack/concierge/internal/hypervisor"
	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/network"
	"github.com/spin-stack/concierge/internal/paths"
	"github.com/spin-stack/concierge/internal/scratch"
	"github.com/spin-stack/concierge/internal/sharedir"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

// MaxExtraDisks bounds the extra disks one guest may receive.
const MaxExtraDisks = 10

const seneschalPortParam = "androidboot.seneschal_server_port"

// sharedDirTarget is where container guests mount their shared directory.
const sharedDirTarget = "/mnt/shared"

// StartRequest is everything needed to start one guest.
type StartRequest struct {
	Owner      string
	Name       string
	Descriptor hypervisor.Descriptor

	// StatefulDisk indexes Descriptor.Disks for the container guest's
	// stateful filesystem.
	StatefulDisk    int
	AllowPrivileged bool
	Features        []string
}

// VM is one guest.
type VM struct {
	deps  *Deps
	owner string
	name  string
	desc  hypervisor.Descriptor
	req   StartRequest

	// op serialises control operations: post-boot, shutdown, suspend,
	// resume, resize and USB.
	op sync.Mutex

	mu            sync.Mutex
	state         State
	cid           uint32
	scratch       *scratch.Dir
	binding       *network.Binding
	proxy         *sharedir.Proxy
	proc          hypervisor.Process
	client        agent.Client
	kernelVersion string
	resize        ResizeRecord
	info          Info
	bootCancel    context.CancelFunc

	releaseOnce sync.Once
	gone        chan struct{}
}

// Start validates req, acquires every resource the guest needs and
// launches the hypervisor. On failure everything acquired so far has been
// released. Guests with an agent finish booting in the background and move
// to Running once the agent has been configured.
func Start(ctx context.Context, deps *Deps, req StartRequest) (_ *VM, retErr error) {
	v := &VM{
		deps:  deps,
		owner: req.Owner,
		name:  req.Name,
		desc:  req.Descriptor,
		req:   req,
		state: Starting,
		gone:  make(chan struct{}),
	}
	ctx = log.WithLogger(ctx, v.logger(ctx))

	if err := v.validate(); err != nil {
		close(v.gone)
		v.state = Gone
		return nil, err
	}

	defer func() {
		if retErr != nil {
			log.G(ctx).WithError(retErr).Warn("guest failed to start")
			v.release(ctx)
			v.setState(Gone)
		}
	}()

	dir, err := scratch.New(deps.Config.Paths.RuntimeDir, v.desc.Kind)
	if err != nil {
		return nil, err
	}
	v.scratch = dir

	cid, err := deps.CIDs.Allocate(v.owner, v.name)
	if err != nil {
		return nil, err
	}
	v.cid = cid
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("cid", cid))

	binding, err := network.Bind(ctx, deps.Network, v.desc.Kind, cid, deps.OpenTAP)
	if err != nil {
		return nil, err
	}
	v.binding = binding

	rt := &hypervisor.Runtime{
		CID:           cid,
		ControlSocket: dir.ControlSocket(),
		WaylandSocket: deps.Config.Paths.WaylandSocket,
		SerialLogSock: deps.Config.Paths.SerialLogSock,
		DevMode:       deps.Config.Policy.DevMode,
	}
	if err := v.startShareDir(ctx, rt); err != nil {
		return nil, err
	}

	var extra []*os.File
	if tap := binding.TAP(); tap != nil {
		extra = append(extra, tap)
		rt.TAPCount = 1
	}
	if v.desc.Kind == kind.Android {
		rt.SharedDirs = hypervisor.AndroidSharedDirs(deps.Config.Paths.AndroidData)
		if v.desc.Features.DevConfigPermitted {
			devArgs, err := hypervisor.LoadDevConfig(deps.Config.Paths.DevConfig)
			if err != nil {
				log.G(ctx).WithError(err).Warn("ignoring developer configuration")
			}
			rt.DevArgs = devArgs
		}
		deps.observer().VMStartingUp(ctx, v.snapshot())
	}

	args := hypervisor.Command(&v.desc, rt)
	log.G(ctx).WithField("args", strings.Join(args, " ")).Debug("launching hypervisor")
	proc, err := deps.Launcher.Launch(ctx, &hypervisor.LaunchRequest{
		Args:        args,
		ExtraFiles:  extra,
		Cgroup:      hypervisor.CgroupFor(deps.Config.Cgroups, v.desc.Kind),
		ConsoleFIFO: dir.ConsoleFIFO(),
	})
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.proc = proc
	v.info.StartedAt = deps.now()
	v.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	go v.watchExit(bg)

	if v.desc.Kind.HasAgent() {
		bootCtx, cancel := context.WithCancel(bg)
		v.mu.Lock()
		v.bootCancel = cancel
		v.mu.Unlock()
		go v.boot(bootCtx)
	} else {
		v.setState(Running)
		deps.observer().VMStarted(ctx, v.snapshot())
	}

	log.G(ctx).WithField("pid", proc.Pid()).Info("guest started")
	return v, nil
}

func (v *VM) logger(ctx context.Context) *log.Entry {
	return log.G(ctx).WithFields(log.Fields{
		"owner": v.owner,
		"name":  v.name,
		"kind":  v.desc.Kind.String(),
	})
}

func (v *VM) validate() error {
	d := &v.desc
	if v.name == "" {
		return vmerrors.New(vmerrors.InvalidArgument, "missing guest name")
	}
	switch {
	case d.CPUs < 0:
		return vmerrors.New(vmerrors.InvalidArgument, "invalid cpu count")
	case d.CPUs == 0 && d.Kind != kind.Android:
		return vmerrors.New(vmerrors.InvalidArgument, "invalid cpu count")
	case d.CPUs > v.deps.hostCPUs():
		return vmerrors.New(vmerrors.InvalidArgument, "invalid cpu count")
	}
	if len(d.Disks) > MaxExtraDisks {
		return vmerrors.New(vmerrors.InvalidArgument, "Too many extra disks")
	}
	if !paths.FileExists(d.Kernel) {
		return vmerrors.New(vmerrors.ImageMissing, "Missing VM kernel path")
	}
	if d.Rootfs != "" && !paths.Exists(d.Rootfs) {
		return vmerrors.New(vmerrors.ImageMissing, "Missing VM rootfs path")
	}
	if d.Fstab != "" && !paths.FileExists(d.Fstab) {
		return vmerrors.New(vmerrors.ImageMissing, "Missing VM fstab path")
	}
	if d.ISO != "" && !paths.Exists(d.ISO) {
		return vmerrors.New(vmerrors.ImageMissing, "Missing VM install ISO")
	}
	for _, disk := range d.Disks {
		if !paths.Exists(disk.Path) {
			return vmerrors.Newf(vmerrors.ImageMissing, "Missing disk path: %s", disk.Path)
		}
	}
	if d.Kind == kind.Android && !paths.Exists(v.deps.Config.Paths.AndroidData) {
		return vmerrors.New(vmerrors.ImageMissing, "Android data directory does not exist")
	}
	if d.Kind.HasAgent() && len(d.Disks) > 0 && (v.req.StatefulDisk < 0 || v.req.StatefulDisk >= len(d.Disks)) {
		return vmerrors.New(vmerrors.InvalidArgument, "invalid stateful disk")
	}
	return nil
}

// sharedDirPort is the port of the guest's shared-directory server, or 0
// when it has none.
func (v *VM) sharedDirPort() uint32 {
	if v.proxy == nil {
		return 0
	}
	return v.proxy.Port()
}

// startShareDir starts the guest's shared-directory server on a fresh
// port. Android learns the port from its kernel command line.
func (v *VM) startShareDir(ctx context.Context, rt *hypervisor.Runtime) error {
	if v.deps.ShareDir == nil {
		v.proxy = &sharedir.Proxy{}
		return nil
	}
	port, err := v.deps.Ports.Allocate()
	if err != nil {
		return err
	}
	req := sharedir.Request{Kind: v.desc.Kind, CID: v.cid, Port: port}
	if v.desc.Kind == kind.Android {
		req.Shares = sharedir.AndroidShares(v.deps.Config.Paths.AndroidData, "")
		rt.ExtraParams = append(rt.ExtraParams, fmt.Sprintf("%s=%d", seneschalPortParam, port))
	}
	proxy, err := sharedir.Start(ctx, v.deps.ShareDir, req)
	if err != nil {
		return vmerrors.Wrap(vmerrors.HypervisorLaunch, "failed to start shared directory server", err)
	}
	v.proxy = proxy
	return nil
}

// statefulDevice returns the guest device name of the stateful disk. The
// root filesystem, when present, is the first virtio-blk device.
func (v *VM) statefulDevice() string {
	idx := v.req.StatefulDisk
	if v.desc.Rootfs != "" {
		idx++
	}
	if idx < 0 || idx > hypervisor.MaxDiskIndex {
		return ""
	}
	return "/dev/vd" + string(rune('a'+idx))
}

// Owner returns the guest's owner id.
func (v *VM) Owner() string { return v.owner }

// Name returns the guest's name.
func (v *VM) Name() string { return v.name }

// Kind returns the guest kind.
func (v *VM) Kind() kind.Kind { return v.desc.Kind }

// Done is closed once the guest is Gone and its resources are released.
func (v *VM) Done() <-chan struct{} { return v.gone }

// State returns the current lifecycle state.
func (v *VM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Info returns a snapshot of the guest.
func (v *VM) Info() Info {
	return v.snapshot()
}

func (v *VM) snapshot() Info {
	v.mu.Lock()
	defer v.mu.Unlock()

	info := v.info
	info.Owner = v.owner
	info.Name = v.name
	info.Kind = v.desc.Kind
	info.State = v.state
	info.CID = v.cid
	info.KernelVersion = v.kernelVersion
	if v.proc != nil {
		info.PID = v.proc.Pid()
	}
	if v.scratch != nil {
		info.ScratchDir = v.scratch.Path()
		info.ControlSocket = v.scratch.ControlSocket()
	}
	if v.binding != nil {
		n := v.binding.Info()
		info.IfName = n.IfName
		info.IPv4 = n.IPv4
		info.Gateway = n.Gateway
		info.Netmask = n.Netmask
		info.ContainerSubnet = n.ContainerSubnet
	}
	if v.proxy != nil {
		info.SharedDirHandle = v.proxy.Handle()
		info.SharedDirPort = v.proxy.Port()
	}
	return info
}

func (v *VM) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

func (v *VM) agentClient() agent.Client {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.client
}

func (v *VM) process() hypervisor.Process {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.proc
}

func (v *VM) controlSocket() string {
	return v.scratch.ControlSocket()
}

// release frees every resource in reverse order of acquisition. Only the
// first call has any effect.
func (v *VM) release(ctx context.Context) {
	v.releaseOnce.Do(func() {
		v.mu.Lock()
		client := v.client
		v.client = nil
		v.mu.Unlock()

		if client != nil {
			if err := client.Close(); err != nil {
				log.G(ctx).WithError(err).Debug("close agent connection")
			}
		}
		if err := v.proxy.Stop(ctx); err != nil {
			log.G(ctx).WithError(err).Warn("failed to stop shared directory server")
		}
		if v.binding != nil {
			_ = v.binding.Release(ctx)
		}
		if v.cid != 0 {
			if v.deps.Readiness != nil {
				v.deps.Readiness.Forget(v.cid)
			}
			v.deps.CIDs.Release(v.cid)
		}
		if v.scratch != nil {
			if err := v.scratch.Remove(); err != nil {
				log.G(ctx).WithError(err).Warn("failed to remove runtime scratch")
			}
		}
		close(v.gone)
	})
}

// watchExit turns an exit nobody asked for into a transition to Gone.
func (v *VM) watchExit(ctx context.Context) {
	proc := v.process()
	<-proc.Done()

	v.mu.Lock()
	state := v.state
	cancel := v.bootCancel
	v.mu.Unlock()
	if state == Stopping || state == Gone {
		return
	}

	log.G(ctx).WithField("pid", proc.Pid()).Warn("hypervisor exited unexpectedly")
	if cancel != nil {
		cancel()
	}

	v.op.Lock()
	defer v.op.Unlock()
	if v.State() == Gone {
		return
	}
	v.finish(ctx)
}

// finish releases resources, marks the guest Gone and reports it.
func (v *VM) finish(ctx context.Context) {
	info := v.snapshot()
	v.release(ctx)
	v.setState(Gone)
	info.State = Gone
	v.deps.observer().VMStopped(ctx, info)
}
