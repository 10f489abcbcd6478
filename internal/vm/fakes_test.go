package vm

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/containerd/ttrpc"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/concierge/internal/agent"
	"github.com/spin-stack/concierge/internal/childexit"
	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/hypervisor"
	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/network"
	"github.com/spin-stack/concierge/internal/pool"
	"github.com/spin-stack/concierge/internal/sharedir"
)

type fakeNetwork struct {
	mu        sync.Mutex
	info      *network.Info
	err       error
	startups  []uint32
	shutdowns []uint32
}

func (f *fakeNetwork) NotifyStartup(_ context.Context, _ kind.Kind, cid uint32) (*network.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startups = append(f.startups, cid)
	if f.err != nil {
		return nil, f.err
	}
	info := *f.info
	return &info, nil
}

func (f *fakeNetwork) NotifyShutdown(_ context.Context, cid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns = append(f.shutdowns, cid)
	return nil
}

func (f *fakeNetwork) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.startups), len(f.shutdowns)
}

type fakeShareDir struct {
	mu      sync.Mutex
	next    uint32
	running map[uint32]sharedir.Request
}

func newFakeShareDir() *fakeShareDir {
	return &fakeShareDir{running: map[uint32]sharedir.Request{}}
}

func (f *fakeShareDir) Start(_ context.Context, req sharedir.Request) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.running[f.next] = req
	return f.next, nil
}

func (f *fakeShareDir) Stop(_ context.Context, handle uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, handle)
	return nil
}

func (f *fakeShareDir) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}

// fakeProcess exits on the signals listed in exitOn.
type fakeProcess struct {
	pid    int
	exits  *childexit.Coordinator
	exitOn map[syscall.Signal]bool
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	signals []syscall.Signal
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if p.exitOn[sig] {
		go p.exit()
	}
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() {
		close(p.done)
		p.exits.Received(p.pid)
	})
}

func (p *fakeProcess) received() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

type fakeLauncher struct {
	mu       sync.Mutex
	exits    *childexit.Coordinator
	nextPid  int
	err      error
	exitOn   map[syscall.Signal]bool
	launched []*fakeProcess
	requests []*hypervisor.LaunchRequest
}

func (l *fakeLauncher) Launch(_ context.Context, req *hypervisor.LaunchRequest) (hypervisor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.nextPid++
	p := &fakeProcess{
		pid:    1000 + l.nextPid,
		exits:  l.exits,
		exitOn: l.exitOn,
		done:   make(chan struct{}),
	}
	l.launched = append(l.launched, p)
	l.requests = append(l.requests, req)
	return p, nil
}

func (l *fakeLauncher) last() (*fakeProcess, *hypervisor.LaunchRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched[len(l.launched)-1], l.requests[len(l.requests)-1]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

// callLog orders calls across the controller and the agent.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *callLog) index(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Index(l.calls, name)
}

type resizeCall struct {
	index int
	size  uint64
}

// fakeController stands in for the hypervisor control socket.
type fakeController struct {
	mu         sync.Mutex
	launcher   *fakeLauncher
	log        *callLog
	calls      []string
	stopErr    error
	stopExits  bool
	suspendErr error
	resizes    []resizeCall
	usb        []hypervisor.USBDevice
	nextPort   uint8
}

func (c *fakeController) record(name string) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
	c.log.add(name)
}

func (c *fakeController) Stop(context.Context, string) error {
	c.record("stop")
	if c.stopErr != nil {
		return c.stopErr
	}
	if c.stopExits {
		p, _ := c.launcher.last()
		go p.exit()
	}
	return nil
}

func (c *fakeController) Suspend(context.Context, string) error {
	c.record("suspend")
	return c.suspendErr
}

func (c *fakeController) Resume(context.Context, string) error {
	c.record("resume")
	return nil
}

func (c *fakeController) ResizeDisk(_ context.Context, _ string, index int, size uint64) error {
	c.record("resize")
	c.mu.Lock()
	c.resizes = append(c.resizes, resizeCall{index, size})
	c.mu.Unlock()
	return nil
}

func (c *fakeController) AttachUSB(_ context.Context, _ string, dev hypervisor.USBAttach) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextPort++
	c.usb = append(c.usb, hypervisor.USBDevice{Port: c.nextPort, VendorID: dev.VendorID, ProductID: dev.ProductID})
	return c.nextPort, nil
}

func (c *fakeController) DetachUSB(_ context.Context, _ string, port uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.usb {
		if d.Port == port {
			c.usb = append(c.usb[:i], c.usb[i+1:]...)
			return nil
		}
	}
	return errors.New("no such port")
}

func (c *fakeController) ListUSB(context.Context, string) ([]hypervisor.USBDevice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hypervisor.USBDevice(nil), c.usb...), nil
}

func (c *fakeController) history() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// fakeAgent is served over ttrpc on a unix socket.
type fakeAgent struct {
	mu         sync.Mutex
	log        *callLog
	calls      []string
	network    agent.NetworkConfig
	mount9p    agent.Mount9PRequest
	start      agent.StartServicesRequest
	resizeTo   uint64
	status     agent.ResizeStatus
	onShutdown func()
	hangStop   bool
	startErr   error
}

func (f *fakeAgent) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	f.log.add(name)
}

func (f *fakeAgent) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAgent) ConfigureNetwork(_ context.Context, cfg agent.NetworkConfig) error {
	f.record(agent.MethodConfigureNetwork)
	f.mu.Lock()
	f.network = cfg
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) SetResolvConfig(context.Context, agent.ResolvConfig) error {
	f.record(agent.MethodSetResolvConfig)
	return nil
}

func (f *fakeAgent) SetTime(context.Context, time.Time) error {
	f.record(agent.MethodSetTime)
	return nil
}

func (f *fakeAgent) OnHostNetworkChanged(context.Context) error {
	f.record(agent.MethodOnHostNetworkChanged)
	return nil
}

func (f *fakeAgent) Mount(context.Context, agent.MountRequest) error {
	f.record(agent.MethodMount)
	return nil
}

func (f *fakeAgent) Mount9P(_ context.Context, port uint32, target string) error {
	f.record(agent.MethodMount9P)
	f.mu.Lock()
	f.mount9p = agent.Mount9PRequest{Port: port, Target: target}
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) PrepareToSuspend(context.Context) error {
	f.record(agent.MethodPrepareToSuspend)
	return nil
}

func (f *fakeAgent) StartServices(_ context.Context, req agent.StartServicesRequest) error {
	f.record(agent.MethodStartServices)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.start = req
	return f.startErr
}

func (f *fakeAgent) ResizeFilesystem(_ context.Context, size uint64) error {
	f.record(agent.MethodResizeFilesystem)
	f.mu.Lock()
	f.resizeTo = size
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) GetResizeStatus(context.Context) (agent.ResizeStatus, error) {
	f.record(agent.MethodGetResizeStatus)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeAgent) setStatus(st agent.ResizeStatus) {
	f.mu.Lock()
	f.status = st
	f.mu.Unlock()
}

func (f *fakeAgent) GetKernelVersion(context.Context) (agent.KernelVersion, error) {
	f.record(agent.MethodGetKernelVersion)
	return agent.KernelVersion{Release: "6.6.0-termina", Version: "#1 SMP PREEMPT"}, nil
}

func (f *fakeAgent) Shutdown(ctx context.Context) error {
	f.record(agent.MethodShutdown)
	if f.hangStop {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.onShutdown != nil {
		f.onShutdown()
	}
	return nil
}

type fakeObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *fakeObserver) add(ev string) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *fakeObserver) VMStartingUp(context.Context, Info) { o.add("starting_up") }
func (o *fakeObserver) VMStarted(context.Context, Info)    { o.add("started") }
func (o *fakeObserver) VMStopping(context.Context, Info)   { o.add("stopping") }
func (o *fakeObserver) VMStopped(context.Context, Info)    { o.add("stopped") }

func (o *fakeObserver) seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

type harness struct {
	deps     *Deps
	cids     *pool.CIDPool
	net      *fakeNetwork
	share    *fakeShareDir
	launcher *fakeLauncher
	ctrl     *fakeController
	agent    *fakeAgent
	calls    *callLog
	observer *fakeObserver
	images   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Paths.RuntimeDir = t.TempDir()
	cfg.Paths.AndroidData = t.TempDir()
	cfg.Paths.DevConfig = filepath.Join(t.TempDir(), "missing.conf")
	cfg.Timeouts.DefaultRPC = "1s"
	cfg.Timeouts.AgentShutdown = "300ms"
	cfg.Timeouts.StartServices = "2s"
	cfg.Timeouts.ChildExit = "200ms"
	cfg.Timeouts.VMReady = "2s"

	cids, err := pool.NewCIDPool(t.TempDir(), 3, 64)
	require.NoError(t, err)

	exits := childexit.New(childexit.WithProbe(func(int) bool { return false }))
	launcher := &fakeLauncher{exits: exits, exitOn: map[syscall.Signal]bool{syscall.SIGKILL: true}}
	calls := &callLog{}
	h := &harness{
		cids: cids,
		net: &fakeNetwork{info: &network.Info{
			IfName:          "vmtap0",
			IPv4:            net.ParseIP("100.115.92.26"),
			Gateway:         net.ParseIP("100.115.92.25"),
			Netmask:         net.ParseIP("255.255.255.252"),
			ContainerSubnet: &net.IPNet{IP: net.ParseIP("100.115.92.192").To4(), Mask: net.CIDRMask(28, 32)},
		}},
		share:    newFakeShareDir(),
		launcher: launcher,
		ctrl:     &fakeController{launcher: launcher, log: calls},
		agent:    &fakeAgent{log: calls},
		calls:    calls,
		observer: &fakeObserver{},
		images:   t.TempDir(),
	}

	sock := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)
	srv, err := ttrpc.NewServer()
	require.NoError(t, err)
	agent.Register(srv, h.agent)
	go func() { _ = srv.Serve(context.Background(), l) }()
	t.Cleanup(func() { _ = srv.Close() })

	h.deps = &Deps{
		Config:     cfg,
		CIDs:       cids,
		Ports:      pool.NewPortPool(32768, 40000),
		Network:    h.net,
		ShareDir:   h.share,
		Launcher:   launcher,
		Controller: h.ctrl,
		Exits:      exits,
		DNS:        network.NewDNSState(network.DNSConfig{Nameservers: []string{"8.8.8.8"}}),
		Observer:   h.observer,
		DialAgent: func(uint32) agent.Dialer {
			return func(ctx context.Context) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sock)
			}
		},
		DialPower: func(uint32) agent.Dialer {
			return func(context.Context) (net.Conn, error) {
				client, server := net.Pipe()
				go func() {
					data, _ := io.ReadAll(server)
					if string(data) == "poweroff" {
						p, _ := launcher.last()
						p.exit()
					}
				}()
				return client, nil
			}
		},
		HostCPUs: func() int { return 4 },
	}
	return h
}

func (h *harness) file(t *testing.T, name string, size int64) string {
	t.Helper()
	p := filepath.Join(h.images, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return p
}

func (h *harness) containerRequest(t *testing.T) StartRequest {
	t.Helper()
	return StartRequest{
		Owner: "cafef00d",
		Name:  "termina",
		Descriptor: hypervisor.Descriptor{
			Kind:      kind.Container,
			Kernel:    h.file(t, "vm_kernel", 1),
			Rootfs:    h.file(t, "vm_rootfs.img", 1),
			CPUs:      2,
			MemoryMiB: 1024,
			Disks:     []hypervisor.Disk{{Path: h.file(t, "stateful.img", 4<<30), Writable: true, Sparse: true}},
		},
		Features: []string{"gpu"},
	}
}
