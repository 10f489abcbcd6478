package vm

import (
	"context"
	"errors"
	"os"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/concierge/internal/agent"
	"github.com/spin-stack/concierge/internal/hypervisor"
	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

func startRunning(t *testing.T, h *harness, req StartRequest) *VM {
	t.Helper()
	v, err := Start(t.Context(), h.deps, req)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return v.State() == Running }, 5*time.Second, 10*time.Millisecond)
	return v
}

func TestStart_Container(t *testing.T) {
	h := newHarness(t)
	v, err := Start(t.Context(), h.deps, h.containerRequest(t))
	require.NoError(t, err)

	info := v.Info()
	assert.Equal(t, "100.115.92.26", info.IPv4.String())
	assert.GreaterOrEqual(t, info.CID, uint32(3))
	assert.NotZero(t, info.PID)
	assert.NotZero(t, info.SharedDirHandle)
	assert.DirExists(t, info.ScratchDir)

	require.Eventually(t, func() bool { return v.State() == Running }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "6.6.0-termina #1 SMP PREEMPT", v.Info().KernelVersion)

	calls := h.agent.history()
	assert.Equal(t, []string{
		agent.MethodGetKernelVersion,
		agent.MethodConfigureNetwork,
		agent.MethodSetResolvConfig,
		agent.MethodStartServices,
		agent.MethodMount9P,
	}, calls)
	assert.Equal(t, info.SharedDirPort, h.agent.mount9p.Port)
	assert.NotZero(t, h.agent.mount9p.Port)
	assert.Equal(t, "/mnt/shared", h.agent.mount9p.Target)
	assert.Equal(t, "100.115.92.26", h.agent.network.Address)
	assert.Equal(t, "/dev/vdb", h.agent.start.StatefulDevice)
	assert.Equal(t, "100.115.92.193", h.agent.start.Gateway)
	assert.Equal(t, "100.115.92.192/28", h.agent.start.ContainerSubnet)
	assert.Equal(t, []string{"started"}, h.observer.seen())

	_, req := h.launcher.last()
	assert.Equal(t, "run", req.Args[0])
	assert.True(t, strings.HasSuffix(req.Args[len(req.Args)-1], "vm_kernel"))
	assert.Contains(t, strings.Join(req.Args, " "), "--cid "+strconv.FormatUint(uint64(info.CID), 10))
	assert.Equal(t, h.deps.Config.Cgroups.Container, req.Cgroup)
	assert.Len(t, req.ExtraFiles, 0)
}

func TestStart_Validation(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(h *harness, req *StartRequest)
		kind   vmerrors.Kind
	}{
		{
			name:   "too many cpus",
			mutate: func(_ *harness, req *StartRequest) { req.Descriptor.CPUs = 5 },
			kind:   vmerrors.InvalidArgument,
		},
		{
			name:   "zero cpus",
			mutate: func(_ *harness, req *StartRequest) { req.Descriptor.CPUs = 0 },
			kind:   vmerrors.InvalidArgument,
		},
		{
			name:   "missing kernel",
			mutate: func(_ *harness, req *StartRequest) { req.Descriptor.Kernel = "/does/not/exist" },
			kind:   vmerrors.ImageMissing,
		},
		{
			name:   "missing disk",
			mutate: func(_ *harness, req *StartRequest) { req.Descriptor.Disks[0].Path = "/does/not/exist" },
			kind:   vmerrors.ImageMissing,
		},
		{
			name: "too many disks",
			mutate: func(_ *harness, req *StartRequest) {
				for range MaxExtraDisks {
					req.Descriptor.Disks = append(req.Descriptor.Disks, req.Descriptor.Disks[0])
				}
			},
			kind: vmerrors.InvalidArgument,
		},
		{
			name:   "missing name",
			mutate: func(_ *harness, req *StartRequest) { req.Name = "" },
			kind:   vmerrors.InvalidArgument,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			req := h.containerRequest(t)
			tc.mutate(h, &req)

			_, err := Start(t.Context(), h.deps, req)
			require.Error(t, err)
			assert.Equal(t, tc.kind, vmerrors.KindOf(err))

			startups, _ := h.net.counts()
			assert.Zero(t, startups)
			assert.Zero(t, h.cids.Len())
			assert.Zero(t, h.launcher.count())
		})
	}
}

func TestStart_AndroidAllowsZeroCPUs(t *testing.T) {
	h := newHarness(t)
	req := h.containerRequest(t)
	req.Descriptor.Kind = kind.Android
	req.Descriptor.CPUs = 0
	req.Descriptor.Disks = nil

	v, err := Start(t.Context(), h.deps, req)
	require.NoError(t, err)
	assert.Equal(t, Running, v.State())
	assert.Equal(t, []string{"starting_up", "started"}, h.observer.seen())

	_, launch := h.launcher.last()
	assert.Contains(t, strings.Join(launch.Args, " "), "androidboot.seneschal_server_port=32768")
	assert.NotContains(t, launch.Args, "--cpus")
}

func TestStart_AndroidMissingDataDir(t *testing.T) {
	h := newHarness(t)
	h.deps.Config.Paths.AndroidData = "/does/not/exist"
	req := h.containerRequest(t)
	req.Descriptor.Kind = kind.Android

	_, err := Start(t.Context(), h.deps, req)
	require.Error(t, err)
	assert.Equal(t, vmerrors.ImageMissing, vmerrors.KindOf(err))
	assert.Equal(t, "Android data directory does not exist", vmerrors.Reason(err))
}

func TestStart_FailureUnwinds(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(h *harness)
		kind  vmerrors.Kind
	}{
		{
			name:  "launch fails",
			setup: func(h *harness) { h.launcher.err = vmerrors.New(vmerrors.HypervisorLaunch, "boom") },
			kind:  vmerrors.HypervisorLaunch,
		},
		{
			name:  "no network",
			setup: func(h *harness) { h.net.err = errors.New("no tap left") },
			kind:  vmerrors.NoNetwork,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)

			_, err := Start(t.Context(), h.deps, h.containerRequest(t))
			require.Error(t, err)
			assert.Equal(t, tc.kind, vmerrors.KindOf(err))

			startups, shutdowns := h.net.counts()
			assert.Equal(t, 1, startups)
			assert.Equal(t, 1, shutdowns)
			assert.Zero(t, h.cids.Len())
			assert.Zero(t, h.share.live())

			entries, err := os.ReadDir(h.deps.Config.Paths.RuntimeDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestStart_BootFailureStopsGuest(t *testing.T) {
	h := newHarness(t)
	h.agent.startErr = errors.New("lxd failed")

	v, err := Start(t.Context(), h.deps, h.containerRequest(t))
	require.NoError(t, err)

	select {
	case <-v.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("guest did not stop after boot failure")
	}
	assert.Equal(t, Gone, v.State())
	_, shutdowns := h.net.counts()
	assert.Equal(t, 1, shutdowns)
	assert.Contains(t, h.observer.seen(), "stopped")
}

func TestStart_WaitsForReadiness(t *testing.T) {
	h := newHarness(t)
	h.deps.Readiness = agent.NewReadiness()

	v, err := Start(t.Context(), h.deps, h.containerRequest(t))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Starting, v.State())
	assert.Empty(t, h.agent.history())

	h.deps.Readiness.Ready(v.Info().CID)
	require.Eventually(t, func() bool { return v.State() == Running }, 5*time.Second, 10*time.Millisecond)
}

func TestShutdown_Graceful(t *testing.T) {
	h := newHarness(t)
	v := startRunning(t, h, h.containerRequest(t))
	proc, _ := h.launcher.last()
	h.agent.onShutdown = func() { go proc.exit() }

	require.NoError(t, v.Shutdown(t.Context()))
	assert.Equal(t, Gone, v.State())
	assert.Empty(t, h.ctrl.history())
	assert.Empty(t, proc.received())

	_, shutdowns := h.net.counts()
	assert.Equal(t, 1, shutdowns)
	assert.Zero(t, h.cids.Len())
	assert.Zero(t, h.share.live())
	assert.NoDirExists(t, v.Info().ScratchDir)
	assert.Equal(t, []string{"started", "stopping", "stopped"}, h.observer.seen())

	require.NoError(t, v.Shutdown(t.Context()))
	_, shutdowns = h.net.counts()
	assert.Equal(t, 1, shutdowns)
}

func TestShutdown_Ladder(t *testing.T) {
	h := newHarness(t)
	h.agent.hangStop = true
	h.ctrl.stopErr = errors.New("control socket refused")
	v := startRunning(t, h, h.containerRequest(t))
	proc, _ := h.launcher.last()

	start := time.Now()
	require.NoError(t, v.Shutdown(t.Context()))
	assert.Less(t, time.Since(start), 40*time.Second)

	assert.Equal(t, []string{"stop"}, h.ctrl.history())
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, proc.received())
	assert.Equal(t, Gone, v.State())
	assert.Contains(t, h.observer.seen(), "stopped")
}

func TestShutdown_StopCommand(t *testing.T) {
	h := newHarness(t)
	h.agent.hangStop = true
	h.ctrl.stopExits = true
	v := startRunning(t, h, h.containerRequest(t))
	proc, _ := h.launcher.last()

	require.NoError(t, v.Shutdown(t.Context()))
	assert.Equal(t, []string{"stop"}, h.ctrl.history())
	assert.Empty(t, proc.received())
}

func TestShutdown_ExitDuringAgentShutdown(t *testing.T) {
	h := newHarness(t)
	h.agent.hangStop = true
	h.deps.Config.Timeouts.AgentShutdown = "10s"
	v := startRunning(t, h, h.containerRequest(t))
	proc, _ := h.launcher.last()

	go func() {
		for !slices.Contains(h.agent.history(), agent.MethodShutdown) {
			time.Sleep(5 * time.Millisecond)
		}
		proc.exit()
	}()

	start := time.Now()
	require.NoError(t, v.Shutdown(t.Context()))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, h.ctrl.history())
	assert.Empty(t, proc.received())
	assert.Equal(t, Gone, v.State())
}

func TestShutdown_AndroidPoweroff(t *testing.T) {
	h := newHarness(t)
	req := h.containerRequest(t)
	req.Descriptor.Kind = kind.Android
	v, err := Start(t.Context(), h.deps, req)
	require.NoError(t, err)

	require.NoError(t, v.Shutdown(t.Context()))
	assert.Empty(t, h.ctrl.history())
	assert.Equal(t, Gone, v.State())
}

func TestUnexpectedExit(t *testing.T) {
	h := newHarness(t)
	v := startRunning(t, h, h.containerRequest(t))
	proc, _ := h.launcher.last()

	proc.exit()
	select {
	case <-v.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("crash not observed")
	}
	assert.Equal(t, Gone, v.State())
	_, shutdowns := h.net.counts()
	assert.Equal(t, 1, shutdowns)
	assert.Zero(t, h.cids.Len())
	assert.Equal(t, []string{"started", "stopped"}, h.observer.seen())
}

func TestSuspendResume(t *testing.T) {
	h := newHarness(t)
	v := startRunning(t, h, h.containerRequest(t))
	before := v.Info()

	require.NoError(t, v.Suspend(t.Context()))
	assert.Equal(t, Suspended, v.State())
	require.NoError(t, v.Suspend(t.Context()))

	require.NoError(t, v.Resume(t.Context()))
	assert.Equal(t, Running, v.State())

	after := v.Info()
	assert.Equal(t, before.IPv4, after.IPv4)
	assert.Equal(t, before.PID, after.PID)
	assert.Equal(t, before.CID, after.CID)

	assert.Equal(t, []string{"suspend", "resume"}, h.ctrl.history())
	calls := h.agent.history()
	assert.Contains(t, calls, agent.MethodPrepareToSuspend)
	assert.Equal(t, agent.MethodSetTime, calls[len(calls)-1])
}

func TestSuspend_FailureKeepsState(t *testing.T) {
	h := newHarness(t)
	h.ctrl.suspendErr = vmerrors.New(vmerrors.Transport, "control command timed out")
	v := startRunning(t, h, h.containerRequest(t))

	err := v.Suspend(t.Context())
	require.Error(t, err)
	assert.Equal(t, vmerrors.Transport, vmerrors.KindOf(err))
	assert.Equal(t, Running, v.State())

	err = v.Resume(t.Context())
	assert.Equal(t, vmerrors.InvalidArgument, vmerrors.KindOf(err))
}

func TestHostSuspendPolicy(t *testing.T) {
	h := newHarness(t)
	v := startRunning(t, h, h.containerRequest(t))

	v.OnSuspendImminent(t.Context())
	assert.Equal(t, Suspended, v.State())
	v.OnSuspendDone(t.Context())
	assert.Equal(t, Running, v.State())

	h.deps.Config.Policy.SuspendOnHostSuspend = false
	v.OnSuspendImminent(t.Context())
	assert.Equal(t, Running, v.State())
}

func TestUSBRoundTrip(t *testing.T) {
	h := newHarness(t)
	v := startRunning(t, h, h.containerRequest(t))
	ctx := t.Context()

	before, err := v.ListUSB(ctx)
	require.NoError(t, err)

	port, err := v.AttachUSB(ctx, hypervisor.USBAttach{Bus: 1, Addr: 4, VendorID: 0x18d1, ProductID: 0x4ee7})
	require.NoError(t, err)
	during, err := v.ListUSB(ctx)
	require.NoError(t, err)
	assert.Len(t, during, len(before)+1)

	require.NoError(t, v.DetachUSB(ctx, port))
	after, err := v.ListUSB(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestMountExternal(t *testing.T) {
	h := newHarness(t)
	v := startRunning(t, h, h.containerRequest(t))

	require.NoError(t, v.MountExternal(t.Context(), "/dev/vdc", "usb0"))
	assert.Contains(t, h.agent.history(), agent.MethodMount)

	err := v.MountExternal(t.Context(), "/dev/vdc", "../etc")
	assert.Equal(t, vmerrors.InvalidArgument, vmerrors.KindOf(err))
}

func TestHostEvents(t *testing.T) {
	h := newHarness(t)
	v := startRunning(t, h, h.containerRequest(t))
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()

	v.OnHostNetworkChanged(ctx)
	assert.Contains(t, h.agent.history(), agent.MethodOnHostNetworkChanged)
}

func TestKernelVersion_OtherKinds(t *testing.T) {
	h := newHarness(t)
	req := h.containerRequest(t)
	req.Descriptor.Kind = kind.Plugin
	v, err := Start(t.Context(), h.deps, req)
	require.NoError(t, err)

	_, err = v.KernelVersion()
	assert.Equal(t, vmerrors.NotImplemented, vmerrors.KindOf(err))
	_, err = v.Resize(t.Context(), 1)
	assert.Equal(t, vmerrors.NotImplemented, vmerrors.KindOf(err))
}
