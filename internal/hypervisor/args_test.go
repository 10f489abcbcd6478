package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/concierge/internal/kind"
)

func TestCommand_Container(t *testing.T) {
	desc := &Descriptor{
		Kind:      kind.Container,
		Kernel:    "/k",
		Rootfs:    "/r",
		CPUs:      2,
		MemoryMiB: 1024,
		Disks:     []Disk{{Path: "/d", Writable: true, Sparse: true}},
		Params:    []string{"quiet"},
	}
	rt := &Runtime{
		CID:           3,
		ControlSocket: "/run/vm/vm.x/crosvm.sock",
		TAPCount:      1,
		WaylandSocket: "/run/chrome/wayland-0",
	}

	want := []string{
		"run",
		"--cpus", "2",
		"--mem", "1024",
		"--cid", "3",
		"--socket", "/run/vm/vm.x/crosvm.sock",
		"--root", "/r",
		"--rwdisk", "/d",
		"--tap-fd", "3",
		"--wayland-sock", "/run/chrome/wayland-0",
		"--serial", "hardware=serial,num=1,earlycon=true,type=syslog",
		"--serial", "hardware=virtio-console,num=1,console=true,type=syslog",
		"--syslog-tag", "VM(3)",
		"--ac97", "backend=cras",
		"--params", "quiet",
		"/k",
	}
	assert.Equal(t, want, Command(desc, rt))
}

func TestCommand_ContainerFeatures(t *testing.T) {
	desc := &Descriptor{
		Kind:      kind.Container,
		Kernel:    "/k",
		Rootfs:    "/r",
		CPUs:      1,
		MemoryMiB: 512,
		Features:  Features{GPU: true, SoftwareTPM: true, AudioCapture: true, WritableRootfs: true},
	}
	rt := &Runtime{CID: 9, ControlSocket: "/s", SerialLogSock: "/run/log.sock"}

	args := Command(desc, rt)
	assert.Contains(t, args, "--rwroot")
	assert.Contains(t, args, "--gpu")
	assert.Contains(t, args, "--software-tpm")
	assert.Contains(t, args, "backend=cras,capture=true")
	assert.Contains(t, args, "hardware=serial,num=1,earlycon=true,type=unix,path=/run/log.sock")
	assert.NotContains(t, args, "--params")
	assert.Equal(t, "/k", args[len(args)-1])
}

func TestCommand_AndroidSerialWhenNotDevMode(t *testing.T) {
	desc := &Descriptor{
		Kind:      kind.Android,
		Kernel:    "/k",
		Rootfs:    "/system.img",
		Fstab:     "/fstab",
		MemoryMiB: 2048,
		Pstore:    Pstore{Path: "/home/root/abc/arcvm/x.pstore", Size: 1 << 20},
	}
	rt := &Runtime{CID: 5, ControlSocket: "/s", ExtraParams: []string{"androidboot.seneschal_server_port=32768"}}

	args := Command(desc, rt)
	n := len(args)
	require.Greater(t, n, 3)
	assert.Equal(t, []string{"--serial", "type=syslog,hardware=virtio-console,num=1,console=true", "/k"}, args[n-3:])
	assert.Contains(t, args, "ARCVM(5)")
	assert.Contains(t, args, "--no-smt")
	assert.Contains(t, args, "path=/home/root/abc/arcvm/x.pstore,size=1048576")
	assert.Contains(t, args, "androidboot.seneschal_server_port=32768")
	assert.NotContains(t, args, "--cpus", "zero cpus leaves the hypervisor default")
}

func TestCommand_AndroidDevConfig(t *testing.T) {
	dev, err := ParseDevConfig("KERNEL_PATH=/custom/kernel\n--foo bar\n")
	require.NoError(t, err)

	desc := &Descriptor{Kind: kind.Android, Kernel: "/k", Rootfs: "/r", CPUs: 4, MemoryMiB: 2048}
	rt := &Runtime{CID: 5, ControlSocket: "/s", DevMode: true, DevArgs: dev}

	args := Command(desc, rt)
	assert.Equal(t, "/custom/kernel", args[len(args)-1])
	assert.NotContains(t, args, KernelPathKey)
	assert.NotContains(t, args, "/k")
	assert.NotContains(t, args, "type=syslog,hardware=virtio-console,num=1,console=true")
	assert.Equal(t, []string{"--foo", "bar"}, args[len(args)-3:len(args)-1])
}

func TestCommand_Plugin(t *testing.T) {
	desc := &Descriptor{Kind: kind.Plugin, Kernel: "/k", CPUs: 2, MemoryMiB: 1024, ISO: "/x.iso"}
	rt := &Runtime{CID: 7, ControlSocket: "/s", TAPCount: 2}

	args := Command(desc, rt)
	assert.Contains(t, args, "PVM(7)")
	assert.Contains(t, args, "/x.iso,o_direct=false")
	assert.NotContains(t, args, "--root")
	assert.Equal(t, []string{"--tap-fd", "3", "--tap-fd", "4"}, args[9:13])
}

func TestArgs_RemoveKey(t *testing.T) {
	args := Args{{Key: "a", Value: "1"}, {Key: "b"}, {Key: "a", Value: "2"}}
	assert.Equal(t, "2", args.RemoveKey("a", "def"))
	assert.Equal(t, Args{{Key: "b"}}, args)
	assert.Equal(t, "def", args.RemoveKey("a", "def"))
	assert.Equal(t, []string{"b"}, args.Flatten())
}

func TestAddDisk(t *testing.T) {
	tests := []struct {
		disk Disk
		want []string
	}{
		{Disk{Path: "/ro"}, []string{"--disk", "/ro"}},
		{Disk{Path: "/rw", Writable: true, Sparse: true}, []string{"--rwdisk", "/rw"}},
		{Disk{Path: "/rw", Writable: true}, []string{"--rwdisk", "/rw,sparse=false"}},
	}
	for _, tt := range tests {
		t.Run(tt.disk.Path, func(t *testing.T) {
			assert.Equal(t, tt.want, newCommandBuilder().addDisk(tt.disk).build().Flatten())
		})
	}
}

func TestAndroidSharedDirs(t *testing.T) {
	dirs := AndroidSharedDirs("/run/arcvm/android-data")
	require.Len(t, dirs, 4)
	assert.Contains(t, dirs[0], "/run/arcvm/android-data:_data:type=fs")
	assert.Contains(t, dirs[0], `uidmap="0 655360 5000, 5000 600 50, 5050 660410 1994950"`)
	assert.Contains(t, dirs[2], `/run/arcvm/host_generated/oem/etc:oem_etc:type=fs:cache=always:uidmap="0 1000 1, 5000 600 50"`)
	assert.Contains(t, dirs[3], "ascii_casefold=true")
}
