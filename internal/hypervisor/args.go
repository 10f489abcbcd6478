package hypervisor

import (
	"fmt"
	"path/filepath"

	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/sharedir"
)

const (
	// KernelPathKey in the developer configuration replaces the kernel.
	KernelPathKey = "KERNEL_PATH"

	// firstExtraFd is the fd number of the first ExtraFiles entry.
	firstExtraFd = 3

	mojoSocket = "/run/arcvm/mojo/mojo-proxy.sock,name=mojo"

	androidOEMDir   = "/run/arcvm/host_generated/oem/etc"
	androidMediaDir = "/run/arcvm/media"
)

// Command returns the hypervisor argv (without the binary) for desc.
// The kernel is always the final argument.
func Command(desc *Descriptor, rt *Runtime) []string {
	b := newCommandBuilder().
		setCPUs(desc.CPUs).
		setMemory(memoryMiB(desc)).
		setCID(rt.CID).
		setSocket(rt.ControlSocket)

	if desc.Rootfs != "" {
		b.setRoot(desc.Rootfs, desc.Features.WritableRootfs)
	}
	for _, d := range desc.Disks {
		b.addDisk(d)
	}
	for i := 0; i < rt.TAPCount; i++ {
		b.addTAPFd(firstExtraFd + i)
	}

	switch desc.Kind {
	case kind.Android:
		androidArgs(b, desc, rt)
	case kind.Plugin:
		pluginArgs(b, desc, rt)
	default:
		containerArgs(b, desc, rt)
	}

	args := b.build()
	if desc.Kind == kind.Android {
		args = append(args, rt.DevArgs...)
		if !rt.DevMode {
			args = append(args, Arg{Key: "--serial", Value: "type=syslog,hardware=virtio-console,num=1,console=true"})
		}
	}
	kernel := args.RemoveKey(KernelPathKey, desc.Kernel)

	return append(append([]string{"run"}, args.Flatten()...), kernel)
}

func containerArgs(b *commandBuilder, desc *Descriptor, rt *Runtime) {
	if rt.WaylandSocket != "" {
		b.addWaylandSocket(rt.WaylandSocket)
	}
	b.addSerial(serialSpec("serial", "earlycon", rt.SerialLogSock)).
		addSerial(serialSpec("virtio-console", "console", rt.SerialLogSock)).
		setSyslogTag(fmt.Sprintf("VM(%d)", rt.CID))
	if desc.Features.GPU {
		b.enableGPU()
	}
	if desc.Features.SoftwareTPM {
		b.enableSoftwareTPM()
	}
	if desc.Features.AudioCapture {
		b.addAudio("backend=cras,capture=true")
	} else {
		b.addAudio("backend=cras")
	}
	b.setParams(kernelParams(desc, rt))
}

func androidArgs(b *commandBuilder, desc *Descriptor, rt *Runtime) {
	if rt.WaylandSocket != "" {
		b.addWaylandSocket(rt.WaylandSocket)
	}
	b.addWaylandSocket(mojoSocket).
		setSyslogTag(fmt.Sprintf("ARCVM(%d)", rt.CID)).
		enableGPU().
		addAudio("backend=cras,capture=true").
		addAudio("backend=cras,capture=true").
		enableVideo()
	for _, spec := range rt.SharedDirs {
		b.addSharedDir(spec)
	}
	if desc.Fstab != "" {
		b.setAndroidFstab(desc.Fstab)
	}
	if desc.Pstore.Path != "" {
		b.setPstore(desc.Pstore)
	}
	b.setParams(kernelParams(desc, rt)).disableSMT()
}

func pluginArgs(b *commandBuilder, desc *Descriptor, rt *Runtime) {
	b.addSerial(serialSpec("serial", "earlycon", rt.SerialLogSock)).
		setSyslogTag(fmt.Sprintf("PVM(%d)", rt.CID)).
		addAudio("backend=cras").
		enableBattery()
	if desc.Features.GPU {
		b.enableGPU()
	}
	if desc.ISO != "" {
		b.addCDROM(desc.ISO)
	}
	b.setParams(kernelParams(desc, rt))
}

// serialSpec renders a serial device that logs to syslog, or to a unix
// socket when one is configured.
func serialSpec(hardware, consoleType, logSock string) string {
	common := fmt.Sprintf("hardware=%s,num=1,%s=true", hardware, consoleType)
	if logSock == "" {
		return common + ",type=syslog"
	}
	return common + ",type=unix,path=" + logSock
}

// SharedDirSpec renders a --shared-dir value: "src:tag:opt:opt...".
func SharedDirSpec(src, tag string, opts ...string) string {
	spec := src + ":" + tag
	for _, o := range opts {
		spec += ":" + o
	}
	return spec
}

// AndroidSharedDirs returns the shared directories every Android guest
// receives. dataDir is the Android data directory.
func AndroidSharedDirs(dataDir string) []string {
	oemMap := crosvmIDMap(sharedir.AndroidOEMIDMap)
	uidMap := crosvmIDMap(sharedir.AndroidDataUIDMap)
	gidMap := crosvmIDMap(sharedir.AndroidDataGIDMap)
	return []string{
		SharedDirSpec(dataDir, "_data", "type=fs", "cache=always",
			"uidmap="+uidMap, "gidmap="+gidMap, "timeout=3600", "writeback=true"),
		SharedDirSpec(filepath.Join(dataDir, "data", "media"), "_data_media", "type=9p", "cache=never",
			"uidmap="+uidMap, "gidmap="+gidMap, "ascii_casefold=true"),
		SharedDirSpec(androidOEMDir, "oem_etc", "type=fs", "cache=always",
			"uidmap="+oemMap, "gidmap="+oemMap, "timeout=3600", "rewrite-security-xattrs=true"),
		SharedDirSpec(androidMediaDir, "media", "type=9p", "cache=never",
			"uidmap="+uidMap, "gidmap="+gidMap, "ascii_casefold=true"),
	}
}

// crosvmIDMap quotes an id map so its commas survive crosvm's option
// parser.
func crosvmIDMap(m string) string {
	return "\"" + m + "\""
}

func kernelParams(desc *Descriptor, rt *Runtime) []string {
	params := make([]string, 0, len(desc.Params)+len(rt.ExtraParams))
	params = append(params, desc.Params...)
	return append(params, rt.ExtraParams...)
}

func memoryMiB(desc *Descriptor) int {
	if desc.MemoryMiB > 0 {
		return desc.MemoryMiB
	}
	return DefaultMemoryMiB()
}
