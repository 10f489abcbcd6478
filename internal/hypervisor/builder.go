package hypervisor

import (
	"fmt"
	"strconv"
	"strings"
)

// Arg is one command-line switch. An empty Value emits the key alone.
type Arg struct {
	Key   string
	Value string
}

// Args is an ordered list of switches.
type Args []Arg

// Flatten returns the argv form of a.
func (a Args) Flatten() []string {
	out := make([]string, 0, len(a)*2)
	for _, arg := range a {
		out = append(out, arg.Key)
		if arg.Value != "" {
			out = append(out, arg.Value)
		}
	}
	return out
}

// RemoveKey drops every switch named key and returns the value of the last
// one removed, or def when none matched.
func (a *Args) RemoveKey(key, def string) string {
	value := def
	kept := (*a)[:0]
	for _, arg := range *a {
		if arg.Key == key {
			value = arg.Value
			continue
		}
		kept = append(kept, arg)
	}
	*a = kept
	return value
}

// commandBuilder constructs hypervisor "run" arguments using a fluent
// builder.
//
// Example usage:
//
//	args := newCommandBuilder().
//		setCPUs(2).
//		setMemory(1024).
//		setCID(3).
//		setSocket("/run/vm/vm.abc/crosvm.sock").
//		build()
type commandBuilder struct {
	args Args
}

func newCommandBuilder() *commandBuilder {
	return &commandBuilder{args: make(Args, 0, 32)}
}

func (b *commandBuilder) add(key, value string) *commandBuilder {
	b.args = append(b.args, Arg{Key: key, Value: value})
	return b
}

// setCPUs sets the vCPU count (--cpus). Zero leaves the hypervisor default.
func (b *commandBuilder) setCPUs(n int) *commandBuilder {
	if n <= 0 {
		return b
	}
	return b.add("--cpus", strconv.Itoa(n))
}

// setMemory sets guest memory in MiB (--mem).
func (b *commandBuilder) setMemory(mib int) *commandBuilder {
	return b.add("--mem", strconv.Itoa(mib))
}

// setCID sets the vsock context ID (--cid).
func (b *commandBuilder) setCID(cid uint32) *commandBuilder {
	return b.add("--cid", strconv.FormatUint(uint64(cid), 10))
}

// setSocket sets the control socket path (--socket).
func (b *commandBuilder) setSocket(path string) *commandBuilder {
	return b.add("--socket", path)
}

// setRoot sets the root filesystem image (--root or --rwroot).
func (b *commandBuilder) setRoot(path string, writable bool) *commandBuilder {
	if writable {
		return b.add("--rwroot", path)
	}
	return b.add("--root", path)
}

// addDisk adds an extra virtio-blk disk (--disk or --rwdisk).
// Sparse disks keep holes punched by the guest.
func (b *commandBuilder) addDisk(d Disk) *commandBuilder {
	key := "--disk"
	if d.Writable {
		key = "--rwdisk"
	}
	value := d.Path
	if d.Writable && !d.Sparse {
		value += ",sparse=false"
	}
	return b.add(key, value)
}

// addTAPFd adds a network device backed by an inherited TAP fd (--tap-fd).
func (b *commandBuilder) addTAPFd(fd int) *commandBuilder {
	return b.add("--tap-fd", strconv.Itoa(fd))
}

// addWaylandSocket adds a wayland socket (--wayland-sock).
func (b *commandBuilder) addWaylandSocket(spec string) *commandBuilder {
	return b.add("--wayland-sock", spec)
}

// addSerial adds a serial device (--serial).
// Example: addSerial("hardware=serial,num=1,earlycon=true,type=syslog")
func (b *commandBuilder) addSerial(spec string) *commandBuilder {
	return b.add("--serial", spec)
}

// setSyslogTag sets the tag used for syslog serial output (--syslog-tag).
func (b *commandBuilder) setSyslogTag(tag string) *commandBuilder {
	return b.add("--syslog-tag", tag)
}

// enableGPU adds the virtio-gpu device (--gpu).
func (b *commandBuilder) enableGPU() *commandBuilder {
	return b.add("--gpu", "")
}

// enableSoftwareTPM adds the software TPM (--software-tpm).
func (b *commandBuilder) enableSoftwareTPM() *commandBuilder {
	return b.add("--software-tpm", "")
}

// addAudio adds an AC97 audio device (--ac97).
// Example: addAudio("backend=cras,capture=true")
func (b *commandBuilder) addAudio(spec string) *commandBuilder {
	return b.add("--ac97", spec)
}

// addSharedDir adds a host directory share (--shared-dir).
func (b *commandBuilder) addSharedDir(spec string) *commandBuilder {
	return b.add("--shared-dir", spec)
}

// setParams appends kernel command-line parameters (--params).
func (b *commandBuilder) setParams(params []string) *commandBuilder {
	if len(params) == 0 {
		return b
	}
	return b.add("--params", strings.Join(params, " "))
}

// disableSMT hides hyperthreads from the guest (--no-smt).
func (b *commandBuilder) disableSMT() *commandBuilder {
	return b.add("--no-smt", "")
}

// setAndroidFstab sets the Android fstab (--android-fstab).
func (b *commandBuilder) setAndroidFstab(path string) *commandBuilder {
	return b.add("--android-fstab", path)
}

// setPstore sets the persistent crash log region (--pstore).
func (b *commandBuilder) setPstore(p Pstore) *commandBuilder {
	return b.add("--pstore", fmt.Sprintf("path=%s,size=%d", p.Path, p.Size))
}

// enableVideo adds the virtio video decoder and encoder.
func (b *commandBuilder) enableVideo() *commandBuilder {
	return b.add("--video-decoder", "").add("--video-encoder", "")
}

// enableBattery adds the goldfish battery device (--battery).
func (b *commandBuilder) enableBattery() *commandBuilder {
	return b.add("--battery", "type=goldfish")
}

// addCDROM attaches a read-only ISO as an extra disk.
func (b *commandBuilder) addCDROM(path string) *commandBuilder {
	return b.add("--disk", path+",o_direct=false")
}

// build returns the accumulated switches.
func (b *commandBuilder) build() Args {
	return b.args
}
