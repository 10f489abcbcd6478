// Package hypervisor assembles hypervisor command lines, launches the
// hypervisor as a supervised child and drives it through its control
// socket.
package hypervisor

import (
	"context"
	"syscall"

	"github.com/spin-stack/concierge/internal/kind"
)

// Disk is an extra block device handed to the guest.
type Disk struct {
	Path     string `json:"path"`
	Writable bool   `json:"writable"`
	Sparse   bool   `json:"sparse"`
}

// Features are the optional devices a guest asks for.
type Features struct {
	GPU                bool `json:"gpu"`
	SoftwareTPM        bool `json:"software_tpm"`
	AudioCapture       bool `json:"audio_capture"`
	WritableRootfs     bool `json:"writable_rootfs"`
	DevConfigPermitted bool `json:"dev_config_permitted"`
}

// Pstore is the Android persistent crash log region.
type Pstore struct {
	Path string
	Size int64
}

// Descriptor is the immutable description of one guest, built when the
// guest is started.
type Descriptor struct {
	Kind      kind.Kind
	Kernel    string
	Rootfs    string
	Fstab     string
	ISO       string
	CPUs      int
	MemoryMiB int
	Disks     []Disk
	Params    []string
	Features  Features
	Pstore    Pstore
}

// Runtime carries the facts only known once resources are allocated.
type Runtime struct {
	CID           uint32
	ControlSocket string
	TAPCount      int
	WaylandSocket string
	SerialLogSock string
	SharedDirs    []string
	ExtraParams   []string
	DevMode       bool
	DevArgs       Args
}

// Process is a running hypervisor.
type Process interface {
	Pid() int
	Signal(sig syscall.Signal) error
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
}

// Launcher starts hypervisor processes.
type Launcher interface {
	Launch(ctx context.Context, req *LaunchRequest) (Process, error)
}

// Controller issues commands to a running hypervisor through its control
// socket.
type Controller interface {
	Stop(ctx context.Context, socket string) error
	Suspend(ctx context.Context, socket string) error
	Resume(ctx context.Context, socket string) error
	ResizeDisk(ctx context.Context, socket string, index int, size uint64) error
	AttachUSB(ctx context.Context, socket string, dev USBAttach) (uint8, error)
	DetachUSB(ctx context.Context, socket string, port uint8) error
	ListUSB(ctx context.Context, socket string) ([]USBDevice, error)
}
