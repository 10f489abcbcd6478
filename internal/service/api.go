package service

import (
	"encoding/json"
	"time"

	"github.com/spin-stack/concierge/internal/hypervisor"
	"github.com/spin-stack/concierge/internal/network"
	"github.com/spin-stack/concierge/internal/vm"
)

// Empty is the request and reply of methods without fields.
type Empty struct{}

// GuestRef names one guest.
type GuestRef struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// DiskSpec is an extra disk in a start request.
type DiskSpec struct {
	Path     string `json:"path"`
	Writable bool   `json:"writable,omitempty"`
	Sparse   bool   `json:"sparse,omitempty"`
}

type StartVMRequest struct {
	GuestRef
	Kind      string     `json:"kind"`
	Kernel    string     `json:"kernel"`
	Rootfs    string     `json:"rootfs,omitempty"`
	Fstab     string     `json:"fstab,omitempty"`
	CPUs      int        `json:"cpus"`
	MemoryMiB int        `json:"memory_mib,omitempty"`
	Disks     []DiskSpec `json:"disks,omitempty"`
	Params    []string   `json:"params,omitempty"`

	// Devices are the optional hypervisor devices.
	Devices hypervisor.Features `json:"devices"`

	// Features are handed to the container guest's services.
	Features        []string `json:"features,omitempty"`
	StatefulDisk    int      `json:"stateful_disk,omitempty"`
	AllowPrivileged bool     `json:"allow_privileged,omitempty"`

	// UseISO boots a plugin guest with the installer image stored next to
	// its disk.
	UseISO bool `json:"use_iso,omitempty"`
}

type StartVMResponse struct {
	VM vm.Info `json:"vm"`
	// Status is "starting" until a container guest finished booting.
	Status string `json:"status"`
}

type VMInfoResponse struct {
	VM vm.Info `json:"vm"`
}

type ListVMsResponse struct {
	VMs []vm.Info `json:"vms"`
}

// 64-bit sizes travel as decimal strings since struct numbers are doubles.

type ResizeDiskRequest struct {
	GuestRef
	Size uint64 `json:"size,string"`
}

type ResizeResponse struct {
	Status        string `json:"status"`
	Target        uint64 `json:"target,omitempty,string"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type AttachUSBRequest struct {
	GuestRef
	Bus        uint8  `json:"bus"`
	Addr       uint8  `json:"addr"`
	VendorID   uint16 `json:"vendor_id"`
	ProductID  uint16 `json:"product_id"`
	DevicePath string `json:"device_path"`
}

type AttachUSBResponse struct {
	Port uint8 `json:"port"`
}

type DetachUSBRequest struct {
	GuestRef
	Port uint8 `json:"port"`
}

type ListUSBResponse struct {
	Devices []hypervisor.USBDevice `json:"devices"`
}

type AdjustCPURequest struct {
	GuestRef
	Restriction string `json:"restriction"`
}

type CPURestrictionRequest struct {
	Kind        string `json:"kind"`
	Restriction string `json:"restriction"`
}

type SyncTimesResponse struct {
	Failures int `json:"failures"`
}

type DNSSettings = network.DNSConfig

type CreateDiskRequest struct {
	GuestRef
	Kind string `json:"kind"`
	// Size in bytes; zero sizes the image from the free space.
	Size uint64 `json:"size,omitempty,string"`
}

type CreateDiskResponse struct {
	Path    string `json:"path"`
	Size    uint64 `json:"size,string"`
	Existed bool   `json:"existed,omitempty"`
}

type DestroyDiskRequest struct {
	GuestRef
	Kind string `json:"kind"`
}

type ListDisksRequest struct {
	Owner string `json:"owner"`
}

type DiskImage struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Path string `json:"path"`
	Size int64  `json:"size,string"`
}

type ListDisksResponse struct {
	Images []DiskImage `json:"images"`
}

type MountExternalRequest struct {
	GuestRef
	Source string `json:"source"`
	Dir    string `json:"dir"`
}

type ReportingInfoResponse struct {
	KernelVersion string `json:"kernel_version"`
}

type VersionResponse struct {
	Version string `json:"version"`
	Detail  string `json:"detail"`
}

type WatchRequest struct {
	Topics []string `json:"topics,omitempty"`
}

// EventMessage is one lifecycle signal on the events stream.
type EventMessage struct {
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}
