// Package service exposes the guest registry over a gRPC API on a unix
// socket. Every handler validates its request, dispatches to the registry
// and converts failures into statuses carrying the failure kind and a
// short reason.
package service

import (
	"context"
	"encoding/json"
	"os"

	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/events"
	"github.com/spin-stack/concierge/internal/hypervisor"
	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/network"
	"github.com/spin-stack/concierge/internal/paths"
	"github.com/spin-stack/concierge/internal/registry"
	"github.com/spin-stack/concierge/internal/version"
	"github.com/spin-stack/concierge/internal/vm"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

// pstoreSize is the Android crash log region.
const pstoreSize = 1 << 20

// Guests is the registry surface the handlers use.
type Guests interface {
	Start(ctx context.Context, req vm.StartRequest) (vm.Info, error)
	Stop(ctx context.Context, owner, name string) error
	StopAll(ctx context.Context)
	Get(owner, name string) (registry.Guest, error)
	Info(owner, name string) (vm.Info, error)
	Enumerate() []vm.Info
	AdjustCPU(ctx context.Context, owner, name string, r hypervisor.CPURestriction) error
	SetCPURestriction(ctx context.Context, k kind.Kind, r hypervisor.CPURestriction) error
	SyncTimes(ctx context.Context) int
	DNS() network.DNSConfig
	OnDNSChanged(ctx context.Context, dns network.DNSConfig)
	OnHostNetworkChanged(ctx context.Context)
	OnSuspendImminent(ctx context.Context)
	OnSuspendDone(ctx context.Context)
}

// Subscriber streams lifecycle signals.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) (<-chan events.Event, <-chan error)
}

// Service implements the API handlers.
type Service struct {
	cfg    *config.Config
	guests Guests
	events Subscriber
}

// New returns the handlers for guests. events may be nil, in which case
// the events stream is unavailable.
func New(cfg *config.Config, guests Guests, events Subscriber) *Service {
	return &Service{cfg: cfg, guests: guests, events: events}
}

func (s *Service) StartVM(ctx context.Context, req *StartVMRequest) (*StartVMResponse, error) {
	start, err := s.startRequest(req)
	if err != nil {
		return nil, err
	}
	info, err := s.guests.Start(ctx, start)
	if err != nil {
		return nil, err
	}
	return &StartVMResponse{VM: info, Status: info.State.String()}, nil
}

// startRequest builds the kind-specific descriptor for req.
func (s *Service) startRequest(req *StartVMRequest) (vm.StartRequest, error) {
	k, err := validateStart(req)
	if err != nil {
		return vm.StartRequest{}, err
	}
	desc := hypervisor.Descriptor{
		Kind:      k,
		Kernel:    req.Kernel,
		Rootfs:    req.Rootfs,
		Fstab:     req.Fstab,
		CPUs:      req.CPUs,
		MemoryMiB: req.MemoryMiB,
		Params:    req.Params,
		Features:  req.Devices,
	}
	for _, d := range req.Disks {
		desc.Disks = append(desc.Disks, hypervisor.Disk{Path: d.Path, Writable: d.Writable, Sparse: d.Sparse})
	}

	switch k {
	case kind.Android:
		desc.Pstore = hypervisor.Pstore{
			Path: paths.PstorePath(s.cfg.Paths, req.Owner, req.Name),
			Size: pstoreSize,
		}
		if err := os.MkdirAll(paths.KindDir(s.cfg.Paths, req.Owner, k), 0o700); err != nil {
			return vm.StartRequest{}, vmerrors.Wrap(vmerrors.IOError, "Failed to create pstore directory", err)
		}
	case kind.Plugin:
		if req.UseISO {
			iso := paths.ISOPath(s.cfg.Paths, req.Owner, req.Name)
			if !paths.Exists(iso) {
				return vm.StartRequest{}, vmerrors.New(vmerrors.ImageMissing, "Missing VM install ISO")
			}
			desc.ISO = iso
		}
	}

	return vm.StartRequest{
		Owner:           req.Owner,
		Name:            req.Name,
		Descriptor:      desc,
		StatefulDisk:    req.StatefulDisk,
		AllowPrivileged: req.AllowPrivileged,
		Features:        req.Features,
	}, nil
}

func (s *Service) StopVM(ctx context.Context, req *GuestRef) (*Empty, error) {
	if err := validateRef(req); err != nil {
		return nil, err
	}
	return &Empty{}, s.guests.Stop(ctx, req.Owner, req.Name)
}

func (s *Service) StopAllVMs(ctx context.Context, _ *Empty) (*Empty, error) {
	s.guests.StopAll(ctx)
	return &Empty{}, nil
}

func (s *Service) SuspendVM(ctx context.Context, req *GuestRef) (*Empty, error) {
	g, err := s.guest(req)
	if err != nil {
		return nil, err
	}
	return &Empty{}, g.Suspend(ctx)
}

func (s *Service) ResumeVM(ctx context.Context, req *GuestRef) (*Empty, error) {
	g, err := s.guest(req)
	if err != nil {
		return nil, err
	}
	return &Empty{}, g.Resume(ctx)
}

func (s *Service) GetVMInfo(_ context.Context, req *GuestRef) (*VMInfoResponse, error) {
	if err := validateRef(req); err != nil {
		return nil, err
	}
	info, err := s.guests.Info(req.Owner, req.Name)
	if err != nil {
		return nil, err
	}
	return &VMInfoResponse{VM: info}, nil
}

func (s *Service) ListVMs(context.Context, *Empty) (*ListVMsResponse, error) {
	return &ListVMsResponse{VMs: s.guests.Enumerate()}, nil
}

func (s *Service) ResizeDisk(ctx context.Context, req *ResizeDiskRequest) (*ResizeResponse, error) {
	g, err := s.guest(&req.GuestRef)
	if err != nil {
		return nil, err
	}
	if req.Size == 0 {
		return nil, vmerrors.New(vmerrors.InvalidArgument, "invalid disk size")
	}
	rec, err := g.Resize(ctx, req.Size)
	if err != nil {
		return nil, err
	}
	return resizeResponse(rec), nil
}

func (s *Service) GetResizeStatus(ctx context.Context, req *GuestRef) (*ResizeResponse, error) {
	g, err := s.guest(req)
	if err != nil {
		return nil, err
	}
	rec, err := g.ResizeStatus(ctx)
	if err != nil {
		return nil, err
	}
	return resizeResponse(rec), nil
}

func resizeResponse(rec vm.ResizeRecord) *ResizeResponse {
	return &ResizeResponse{
		Status:        rec.Status.String(),
		Target:        rec.Target,
		FailureReason: rec.FailureReason,
	}
}

func (s *Service) AttachUSB(ctx context.Context, req *AttachUSBRequest) (*AttachUSBResponse, error) {
	g, err := s.guest(&req.GuestRef)
	if err != nil {
		return nil, err
	}
	if req.DevicePath == "" {
		return nil, vmerrors.New(vmerrors.InvalidArgument, "missing USB device path")
	}
	dev, err := os.OpenFile(req.DevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.InvalidArgument, "failed to open USB device", err)
	}
	defer dev.Close()

	port, err := g.AttachUSB(ctx, hypervisor.USBAttach{
		Bus:       req.Bus,
		Addr:      req.Addr,
		VendorID:  req.VendorID,
		ProductID: req.ProductID,
		Device:    dev,
	})
	if err != nil {
		return nil, err
	}
	return &AttachUSBResponse{Port: port}, nil
}

func (s *Service) DetachUSB(ctx context.Context, req *DetachUSBRequest) (*Empty, error) {
	g, err := s.guest(&req.GuestRef)
	if err != nil {
		return nil, err
	}
	return &Empty{}, g.DetachUSB(ctx, req.Port)
}

func (s *Service) ListUSB(ctx context.Context, req *GuestRef) (*ListUSBResponse, error) {
	g, err := s.guest(req)
	if err != nil {
		return nil, err
	}
	devs, err := g.ListUSB(ctx)
	if err != nil {
		return nil, err
	}
	return &ListUSBResponse{Devices: devs}, nil
}

func (s *Service) AdjustCPU(ctx context.Context, req *AdjustCPURequest) (*Empty, error) {
	if err := validateRef(&req.GuestRef); err != nil {
		return nil, err
	}
	r, err := hypervisor.ParseCPURestriction(req.Restriction)
	if err != nil {
		return nil, vmerrors.New(vmerrors.InvalidArgument, "invalid cpu restriction")
	}
	return &Empty{}, s.guests.AdjustCPU(ctx, req.Owner, req.Name, r)
}

func (s *Service) SetVMCPURestriction(ctx context.Context, req *CPURestrictionRequest) (*Empty, error) {
	k, err := kind.Parse(req.Kind)
	if err != nil {
		return nil, vmerrors.New(vmerrors.InvalidArgument, "invalid guest kind")
	}
	r, err := hypervisor.ParseCPURestriction(req.Restriction)
	if err != nil {
		return nil, vmerrors.New(vmerrors.InvalidArgument, "invalid cpu restriction")
	}
	return &Empty{}, s.guests.SetCPURestriction(ctx, k, r)
}

func (s *Service) SyncVMTimes(ctx context.Context, _ *Empty) (*SyncTimesResponse, error) {
	return &SyncTimesResponse{Failures: s.guests.SyncTimes(ctx)}, nil
}

func (s *Service) GetDNSSettings(context.Context, *Empty) (*DNSSettings, error) {
	dns := s.guests.DNS()
	return &dns, nil
}

func (s *Service) SetHostDNS(ctx context.Context, req *DNSSettings) (*Empty, error) {
	s.guests.OnDNSChanged(ctx, *req)
	return &Empty{}, nil
}

func (s *Service) HostNetworkChanged(ctx context.Context, _ *Empty) (*Empty, error) {
	s.guests.OnHostNetworkChanged(ctx)
	return &Empty{}, nil
}

func (s *Service) HostSuspendImminent(ctx context.Context, _ *Empty) (*Empty, error) {
	s.guests.OnSuspendImminent(ctx)
	return &Empty{}, nil
}

func (s *Service) HostSuspendDone(ctx context.Context, _ *Empty) (*Empty, error) {
	s.guests.OnSuspendDone(ctx)
	return &Empty{}, nil
}

func (s *Service) MountExternalDisk(ctx context.Context, req *MountExternalRequest) (*Empty, error) {
	g, err := s.guest(&req.GuestRef)
	if err != nil {
		return nil, err
	}
	if req.Source == "" {
		return nil, vmerrors.New(vmerrors.InvalidArgument, "missing mount source")
	}
	return &Empty{}, g.MountExternal(ctx, req.Source, req.Dir)
}

func (s *Service) GetVMEnterpriseReportingInfo(_ context.Context, req *GuestRef) (*ReportingInfoResponse, error) {
	g, err := s.guest(req)
	if err != nil {
		return nil, err
	}
	v, err := g.KernelVersion()
	if err != nil {
		return nil, err
	}
	return &ReportingInfoResponse{KernelVersion: v}, nil
}

func (s *Service) GetVersion(context.Context, *Empty) (*VersionResponse, error) {
	return &VersionResponse{Version: version.Short(), Detail: version.Info()}, nil
}

// Sender delivers one stream message.
type Sender interface {
	Context() context.Context
	SendMsg(m any) error
}

// WatchEvents forwards lifecycle signals until the caller goes away.
func (s *Service) WatchEvents(req *WatchRequest, stream Sender) error {
	if s.events == nil {
		return vmerrors.New(vmerrors.NotImplemented, "events are not available")
	}
	ctx := stream.Context()
	evs, errs := s.events.Subscribe(ctx, req.Topics...)
	for {
		select {
		case ev, ok := <-evs:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				log.G(ctx).WithError(err).WithField("topic", ev.Topic).Warn("failed to encode event")
				continue
			}
			if err := stream.SendMsg(&EventMessage{Topic: ev.Topic, Timestamp: ev.Timestamp, Payload: payload}); err != nil {
				return err
			}
		case err := <-errs:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) guest(ref *GuestRef) (registry.Guest, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	return s.guests.Get(ref.Owner, ref.Name)
}
