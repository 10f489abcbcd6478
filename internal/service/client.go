package service

import (
	"context"
	"errors"
	"io"

	"github.com/containerd/errdefs/pkg/errgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/spin-stack/concierge/internal/wire"
)

// Client calls the API over the daemon socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on the unix socket at path.
func Dial(path string, opts ...grpc.DialOption) (*Client, error) {
	return NewClient("unix://"+path, opts...)
}

// NewClient connects to target.
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := wire.ToStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return errgrpc.ToNative(err)
	}
	return wire.FromStruct(out, resp)
}

func (c *Client) StartVM(ctx context.Context, req *StartVMRequest) (*StartVMResponse, error) {
	resp := new(StartVMResponse)
	return resp, c.invoke(ctx, "StartVm", req, resp)
}

func (c *Client) StopVM(ctx context.Context, ref GuestRef) error {
	return c.invoke(ctx, "StopVm", &ref, &Empty{})
}

func (c *Client) StopAllVMs(ctx context.Context) error {
	return c.invoke(ctx, "StopAllVms", &Empty{}, &Empty{})
}

func (c *Client) SuspendVM(ctx context.Context, ref GuestRef) error {
	return c.invoke(ctx, "SuspendVm", &ref, &Empty{})
}

func (c *Client) ResumeVM(ctx context.Context, ref GuestRef) error {
	return c.invoke(ctx, "ResumeVm", &ref, &Empty{})
}

func (c *Client) GetVMInfo(ctx context.Context, ref GuestRef) (*VMInfoResponse, error) {
	resp := new(VMInfoResponse)
	return resp, c.invoke(ctx, "GetVmInfo", &ref, resp)
}

func (c *Client) ListVMs(ctx context.Context) (*ListVMsResponse, error) {
	resp := new(ListVMsResponse)
	return resp, c.invoke(ctx, "ListVms", &Empty{}, resp)
}

func (c *Client) ResizeDisk(ctx context.Context, req *ResizeDiskRequest) (*ResizeResponse, error) {
	resp := new(ResizeResponse)
	return resp, c.invoke(ctx, "ResizeDisk", req, resp)
}

func (c *Client) GetResizeStatus(ctx context.Context, ref GuestRef) (*ResizeResponse, error) {
	resp := new(ResizeResponse)
	return resp, c.invoke(ctx, "GetResizeStatus", &ref, resp)
}

func (c *Client) AttachUSB(ctx context.Context, req *AttachUSBRequest) (*AttachUSBResponse, error) {
	resp := new(AttachUSBResponse)
	return resp, c.invoke(ctx, "AttachUsbDevice", req, resp)
}

func (c *Client) DetachUSB(ctx context.Context, req *DetachUSBRequest) error {
	return c.invoke(ctx, "DetachUsbDevice", req, &Empty{})
}

func (c *Client) ListUSB(ctx context.Context, ref GuestRef) (*ListUSBResponse, error) {
	resp := new(ListUSBResponse)
	return resp, c.invoke(ctx, "ListUsbDevices", &ref, resp)
}

func (c *Client) AdjustCPU(ctx context.Context, req *AdjustCPURequest) error {
	return c.invoke(ctx, "AdjustVm", req, &Empty{})
}

func (c *Client) SetVMCPURestriction(ctx context.Context, req *CPURestrictionRequest) error {
	return c.invoke(ctx, "SetVmCpuRestriction", req, &Empty{})
}

func (c *Client) SyncVMTimes(ctx context.Context) (*SyncTimesResponse, error) {
	resp := new(SyncTimesResponse)
	return resp, c.invoke(ctx, "SyncVmTimes", &Empty{}, resp)
}

func (c *Client) GetDNSSettings(ctx context.Context) (*DNSSettings, error) {
	resp := new(DNSSettings)
	return resp, c.invoke(ctx, "GetDnsSettings", &Empty{}, resp)
}

func (c *Client) SetHostDNS(ctx context.Context, dns DNSSettings) error {
	return c.invoke(ctx, "SetHostDns", &dns, &Empty{})
}

func (c *Client) HostNetworkChanged(ctx context.Context) error {
	return c.invoke(ctx, "HostNetworkChanged", &Empty{}, &Empty{})
}

func (c *Client) HostSuspendImminent(ctx context.Context) error {
	return c.invoke(ctx, "HostSuspendImminent", &Empty{}, &Empty{})
}

func (c *Client) HostSuspendDone(ctx context.Context) error {
	return c.invoke(ctx, "HostSuspendDone", &Empty{}, &Empty{})
}

func (c *Client) CreateDiskImage(ctx context.Context, req *CreateDiskRequest) (*CreateDiskResponse, error) {
	resp := new(CreateDiskResponse)
	return resp, c.invoke(ctx, "CreateDiskImage", req, resp)
}

func (c *Client) DestroyDiskImage(ctx context.Context, req *DestroyDiskRequest) error {
	return c.invoke(ctx, "DestroyDiskImage", req, &Empty{})
}

func (c *Client) ListVMDisks(ctx context.Context, owner string) (*ListDisksResponse, error) {
	resp := new(ListDisksResponse)
	return resp, c.invoke(ctx, "ListVmDisks", &ListDisksRequest{Owner: owner}, resp)
}

func (c *Client) MountExternalDisk(ctx context.Context, req *MountExternalRequest) error {
	return c.invoke(ctx, "MountExternalDisk", req, &Empty{})
}

func (c *Client) GetVMEnterpriseReportingInfo(ctx context.Context, ref GuestRef) (*ReportingInfoResponse, error) {
	resp := new(ReportingInfoResponse)
	return resp, c.invoke(ctx, "GetVmEnterpriseReportingInfo", &ref, resp)
}

func (c *Client) GetVersion(ctx context.Context) (*VersionResponse, error) {
	resp := new(VersionResponse)
	return resp, c.invoke(ctx, "GetVersion", &Empty{}, resp)
}

// WatchEvents calls fn for every lifecycle signal until ctx is done or fn
// returns an error.
func (c *Client) WatchEvents(ctx context.Context, topics []string, fn func(*EventMessage) error) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/"+watchEventsMethod)
	if err != nil {
		return errgrpc.ToNative(err)
	}
	req, err := wire.ToStruct(&WatchRequest{Topics: topics})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return errgrpc.ToNative(err)
	}
	if err := stream.CloseSend(); err != nil {
		return errgrpc.ToNative(err)
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return errgrpc.ToNative(err)
		}
		ev := new(EventMessage)
		if err := wire.FromStruct(msg, ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
