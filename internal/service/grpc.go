package service

import (
	"context"
	"time"

	"github.com/containerd/errdefs/pkg/errgrpc"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/spin-stack/concierge/internal/vmerrors"
	"github.com/spin-stack/concierge/internal/wire"
)

// ServiceName is the gRPC service the API is registered under.
const ServiceName = "concierge.v1.VmService"

const watchEventsMethod = "WatchEvents"

// Requests and replies travel as google.protobuf.Struct messages whose
// fields follow the json tags of the API types.

// guestRefer is implemented by requests that name a guest.
type guestRefer interface {
	guestRef() GuestRef
}

func (r GuestRef) guestRef() GuestRef { return r }

// unary adapts a handler method to a gRPC method.
func unary[Req, Resp any](name string, fn func(*Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			msg := new(structpb.Struct)
			if err := dec(msg); err != nil {
				return nil, err
			}
			in := new(Req)
			if err := wire.FromStruct(msg, in); err != nil {
				return nil, toStatus(vmerrors.Wrap(vmerrors.InvalidArgument, "malformed request", err), GuestRef{})
			}
			var ref GuestRef
			if r, ok := any(in).(guestRefer); ok {
				ref = r.guestRef()
			}
			call := func(ctx context.Context, req any) (any, error) {
				resp, err := fn(srv.(*Service), ctx, req.(*Req))
				if err != nil {
					return nil, toStatus(err, ref)
				}
				if resp == nil {
					resp = new(Resp)
				}
				out, err := wire.ToStruct(resp)
				if err != nil {
					return nil, toStatus(err, ref)
				}
				return out, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, call)
		},
	}
}

// structSender encodes stream messages before they reach the transport.
type structSender struct {
	grpc.ServerStream
}

func (s structSender) SendMsg(m any) error {
	out, err := wire.ToStruct(m)
	if err != nil {
		return err
	}
	return s.ServerStream.SendMsg(out)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("StartVm", (*Service).StartVM),
		unary("StopVm", (*Service).StopVM),
		unary("StopAllVms", (*Service).StopAllVMs),
		unary("SuspendVm", (*Service).SuspendVM),
		unary("ResumeVm", (*Service).ResumeVM),
		unary("GetVmInfo", (*Service).GetVMInfo),
		unary("ListVms", (*Service).ListVMs),
		unary("ResizeDisk", (*Service).ResizeDisk),
		unary("GetResizeStatus", (*Service).GetResizeStatus),
		unary("AttachUsbDevice", (*Service).AttachUSB),
		unary("DetachUsbDevice", (*Service).DetachUSB),
		unary("ListUsbDevices", (*Service).ListUSB),
		unary("AdjustVm", (*Service).AdjustCPU),
		unary("SetVmCpuRestriction", (*Service).SetVMCPURestriction),
		unary("SyncVmTimes", (*Service).SyncVMTimes),
		unary("GetDnsSettings", (*Service).GetDNSSettings),
		unary("SetHostDns", (*Service).SetHostDNS),
		unary("HostNetworkChanged", (*Service).HostNetworkChanged),
		unary("HostSuspendImminent", (*Service).HostSuspendImminent),
		unary("HostSuspendDone", (*Service).HostSuspendDone),
		unary("CreateDiskImage", (*Service).CreateDiskImage),
		unary("DestroyDiskImage", (*Service).DestroyDiskImage),
		unary("ListVmDisks", (*Service).ListVMDisks),
		unary("MountExternalDisk", (*Service).MountExternalDisk),
		unary("GetVmEnterpriseReportingInfo", (*Service).GetVMEnterpriseReportingInfo),
		unary("GetVersion", (*Service).GetVersion),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    watchEventsMethod,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				return err
			}
			in := new(WatchRequest)
			if err := wire.FromStruct(msg, in); err != nil {
				return toStatus(vmerrors.Wrap(vmerrors.InvalidArgument, "malformed request", err), GuestRef{})
			}
			if err := srv.(*Service).WatchEvents(in, structSender{stream}); err != nil {
				return toStatus(err, GuestRef{})
			}
			return nil
		},
	}},
}

// RegisterGRPC adds the API to srv.
func (s *Service) RegisterGRPC(srv *grpc.Server) error {
	srv.RegisterService(&serviceDesc, s)
	return nil
}

// StopServer drains srv, cutting open calls such as event watches once
// timeout passes. It reports whether the drain finished in time.
func StopServer(srv *grpc.Server, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		srv.Stop()
		<-done
		return false
	}
}

// toStatus strips internal detail from err and converts it to a status
// whose code follows the failure kind. The message names the guest the
// request was about, if any.
func toStatus(err error, ref GuestRef) error {
	k := vmerrors.KindOf(err)
	reason := vmerrors.Reason(err)
	if k == vmerrors.Unknown {
		reason = "internal error"
	}
	if ref.Owner != "" || ref.Name != "" {
		reason = ref.Owner + "/" + ref.Name + ": " + reason
	}
	return errgrpc.ToGRPC(vmerrors.New(k, reason))
}
