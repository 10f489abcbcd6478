package agent

import (
	"context"
	"errors"

	"github.com/containerd/ttrpc"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/spin-stack/concierge/internal/wire"
)

type handler func(ctx context.Context, in *structpb.Struct) (any, error)

// Register exposes impl on srv under ServiceName. Guest agents and test
// doubles use it to serve the same contract the daemon dials.
func Register(srv *ttrpc.Server, impl Service) {
	handlers := map[string]handler{
		MethodConfigureNetwork: func(ctx context.Context, in *structpb.Struct) (any, error) {
			var req NetworkConfig
			if err := wire.FromStruct(in, &req); err != nil {
				return nil, err
			}
			return nil, impl.ConfigureNetwork(ctx, req)
		},
		MethodSetResolvConfig: func(ctx context.Context, in *structpb.Struct) (any, error) {
			var req ResolvConfig
			if err := wire.FromStruct(in, &req); err != nil {
				return nil, err
			}
			return nil, impl.SetResolvConfig(ctx, req)
		},
		MethodSetTime: func(ctx context.Context, in *structpb.Struct) (any, error) {
			var req SetTimeRequest
			if err := wire.FromStruct(in, &req); err != nil {
				return nil, err
			}
			return nil, impl.SetTime(ctx, req.Time)
		},
		MethodOnHostNetworkChanged: func(ctx context.Context, _ *structpb.Struct) (any, error) {
			return nil, impl.OnHostNetworkChanged(ctx)
		},
		MethodMount: func(ctx context.Context, in *structpb.Struct) (any, error) {
			var req MountRequest
			if err := wire.FromStruct(in, &req); err != nil {
				return nil, err
			}
			return mountReply(impl.Mount(ctx, req))
		},
		MethodMount9P: func(ctx context.Context, in *structpb.Struct) (any, error) {
			var req Mount9PRequest
			if err := wire.FromStruct(in, &req); err != nil {
				return nil, err
			}
			return mountReply(impl.Mount9P(ctx, req.Port, req.Target))
		},
		MethodPrepareToSuspend: func(ctx context.Context, _ *structpb.Struct) (any, error) {
			return nil, impl.PrepareToSuspend(ctx)
		},
		MethodStartServices: func(ctx context.Context, in *structpb.Struct) (any, error) {
			var req StartServicesRequest
			if err := wire.FromStruct(in, &req); err != nil {
				return nil, err
			}
			return nil, impl.StartServices(ctx, req)
		},
		MethodResizeFilesystem: func(ctx context.Context, in *structpb.Struct) (any, error) {
			var req ResizeFilesystemRequest
			if err := wire.FromStruct(in, &req); err != nil {
				return nil, err
			}
			return nil, impl.ResizeFilesystem(ctx, req.Size)
		},
		MethodGetResizeStatus: func(ctx context.Context, _ *structpb.Struct) (any, error) {
			return impl.GetResizeStatus(ctx)
		},
		MethodGetKernelVersion: func(ctx context.Context, _ *structpb.Struct) (any, error) {
			return impl.GetKernelVersion(ctx)
		},
		MethodShutdown: func(ctx context.Context, _ *structpb.Struct) (any, error) {
			return nil, impl.Shutdown(ctx)
		},
	}

	desc := &ttrpc.ServiceDesc{Methods: make(map[string]ttrpc.Method, len(handlers))}
	for name, h := range handlers {
		desc.Methods[name] = func(ctx context.Context, unmarshal func(any) error) (any, error) {
			in := &structpb.Struct{}
			if err := unmarshal(in); err != nil {
				return nil, err
			}
			out, err := h(ctx, in)
			if err != nil {
				return nil, err
			}
			return wire.ToStruct(out)
		}
	}
	srv.RegisterService(ServiceName, desc)
}

// mountReply maps an errno from the guest into the reply body. Any other
// error fails the call.
func mountReply(err error) (any, error) {
	if err == nil {
		return MountResponse{}, nil
	}
	if errno, ok := asErrno(err); ok {
		return MountResponse{Error: int32(errno)}, nil
	}
	return nil, err
}

func asErrno(err error) (unix.Errno, bool) {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
