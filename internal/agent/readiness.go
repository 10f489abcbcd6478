package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/containerd/log"
	"github.com/containerd/otelttrpc"
	"github.com/containerd/ttrpc"
	"github.com/mdlayher/vsock"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/spin-stack/concierge/internal/wire"
)

// Startup service guests call once they have booted.
const (
	StartupServiceName = "concierge.startup.v1.Startup"
	MethodVMReady      = "VmReady"
)

// ReadyRequest identifies the guest announcing itself.
type ReadyRequest struct {
	CID uint32 `json:"cid"`
}

// Readiness tracks which guests have announced themselves. A guest may
// announce before anyone waits for it; the signal is kept until Forget.
type Readiness struct {
	mu      sync.Mutex
	waiters map[uint32]chan struct{}
}

func NewReadiness() *Readiness {
	return &Readiness{waiters: make(map[uint32]chan struct{})}
}

func (r *Readiness) entry(cid uint32) chan struct{} {
	ch, ok := r.waiters[cid]
	if !ok {
		ch = make(chan struct{})
		r.waiters[cid] = ch
	}
	return ch
}

// Expect returns a channel closed once cid reports ready.
func (r *Readiness) Expect(cid uint32) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entry(cid)
}

// Ready records that cid has booted.
func (r *Readiness) Ready(cid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.entry(cid)
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Forget drops any state for cid so a reused context id starts fresh.
func (r *Readiness) Forget(cid uint32) {
	r.mu.Lock()
	delete(r.waiters, cid)
	r.mu.Unlock()
}

// Wait blocks until cid is ready or ctx is done.
func (r *Readiness) Wait(ctx context.Context, cid uint32) error {
	select {
	case <-r.Expect(cid):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterStartup exposes the startup service backed by r on srv.
func RegisterStartup(srv *ttrpc.Server, r *Readiness) {
	srv.RegisterService(StartupServiceName, &ttrpc.ServiceDesc{
		Methods: map[string]ttrpc.Method{
			MethodVMReady: func(ctx context.Context, unmarshal func(any) error) (any, error) {
				in := &structpb.Struct{}
				if err := unmarshal(in); err != nil {
					return nil, err
				}
				var req ReadyRequest
				if err := wire.FromStruct(in, &req); err != nil {
					return nil, err
				}
				log.G(ctx).WithField("cid", req.CID).Info("guest reported ready")
				r.Ready(req.CID)
				return &structpb.Struct{}, nil
			},
		},
	})
}

// StartupListener serves the startup service until Close.
type StartupListener struct {
	srv *ttrpc.Server
	l   net.Listener
}

// ListenStartup listens on the host vsock port and serves readiness
// announcements in the background.
func ListenStartup(ctx context.Context, port uint32, r *Readiness) (*StartupListener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("listen on vsock port %d: %w", port, err)
	}
	return ServeStartup(ctx, l, r)
}

// ServeStartup serves readiness announcements on l.
func ServeStartup(ctx context.Context, l net.Listener, r *Readiness) (*StartupListener, error) {
	srv, err := ttrpc.NewServer(ttrpc.WithUnaryServerInterceptor(otelttrpc.UnaryServerInterceptor()))
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("create startup server: %w", err)
	}
	RegisterStartup(srv, r)
	go func() {
		if err := srv.Serve(ctx, l); err != nil && !errors.Is(err, ttrpc.ErrServerClosed) {
			log.G(ctx).WithError(err).Error("startup listener stopped")
		}
	}()
	return &StartupListener{srv: srv, l: l}, nil
}

func (s *StartupListener) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// AnnounceReady is the guest side of the startup service.
func AnnounceReady(ctx context.Context, conn net.Conn, cid uint32) error {
	c := ttrpc.NewClient(conn, ttrpc.WithUnaryClientInterceptor(otelttrpc.UnaryClientInterceptor()))
	defer c.Close()
	in, err := wire.ToStruct(ReadyRequest{CID: cid})
	if err != nil {
		return err
	}
	return c.Call(ctx, StartupServiceName, MethodVMReady, in, &structpb.Struct{})
}
