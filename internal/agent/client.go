package agent

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/log"
	"github.com/containerd/otelttrpc"
	"github.com/containerd/ttrpc"
	"github.com/mdlayher/vsock"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/spin-stack/concierge/internal/vmerrors"
	"github.com/spin-stack/concierge/internal/wire"
)

// pingTimeout bounds the liveness probe sent on every new connection.
const pingTimeout = 200 * time.Millisecond

// Dialer opens a raw connection to an agent.
type Dialer func(ctx context.Context) (net.Conn, error)

// VsockDialer dials port on the guest with context id cid.
func VsockDialer(cid, port uint32) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		return vsock.Dial(cid, port, nil)
	}
}

// TTRPCClient is a Client over a ttrpc connection.
type TTRPCClient struct {
	c        *ttrpc.Client
	timeouts Timeouts
}

var _ Client = (*TTRPCClient)(nil)

// Connect dials until the agent answers a ping or ctx is done.
func Connect(ctx context.Context, dial Dialer, timeouts Timeouts) (*TTRPCClient, error) {
	var conn net.Conn
	attempt := 0
	op := func() error {
		attempt++
		c, err := dial(ctx)
		if err != nil {
			return err
		}
		if err := c.SetReadDeadline(time.Now().Add(pingTimeout)); err != nil {
			_ = c.Close()
			return err
		}
		if err := ping(c); err != nil {
			_ = c.Close()
			return err
		}
		if err := c.SetReadDeadline(time.Time{}); err != nil {
			_ = c.Close()
			return err
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	notify := func(err error, next time.Duration) {
		log.G(ctx).WithError(err).WithField("attempt", attempt).WithField("retry_in", next).Debug("agent not reachable yet")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, vmerrors.Wrap(vmerrors.Transport, "guest agent unreachable", err)
	}
	return NewClient(conn, timeouts), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, timeouts Timeouts) *TTRPCClient {
	return &TTRPCClient{
		c:        ttrpc.NewClient(conn, ttrpc.WithUnaryClientInterceptor(otelttrpc.UnaryClientInterceptor())),
		timeouts: timeouts,
	}
}

func (c *TTRPCClient) Close() error {
	return c.c.Close()
}

func (c *TTRPCClient) call(ctx context.Context, method string, timeout time.Duration, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	in, err := wire.ToStruct(req)
	if err != nil {
		return vmerrors.Wrap(vmerrors.InvalidArgument, method+" request is malformed", err)
	}
	out := &structpb.Struct{}
	if err := c.c.Call(ctx, ServiceName, method, in, out); err != nil {
		return vmerrors.Wrap(vmerrors.Transport, method+" failed", err)
	}
	if err := wire.FromStruct(out, resp); err != nil {
		return vmerrors.Wrap(vmerrors.Transport, method+" reply is malformed", err)
	}
	return nil
}

func (c *TTRPCClient) ConfigureNetwork(ctx context.Context, cfg NetworkConfig) error {
	return c.call(ctx, MethodConfigureNetwork, c.timeouts.Default, cfg, nil)
}

func (c *TTRPCClient) SetResolvConfig(ctx context.Context, cfg ResolvConfig) error {
	return c.call(ctx, MethodSetResolvConfig, c.timeouts.Default, cfg, nil)
}

func (c *TTRPCClient) SetTime(ctx context.Context, t time.Time) error {
	return c.call(ctx, MethodSetTime, c.timeouts.Default, SetTimeRequest{Time: t}, nil)
}

func (c *TTRPCClient) OnHostNetworkChanged(ctx context.Context) error {
	return c.call(ctx, MethodOnHostNetworkChanged, c.timeouts.Default, nil, nil)
}

func (c *TTRPCClient) Mount(ctx context.Context, req MountRequest) error {
	var resp MountResponse
	if err := c.call(ctx, MethodMount, c.timeouts.Default, req, &resp); err != nil {
		return err
	}
	return mountError(resp)
}

func (c *TTRPCClient) Mount9P(ctx context.Context, port uint32, target string) error {
	var resp MountResponse
	if err := c.call(ctx, MethodMount9P, c.timeouts.Default, Mount9PRequest{Port: port, Target: target}, &resp); err != nil {
		return err
	}
	return mountError(resp)
}

func (c *TTRPCClient) PrepareToSuspend(ctx context.Context) error {
	return c.call(ctx, MethodPrepareToSuspend, c.timeouts.Default, nil, nil)
}

func (c *TTRPCClient) StartServices(ctx context.Context, req StartServicesRequest) error {
	return c.call(ctx, MethodStartServices, c.timeouts.StartServices, req, nil)
}

func (c *TTRPCClient) ResizeFilesystem(ctx context.Context, size uint64) error {
	return c.call(ctx, MethodResizeFilesystem, c.timeouts.Default, ResizeFilesystemRequest{Size: size}, nil)
}

func (c *TTRPCClient) GetResizeStatus(ctx context.Context) (ResizeStatus, error) {
	var st ResizeStatus
	err := c.call(ctx, MethodGetResizeStatus, c.timeouts.Default, nil, &st)
	return st, err
}

func (c *TTRPCClient) GetKernelVersion(ctx context.Context) (KernelVersion, error) {
	var kv KernelVersion
	err := c.call(ctx, MethodGetKernelVersion, c.timeouts.StartServices, nil, &kv)
	return kv, err
}

func (c *TTRPCClient) Shutdown(ctx context.Context) error {
	return c.call(ctx, MethodShutdown, c.timeouts.Shutdown, nil, nil)
}

func mountError(resp MountResponse) error {
	if resp.Error == 0 {
		return nil
	}
	return vmerrors.Wrap(vmerrors.IOError, "mount failed inside guest",
		fmt.Errorf("errno %d: %w", resp.Error, unix.Errno(resp.Error)))
}
