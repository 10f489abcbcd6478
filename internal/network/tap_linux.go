//go:build linux

package network

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/containerd/log"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

const tapOpenTimeout = 5 * time.Second

// OpenTAP attaches to an existing TAP device with vnet headers enabled,
// switching into info.NetNS first when set.
func OpenTAP(ctx context.Context, info *Info) (*os.File, error) {
	ctx, cancel := context.WithTimeout(ctx, tapOpenTimeout)
	defer cancel()

	type result struct {
		file *os.File
		err  error
	}
	done := make(chan result, 1)

	go func() {
		file, err := openTAP(ctx, info.IfName, info.NetNS)
		done <- result{file, err}
	}()

	select {
	case r := <-done:
		return r.file, r.err
	case <-ctx.Done():
		// The open may still complete; don't leak the descriptor.
		go func() {
			if r := <-done; r.file != nil {
				_ = r.file.Close()
			}
		}()
		return nil, fmt.Errorf("timeout opening TAP %s: %w", info.IfName, ctx.Err())
	}
}

func openTAP(ctx context.Context, tapName, netnsPath string) (*os.File, error) {
	if netnsPath == "" {
		return attachTAP(ctx, tapName)
	}

	targetNS, err := netns.GetFromPath(netnsPath)
	if err != nil {
		return nil, fmt.Errorf("get target netns: %w", err)
	}
	defer func() { _ = targetNS.Close() }()

	origNS, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("get current netns: %w", err)
	}
	defer func() { _ = origNS.Close() }()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := netns.Set(targetNS); err != nil {
		return nil, fmt.Errorf("set target netns: %w", err)
	}
	defer func() {
		if err := netns.Set(origNS); err != nil {
			log.G(ctx).WithError(err).Error("failed to restore original netns")
		}
	}()

	return attachTAP(ctx, tapName)
}

func attachTAP(ctx context.Context, tapName string) (*os.File, error) {
	link, err := netlink.LinkByName(tapName)
	if err != nil {
		return nil, fmt.Errorf("lookup tap %s: %w", tapName, err)
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		if err := netlink.LinkSetUp(link); err != nil {
			return nil, fmt.Errorf("bring tap %s up: %w", tapName, err)
		}
		log.G(ctx).WithField("tap", tapName).Debug("brought tap device up")
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(tapName)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tap name %q: %w", tapName, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI | unix.IFF_VNET_HDR)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", tapName, err)
	}

	return os.NewFile(uintptr(fd), "/dev/net/tun:"+tapName), nil
}
