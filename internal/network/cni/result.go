//go:build linux

package cni

import (
	"fmt"
	"net"
	"runtime"
	"strings"

	"github.com/containerd/log"
	current "github.com/containernetworking/cni/pkg/types/100"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// Result is the part of a CNI result the guest needs.
type Result struct {
	TAP     string
	MAC     string
	IP      net.IP
	Netmask net.IP
	Gateway net.IP
}

// Parse extracts the TAP device and first IPv4 configuration. The TAP must
// be reported inside a sandbox; interfaces like "tape0" on the host are
// ignored. A missing MAC is read from the namespace when netnsPath is set.
func Parse(res *current.Result, netnsPath string) (*Result, error) {
	if res == nil {
		return nil, fmt.Errorf("%w: nil result", ErrInvalidResult)
	}

	out := &Result{}
	for _, iface := range res.Interfaces {
		if strings.HasPrefix(iface.Name, "tap") && iface.Sandbox != "" {
			out.TAP, out.MAC = iface.Name, iface.Mac
			break
		}
	}
	if out.TAP == "" {
		return nil, fmt.Errorf("%w (checked %d interfaces)", ErrTAPNotCreated, len(res.Interfaces))
	}

	for _, ipc := range res.IPs {
		if ipc.Address.IP.To4() == nil {
			continue
		}
		out.IP = ipc.Address.IP.To4()
		out.Gateway = ipc.Gateway
		if ipc.Address.Mask != nil {
			out.Netmask = net.IP(ipc.Address.Mask).To4()
		}
		break
	}
	if out.IP == nil {
		return nil, fmt.Errorf("%w: no IPv4 address", ErrInvalidResult)
	}

	if out.MAC == "" && netnsPath != "" {
		mac, err := readMAC(netnsPath, out.TAP)
		if err != nil {
			return nil, fmt.Errorf("read TAP MAC: %w", err)
		}
		out.MAC = mac
	}
	return out, nil
}

func readMAC(netnsPath, name string) (string, error) {
	origNS, err := netns.Get()
	if err != nil {
		return "", fmt.Errorf("get current netns: %w", err)
	}
	defer origNS.Close()

	targetNS, err := netns.GetFromPath(netnsPath)
	if err != nil {
		return "", fmt.Errorf("get target netns: %w", err)
	}
	defer targetNS.Close()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := netns.Set(targetNS); err != nil {
		return "", fmt.Errorf("set target netns: %w", err)
	}
	defer func() {
		if err := netns.Set(origNS); err != nil {
			log.L.WithError(err).Error("failed to restore original netns")
		}
	}()

	link, err := netlink.LinkByName(name)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", name, err)
	}
	if len(link.Attrs().HardwareAddr) == 0 {
		return "", fmt.Errorf("interface %q has empty MAC", name)
	}
	return link.Attrs().HardwareAddr.String(), nil
}
