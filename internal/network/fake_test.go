package network

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/vishvananda/netlink"

	"github.com/spin-stack/concierge/internal/kind"
)

type fakeService struct {
	mu        sync.Mutex
	info      *Info
	err       error
	startups  []uint32
	shutdowns []uint32
}

func (f *fakeService) NotifyStartup(_ context.Context, _ kind.Kind, cid uint32) (*Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startups = append(f.startups, cid)
	return f.info, f.err
}

func (f *fakeService) NotifyShutdown(_ context.Context, cid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns = append(f.shutdowns, cid)
	return nil
}

func testInfo() *Info {
	return &Info{
		IfName:  "vmtap0",
		IPv4:    net.ParseIP("100.115.92.26"),
		Gateway: net.ParseIP("100.115.92.25"),
		Netmask: net.ParseIP("255.255.255.252"),
	}
}

// fakeLinks records netlink calls without touching the host.
type fakeLinks struct {
	links    map[string]netlink.Link
	addrs    map[string][]string
	routes   []*netlink.Route
	failAddr bool
	nextIdx  int
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{links: map[string]netlink.Link{}, addrs: map[string][]string{}}
}

func (f *fakeLinks) LinkByName(name string) (netlink.Link, error) {
	l, ok := f.links[name]
	if !ok {
		return nil, netlink.LinkNotFoundError{}
	}
	return l, nil
}

func (f *fakeLinks) LinkAdd(link netlink.Link) error {
	f.nextIdx++
	link.Attrs().Index = f.nextIdx
	f.links[link.Attrs().Name] = link
	return nil
}

func (f *fakeLinks) LinkDel(link netlink.Link) error {
	delete(f.links, link.Attrs().Name)
	delete(f.addrs, link.Attrs().Name)
	return nil
}

func (f *fakeLinks) LinkSetUp(netlink.Link) error { return nil }

func (f *fakeLinks) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	if f.failAddr {
		return errors.New("permission denied")
	}
	f.addrs[link.Attrs().Name] = append(f.addrs[link.Attrs().Name], addr.IPNet.String())
	return nil
}

func (f *fakeLinks) RouteAdd(route *netlink.Route) error {
	f.routes = append(f.routes, route)
	return nil
}
