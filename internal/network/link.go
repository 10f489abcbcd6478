package network

import (
	"github.com/vishvananda/netlink"
)

// LinkOperator is the subset of netlink used by the local provider.
type LinkOperator interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	RouteAdd(route *netlink.Route) error
}

type netlinkOperator struct{}

// DefaultLinkOperator returns a LinkOperator backed by netlink.
func DefaultLinkOperator() LinkOperator {
	return netlinkOperator{}
}

func (netlinkOperator) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (netlinkOperator) LinkAdd(link netlink.Link) error {
	return netlink.LinkAdd(link)
}

func (netlinkOperator) LinkDel(link netlink.Link) error {
	return netlink.LinkDel(link)
}

func (netlinkOperator) LinkSetUp(link netlink.Link) error {
	return netlink.LinkSetUp(link)
}

func (netlinkOperator) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrAdd(link, addr)
}

func (netlinkOperator) RouteAdd(route *netlink.Route) error {
	return netlink.RouteAdd(route)
}
