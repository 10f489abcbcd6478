package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/vishvananda/netlink"

	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/kind"
)

const (
	guestPrefix     = 30
	containerPrefix = 28
)

type localLease struct {
	info         *Info
	guestIdx     int
	containerIdx int
}

// localManager creates one persistent TAP per guest and assigns it a /30:
// the first host address is the gateway on the TAP, the second belongs to
// the guest. Container guests also get a /28 routed through the guest.
type localManager struct {
	tapPrefix string
	ops       LinkOperator
	metrics   *Metrics

	mu        sync.Mutex
	guest     *subnetPool
	container *subnetPool
	leases    map[uint32]*localLease
}

// NewLocal creates the local provider.
func NewLocal(cfg config.NetworkConfig, ops LinkOperator) (Manager, error) {
	guest, err := newSubnetPool(cfg.GuestPool, guestPrefix)
	if err != nil {
		return nil, fmt.Errorf("guest pool: %w", err)
	}
	container, err := newSubnetPool(cfg.ContainerPool, containerPrefix)
	if err != nil {
		return nil, fmt.Errorf("container pool: %w", err)
	}
	return &localManager{
		tapPrefix: cfg.TapPrefix,
		ops:       ops,
		metrics:   &Metrics{},
		guest:     guest,
		container: container,
		leases:    make(map[uint32]*localLease),
	}, nil
}

func (m *localManager) Close() error { return nil }

func (m *localManager) Metrics() *Metrics { return m.metrics }

func (m *localManager) NotifyStartup(ctx context.Context, k kind.Kind, cid uint32) (_ *Info, retErr error) {
	start := time.Now()
	defer func() { m.metrics.RecordStartup(retErr == nil, time.Since(start)) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[cid]; ok {
		return l.info, nil
	}

	subnet, guestIdx, err := m.guest.allocate()
	if err != nil {
		return nil, err
	}
	lease := &localLease{guestIdx: guestIdx, containerIdx: -1}
	defer func() {
		if retErr != nil {
			m.guest.release(lease.guestIdx)
			m.container.release(lease.containerIdx)
		}
	}()

	gateway := nthAddr(subnet.IP, 1)
	info := &Info{
		IfName:  m.tapPrefix + strconv.Itoa(guestIdx),
		IPv4:    nthAddr(subnet.IP, 2),
		Gateway: gateway,
		Netmask: net.IP(subnet.Mask).To4(),
	}

	if k == kind.Container {
		csub, idx, err := m.container.allocate()
		if err != nil {
			return nil, err
		}
		lease.containerIdx = idx
		info.ContainerSubnet = csub
	}

	if err := m.createTAP(info, &net.IPNet{IP: gateway, Mask: subnet.Mask}); err != nil {
		return nil, err
	}

	lease.info = info
	m.leases[cid] = lease

	log.G(ctx).WithFields(log.Fields{
		"cid":  cid,
		"kind": k.String(),
		"tap":  info.IfName,
		"ipv4": info.IPv4.String(),
	}).Info("network allocated")
	return info, nil
}

func (m *localManager) createTAP(info *Info, gateway *net.IPNet) (retErr error) {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: info.IfName},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_NO_PI | netlink.TUNTAP_VNET_HDR,
	}
	if err := m.ops.LinkAdd(tap); err != nil {
		return fmt.Errorf("create tap %s: %w", info.IfName, err)
	}
	defer func() {
		if retErr != nil {
			_ = m.ops.LinkDel(tap)
		}
	}()

	link, err := m.ops.LinkByName(info.IfName)
	if err != nil {
		return fmt.Errorf("lookup tap %s: %w", info.IfName, err)
	}
	if err := m.ops.AddrAdd(link, &netlink.Addr{IPNet: gateway}); err != nil {
		return fmt.Errorf("address tap %s: %w", info.IfName, err)
	}
	if err := m.ops.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring tap %s up: %w", info.IfName, err)
	}
	if info.ContainerSubnet != nil {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       info.ContainerSubnet,
			Gw:        info.IPv4,
		}
		if err := m.ops.RouteAdd(route); err != nil {
			return fmt.Errorf("route container subnet via %s: %w", info.IfName, err)
		}
	}
	return nil
}

func (m *localManager) NotifyShutdown(ctx context.Context, cid uint32) error {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	lease, ok := m.leases[cid]
	if !ok {
		log.G(ctx).WithField("cid", cid).Debug("no network lease to release")
		return nil
	}
	delete(m.leases, cid)
	m.guest.release(lease.guestIdx)
	m.container.release(lease.containerIdx)

	var err error
	if link, lerr := m.ops.LinkByName(lease.info.IfName); lerr == nil {
		err = m.ops.LinkDel(link)
	} else if _, notFound := lerr.(netlink.LinkNotFoundError); !notFound {
		err = lerr
	}
	m.metrics.RecordShutdown(err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("delete tap %s: %w", lease.info.IfName, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"cid": cid,
		"tap": lease.info.IfName,
	}).Info("network released")
	return nil
}
