package network

import (
	"fmt"
	"net"

	"github.com/spin-stack/concierge/internal/vmerrors"
)

// subnetPool carves an IPv4 CIDR into equally sized blocks.
type subnetPool struct {
	base   uint32
	prefix int
	size   uint32
	used   []bool
}

func newSubnetPool(cidr string, prefix int) (*subnetPool, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", cidr, err)
	}
	v4 := ipnet.IP.To4()
	if v4 == nil {
		return nil, fmt.Errorf("%q is not IPv4", cidr)
	}
	ones, _ := ipnet.Mask.Size()
	if prefix < ones || prefix > 30 {
		return nil, fmt.Errorf("cannot carve /%d blocks from %s", prefix, cidr)
	}
	return &subnetPool{
		base:   ipToUint32(v4),
		prefix: prefix,
		size:   1 << (32 - prefix),
		used:   make([]bool, 1<<(prefix-ones)),
	}, nil
}

// allocate returns the lowest free block and its index.
func (p *subnetPool) allocate() (*net.IPNet, int, error) {
	for i, used := range p.used {
		if used {
			continue
		}
		p.used[i] = true
		return p.block(i), i, nil
	}
	return nil, -1, vmerrors.Newf(vmerrors.ResourceExhausted, "no free /%d subnet", p.prefix)
}

func (p *subnetPool) release(i int) {
	if i >= 0 && i < len(p.used) {
		p.used[i] = false
	}
}

func (p *subnetPool) block(i int) *net.IPNet {
	return &net.IPNet{
		IP:   uint32ToIP(p.base + uint32(i)*p.size),
		Mask: net.CIDRMask(p.prefix, 32),
	}
}

func (p *subnetPool) inUse() int {
	n := 0
	for _, used := range p.used {
		if used {
			n++
		}
	}
	return n
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func uint32ToIP(u uint32) net.IP {
	return net.IPv4(byte(u>>24), byte(u>>16), byte(u>>8), byte(u)).To4()
}
