package network

import (
	"context"
	"slices"
	"sync"

	"github.com/containerd/log"
	"github.com/docker/docker/libnetwork/resolvconf"
)

// DNSConfig is the resolver configuration pushed to guests.
type DNSConfig struct {
	Nameservers   []string `json:"nameservers"`
	SearchDomains []string `json:"search_domains"`
}

// Equal reports whether two configurations carry the same values.
func (d DNSConfig) Equal(o DNSConfig) bool {
	return slices.Equal(d.Nameservers, o.Nameservers) && slices.Equal(d.SearchDomains, o.SearchDomains)
}

// ReadHostDNS reads the IPv4 nameservers and search domains from a
// resolv.conf file. Loopback resolvers are filtered out.
func ReadHostDNS(ctx context.Context, path string) DNSConfig {
	if path == "" {
		path = resolvconf.Path()
	}
	file, err := resolvconf.GetSpecific(path)
	if err != nil {
		log.G(ctx).WithError(err).WithField("path", path).Warn("failed to read host resolv.conf")
		return DNSConfig{}
	}

	filtered, err := resolvconf.FilterResolvDNS(file.Content, false)
	if err != nil {
		log.G(ctx).WithError(err).WithField("path", path).Warn("failed to filter host resolv.conf")
		return DNSConfig{}
	}

	cfg := DNSConfig{
		Nameservers:   resolvconf.GetNameservers(filtered.Content, resolvconf.IPv4),
		SearchDomains: resolvconf.GetSearchDomains(file.Content),
	}
	log.G(ctx).WithFields(log.Fields{
		"path":        path,
		"nameservers": cfg.Nameservers,
		"search":      cfg.SearchDomains,
	}).Debug("resolved host DNS")
	return cfg
}

// DNSState holds the most recent DNS values announced by the host.
type DNSState struct {
	mu  sync.RWMutex
	cfg DNSConfig
}

// NewDNSState seeds the state with initial values.
func NewDNSState(initial DNSConfig) *DNSState {
	return &DNSState{cfg: initial}
}

// Get returns a copy of the current values.
func (s *DNSState) Get() DNSConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return DNSConfig{
		Nameservers:   slices.Clone(s.cfg.Nameservers),
		SearchDomains: slices.Clone(s.cfg.SearchDomains),
	}
}

// Set stores new values and reports whether they changed.
func (s *DNSState) Set(cfg DNSConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Equal(cfg) {
		return false
	}
	s.cfg = DNSConfig{
		Nameservers:   slices.Clone(cfg.Nameservers),
		SearchDomains: slices.Clone(cfg.SearchDomains),
	}
	return true
}
