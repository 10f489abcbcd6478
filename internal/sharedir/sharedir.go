// Package sharedir starts per-guest shared-directory file servers.
package sharedir

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/kind"
)

// NoHandle means the guest has no shared directory server.
const NoHandle uint32 = 0

// ID maps for Android data and oem/etc shares. Each entry is
// "inside outside count".
const (
	AndroidDataUIDMap = "0 655360 5000, 5000 600 50, 5050 660410 1994950"
	AndroidDataGIDMap = "0 655360 1065, 1065 20119 1, 1066 656426 3934, 5000 600 50, 5050 660410 1994950"
	AndroidOEMIDMap   = "0 1000 1, 5000 600 50"
)

// Share is one host directory exported to the guest.
type Share struct {
	Tag    string `json:"tag"`
	Source string `json:"source"`
	UIDMap string `json:"uid_map,omitempty"`
	GIDMap string `json:"gid_map,omitempty"`
}

func (s Share) String() string {
	return strings.Join([]string{s.Tag, s.Source, s.UIDMap, s.GIDMap}, ":")
}

// Request describes the server to start for one guest.
type Request struct {
	Kind   kind.Kind
	CID    uint32
	Port   uint32
	Shares []Share
}

// Server is the shared-directory server contract consumed by the core.
type Server interface {
	// Start launches a server and returns its non-zero handle.
	Start(ctx context.Context, req Request) (uint32, error)

	// Stop tears down the server identified by handle.
	Stop(ctx context.Context, handle uint32) error
}

// AndroidShares returns the shares an Android guest receives.
func AndroidShares(dataDir, oemDir string) []Share {
	var shares []Share
	if dataDir != "" {
		shares = append(shares, Share{
			Tag:    "androiddata",
			Source: dataDir,
			UIDMap: AndroidDataUIDMap,
			GIDMap: AndroidDataGIDMap,
		})
	}
	if oemDir != "" {
		shares = append(shares, Share{
			Tag:    "oem",
			Source: oemDir,
			UIDMap: AndroidOEMIDMap,
			GIDMap: AndroidOEMIDMap,
		})
	}
	return shares
}

// Proxy is one guest's running server.
type Proxy struct {
	srv    Server
	handle uint32
	port   uint32
}

// Start launches a server for the guest. A nil srv yields a proxy with
// NoHandle, which is valid for guests without shared directories.
func Start(ctx context.Context, srv Server, req Request) (*Proxy, error) {
	p := &Proxy{srv: srv, port: req.Port}
	if srv == nil {
		return p, nil
	}
	handle, err := srv.Start(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("start shared directory server: %w", err)
	}
	if handle == NoHandle {
		return nil, fmt.Errorf("shared directory server returned an empty handle")
	}
	p.handle = handle
	log.G(ctx).WithFields(log.Fields{
		"cid":    req.CID,
		"handle": handle,
		"port":   req.Port,
	}).Debug("shared directory server started")
	return p, nil
}

// Handle returns the server handle, NoHandle when none.
func (p *Proxy) Handle() uint32 { return p.handle }

// Port returns the port the server was started with.
func (p *Proxy) Port() uint32 { return p.port }

// Stop tears the server down. Safe to call repeatedly.
func (p *Proxy) Stop(ctx context.Context) error {
	if p == nil || p.handle == NoHandle {
		return nil
	}
	handle := p.handle
	p.handle = NoHandle
	if err := p.srv.Stop(ctx, handle); err != nil {
		return fmt.Errorf("stop shared directory server %d: %w", handle, err)
	}
	return nil
}
