//go:build linux

package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/network/cni"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

// cniManager runs the CNI plugin chain once per guest inside a dedicated
// network namespace named after the context ID.
type cniManager struct {
	cni     *cni.Manager
	metrics *Metrics

	mu      sync.Mutex
	results map[uint32]*Info
}

// NewCNI creates the CNI provider.
func NewCNI(cfg config.NetworkConfig) (Manager, error) {
	m, err := cni.NewManager(cfg.CNIConfDir, cfg.CNIBinDir)
	if err != nil {
		return nil, fmt.Errorf("create CNI manager: %w", err)
	}
	return &cniManager{
		cni:     m,
		metrics: &Metrics{},
		results: make(map[uint32]*Info),
	}, nil
}

func netnsID(cid uint32) string {
	return fmt.Sprintf("concierge-%d", cid)
}

func (m *cniManager) Close() error { return nil }

func (m *cniManager) Metrics() *Metrics { return m.metrics }

func (m *cniManager) NotifyStartup(ctx context.Context, k kind.Kind, cid uint32) (_ *Info, retErr error) {
	start := time.Now()
	defer func() { m.metrics.RecordStartup(retErr == nil, time.Since(start)) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.results[cid]; ok {
		return info, nil
	}

	id := netnsID(cid)
	nsPath, err := cni.CreateNetNS(id)
	if err != nil {
		return nil, fmt.Errorf("create netns for CNI: %w", err)
	}

	res, err := m.cni.Setup(ctx, id, nsPath)
	if err != nil {
		if errors.Is(err, cni.ErrResourceConflict) {
			m.metrics.RecordConflict()
			log.G(ctx).WithError(err).WithField("cid", cid).Warn("CNI conflict, cleaning up leftovers")
			_ = m.cni.Teardown(ctx, id, nsPath)
		}
		_ = cni.DeleteNetNS(id)
		if errors.Is(err, cni.ErrIPAMExhausted) {
			return nil, vmerrors.Wrap(vmerrors.ResourceExhausted, "no guest addresses available", err)
		}
		return nil, fmt.Errorf("setup CNI network: %w", err)
	}

	info := &Info{
		IfName:  res.TAP,
		MAC:     res.MAC,
		IPv4:    res.IP,
		Gateway: res.Gateway,
		Netmask: res.Netmask,
		NetNS:   nsPath,
	}
	m.results[cid] = info

	log.G(ctx).WithFields(log.Fields{
		"cid":     cid,
		"kind":    k.String(),
		"tap":     info.IfName,
		"ip":      info.IPv4.String(),
		"gateway": info.Gateway.String(),
	}).Info("CNI network configured")
	return info, nil
}

func (m *cniManager) NotifyShutdown(ctx context.Context, cid uint32) error {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	id := netnsID(cid)
	_, known := m.results[cid]
	delete(m.results, cid)

	nsPath := cni.NetNSPath(id)
	if !cni.NetNSExists(id) {
		if !known {
			return nil
		}
		// Teardown without a namespace still lets IPAM release the address.
		nsPath = ""
	}

	var errs []error
	if err := m.cni.Teardown(ctx, id, nsPath); err != nil {
		errs = append(errs, err)
	}
	if err := cni.DeleteNetNS(id); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	m.metrics.RecordShutdown(err == nil, time.Since(start))
	if err != nil {
		return err
	}

	log.G(ctx).WithField("cid", cid).Info("CNI network released")
	return nil
}
