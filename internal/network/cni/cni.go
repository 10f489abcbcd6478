//go:build linux

// Package cni runs CNI plugin chains to provide guest TAP devices.
package cni

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/log"
	"github.com/containernetworking/cni/libcni"
	current "github.com/containernetworking/cni/pkg/types/100"
)

const ifName = "eth0"

// Manager executes the first CNI network configuration found in confDir.
type Manager struct {
	confDir string
	cni     libcni.CNI

	mu      sync.RWMutex
	netConf *libcni.NetworkConfigList
}

// NewManager loads the network configuration and prepares the plugin
// executor.
func NewManager(confDir, binDir string) (*Manager, error) {
	if confDir == "" || binDir == "" {
		return nil, fmt.Errorf("CNI conf and bin directories are required")
	}
	m := &Manager{
		confDir: confDir,
		cni:     libcni.NewCNIConfig([]string{binDir}, nil),
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the network configuration from disk.
func (m *Manager) Reload() error {
	files, err := libcni.ConfFiles(m.confDir, []string{".conflist", ".conf"})
	if err != nil {
		return fmt.Errorf("read CNI config files from %s: %w", m.confDir, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no CNI configuration files found in %s", m.confDir)
	}
	// Lexicographic order: 10-foo.conflist wins over 20-bar.conflist.
	netConf, err := libcni.ConfListFromFile(files[0])
	if err != nil {
		return fmt.Errorf("load CNI config %s: %w", files[0], err)
	}

	m.mu.Lock()
	m.netConf = netConf
	m.mu.Unlock()

	log.L.WithFields(log.Fields{
		"config": files[0],
		"name":   netConf.Name,
	}).Info("CNI configuration loaded")
	return nil
}

func (m *Manager) config() *libcni.NetworkConfigList {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.netConf
}

// Setup runs ADD for id inside netnsPath and returns the TAP it created.
func (m *Manager) Setup(ctx context.Context, id, netnsPath string) (*Result, error) {
	conf := m.config()
	rt := &libcni.RuntimeConf{ContainerID: id, NetNS: netnsPath, IfName: ifName}

	raw, err := m.cni.AddNetworkList(ctx, conf, rt)
	if err != nil {
		return nil, Classify(ctx, "ADD", conf.Name, err)
	}
	res, err := current.NewResultFromResult(raw)
	if err != nil {
		_ = m.cni.DelNetworkList(ctx, conf, rt)
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	parsed, err := Parse(res, netnsPath)
	if err != nil {
		if delErr := m.cni.DelNetworkList(ctx, conf, rt); delErr != nil {
			log.G(ctx).WithError(delErr).WithField("id", id).Warn("failed to teardown CNI after parse failure")
		}
		return nil, err
	}
	return parsed, nil
}

// Teardown runs DEL for id. An empty netnsPath still lets IPAM plugins
// release their allocations.
func (m *Manager) Teardown(ctx context.Context, id, netnsPath string) error {
	conf := m.config()
	rt := &libcni.RuntimeConf{ContainerID: id, NetNS: netnsPath, IfName: ifName}
	if err := m.cni.DelNetworkList(ctx, conf, rt); err != nil {
		return Classify(ctx, "DEL", conf.Name, err)
	}
	return nil
}
