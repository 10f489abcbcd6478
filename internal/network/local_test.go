package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/kind"
)

func localConfig() config.NetworkConfig {
	return config.DefaultConfig().Network
}

func TestLocal_StartupShutdown(t *testing.T) {
	links := newFakeLinks()
	m, err := NewLocal(localConfig(), links)
	require.NoError(t, err)

	info, err := m.NotifyStartup(t.Context(), kind.Container, 3)
	require.NoError(t, err)
	assert.Equal(t, "vmtap0", info.IfName)
	assert.Equal(t, "100.115.92.2", info.IPv4.String())
	assert.Equal(t, "100.115.92.1", info.Gateway.String())
	assert.Equal(t, "255.255.255.252", info.Netmask.String())
	require.NotNil(t, info.ContainerSubnet)
	assert.Equal(t, "100.115.93.0/28", info.ContainerSubnet.String())
	assert.Equal(t, []string{"100.115.92.1/30"}, links.addrs["vmtap0"])
	require.Len(t, links.routes, 1)
	assert.Equal(t, "100.115.92.2", links.routes[0].Gw.String())

	// Repeated startup for the same cid returns the same lease.
	again, err := m.NotifyStartup(t.Context(), kind.Container, 3)
	require.NoError(t, err)
	assert.Same(t, info, again)

	android, err := m.NotifyStartup(t.Context(), kind.Android, 4)
	require.NoError(t, err)
	assert.Equal(t, "vmtap1", android.IfName)
	assert.Equal(t, "100.115.92.6", android.IPv4.String())
	assert.Nil(t, android.ContainerSubnet)

	require.NoError(t, m.NotifyShutdown(t.Context(), 3))
	assert.NotContains(t, links.links, "vmtap0")

	// Unknown cids are tolerated.
	require.NoError(t, m.NotifyShutdown(t.Context(), 3))

	// Released subnet is reused.
	reused, err := m.NotifyStartup(t.Context(), kind.Plugin, 5)
	require.NoError(t, err)
	assert.Equal(t, "vmtap0", reused.IfName)

	snap := m.Metrics().Snapshot()
	assert.Equal(t, int64(4), snap.StartupAttempts)
	assert.Equal(t, int64(1), snap.ShutdownAttempts)
}

func TestLocal_FailureRollsBack(t *testing.T) {
	links := newFakeLinks()
	links.failAddr = true
	m, err := NewLocal(localConfig(), links)
	require.NoError(t, err)

	_, err = m.NotifyStartup(t.Context(), kind.Container, 3)
	require.Error(t, err)
	assert.Empty(t, links.links)

	lm := m.(*localManager)
	assert.Equal(t, 0, lm.guest.inUse())
	assert.Equal(t, 0, lm.container.inUse())
	assert.Equal(t, int64(1), m.Metrics().Snapshot().StartupFailures)
}

func TestSubnetPool(t *testing.T) {
	p, err := newSubnetPool("10.0.0.0/29", 30)
	require.NoError(t, err)

	a, ia, err := p.allocate()
	require.NoError(t, err)
	b, ib, err := p.allocate()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/30", a.String())
	assert.Equal(t, "10.0.0.4/30", b.String())

	_, _, err = p.allocate()
	assert.Error(t, err)

	p.release(ia)
	c, _, err := p.allocate()
	require.NoError(t, err)
	assert.Equal(t, a.String(), c.String())
	p.release(ib)
	p.release(-1)

	_, err = newSubnetPool("10.0.0.0/29", 24)
	assert.Error(t, err)
	_, err = newSubnetPool("fd00::/64", 30)
	assert.Error(t, err)
}
