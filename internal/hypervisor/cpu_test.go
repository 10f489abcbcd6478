package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/kind"
)

func TestCPURestriction(t *testing.T) {
	r, err := ParseCPURestriction("Background")
	require.NoError(t, err)
	assert.Equal(t, Background, r)
	assert.Equal(t, uint64(64), r.Shares())
	assert.Equal(t, uint64(1024), Foreground.Shares())

	_, err = ParseCPURestriction("idle")
	assert.Error(t, err)
}

func TestCgroupFor(t *testing.T) {
	cfg := config.DefaultConfig().Cgroups
	assert.Equal(t, "vms/termina", CgroupFor(cfg, kind.Container))
	assert.Equal(t, "vms/arc", CgroupFor(cfg, kind.Android))
	assert.Equal(t, "vms/plugin", CgroupFor(cfg, kind.Plugin))

	cfg.Disabled = true
	assert.Empty(t, CgroupFor(cfg, kind.Container))
}
