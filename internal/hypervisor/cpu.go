package hypervisor

import (
	"fmt"
	"strings"

	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/kind"
)

// CPURestriction is the scheduling priority of a kind's cpu group.
type CPURestriction int

const (
	Foreground CPURestriction = iota
	Background
)

const (
	ForegroundShares = 1024
	BackgroundShares = 64
)

// Shares returns the cpu.shares value for r.
func (r CPURestriction) Shares() uint64 {
	if r == Background {
		return BackgroundShares
	}
	return ForegroundShares
}

func (r CPURestriction) String() string {
	if r == Background {
		return "background"
	}
	return "foreground"
}

// ParseCPURestriction parses "foreground" or "background".
func ParseCPURestriction(s string) (CPURestriction, error) {
	switch strings.ToLower(s) {
	case "foreground":
		return Foreground, nil
	case "background":
		return Background, nil
	}
	return Foreground, fmt.Errorf("unknown cpu restriction %q", s)
}

// CgroupFor returns the cpu group hypervisors of kind k are placed in.
func CgroupFor(cfg config.CgroupsConfig, k kind.Kind) string {
	if cfg.Disabled {
		return ""
	}
	switch k {
	case kind.Android:
		return cfg.Android
	case kind.Plugin:
		return cfg.Plugin
	default:
		return cfg.Container
	}
}
