//go:build !linux

package network

import (
	"context"
	"fmt"
	"os"

	"github.com/spin-stack/concierge/internal/config"
)

// NewCNI is only available on Linux.
func NewCNI(config.NetworkConfig) (Manager, error) {
	return nil, fmt.Errorf("cni provider is not supported on this platform")
}

// OpenTAP is only available on Linux.
func OpenTAP(context.Context, *Info) (*os.File, error) {
	return nil, fmt.Errorf("TAP devices are not supported on this platform")
}
