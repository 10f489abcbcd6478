//go:build linux

package hypervisor

import (
	"context"
	"os"
	"testing"

	"github.com/spin-stack/concierge/internal/childexit"
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())
	go childexit.ReapChildren(ctx)
	code := m.Run()
	cancel()
	os.Exit(code)
}
