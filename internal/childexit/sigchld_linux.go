//go:build linux

package childexit

import (
	"context"
	"os"
	"os/signal"

	"github.com/containerd/containerd/v2/pkg/sys/reaper"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// ReapChildren reaps exited children on every SIGCHLD until ctx is done.
// Exits are published to reaper.Default subscribers.
func ReapChildren(ctx context.Context) {
	signals := make(chan os.Signal, 32)
	signal.Notify(signals, unix.SIGCHLD)
	defer signal.Stop(signals)

	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			if err := reaper.Reap(); err != nil {
				log.G(ctx).WithError(err).Error("reap exit status")
			}
		}
	}
}
