package childexit

import (
	"context"

	"github.com/containerd/containerd/v2/pkg/sys/reaper"
	"github.com/containerd/log"
)

// Feed forwards every exit published by the process reaper to c until ctx
// is done. The daemon's SIGCHLD handler calls reaper.Reap.
func Feed(ctx context.Context, c *Coordinator) {
	exits := reaper.Default.Subscribe()
	defer reaper.Default.Unsubscribe(exits)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-exits:
			if !ok {
				return
			}
			log.G(ctx).WithField("pid", e.Pid).WithField("status", e.Status).Debug("child exited")
			c.Received(e.Pid)
		}
	}
}
