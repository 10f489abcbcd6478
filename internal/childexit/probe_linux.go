package childexit

import (
	"errors"

	"golang.org/x/sys/unix"
)

// waitProbe checks for an exited child without reaping it. A pid that is
// not our child (already reaped, or never ours) counts as exited.
func waitProbe(pid int) bool {
	var info unix.Siginfo
	err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
	if err != nil {
		return errors.Is(err, unix.ECHILD)
	}
	return info.Signo == int32(unix.SIGCHLD)
}
