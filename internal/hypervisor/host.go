//go:build linux

package hypervisor

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// HostCPUs returns the number of CPUs available to the daemon.
func HostCPUs() int {
	return runtime.NumCPU()
}

// DefaultMemoryMiB is three quarters of host memory, in MiB.
func DefaultMemoryMiB() int {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 1024
	}
	total := uint64(info.Totalram) * uint64(info.Unit)
	return int(total / (1 << 20) * 3 / 4)
}
