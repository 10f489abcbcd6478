//go:build !linux

package hypervisor

import "runtime"

// HostCPUs returns the number of CPUs available to the daemon.
func HostCPUs() int {
	return runtime.NumCPU()
}

// DefaultMemoryMiB is a fixed fallback where host memory is not queried.
func DefaultMemoryMiB() int {
	return 1024
}
