package hypervisor

import "os"

// LaunchRequest describes one hypervisor process.
type LaunchRequest struct {
	// Args is the argv without the binary, as returned by Command.
	Args []string
	// ExtraFiles are inherited starting at fd 3 (TAP devices).
	ExtraFiles []*os.File
	// Cgroup is the cpu group the process starts in; empty skips placement.
	Cgroup string
	// ConsoleFIFO, when set, receives the process stdout and stderr which
	// are relayed to the daemon log.
	ConsoleFIFO string
}
