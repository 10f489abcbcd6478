package vm

import (
	"fmt"
	"net"
	"time"

	"github.com/spin-stack/concierge/internal/kind"
)

// State is the lifecycle position of a guest.
type State int

const (
	Starting State = iota
	Running
	Suspended
	Stopping
	Gone
)

var stateNames = [...]string{
	Starting:  "starting",
	Running:   "running",
	Suspended: "suspended",
	Stopping:  "stopping",
	Gone:      "gone",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown vm state %q", b)
}

// ResizeKind is the direction of a disk resize in flight.
type ResizeKind int

const (
	ResizeNone ResizeKind = iota
	ResizeExpand
	ResizeShrink
)

// ResizeStatus is the last observed outcome of a disk resize.
type ResizeStatus int

const (
	ResizeStatusNone ResizeStatus = iota
	ResizeInProgress
	ResizeResized
	ResizeFailed
)

var resizeStatusNames = [...]string{
	ResizeStatusNone: "none",
	ResizeInProgress: "in_progress",
	ResizeResized:    "resized",
	ResizeFailed:     "failed",
}

func (s ResizeStatus) String() string {
	if s < 0 || int(s) >= len(resizeStatusNames) {
		return fmt.Sprintf("ResizeStatus(%d)", int(s))
	}
	return resizeStatusNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s ResizeStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ResizeRecord is the progress of the current or last disk resize.
type ResizeRecord struct {
	Kind          ResizeKind   `json:"-"`
	Target        uint64       `json:"target_size"`
	Status        ResizeStatus `json:"status"`
	FailureReason string       `json:"failure_reason,omitempty"`
}

// Info is a snapshot of a guest.
type Info struct {
	Owner string    `json:"owner"`
	Name  string    `json:"name"`
	Kind  kind.Kind `json:"kind"`
	State State     `json:"state"`

	CID uint32 `json:"cid"`
	PID int    `json:"pid"`

	IfName          string     `json:"if_name,omitempty"`
	IPv4            net.IP     `json:"ipv4,omitempty"`
	Gateway         net.IP     `json:"gateway,omitempty"`
	Netmask         net.IP     `json:"netmask,omitempty"`
	ContainerSubnet *net.IPNet `json:"container_subnet,omitempty"`

	SharedDirHandle uint32 `json:"shared_dir_handle"`
	SharedDirPort   uint32 `json:"shared_dir_port,omitempty"`

	ScratchDir    string `json:"scratch_dir,omitempty"`
	ControlSocket string `json:"control_socket,omitempty"`
	KernelVersion string `json:"kernel_version,omitempty"`

	StartedAt time.Time `json:"started_at"`
}
