package hypervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spin-stack/concierge/internal/vmerrors"
)

// USBAttach identifies a host USB device to pass through. Device is an
// open handle on the device node; it is inherited by the control command.
type USBAttach struct {
	Bus       uint8
	Addr      uint8
	VendorID  uint16
	ProductID uint16
	Device    *os.File
}

// USBDevice is one attached device as reported by the hypervisor.
type USBDevice struct {
	Port      uint8  `json:"port"`
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
}

func (a USBAttach) arg() string {
	return fmt.Sprintf("%d:%d:%x:%x", a.Bus, a.Addr, a.VendorID, a.ProductID)
}

var usbFailures = map[string]string{
	"no_available_port":          "no available USB port",
	"no_such_device":             "no such USB device",
	"no_such_port":               "no such USB port",
	"failed_to_open_device":      "failed to open USB device",
	"failed_to_init_host_device": "failed to initialize USB device",
}

// parseUSBPort parses an "ok <port>" reply.
func parseUSBPort(out string) (uint8, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, vmerrors.New(vmerrors.Transport, "empty USB control reply")
	}
	if reason, ok := usbFailures[fields[0]]; ok {
		return 0, vmerrors.New(vmerrors.HypervisorRejected, reason)
	}
	if fields[0] != "ok" || len(fields) != 2 {
		return 0, vmerrors.Newf(vmerrors.HypervisorRejected, "unexpected USB control reply %q", fields[0])
	}
	port, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return 0, vmerrors.Wrap(vmerrors.HypervisorRejected, "malformed USB port", err)
	}
	return uint8(port), nil
}

// parseUSBList parses a "devices [<port> <vid> <pid>]..." reply. Vendor
// and product ids are hex.
func parseUSBList(out string) ([]USBDevice, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return nil, vmerrors.New(vmerrors.Transport, "empty USB control reply")
	}
	if reason, ok := usbFailures[fields[0]]; ok {
		return nil, vmerrors.New(vmerrors.HypervisorRejected, reason)
	}
	if fields[0] != "devices" || (len(fields)-1)%3 != 0 {
		return nil, vmerrors.New(vmerrors.HypervisorRejected, "unexpected USB list reply")
	}

	devices := make([]USBDevice, 0, (len(fields)-1)/3)
	for i := 1; i < len(fields); i += 3 {
		port, err := strconv.ParseUint(fields[i], 10, 8)
		if err != nil {
			return nil, vmerrors.Wrap(vmerrors.HypervisorRejected, "malformed USB port", err)
		}
		vid, err := strconv.ParseUint(fields[i+1], 16, 16)
		if err != nil {
			return nil, vmerrors.Wrap(vmerrors.HypervisorRejected, "malformed USB vendor id", err)
		}
		pid, err := strconv.ParseUint(fields[i+2], 16, 16)
		if err != nil {
			return nil, vmerrors.Wrap(vmerrors.HypervisorRejected, "malformed USB product id", err)
		}
		// Port 0 marks an empty slot.
		if port == 0 {
			continue
		}
		devices = append(devices, USBDevice{Port: uint8(port), VendorID: uint16(vid), ProductID: uint16(pid)})
	}
	return devices, nil
}
