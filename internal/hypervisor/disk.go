package hypervisor

import (
	"github.com/spin-stack/concierge/internal/vmerrors"
)

// MaxDiskIndex is the highest index DiskIndex can produce. Only the 26
// single-letter virtio-blk names are supported.
const MaxDiskIndex = 'z' - 'a'

// DiskIndex maps a virtio-blk device name "/dev/vdX" to the zero-based
// index the hypervisor uses for disk commands.
func DiskIndex(device string) (int, error) {
	const prefix = "/dev/vd"
	if len(device) != len(prefix)+1 || device[:len(prefix)] != prefix {
		return -1, vmerrors.Newf(vmerrors.InvalidDisk, "cannot determine disk index of %q", device)
	}
	letter := device[len(prefix)]
	if letter < 'a' || letter > 'z' {
		return -1, vmerrors.Newf(vmerrors.InvalidDisk, "cannot determine disk index of %q", device)
	}
	return int(letter - 'a'), nil
}
