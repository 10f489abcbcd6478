package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/concierge/internal/vmerrors"
)

func TestDiskIndex(t *testing.T) {
	tests := []struct {
		device string
		want   int
	}{
		{"/dev/vda", 0},
		{"/dev/vdb", 1},
		{"/dev/vdz", 25},
	}
	for _, tt := range tests {
		t.Run(tt.device, func(t *testing.T) {
			got, err := DiskIndex(tt.device)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiskIndex_Invalid(t *testing.T) {
	for _, device := range []string{"", "/dev/vd", "/dev/vdaa", "/dev/sda", "/dev/vdA", "/dev/vd1", "vda"} {
		t.Run(device, func(t *testing.T) {
			_, err := DiskIndex(device)
			require.Error(t, err)
			assert.True(t, vmerrors.Is(err, vmerrors.InvalidDisk))
		})
	}
}
