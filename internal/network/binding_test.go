package network

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

func TestBind_Success(t *testing.T) {
	svc := &fakeService{info: testInfo()}
	tap, err := os.CreateTemp(t.TempDir(), "tap")
	require.NoError(t, err)

	b, err := Bind(t.Context(), svc, kind.Container, 7, func(context.Context, *Info) (*os.File, error) {
		return tap, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "100.115.92.26", b.Info().IPv4.String())
	assert.Equal(t, "255.255.255.252", b.Info().Netmask.String())
	assert.Equal(t, tap, b.TAP())

	require.NoError(t, b.Release(t.Context()))
	require.NoError(t, b.Release(t.Context()))
	assert.Equal(t, []uint32{7}, svc.shutdowns)
}

func TestBind_StartupFailureReleasesOnce(t *testing.T) {
	tests := []struct {
		name string
		svc  *fakeService
	}{
		{"error", &fakeService{err: errors.New("service down")}},
		{"no interface", &fakeService{info: &Info{}}},
		{"no address", &fakeService{info: &Info{IfName: "vmtap0", IPv4: net.IPv4zero}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Bind(t.Context(), tt.svc, kind.Container, 9, nil)
			require.Error(t, err)
			assert.True(t, vmerrors.Is(err, vmerrors.NoNetwork))
			assert.True(t, errdefs.IsUnavailable(err))
			assert.Equal(t, []uint32{9}, tt.svc.shutdowns)
		})
	}
}

func TestBind_TAPOpenFailure(t *testing.T) {
	svc := &fakeService{info: testInfo()}

	_, err := Bind(t.Context(), svc, kind.Android, 11, func(context.Context, *Info) (*os.File, error) {
		return nil, errors.New("EBUSY")
	})
	require.Error(t, err)
	assert.True(t, vmerrors.Is(err, vmerrors.NoNetwork))
	assert.Equal(t, []uint32{11}, svc.startups)
	assert.Equal(t, []uint32{11}, svc.shutdowns)
}

func TestInfo_ContainerAddr(t *testing.T) {
	info := testInfo()
	assert.Nil(t, info.ContainerAddr())

	_, subnet, _ := net.ParseCIDR("100.115.93.16/28")
	info.ContainerSubnet = subnet
	assert.Equal(t, "100.115.93.17", info.ContainerAddr().String())
}
