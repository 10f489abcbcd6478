//go:build linux

package sharedir

import (
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/concierge/internal/kind"
)

func TestProcessServer_Args(t *testing.T) {
	s := NewProcessServer("/usr/bin/fs-server", []string{"--verbose"})
	args := s.Args(Request{
		Kind:   kind.Android,
		CID:    9,
		Port:   32770,
		Shares: []Share{{Tag: "t", Source: "/s"}},
	})
	assert.Equal(t, []string{
		"--verbose",
		"--kind", "android",
		"--cid", "9",
		"--port", "32770",
		"--share", "t:/s::",
	}, args)
}

func TestProcessServer_StartStop(t *testing.T) {
	// Extra flags land in the positional parameters of the script.
	s := NewProcessServer("/bin/sh", []string{"-c", "exec sleep 30", "fs"})

	h1, err := s.Start(t.Context(), Request{Kind: kind.Container, CID: 3, Port: 1})
	require.NoError(t, err)
	h2, err := s.Start(t.Context(), Request{Kind: kind.Container, CID: 4, Port: 2})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), h1)
	assert.Equal(t, uint32(2), h2)
	assert.Equal(t, 2, s.Running())

	start := time.Now()
	require.NoError(t, s.Stop(t.Context(), h1))
	require.NoError(t, s.Stop(t.Context(), h2))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 0, s.Running())

	assert.True(t, errdefs.IsNotFound(s.Stop(t.Context(), h1)))
}
