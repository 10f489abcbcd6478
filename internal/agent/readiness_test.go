package agent

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadinessEarlySignal(t *testing.T) {
	r := NewReadiness()
	r.Ready(5)
	r.Ready(5)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx, 5))

	r.Forget(5)
	ctx2, cancel2 := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, r.Wait(ctx2, 5), context.DeadlineExceeded)
}

func TestStartupListener(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "startup.sock")
	l, err := net.Listen("unix", sock)
	require.NoError(t, err)

	r := NewReadiness()
	sl, err := ServeStartup(t.Context(), l, r)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sl.Close(context.Background()) })

	ready := r.Expect(33)
	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	require.NoError(t, AnnounceReady(t.Context(), conn, 33))

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("guest not marked ready")
	}
}

func TestPoweroff(t *testing.T) {
	client, server := net.Pipe()
	got := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(server)
		got <- string(data)
	}()

	dial := func(context.Context) (net.Conn, error) { return client, nil }
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	require.NoError(t, Poweroff(ctx, dial))
	assert.Equal(t, "poweroff", <-got)
}
