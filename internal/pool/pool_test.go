package pool

import (
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCIDPool(t *testing.T) {
	tests := []struct {
		name    string
		min     uint32
		max     uint32
		wantErr bool
	}{
		{name: "standard range", min: 3, max: 100},
		{name: "single cid", min: 50, max: 50},
		{name: "reserved zero", min: 0, max: 10, wantErr: true},
		{name: "inverted", min: 10, max: 5, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCIDPool(t.TempDir(), tt.min, tt.max)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewCIDPool() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCIDPool_AllocateRelease(t *testing.T) {
	p, err := NewCIDPool(t.TempDir(), 3, 5)
	require.NoError(t, err)

	var got []uint32
	for range 3 {
		cid, err := p.Allocate("cafef00d", "vm")
		require.NoError(t, err)
		got = append(got, cid)
	}
	assert.Equal(t, []uint32{3, 4, 5}, got)
	assert.Equal(t, 3, p.Len())

	_, err = p.Allocate("cafef00d", "extra")
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))

	p.Release(4)
	assert.False(t, p.Allocated(4))

	cid, err := p.Allocate("cafef00d", "again")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), cid)
}

func TestCIDPool_ReleaseUnallocated(t *testing.T) {
	p, err := NewCIDPool(t.TempDir(), 3, 10)
	require.NoError(t, err)

	p.Release(7)
	assert.Equal(t, 0, p.Len())
}

func TestCIDPool_SharedLockDir(t *testing.T) {
	dir := t.TempDir()
	a, err := NewCIDPool(dir, 3, 4)
	require.NoError(t, err)
	b, err := NewCIDPool(dir, 3, 4)
	require.NoError(t, err)

	cidA, err := a.Allocate("aa", "x")
	require.NoError(t, err)
	cidB, err := b.Allocate("bb", "y")
	require.NoError(t, err)
	assert.NotEqual(t, cidA, cidB)

	_, err = b.Allocate("bb", "z")
	assert.Error(t, err)

	a.Release(cidA)
	cid, err := b.Allocate("bb", "z")
	require.NoError(t, err)
	assert.Equal(t, cidA, cid)
}

func TestCIDPool_Concurrent(t *testing.T) {
	p, err := NewCIDPool(t.TempDir(), 3, 50)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uint32]bool{}
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cid, err := p.Allocate("cafef00d", "vm")
			if err != nil {
				t.Errorf("Allocate() error = %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[cid] {
				t.Errorf("cid %d allocated twice", cid)
			}
			seen[cid] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}

func TestPortPool_Monotonic(t *testing.T) {
	p := NewPortPool(32768, 32770)

	for _, want := range []uint32{32768, 32769, 32770} {
		port, err := p.Allocate()
		require.NoError(t, err)
		assert.Equal(t, want, port)
	}

	_, err := p.Allocate()
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))
}

func TestPortPool_MaxUint32(t *testing.T) {
	p := NewPortPool(1<<32-2, 1<<32-1)

	a, err := p.Allocate()
	require.NoError(t, err)
	b, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<32-2), a)
	assert.Equal(t, uint32(1<<32-1), b)

	_, err = p.Allocate()
	assert.Error(t, err)
}
