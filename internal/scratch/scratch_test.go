package scratch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

func TestNew(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "vm")

	d, err := New(parent, kind.Container)
	require.NoError(t, err)

	info, err := os.Stat(d.Path())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	assert.True(t, strings.HasPrefix(filepath.Base(d.Path()), "vm."))
	assert.Equal(t, filepath.Join(d.Path(), "crosvm.sock"), d.ControlSocket())
	assert.Equal(t, filepath.Join(d.Path(), "x"), d.File("../x"))

	other, err := New(parent, kind.Android)
	require.NoError(t, err)
	assert.NotEqual(t, d.Path(), other.Path())
	assert.Equal(t, filepath.Join(other.Path(), "arcvm.sock"), other.ControlSocket())
}

func TestRemove(t *testing.T) {
	d, err := New(t.TempDir(), kind.Container)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(d.PstorePath(), []byte("x"), 0o600))

	require.NoError(t, d.Remove())
	_, err = os.Stat(d.Path())
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	assert.NoError(t, d.Remove())
}

func TestNew_UnwritableParent(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(parent, nil, 0o600))

	_, err := New(parent, kind.Container)
	require.Error(t, err)
	assert.True(t, vmerrors.Is(err, vmerrors.IOError))
}
