package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/kind"
)

func TestEncodeName_NoSeparators(t *testing.T) {
	names := []string{"termina", "../../etc/passwd", "a/b/c", "with space", "ünïcode"}
	for _, n := range names {
		enc := EncodeName(n)
		assert.NotContains(t, enc, "/", "encoded %q", n)

		dec, err := DecodeName(enc)
		require.NoError(t, err)
		assert.Equal(t, n, dec)
	}

	_, err := DecodeName("%%%")
	assert.Error(t, err)
}

func TestLayout(t *testing.T) {
	cfg := config.PathsConfig{UserRoot: "/home/root", StateDir: "/var/lib/concierge"}
	enc := EncodeName("termina")

	assert.Equal(t, "/home/root/cafef00d/crosvm/"+enc+".img", ImagePath(cfg, "cafef00d", kind.Container, "termina"))
	assert.Equal(t, "/home/root/cafef00d/arcvm/"+EncodeName("arc")+".pstore", PstorePath(cfg, "cafef00d", "arc"))
	assert.Equal(t, "/home/root/cafef00d/pvm/"+EncodeName("pvm")+".iso", ISOPath(cfg, "cafef00d", "pvm"))
	assert.Equal(t, "/var/lib/concierge/cids", CIDLockDir(cfg))
	assert.Equal(t, "/var/lib/concierge/concierge.db", RecordDB(cfg))

	cfg.CIDLockDir = "/run/cids"
	assert.Equal(t, "/run/cids", CIDLockDir(cfg))
}

func TestSocketName(t *testing.T) {
	assert.Equal(t, "crosvm.sock", SocketName(kind.Container))
	assert.Equal(t, "arcvm.sock", SocketName(kind.Android))
	assert.True(t, strings.HasSuffix(SocketName(kind.Plugin), ".sock"))
}

func TestListImages(t *testing.T) {
	cfg := config.PathsConfig{UserRoot: t.TempDir()}

	img := ImagePath(cfg, "cafef00d", kind.Container, "termina")
	require.NoError(t, os.MkdirAll(filepath.Dir(img), 0750))
	require.NoError(t, os.WriteFile(img, make([]byte, 4096), 0600))

	dirImg := ImagePath(cfg, "cafef00d", kind.Plugin, "windows")
	require.NoError(t, os.MkdirAll(dirImg, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(dirImg, "disk"), make([]byte, 100), 0600))

	// Not an image, and an undecodable name.
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(img), "notes.txt"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(img), "%%%.img"), nil, 0600))

	images, err := ListImages(cfg, "cafef00d")
	require.NoError(t, err)
	require.Len(t, images, 2)

	byName := map[string]Image{}
	for _, i := range images {
		byName[i.Name] = i
	}
	assert.Equal(t, int64(4096), byName["termina"].Size)
	assert.Equal(t, kind.Container, byName["termina"].Kind)
	assert.Equal(t, int64(100), byName["windows"].Size)
	assert.Equal(t, kind.Plugin, byName["windows"].Kind)

	none, err := ListImages(cfg, "00")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFileExists_ResolvesSymlinks(t *testing.T) {
	tmpDir := t.TempDir()

	realFile := filepath.Join(tmpDir, "realfile")
	require.NoError(t, os.WriteFile(realFile, []byte("test"), 0644))
	link := filepath.Join(tmpDir, "linkfile")
	require.NoError(t, os.Symlink(realFile, link))
	broken := filepath.Join(tmpDir, "broken")
	require.NoError(t, os.Symlink(filepath.Join(tmpDir, "nope"), broken))

	assert.True(t, FileExists(realFile))
	assert.True(t, FileExists(link))
	assert.False(t, FileExists(broken))
	assert.False(t, FileExists(tmpDir))
	assert.True(t, Exists(tmpDir))
}
