// Package scratch manages the private runtime directory each guest owns
// while it is alive.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/containerd/log"

	"github.com/spin-stack/concierge/internal/kind"
	"github.com/spin-stack/concierge/internal/paths"
	"github.com/spin-stack/concierge/internal/vmerrors"
)

const (
	dirPattern  = "vm."
	consoleFIFO = "console.fifo"
	pstoreFile  = "pstore"
)

// Dir is one guest's scratch directory.
type Dir struct {
	path string
	kind kind.Kind

	once sync.Once
	err  error
}

// New creates a fresh vm.<random> directory under parent with mode 0700.
// The parent is created if missing.
func New(parent string, k kind.Kind) (*Dir, error) {
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, vmerrors.Wrap(vmerrors.IOError, "failed to create runtime directory", err)
	}
	path, err := os.MkdirTemp(parent, dirPattern)
	if err != nil {
		return nil, vmerrors.Wrap(vmerrors.IOError, "failed to create runtime directory", err)
	}
	// MkdirTemp honours umask; the directory must be private regardless.
	if err := os.Chmod(path, 0o700); err != nil {
		_ = os.RemoveAll(path)
		return nil, vmerrors.Wrap(vmerrors.IOError, "failed to create runtime directory", err)
	}
	return &Dir{path: path, kind: k}, nil
}

// Open adopts an existing scratch directory, used when reconciling
// records left by a previous daemon instance.
func Open(path string, k kind.Kind) *Dir {
	return &Dir{path: path, kind: k}
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// ControlSocket returns the hypervisor control socket path.
func (d *Dir) ControlSocket() string {
	return filepath.Join(d.path, paths.SocketName(d.kind))
}

// ConsoleFIFO returns the path of the FIFO receiving hypervisor output.
func (d *Dir) ConsoleFIFO() string {
	return filepath.Join(d.path, consoleFIFO)
}

// PstorePath returns a transient pstore path for guests without a
// persistent one.
func (d *Dir) PstorePath() string {
	return filepath.Join(d.path, pstoreFile)
}

// File returns an arbitrary file path inside the directory.
func (d *Dir) File(name string) string {
	return filepath.Join(d.path, filepath.Base(name))
}

// Remove unlinks the directory and its contents. Safe to call repeatedly.
func (d *Dir) Remove() error {
	d.once.Do(func() {
		if err := os.RemoveAll(d.path); err != nil {
			d.err = fmt.Errorf("remove scratch %s: %w", d.path, err)
			return
		}
		log.L.WithField("path", d.path).Debug("removed runtime scratch")
	})
	return d.err
}
