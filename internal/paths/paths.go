// Package paths provides the filesystem layout used by concierge.
// These helpers take configuration as input to avoid global config coupling.
//
// Layout:
//
//	<runtime_dir>/vm.<random>/<kind>.sock   per-guest scratch (see package scratch)
//	<user_root>/<owner>/<kind-subdir>/<encoded-name>.img
//	<user_root>/<owner>/<kind-subdir>/<encoded-name>.pstore   (android)
//	<user_root>/<owner>/<kind-subdir>/<encoded-name>.iso      (plugin)
package paths

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spin-stack/concierge/internal/config"
	"github.com/spin-stack/concierge/internal/kind"
)

const (
	imageExt  = ".img"
	pstoreExt = ".pstore"
	isoExt    = ".iso"

	recordDB = "concierge.db"
)

// EncodeName encodes a guest name so that it contains no path separators.
// Callers use the same encoding for lookup.
func EncodeName(name string) string {
	return base64.URLEncoding.EncodeToString([]byte(name))
}

// DecodeName reverses EncodeName.
func DecodeName(encoded string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode guest name %q: %w", encoded, err)
	}
	return string(b), nil
}

// KindSubdir returns the per-user directory holding a kind's images.
func KindSubdir(k kind.Kind) string {
	switch k {
	case kind.Android:
		return "arcvm"
	case kind.Plugin:
		return "pvm"
	default:
		return "crosvm"
	}
}

// SocketName returns the control socket file name for a kind.
func SocketName(k kind.Kind) string {
	switch k {
	case kind.Android:
		return "arcvm.sock"
	case kind.Plugin:
		return "pluginvm.sock"
	default:
		return "crosvm.sock"
	}
}

// OwnerDir returns the persistent state directory for an owner.
func OwnerDir(pathsCfg config.PathsConfig, owner string) string {
	return filepath.Join(pathsCfg.UserRoot, owner)
}

// KindDir returns the directory holding an owner's images of one kind.
func KindDir(pathsCfg config.PathsConfig, owner string, k kind.Kind) string {
	return filepath.Join(OwnerDir(pathsCfg, owner), KindSubdir(k))
}

// ImagePath returns the primary image (or image directory) of a guest.
func ImagePath(pathsCfg config.PathsConfig, owner string, k kind.Kind, name string) string {
	return filepath.Join(KindDir(pathsCfg, owner, k), EncodeName(name)+imageExt)
}

// PstorePath returns the Android pstore file of a guest.
func PstorePath(pathsCfg config.PathsConfig, owner, name string) string {
	return filepath.Join(KindDir(pathsCfg, owner, kind.Android), EncodeName(name)+pstoreExt)
}

// ISOPath returns the optional plugin install media directory of a guest.
func ISOPath(pathsCfg config.PathsConfig, owner, name string) string {
	return filepath.Join(KindDir(pathsCfg, owner, kind.Plugin), EncodeName(name)+isoExt)
}

// CIDLockDir returns the directory holding per-CID lock files.
func CIDLockDir(pathsCfg config.PathsConfig) string {
	if pathsCfg.CIDLockDir != "" {
		return pathsCfg.CIDLockDir
	}
	return filepath.Join(pathsCfg.StateDir, "cids")
}

// RecordDB returns the bolt database storing live guest records.
func RecordDB(pathsCfg config.PathsConfig) string {
	return filepath.Join(pathsCfg.StateDir, recordDB)
}

// Image describes one image found under an owner's directory.
type Image struct {
	Name string
	Kind kind.Kind
	Path string
	Size int64
}

// ListImages returns the images stored for an owner across all kinds.
// Entries whose names do not decode are skipped.
func ListImages(pathsCfg config.PathsConfig, owner string) ([]Image, error) {
	var images []Image
	for _, k := range []kind.Kind{kind.Container, kind.Android, kind.Plugin} {
		dir := KindDir(pathsCfg, owner, k)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}
		for _, e := range entries {
			encoded, ok := strings.CutSuffix(e.Name(), imageExt)
			if !ok {
				continue
			}
			name, err := DecodeName(encoded)
			if err != nil {
				continue
			}
			path := filepath.Join(dir, e.Name())
			images = append(images, Image{
				Name: name,
				Kind: k,
				Path: path,
				Size: diskUsage(path),
			})
		}
	}
	return images, nil
}

// diskUsage returns the apparent size of a file, or the sum of the regular
// files below a directory image.
func diskUsage(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}

// FileExists checks if a file exists and is a regular file.
// Uses os.Stat to follow symlinks.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Exists reports whether anything exists at path, following symlinks.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
