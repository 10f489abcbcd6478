//go:build linux

package cni

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

const netnsBasePath = "/var/run/netns"

// NetNSPath returns the bind-mount path of the namespace for id.
func NetNSPath(id string) string {
	return filepath.Join(netnsBasePath, id)
}

// CreateNetNS creates a persistent network namespace for id, replacing a
// leftover one from a previous run.
func CreateNetNS(id string) (string, error) {
	if err := os.MkdirAll(netnsBasePath, 0o755); err != nil {
		return "", fmt.Errorf("create netns directory: %w", err)
	}
	path := NetNSPath(id)
	if _, err := os.Stat(path); err == nil {
		_ = DeleteNetNS(id)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origNS, err := netns.Get()
	if err != nil {
		return "", fmt.Errorf("get current netns: %w", err)
	}
	defer origNS.Close()

	newNS, err := netns.New()
	if err != nil {
		return "", fmt.Errorf("create netns: %w", err)
	}
	defer newNS.Close()

	bindErr := bindMount(fmt.Sprintf("/proc/self/fd/%d", int(newNS)), path)
	if err := netns.Set(origNS); err != nil {
		_ = DeleteNetNS(id)
		return "", fmt.Errorf("restore original netns: %w", err)
	}
	if bindErr != nil {
		return "", bindErr
	}
	return path, nil
}

// DeleteNetNS unmounts and removes the namespace for id.
func DeleteNetNS(id string) error {
	path := NetNSPath(id)
	_ = unix.Unmount(path, unix.MNT_DETACH)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove netns %s: %w", path, err)
	}
	return nil
}

// NetNSExists reports whether the namespace for id is mounted.
func NetNSExists(id string) bool {
	_, err := os.Stat(NetNSPath(id))
	return err == nil
}

func bindMount(source, target string) error {
	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create netns file: %w", err)
	}
	_ = f.Close()

	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		_ = os.Remove(target)
		return fmt.Errorf("bind mount netns: %w", err)
	}
	return nil
}
