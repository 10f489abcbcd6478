package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validatePool(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.validateNetwork(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := c.validateShareDir(); err != nil {
		return fmt.Errorf("sharedir: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.RuntimeDir == "" {
		return fmt.Errorf("runtime_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.RuntimeDir, "runtime_dir"); err != nil {
		return err
	}

	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.StateDir, "state_dir"); err != nil {
		return err
	}

	if c.Paths.UserRoot == "" {
		return fmt.Errorf("user_root cannot be empty")
	}
	if !filepath.IsAbs(c.Paths.Hypervisor) {
		return fmt.Errorf("hypervisor: must be an absolute path, got %q", c.Paths.Hypervisor)
	}
	// The hypervisor may be installed after the daemon starts; only reject
	// something that can never be executed.
	if info, err := os.Stat(c.Paths.Hypervisor); err == nil && info.IsDir() {
		return fmt.Errorf("hypervisor: is a directory: %s", c.Paths.Hypervisor)
	}
	if c.Paths.Socket == "" {
		return fmt.Errorf("socket cannot be empty")
	}
	return nil
}

func (c *Config) validatePool() error {
	if c.Pool.MinCID < 3 {
		return fmt.Errorf("min_cid: must be >= 3, got %d", c.Pool.MinCID)
	}
	if c.Pool.MaxCID < c.Pool.MinCID {
		return fmt.Errorf("max_cid (%d) must be >= min_cid (%d)", c.Pool.MaxCID, c.Pool.MinCID)
	}
	if c.Pool.FirstPort == 0 {
		return fmt.Errorf("first_port: must be > 0")
	}
	if c.Pool.MaxPort < c.Pool.FirstPort {
		return fmt.Errorf("max_port (%d) must be >= first_port (%d)", c.Pool.MaxPort, c.Pool.FirstPort)
	}
	return nil
}

func (c *Config) validateNetwork() error {
	switch c.Network.Provider {
	case "local":
		for name, cidr := range map[string]string{
			"guest_pool":     c.Network.GuestPool,
			"container_pool": c.Network.ContainerPool,
		} {
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				return fmt.Errorf("%s: invalid CIDR %q", name, cidr)
			}
			if ipnet.IP.To4() == nil {
				return fmt.Errorf("%s: must be IPv4, got %q", name, cidr)
			}
		}
		if len(c.Network.TapPrefix) > 10 {
			return fmt.Errorf("tap_prefix: too long (%d), max is 10", len(c.Network.TapPrefix))
		}
	case "cni":
		if c.Network.CNIConfDir == "" || c.Network.CNIBinDir == "" {
			return fmt.Errorf("cni provider requires cni_conf_dir and cni_bin_dir")
		}
	default:
		return fmt.Errorf("provider must be \"local\" or \"cni\", got %q", c.Network.Provider)
	}
	return nil
}

func (c *Config) validateShareDir() error {
	if c.ShareDir.Server == "" {
		return nil
	}
	return validateExecutable(c.ShareDir.Server, "server")
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"default_rpc":     c.Timeouts.DefaultRPC,
		"agent_shutdown":  c.Timeouts.AgentShutdown,
		"start_services":  c.Timeouts.StartServices,
		"child_exit":      c.Timeouts.ChildExit,
		"vm_ready":        c.Timeouts.VMReady,
		"control_command": c.Timeouts.ControlCommand,
	}

	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}

	// A control command must finish well inside one shutdown step.
	if mustParseDuration(c.Timeouts.ControlCommand) >= mustParseDuration(c.Timeouts.ChildExit) {
		return fmt.Errorf("control_command (%s) must be shorter than child_exit (%s)",
			c.Timeouts.ControlCommand, c.Timeouts.ChildExit)
	}
	return nil
}

// Helper functions

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func ensureDirWritable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if err := os.MkdirAll(canonical, 0750); err != nil {
				return fmt.Errorf("%s: cannot create directory %s: %w", name, canonical, err)
			}
		} else {
			return fmt.Errorf("%s: cannot access %s: %w", name, canonical, statErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}

	if err := unix.Access(canonical, unix.W_OK); err != nil {
		return fmt.Errorf("%s: not writable: %s", name, canonical)
	}
	return nil
}

func validateExecutable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: file not found: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: is a directory, not executable: %s", name, canonical)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("%s: not executable: %s", name, canonical)
	}
	return nil
}
