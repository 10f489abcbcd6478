// Package config provides centralized configuration management for concierge.
// All configuration is loaded from a JSON file at /etc/concierge/config.json
// (overridable via CONCIERGE_CONFIG environment variable).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/concierge/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "CONCIERGE_CONFIG"
)

// Config is the root configuration structure
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Pool     PoolConfig     `json:"pool"`
	Network  NetworkConfig  `json:"network"`
	ShareDir ShareDirConfig `json:"sharedir"`
	Agent    AgentConfig    `json:"agent"`
	Timeouts TimeoutsConfig `json:"timeouts"`
	Cgroups  CgroupsConfig  `json:"cgroups"`
	Policy   PolicyConfig   `json:"policy"`
	Log      LogConfig      `json:"log"`
}

// PathsConfig defines filesystem locations used by the daemon
type PathsConfig struct {
	RuntimeDir    string `json:"runtime_dir"`     // Parent of per-guest vm.<random> scratch dirs
	UserRoot      string `json:"user_root"`       // Parent of per-owner persistent VM state
	StateDir      string `json:"state_dir"`       // Record database location
	CIDLockDir    string `json:"cid_lock_dir"`    // CID lock files (auto-derived from StateDir if empty)
	Socket        string `json:"socket"`          // gRPC API socket
	Hypervisor    string `json:"hypervisor"`      // Hypervisor binary
	DevConfig     string `json:"dev_config"`      // Android developer configuration file
	AndroidData   string `json:"android_data"`    // Android data directory shared into the guest
	WaylandSocket string `json:"wayland_socket"`  // Wayland socket handed to graphical guests
	SerialLogSock string `json:"serial_log_sock"` // Unix socket for serial output (empty = syslog)
}

// PoolConfig defines the context ID and shared-directory port ranges
type PoolConfig struct {
	MinCID    uint32 `json:"min_cid"`
	MaxCID    uint32 `json:"max_cid"`
	FirstPort uint32 `json:"first_port"`
	MaxPort   uint32 `json:"max_port"`
}

// NetworkConfig selects and configures the network provider
type NetworkConfig struct {
	Provider       string `json:"provider"`          // "local" or "cni"
	GuestPool      string `json:"guest_pool"`        // CIDR carved into /30 guest subnets
	ContainerPool  string `json:"container_pool"`    // CIDR carved into /28 container subnets
	TapPrefix      string `json:"tap_prefix"`        // TAP name prefix for the local provider
	CNIConfDir     string `json:"cni_conf_dir"`      // CNI network configuration directory
	CNIBinDir      string `json:"cni_bin_dir"`       // CNI plugin binaries
	ResolvConf     string `json:"resolv_conf"`       // Host resolv.conf used for initial DNS values
	OpenTAPInNetNS bool   `json:"open_tap_in_netns"` // CNI provider: open TAP inside its netns
}

// ShareDirConfig configures the shared-directory file server
type ShareDirConfig struct {
	Server string   `json:"server"` // File server binary; empty disables shared directories
	Args   []string `json:"args"`   // Extra arguments passed to every server instance
}

// AgentConfig defines vsock ports used to reach guests
type AgentConfig struct {
	Port         uint32 `json:"port"`          // In-guest agent ttrpc port
	StartupPort  uint32 `json:"startup_port"`  // Host port guests announce readiness on
	AndroidPort  uint32 `json:"android_port"`  // Android power control port
	DisableReady bool   `json:"disable_ready"` // Skip waiting for VmReady and dial directly
}

// TimeoutsConfig defines timeout durations for lifecycle operations.
// All values are duration strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// DefaultRPC bounds ordinary agent RPCs.
	// Default: 10s.
	DefaultRPC string `json:"default_rpc"`

	// AgentShutdown bounds the agent Shutdown RPC.
	// Default: 30s.
	AgentShutdown string `json:"agent_shutdown"`

	// StartServices bounds the container guest StartServices RPC.
	// Default: 150s.
	StartServices string `json:"start_services"`

	// ChildExit is how long each shutdown step waits for the hypervisor to exit.
	// Default: 10s.
	ChildExit string `json:"child_exit"`

	// VMReady is how long post-boot waits for the guest to announce readiness.
	// Default: 30s.
	VMReady string `json:"vm_ready"`

	// ControlCommand bounds a single hypervisor control subcommand.
	// Default: 5s.
	ControlCommand string `json:"control_command"`
}

// GetDefaultRPC returns the default agent RPC deadline.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetDefaultRPC() time.Duration {
	return mustParseDuration(t.DefaultRPC)
}

// GetAgentShutdown returns the agent shutdown RPC deadline.
func (t *TimeoutsConfig) GetAgentShutdown() time.Duration {
	return mustParseDuration(t.AgentShutdown)
}

// GetStartServices returns the StartServices RPC deadline.
func (t *TimeoutsConfig) GetStartServices() time.Duration {
	return mustParseDuration(t.StartServices)
}

// GetChildExit returns the per-step child exit wait.
func (t *TimeoutsConfig) GetChildExit() time.Duration {
	return mustParseDuration(t.ChildExit)
}

// GetVMReady returns the guest readiness wait.
func (t *TimeoutsConfig) GetVMReady() time.Duration {
	return mustParseDuration(t.VMReady)
}

// GetControlCommand returns the control subcommand deadline.
func (t *TimeoutsConfig) GetControlCommand() time.Duration {
	return mustParseDuration(t.ControlCommand)
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

// CgroupsConfig names the cpu control groups hypervisors are placed in.
// Paths are relative to the cgroup mount.
type CgroupsConfig struct {
	Container string `json:"container"`
	Android   string `json:"android"`
	Plugin    string `json:"plugin"`
	Disabled  bool   `json:"disabled"`
}

// PolicyConfig holds daemon behavior switches
type PolicyConfig struct {
	ResyncClockOnResume  bool `json:"resync_clock_on_resume"`
	SuspendOnHostSuspend bool `json:"suspend_on_host_suspend"`
	DevMode              bool `json:"dev_mode"`
}

// LogConfig controls daemon logging
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// This is intended for testing only. Callers must ensure no concurrent Get() calls
// are in progress when calling Reset().
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from CONCIERGE_CONFIG env var or /etc/concierge/config.json.
// A missing default file yields the defaults; a missing explicit file is an error.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		if _, err := os.Stat(DefaultConfigPath); os.IsNotExist(err) {
			cfg := DefaultConfig()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return cfg, nil
		}
		configPath = DefaultConfigPath
	}

	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path.
// Returns error if file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s. Create one or set %s", path, ConfigEnvVar)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			RuntimeDir:  "/run/vm",
			UserRoot:    "/home/root",
			StateDir:    "/var/lib/concierge",
			Socket:      "/run/concierge/concierge.sock",
			Hypervisor:  "/usr/bin/crosvm",
			DevConfig:   "/usr/local/vms/etc/arcvm_dev.conf",
			AndroidData: "/run/arcvm/android-data",
		},
		Pool: PoolConfig{
			MinCID:    3,
			MaxCID:    65535,
			FirstPort: 32768,
			MaxPort:   1<<32 - 1,
		},
		Network: NetworkConfig{
			Provider:      "local",
			GuestPool:     "100.115.92.0/24",
			ContainerPool: "100.115.93.0/24",
			TapPrefix:     "vmtap",
			CNIConfDir:    "/etc/cni/net.d",
			CNIBinDir:     "/opt/cni/bin",
			ResolvConf:    "/etc/resolv.conf",
		},
		Agent: AgentConfig{
			Port:        8888,
			StartupPort: 7777,
			AndroidPort: 4242,
		},
		Timeouts: TimeoutsConfig{
			DefaultRPC:     "10s",
			AgentShutdown:  "30s",
			StartServices:  "150s",
			ChildExit:      "10s",
			VMReady:        "30s",
			ControlCommand: "5s",
		},
		Cgroups: CgroupsConfig{
			Container: "vms/termina",
			Android:   "vms/arc",
			Plugin:    "vms/plugin",
		},
		Policy: PolicyConfig{
			ResyncClockOnResume:  true,
			SuspendOnHostSuspend: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	c.applyPathDefaults(defaults)
	c.applyPoolDefaults(defaults)
	c.applyNetworkDefaults(defaults)
	c.applyAgentDefaults(defaults)
	c.applyTimeoutsDefaults(defaults)
	c.applyCgroupDefaults(defaults)

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

func (c *Config) applyPathDefaults(defaults *Config) {
	setDefault(&c.Paths.RuntimeDir, defaults.Paths.RuntimeDir)
	setDefault(&c.Paths.UserRoot, defaults.Paths.UserRoot)
	setDefault(&c.Paths.StateDir, defaults.Paths.StateDir)
	setDefault(&c.Paths.Socket, defaults.Paths.Socket)
	setDefault(&c.Paths.Hypervisor, defaults.Paths.Hypervisor)
	setDefault(&c.Paths.DevConfig, defaults.Paths.DevConfig)
	setDefault(&c.Paths.AndroidData, defaults.Paths.AndroidData)
	// CIDLockDir is derived from StateDir by paths.CIDLockDir when empty
}

func (c *Config) applyPoolDefaults(defaults *Config) {
	if c.Pool.MinCID == 0 {
		c.Pool.MinCID = defaults.Pool.MinCID
	}
	if c.Pool.MaxCID == 0 {
		c.Pool.MaxCID = defaults.Pool.MaxCID
	}
	if c.Pool.FirstPort == 0 {
		c.Pool.FirstPort = defaults.Pool.FirstPort
	}
	if c.Pool.MaxPort == 0 {
		c.Pool.MaxPort = defaults.Pool.MaxPort
	}
}

func (c *Config) applyNetworkDefaults(defaults *Config) {
	setDefault(&c.Network.Provider, defaults.Network.Provider)
	setDefault(&c.Network.GuestPool, defaults.Network.GuestPool)
	setDefault(&c.Network.ContainerPool, defaults.Network.ContainerPool)
	setDefault(&c.Network.TapPrefix, defaults.Network.TapPrefix)
	setDefault(&c.Network.CNIConfDir, defaults.Network.CNIConfDir)
	setDefault(&c.Network.CNIBinDir, defaults.Network.CNIBinDir)
	setDefault(&c.Network.ResolvConf, defaults.Network.ResolvConf)
}

func (c *Config) applyAgentDefaults(defaults *Config) {
	if c.Agent.Port == 0 {
		c.Agent.Port = defaults.Agent.Port
	}
	if c.Agent.StartupPort == 0 {
		c.Agent.StartupPort = defaults.Agent.StartupPort
	}
	if c.Agent.AndroidPort == 0 {
		c.Agent.AndroidPort = defaults.Agent.AndroidPort
	}
}

func (c *Config) applyTimeoutsDefaults(defaults *Config) {
	setDefault(&c.Timeouts.DefaultRPC, defaults.Timeouts.DefaultRPC)
	setDefault(&c.Timeouts.AgentShutdown, defaults.Timeouts.AgentShutdown)
	setDefault(&c.Timeouts.StartServices, defaults.Timeouts.StartServices)
	setDefault(&c.Timeouts.ChildExit, defaults.Timeouts.ChildExit)
	setDefault(&c.Timeouts.VMReady, defaults.Timeouts.VMReady)
	setDefault(&c.Timeouts.ControlCommand, defaults.Timeouts.ControlCommand)
}

func (c *Config) applyCgroupDefaults(defaults *Config) {
	setDefault(&c.Cgroups.Container, defaults.Cgroups.Container)
	setDefault(&c.Cgroups.Android, defaults.Cgroups.Android)
	setDefault(&c.Cgroups.Plugin, defaults.Cgroups.Plugin)
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
