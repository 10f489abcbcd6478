package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, cfg map[string]any) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func tempPaths(t *testing.T) map[string]any {
	t.Helper()
	dir := t.TempDir()
	return map[string]any{
		"runtime_dir": filepath.Join(dir, "run"),
		"state_dir":   filepath.Join(dir, "state"),
		"user_root":   filepath.Join(dir, "home"),
		"hypervisor":  "/usr/bin/crosvm",
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Paths.RuntimeDir != "/run/vm" {
		t.Errorf("expected RuntimeDir /run/vm, got %s", cfg.Paths.RuntimeDir)
	}
	if cfg.Pool.MinCID != 3 {
		t.Errorf("expected MinCID 3, got %d", cfg.Pool.MinCID)
	}
	if cfg.Network.Provider != "local" {
		t.Errorf("expected provider local, got %s", cfg.Network.Provider)
	}
	if cfg.Network.GuestPool != "100.115.92.0/24" {
		t.Errorf("expected guest pool 100.115.92.0/24, got %s", cfg.Network.GuestPool)
	}
	if cfg.Agent.AndroidPort != 4242 {
		t.Errorf("expected android port 4242, got %d", cfg.Agent.AndroidPort)
	}

	timeouts := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"default_rpc", cfg.Timeouts.GetDefaultRPC(), 10 * time.Second},
		{"agent_shutdown", cfg.Timeouts.GetAgentShutdown(), 30 * time.Second},
		{"start_services", cfg.Timeouts.GetStartServices(), 150 * time.Second},
		{"child_exit", cfg.Timeouts.GetChildExit(), 10 * time.Second},
	}
	for _, tt := range timeouts {
		if tt.got != tt.want {
			t.Errorf("%s = %s, want %s", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadFrom_MissingFile(t *testing.T) {
	_, err := LoadFrom("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}

	errMsg := err.Error()
	if !strings.Contains(errMsg, "/nonexistent/path/config.json") {
		t.Errorf("error should mention config file path, got: %s", errMsg)
	}
	if !strings.Contains(errMsg, "config file not found") {
		t.Errorf("error should mention 'config file not found', got: %s", errMsg)
	}
}

func TestLoadFrom_InvalidJSON(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configPath, []byte("{invalid json}"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(configPath)
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
	if !strings.Contains(err.Error(), "failed to parse config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadFrom_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, map[string]any{"paths": tempPaths(t)})

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Timeouts.StartServices != "150s" {
		t.Errorf("expected default start_services, got %q", cfg.Timeouts.StartServices)
	}
	if cfg.Cgroups.Container != "vms/termina" {
		t.Errorf("expected default container cgroup, got %q", cfg.Cgroups.Container)
	}
	if _, err := os.Stat(cfg.Paths.RuntimeDir); err != nil {
		t.Errorf("runtime dir should be created: %v", err)
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg map[string]any)
		wantErr string
	}{
		{
			name: "unknown provider",
			mutate: func(cfg map[string]any) {
				cfg["network"] = map[string]any{"provider": "bridge"}
			},
			wantErr: "provider must be",
		},
		{
			name: "bad guest pool",
			mutate: func(cfg map[string]any) {
				cfg["network"] = map[string]any{"guest_pool": "not-a-cidr"}
			},
			wantErr: "guest_pool",
		},
		{
			name: "min cid too small",
			mutate: func(cfg map[string]any) {
				cfg["pool"] = map[string]any{"min_cid": 2}
			},
			wantErr: "min_cid",
		},
		{
			name: "negative timeout",
			mutate: func(cfg map[string]any) {
				cfg["timeouts"] = map[string]any{"child_exit": "-1s"}
			},
			wantErr: "child_exit",
		},
		{
			name: "control command longer than child exit",
			mutate: func(cfg map[string]any) {
				cfg["timeouts"] = map[string]any{"control_command": "20s"}
			},
			wantErr: "control_command",
		},
		{
			name: "relative hypervisor",
			mutate: func(cfg map[string]any) {
				cfg["paths"].(map[string]any)["hypervisor"] = "crosvm"
			},
			wantErr: "absolute path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := map[string]any{"paths": tempPaths(t)}
			tt.mutate(raw)

			_, err := LoadFrom(writeConfig(t, raw))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestGet_UsesEnvAndReset(t *testing.T) {
	t.Cleanup(Reset)

	paths := tempPaths(t)
	t.Setenv(ConfigEnvVar, writeConfig(t, map[string]any{
		"paths": paths,
		"agent": map[string]any{"port": 9999},
	}))
	Reset()

	cfg, err := Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cfg.Agent.Port != 9999 {
		t.Errorf("expected agent port 9999, got %d", cfg.Agent.Port)
	}

	again, _ := Get()
	if again != cfg {
		t.Error("Get() should return the cached config")
	}

	t.Setenv(ConfigEnvVar, writeConfig(t, map[string]any{"paths": paths}))
	Reset()
	reloaded, err := Get()
	if err != nil {
		t.Fatalf("Get() after Reset error = %v", err)
	}
	if reloaded.Agent.Port != 8888 {
		t.Errorf("expected default agent port after reset, got %d", reloaded.Agent.Port)
	}
}
