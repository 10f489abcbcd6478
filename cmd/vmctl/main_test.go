package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestCommandNamesUnique(t *testing.T) {
	seen := map[string]bool{}
	var walk func(prefix string, cmds []*cli.Command)
	walk = func(prefix string, cmds []*cli.Command) {
		for _, c := range cmds {
			for _, n := range append([]string{c.Name}, c.Aliases...) {
				full := prefix + n
				assert.False(t, seen[full], "duplicate command %q", full)
				seen[full] = true
			}
			walk(prefix+c.Name+" ", c.Subcommands)
		}
	}
	walk("", newApp().Commands)
	assert.True(t, seen["usb attach"])
	assert.True(t, seen["disk list"])
}

func TestArgumentErrors(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "missing.sock")
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing name", []string{"stop", "--owner", "ab"}, "expected exactly one guest name"},
		{"too many names", []string{"info", "--owner", "ab", "a", "b"}, "expected exactly one guest name"},
		{"bad memory", []string{"start", "--owner", "ab", "--kernel", "/k", "--memory", "lots", "vm"}, "invalid memory size"},
		{"bad resize", []string{"resize", "--owner", "ab", "--size", "big", "vm"}, "invalid size"},
		{"bad vendor", []string{"usb", "attach", "--owner", "ab", "--bus", "1", "--addr", "2", "--vid", "zz", "--pid", "1", "vm"}, "invalid vendor id"},
		{"cpu arity", []string{"cpu", "adjust", "--owner", "ab", "vm"}, "expected a guest name and a restriction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newApp()
			args := append([]string{"vmctl", "--socket", sock}, tt.args...)
			err := app.Run(args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
