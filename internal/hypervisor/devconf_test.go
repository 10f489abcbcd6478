package hypervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDevConfig(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Args
	}{
		{name: "empty", data: "", want: nil},
		{name: "comments and blanks", data: "# comment\n\n   \n", want: nil},
		{name: "equals", data: "--cpus=4", want: Args{{Key: "--cpus", Value: "4"}}},
		{name: "space", data: "--params androidboot.debuggable=1", want: Args{{Key: "--params", Value: "androidboot.debuggable=1"}}},
		{name: "bare", data: "--no-smt", want: Args{{Key: "--no-smt"}}},
		{name: "quoted", data: `--params "a=1 b=2"`, want: Args{{Key: "--params", Value: "a=1 b=2"}}},
		{name: "kernel override", data: "KERNEL_PATH=/tmp/bzImage", want: Args{{Key: KernelPathKey, Value: "/tmp/bzImage"}}},
		{
			name: "several",
			data: "--gpu\n# skip\n--serial=type=file,path=/tmp/x\n",
			want: Args{{Key: "--gpu"}, {Key: "--serial", Value: "type=file,path=/tmp/x"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDevConfig(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDevConfig_UnterminatedQuote(t *testing.T) {
	_, err := ParseDevConfig("--params \"oops\n")
	assert.Error(t, err)
}

func TestLoadDevConfig(t *testing.T) {
	dir := t.TempDir()

	args, err := LoadDevConfig(filepath.Join(dir, "missing.conf"))
	require.NoError(t, err)
	assert.Nil(t, args)

	path := filepath.Join(dir, "arcvm_dev.conf")
	require.NoError(t, os.WriteFile(path, []byte("KERNEL_PATH=/k2\n"), 0o644))
	args, err = LoadDevConfig(path)
	require.NoError(t, err)
	assert.Equal(t, Args{{Key: KernelPathKey, Value: "/k2"}}, args)
}
