package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShort(t *testing.T) {
	assert.Equal(t, "dev", Short())
}

func TestInfo(t *testing.T) {
	info := Info()
	for _, want := range []string{Version, GitCommit, BuildDate, runtime.Version()} {
		assert.Contains(t, info, want)
	}
}

func TestFields(t *testing.T) {
	f := Fields()
	assert.Equal(t, Version, f["version"])
	assert.Equal(t, GitCommit, f["commit"])
	assert.Equal(t, runtime.Version(), f["go"])
}
