package kind

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, k := range []Kind{Container, Android, Plugin} {
		got, err := Parse(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	got, err := Parse("ANDROID")
	require.NoError(t, err)
	assert.Equal(t, Android, got)

	_, err = Parse("windows")
	assert.Error(t, err)
}

func TestPersistence(t *testing.T) {
	assert.True(t, Container.Persistent())
	assert.True(t, Android.Persistent())
	assert.False(t, Plugin.Persistent())

	assert.True(t, Container.HasAgent())
	assert.False(t, Android.HasAgent())
	assert.False(t, Plugin.HasAgent())
}

func TestJSON(t *testing.T) {
	type wrapper struct {
		Kind Kind `json:"kind"`
	}
	data, err := json.Marshal(wrapper{Kind: Plugin})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"plugin"}`, string(data))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"android"}`), &w))
	assert.Equal(t, Android, w.Kind)
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"bogus"}`), &w))
}

func TestStringOutOfRange(t *testing.T) {
	assert.Equal(t, "Kind(7)", Kind(7).String())
}
