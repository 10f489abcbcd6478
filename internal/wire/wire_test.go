package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type sized struct {
	Name string   `json:"name"`
	Size uint64   `json:"size,string"`
	Tags []string `json:"tags,omitempty"`
}

func TestRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   sized
	}{
		{"zero", sized{}},
		{"large size", sized{Name: "stateful", Size: 1<<63 + 7}},
		{"list", sized{Name: "a", Size: 4096, Tags: []string{"x", "y"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, err := ToStruct(tc.in)
			require.NoError(t, err)

			var out sized
			require.NoError(t, FromStruct(s, &out))
			assert.Equal(t, tc.in, out)
		})
	}
}

func TestNilValues(t *testing.T) {
	s, err := ToStruct(nil)
	require.NoError(t, err)
	assert.Empty(t, s.GetFields())

	out := sized{Name: "kept"}
	require.NoError(t, FromStruct(nil, &out))
	assert.Equal(t, "kept", out.Name)
}

func TestDecodeMismatch(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"size": true})
	require.NoError(t, err)

	var out sized
	assert.Error(t, FromStruct(s, &out))
}

func TestEncodeNonObject(t *testing.T) {
	_, err := ToStruct([]int{1, 2})
	assert.Error(t, err)
}
