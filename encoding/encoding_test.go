package encoding

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"string", "hello world"},
		{"int64", int64(9876543210)},
		{"map", map[string]string{"id": "42", "status": "OK"}},
		{"bytes", []byte{0x01, 0x02, 0x03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.input)
			require.NoError(t, err)
			require.NotEmpty(t, data)
		})
	}
}

func TestUnmarshalPreservesStrings(t *testing.T) {
	in := map[string]interface{}{"name": "alice", "region": "west"}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, Unmarshal(data, &out))

	// Loose decoding must yield Go strings, not []byte.
	v, ok := out["name"].(string)
	require.True(t, ok, "expected string, got %T", out["name"])
	require.Equal(t, "alice", v)
}

func TestUnmarshalStruct(t *testing.T) {
	type rowImage struct {
		Table  string            `msgpack:"t"`
		Values map[string]string `msgpack:"v"`
	}

	in := rowImage{Table: "sales", Values: map[string]string{"store_id": "7"}}
	data, err := Marshal(&in)
	require.NoError(t, err)

	var out rowImage
	require.NoError(t, Unmarshal(data, &out))
	require.Equal(t, in, out)
}
