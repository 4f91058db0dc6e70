package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecs(t *testing.T) {
	bundle := map[string]any{
		"/Model#7AM0f+gritzko!7AMTc+gritzko.set": map[string]any{
			"x":    float64(1),
			"name": "mouse",
			"tags": []any{"a", "b"},
			"gone": nil,
		},
		"/Host#swarm~1!7AMTd+swarm~1.on": "",
	}

	for _, c := range []Codec{JSON{}, Proto{}} {
		t.Run(c.Name(), func(t *testing.T) {
			frame, err := c.Encode(bundle)
			require.NoError(t, err)

			decoded, err := c.Decode(frame)
			require.NoError(t, err)
			require.Equal(t, bundle, decoded)
		})

		t.Run(c.Name()+"/empty", func(t *testing.T) {
			frame, err := c.Encode(nil)
			require.NoError(t, err)

			decoded, err := c.Decode(frame)
			require.NoError(t, err)
			require.Empty(t, decoded)
		})
	}
}

func TestDecodeGarbage(t *testing.T) {
	_, err := JSON{}.Decode([]byte("null"))
	require.ErrorIs(t, err, ErrInvalidFrame)

	_, err = JSON{}.Decode([]byte("{"))
	require.ErrorIs(t, err, ErrInvalidFrame)

	_, err = Proto{}.Decode([]byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestByName(t *testing.T) {
	c, ok := ByName("")
	require.True(t, ok)
	require.Equal(t, JSONName, c.Name())

	c, ok = ByName(ProtoName)
	require.True(t, ok)
	require.Equal(t, ProtoName, c.Name())

	_, ok = ByName("xml")
	require.False(t, ok)
}
