package spec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVVector(t *testing.T) {
	vec, err := NewVVector("!7AM0f+gritzko!0longago+krdkv!7AMTc+aleksisha!0ld!00ld#some+garbage")
	require.NoError(t, err)

	t.Run("covers", func(t *testing.T) {
		require.True(t, vec.Covers("7AM0f+gritzko"))
		require.True(t, vec.Covers("!7AM0e+gritzko"))
		require.False(t, vec.Covers("7AMTd+aleksisha"))
		require.False(t, vec.Covers("6AMTd+maxmaxmax"), "unknown sources are never covered")
		require.True(t, vec.Covers("0ld"))
		require.False(t, vec.Covers("0le"))
	})

	t.Run("keeps the max per source", func(t *testing.T) {
		require.Equal(t, "0ld", vec.Get(DefaultSource))
		require.Equal(t, "0longago", vec.Get("krdkv"))
		require.Equal(t, []string{"aleksisha", "gritzko", "krdkv", DefaultSource}, vec.Sources())
	})

	t.Run("max timestamp", func(t *testing.T) {
		ts, ok := vec.MaxTs()
		require.True(t, ok)
		require.Equal(t, "7AMTc", ts)

		empty, err := NewVVector("")
		require.NoError(t, err)
		_, ok = empty.MaxTs()
		require.False(t, ok)
	})

	t.Run("format", func(t *testing.T) {
		require.Equal(t, "!7AMTc+aleksisha!7AM0f+gritzko", vec.Format(10, "6"))
		require.Equal(t, "!7AMTc+aleksisha", vec.Format(1, "6"))
		require.Equal(t, "!7AMTc+aleksisha!7AM0f+gritzko!0longago+krdkv!0ld", vec.String())

		empty, err := NewVVector("")
		require.NoError(t, err)
		require.Equal(t, "!0", empty.String())
	})

	t.Run("monotone", func(t *testing.T) {
		v, err := NewVVector("!B+a")
		require.NoError(t, err)
		require.NoError(t, v.Add("!A+a!C+b"))
		require.Equal(t, "B", v.Get("a"))
		require.Equal(t, "C", v.Get("b"))
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := NewVVector("!not a vector")
		require.ErrorIs(t, err, ErrMalformed)
	})
}
