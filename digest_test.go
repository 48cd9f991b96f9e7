package fedingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestString(t *testing.T) {
	// BLAKE3 digest of the empty input
	d := DigestBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, d.String())
}

func TestDigestShortString(t *testing.T) {
	d := DigestBytes([]byte(`{"id":"https://h/notes/1"}`))
	short := d.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(d.String(), short))
}

func TestDigestIsZero(t *testing.T) {
	var zero Digest
	require.True(t, zero.IsZero())
	require.False(t, DigestBytes([]byte("x")).IsZero())
}

func TestDigestMarshalUnmarshal(t *testing.T) {
	d := DigestBytes([]byte("round trip"))

	text, err := d.MarshalText()
	require.NoError(t, err)

	got, err := ParseDigest(string(text))
	require.NoError(t, err)
	require.Equal(t, d, got)

	_, err = ParseDigest("short")
	require.Error(t, err)
}
