package sha256

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasherKnownDigests(t *testing.T) {
	t.Parallel()

	h := New()
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	} {
		got, err := h.Hash([]byte(tc.in))
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "Hash(%q)", tc.in)
		assert.Equal(t, tc.want, h.HashString(tc.in), "HashString(%q)", tc.in)
	}
}

func TestHashStringKeysURLs(t *testing.T) {
	t.Parallel()

	h := New()
	key := h.HashString("https://videos.example.org/watch?v=1")
	assert.Len(t, key, 64)
	assert.Equal(t, key, h.HashString("\t https://videos.example.org/watch?v=1\n"))
	assert.NotEqual(t, key, h.HashString("https://videos.example.org/watch?v=2"))
	assert.NotEqual(t, key, h.HashString("HTTPS://videos.example.org/watch?v=1"))
}
