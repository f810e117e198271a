package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMediaFile(t *testing.T) {
	t.Parallel()

	require.True(t, IsMediaFile("/x/20240101 - clip.mp4"))
	require.True(t, IsMediaFile("clip.MKV"))
	require.False(t, IsMediaFile("clip.info.json"))
	require.False(t, IsMediaFile("clip.mp4.part"))
}

func TestIsSidecarOf(t *testing.T) {
	t.Parallel()

	stem := Stem("/dl/20240101 - clip.mp4")
	require.Equal(t, "20240101 - clip", stem)
	require.True(t, IsSidecarOf(stem, "20240101 - clip.jpg"))
	require.True(t, IsSidecarOf(stem, "20240101 - clip.info.json"))
	require.True(t, IsSidecarOf(stem, "20240101 - clip.en.vtt"))
	require.False(t, IsSidecarOf(stem, "20240101 - clip.mp4"))
	require.False(t, IsSidecarOf(stem, "20240101 - clipper.jpg"))
	require.False(t, IsSidecarOf(stem, "other.jpg"))
}
