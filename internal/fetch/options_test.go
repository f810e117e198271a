package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

func TestParseOptionsSectioned(t *testing.T) {
	t.Parallel()

	opts, err := ParseOptions([]byte(`{
		"yt-dlp": {"format": "bestvideo+bestaudio", "embed_thumbnail": true, "no-mtime": false, "retries": 3},
		"custom": {"download-timeout": 60, "stall_timeout": "45s", "poster": true}
	}`))
	require.NoError(t, err)
	require.Equal(t, []string{
		"--embed-thumbnail",
		"--format", "bestvideo+bestaudio",
		"--retries", "3",
	}, opts.Args())
	require.Equal(t, time.Minute, opts.DownloadTimeout(time.Hour))
	require.Equal(t, 45*time.Second, opts.StallTimeout(time.Hour))
	require.True(t, opts.Poster())
}

func TestParseOptionsLegacyFlat(t *testing.T) {
	t.Parallel()

	opts, err := ParseOptions([]byte(`{"--write-info-json": true, "_poster": "true", "_stall-timeout": 10}`))
	require.NoError(t, err)
	require.Equal(t, []string{"--write-info-json"}, opts.Args())
	require.True(t, opts.Poster())
	require.Equal(t, 10*time.Second, opts.StallTimeout(time.Hour))
	require.Equal(t, time.Hour, opts.DownloadTimeout(time.Hour))
}

func TestArgsJoinsListsAndImpliesSubtitles(t *testing.T) {
	t.Parallel()

	opts := Options{Engine: map[string]any{
		"sub-langs": []any{"en", "de"},
		"f":         "mp4",
		"output":    "/tmp/%(title)s.%(ext)s",
		"cookies":   nil,
	}}
	require.Equal(t, []string{
		"-f", "mp4",
		"--sub-langs", "en,de",
		"--write-auto-subs",
		"--write-subs",
	}, opts.Args())
}

func TestParseOptionsRejectsMalformed(t *testing.T) {
	t.Parallel()

	_, err := ParseOptions([]byte(`{not json`))
	require.ErrorIs(t, err, media.ErrInvalidInput)

	_, err = ParseOptions([]byte(`{"yt-dlp": ["x"]}`))
	require.ErrorIs(t, err, media.ErrInvalidInput)

	opts, err := ParseOptions(nil)
	require.NoError(t, err)
	require.Empty(t, opts.Args())
	require.False(t, opts.Poster())
}

func TestResolvePathsRewritesRelativeFiles(t *testing.T) {
	t.Parallel()

	opts, err := ParseOptions([]byte(`{"yt-dlp": {"cookies": "cookies.txt", "download_archive": "/abs/archive.txt", "format": "best"}}`))
	require.NoError(t, err)

	var asked []string
	opts.ResolvePaths(func(flag, name string) (string, bool) {
		require.Equal(t, "cookies", flag)
		asked = append(asked, name)
		return "/data/alice/configs/" + name, true
	})
	require.Equal(t, []string{"cookies.txt"}, asked)
	require.Equal(t, "/data/alice/configs/cookies.txt", opts.Engine["cookies"])
	require.Equal(t, "/abs/archive.txt", opts.Engine["download_archive"])
	require.Equal(t, "best", opts.Engine["format"])
}

func TestParseOptionsCustomSectionOnly(t *testing.T) {
	t.Parallel()

	opts, err := ParseOptions([]byte(`{"custom": {"--download-timeout": 0.2, "--stall-timeout": "150ms", "--random-agent": true}}`))
	require.NoError(t, err)
	require.Empty(t, opts.Args(), "the custom section never leaks into engine flags")
	require.Equal(t, 200*time.Millisecond, opts.DownloadTimeout(time.Hour))
	require.Equal(t, 150*time.Millisecond, opts.StallTimeout(time.Hour))
	require.True(t, opts.RandomAgent())
	require.False(t, opts.Poster())

	_, err = ParseOptions([]byte(`{"custom": "poster"}`))
	require.ErrorIs(t, err, media.ErrInvalidInput)
}

func TestArgsRepeatsRepeatableFlags(t *testing.T) {
	t.Parallel()

	opts := Options{Engine: map[string]any{
		"--postprocessor-args": []any{"ffmpeg:-threads 2", "Merger:-strict -2"},
		"match_filters":        []any{"!is_live", "duration<3600"},
		"format-sort":          []any{"res:1080", "codec"},
	}}
	require.Equal(t, []string{
		"--format-sort", "res:1080,codec",
		"--match-filters", "!is_live",
		"--match-filters", "duration<3600",
		"--postprocessor-args", "ffmpeg:-threads 2",
		"--postprocessor-args", "Merger:-strict -2",
	}, opts.Args())
}

func TestFlagAccessors(t *testing.T) {
	t.Parallel()

	opts, err := ParseOptions([]byte(`{"yt-dlp": {"--download_archive": "archive.txt", "user-agent": "custom/1.0"}}`))
	require.NoError(t, err)
	require.Equal(t, "archive.txt", opts.DownloadArchive())
	require.True(t, opts.HasFlag("user-agent"))
	require.False(t, opts.HasFlag("cookies"))
	require.False(t, opts.RandomAgent())

	require.Empty(t, Options{}.DownloadArchive())
}
