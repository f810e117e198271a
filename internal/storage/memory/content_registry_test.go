package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

func TestContentRegistryUpsertKeepsOneEntry(t *testing.T) {
	t.Parallel()

	reg := NewContentRegistry()
	ctx := context.Background()

	_, err := reg.GetEntry(ctx, "k")
	require.ErrorIs(t, err, media.ErrNotFound)

	first := media.ContentEntry{Key: "k", URL: "https://v/1", Path: "/global/k/a.mp4", UserID: "alice"}
	require.NoError(t, reg.RecordContent(ctx, first, &media.ContentLink{UserID: "alice", LinkPath: "/data/alice/a.mp4"}))
	second := media.ContentEntry{Key: "k", URL: "https://v/1", Path: "/global/k/a.mp4", UserID: "bob"}
	require.NoError(t, reg.RecordContent(ctx, second, &media.ContentLink{UserID: "bob", LinkPath: "/data/bob/a.mp4"}))
	require.NoError(t, reg.RecordContent(ctx, second, &media.ContentLink{UserID: "bob", LinkPath: "/data/bob/a.mp4"}))

	require.Equal(t, 1, reg.Len())
	entry, err := reg.GetEntry(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "alice", entry.UserID)

	links, err := reg.ListLinks(ctx, "k")
	require.NoError(t, err)
	require.Len(t, links, 2)
}

func TestContentRegistryRejectsEmptyEntry(t *testing.T) {
	t.Parallel()

	reg := NewContentRegistry()
	err := reg.RecordContent(context.Background(), media.ContentEntry{Key: "k"}, nil)
	require.ErrorIs(t, err, media.ErrInvalidInput)
}

func TestContentRegistryListURLs(t *testing.T) {
	t.Parallel()

	reg := NewContentRegistry()
	ctx := context.Background()
	urls, err := reg.ListURLs(ctx)
	require.NoError(t, err)
	require.Empty(t, urls)

	for _, e := range []media.ContentEntry{
		{Key: "k2", URL: "https://www.youtube.com/watch?v=bbbbbbbbbbb", Path: "/global/k2/b.mp4"},
		{Key: "k1", URL: "https://www.youtube.com/watch?v=aaaaaaaaaaa", Path: "/global/k1/a.mp4"},
		{Key: "k3", Path: "/global/k3/c.mp4"},
	} {
		require.NoError(t, reg.RecordContent(ctx, e, nil))
	}
	urls, err = reg.ListURLs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://www.youtube.com/watch?v=aaaaaaaaaaa",
		"https://www.youtube.com/watch?v=bbbbbbbbbbb",
	}, urls)
}
