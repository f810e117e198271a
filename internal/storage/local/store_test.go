// Package local_test tests the per-user data directory.
package local_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/storage/local"
)

func newStore(t *testing.T) (*local.Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	store, err := local.New(fs, local.Config{Root: "/data"}, nil)
	require.NoError(t, err)
	return store, fs
}

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, fs := newStore(t)
		assert.NotNil(t, store)
		ok, err := afero.DirExists(fs, "/data")
		require.NoError(t, err)
		assert.True(t, ok)
	})
	t.Run("MissingRoot", func(t *testing.T) {
		_, err := local.New(afero.NewMemMapFs(), local.Config{}, nil)
		assert.Error(t, err)
	})
	t.Run("RootIsFile", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/data", []byte("x"), 0o600))
		_, err := local.New(fs, local.Config{Root: "/data"}, nil)
		assert.Error(t, err)
	})
	t.Run("ReadOnly", func(t *testing.T) {
		_, err := local.New(afero.NewReadOnlyFs(afero.NewMemMapFs()), local.Config{Root: "/data"}, nil)
		assert.Error(t, err)
	})
}

func TestUserFolders(t *testing.T) {
	store, fs := newStore(t)
	ctx := context.Background()

	ok, err := store.UserExists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.EnsureUser(ctx, "alice"))
	ok, err = store.UserExists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "/data/alice/downloads", store.DownloadDir("alice"))
	assert.Equal(t, "/data/alice/configs", store.ConfigDir("alice"))
	assert.Equal(t, "/data/alice/logs", store.LogDir("alice"))
	exists, err := afero.DirExists(fs, "/data/alice/logs")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = store.UserExists(ctx, "../etc")
	assert.ErrorIs(t, err, media.ErrInvalidInput)
}

func TestLoadConfig(t *testing.T) {
	store, fs := newStore(t)
	ctx := context.Background()
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/data/alice/configs", "music.json"), []byte(`{"format":"best"}`), 0o600))

	data, err := store.LoadConfig(ctx, "alice", "music")
	require.NoError(t, err)
	assert.JSONEq(t, `{"format":"best"}`, string(data))

	_, err = store.LoadConfig(ctx, "alice", "missing")
	assert.ErrorIs(t, err, media.ErrNotFound)

	_, err = store.LoadConfig(ctx, "alice", "../../secrets")
	assert.ErrorIs(t, err, media.ErrInvalidInput)
}

func TestLoadResourceList(t *testing.T) {
	store, fs := newStore(t)
	ctx := context.Background()
	require.NoError(t, afero.WriteFile(fs, "/data/alice/urls/music.json", []byte(`{
		"folderX": ["https://example.com/a", "https://example.com/b"],
		"single": "https://example.com/c",
		"broken": 42
	}`), 0o600))

	list, err := store.LoadResourceList(ctx, "alice", "music")
	require.NoError(t, err)
	assert.Equal(t, media.ResourceList{
		"folderX": {"https://example.com/a", "https://example.com/b"},
		"single":  {"https://example.com/c"},
	}, list)
	assert.Equal(t, 3, list.Count())

	require.NoError(t, afero.WriteFile(fs, "/data/alice/urls/bad.json", []byte(`[`), 0o600))
	_, err = store.LoadResourceList(ctx, "alice", "bad")
	assert.ErrorIs(t, err, media.ErrInvalidInput)
}

func TestListDocuments(t *testing.T) {
	store, fs := newStore(t)
	ctx := context.Background()
	for _, name := range []string{"b.json", "a.json", "notes.txt"} {
		require.NoError(t, afero.WriteFile(fs, filepath.Join("/data/alice/configs", name), []byte(`{}`), 0o600))
	}

	names, err := store.ListDocuments(ctx, "alice", local.DirConfigs)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	names, err = store.ListDocuments(ctx, "alice", local.DirURLs)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = store.ListDocuments(ctx, "alice", "downloads")
	assert.ErrorIs(t, err, media.ErrInvalidInput)
}
