package contentstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

func TestClaimLocksFreeResource(t *testing.T) {
	t.Parallel()

	store, _, locks := newTestStore(t, afero.NewMemMapFs(), "/global", Policy{LockWait: time.Second})
	claim, err := store.Claim(context.Background(), "abcdef0123456789")
	require.NoError(t, err)
	require.Equal(t, ClaimLocked, claim.Mode)
	require.True(t, locks.Held("abcdef0123456789"))

	claim.Release()
	claim.Release()
	require.False(t, locks.Held("abcdef0123456789"))
}

func TestClaimResolvesWhenOtherWorkerFinished(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	store, _, locks := newTestStore(t, fs, "/global", Policy{
		LockWait:   10 * time.Millisecond,
		SecondWait: 10 * time.Millisecond,
	})
	ctx := context.Background()
	key := "abcdef0123456789"
	require.True(t, locks.TryAcquire(key))

	path := filepath.Join("/global", key, "clip.mp4")
	writeFile(t, fs, path, "video")
	require.NoError(t, store.Record(ctx, media.ContentEntry{Key: key, Path: path}, nil))

	claim, err := store.Claim(ctx, key)
	require.NoError(t, err)
	require.Equal(t, ClaimResolved, claim.Mode)
	require.Equal(t, path, claim.Path)
	claim.Release()
	require.True(t, locks.Held(key), "resolved claims must not release another worker's lock")
}

func TestClaimProceedsWithoutLockAfterBoundedWait(t *testing.T) {
	t.Parallel()

	store, _, locks := newTestStore(t, afero.NewMemMapFs(), "/global", Policy{
		LockWait:           10 * time.Millisecond,
		RecheckDelay:       10 * time.Millisecond,
		SecondWait:         10 * time.Millisecond,
		ProceedWithoutLock: true,
	})
	require.True(t, locks.TryAcquire("abcdef0123456789"))

	start := time.Now()
	claim, err := store.Claim(context.Background(), "abcdef0123456789")
	require.NoError(t, err)
	require.Equal(t, ClaimUnlocked, claim.Mode)
	require.Less(t, time.Since(start), time.Second)
}

func TestClaimFailsWhenFallbackDisabled(t *testing.T) {
	t.Parallel()

	store, _, locks := newTestStore(t, afero.NewMemMapFs(), "/global", Policy{
		LockWait:   5 * time.Millisecond,
		SecondWait: 5 * time.Millisecond,
	})
	require.True(t, locks.TryAcquire("abcdef0123456789"))

	_, err := store.Claim(context.Background(), "abcdef0123456789")
	require.ErrorIs(t, err, media.ErrLockTimeout)
}

func TestClaimSecondWaitSucceedsAfterRelease(t *testing.T) {
	t.Parallel()

	store, _, locks := newTestStore(t, afero.NewMemMapFs(), "/global", Policy{
		LockWait:     5 * time.Millisecond,
		RecheckDelay: 5 * time.Millisecond,
		SecondWait:   2 * time.Second,
	})
	require.True(t, locks.TryAcquire("abcdef0123456789"))
	go func() {
		time.Sleep(50 * time.Millisecond)
		locks.Release("abcdef0123456789")
	}()

	claim, err := store.Claim(context.Background(), "abcdef0123456789")
	require.NoError(t, err)
	require.Equal(t, ClaimLocked, claim.Mode)
	claim.Release()
}

func TestClaimHonorsCancellation(t *testing.T) {
	t.Parallel()

	store, _, locks := newTestStore(t, afero.NewMemMapFs(), "/global", Policy{
		LockWait:     time.Minute,
		RecheckDelay: time.Minute,
		SecondWait:   time.Minute,
	})
	require.True(t, locks.TryAcquire("abcdef0123456789"))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := store.Claim(ctx, "abcdef0123456789")
	require.ErrorIs(t, err, context.Canceled)
}
