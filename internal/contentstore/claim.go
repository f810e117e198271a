package contentstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

// ClaimMode describes how a Claim ended.
type ClaimMode string

// Claim outcomes.
const (
	// ClaimLocked means the caller holds the resource lock and must Release.
	ClaimLocked ClaimMode = "locked"
	// ClaimResolved means another worker stored the resource while we
	// waited; Path is the stored artifact and no lock is held.
	ClaimResolved ClaimMode = "resolved"
	// ClaimUnlocked means the wait budget ran out and the caller proceeds
	// without the lock. Deduplication may be imperfect for this resource.
	ClaimUnlocked ClaimMode = "unlocked"
)

// Claim is the result of Store.Claim.
type Claim struct {
	Key  string
	Mode ClaimMode
	Path string

	store *Store
}

// Release frees the lock if this claim holds it.
func (c Claim) Release() {
	if c.Mode == ClaimLocked && c.store != nil {
		c.store.Release(c.Key)
	}
}

// Claim takes the resource lock for key. If the first wait times out it
// re-checks the registry, waits once more, and then either proceeds without
// the lock or fails with media.ErrLockTimeout depending on the policy. It
// never waits longer than LockWait + RecheckDelay + SecondWait.
func (s *Store) Claim(ctx context.Context, key string) (Claim, error) {
	start := time.Now()
	claim, err := s.claim(ctx, key)
	outcome := string(claim.Mode)
	if err != nil {
		outcome = "error"
	}
	metrics.ObserveLockWait(outcome, time.Since(start))
	return claim, err
}

func (s *Store) claim(ctx context.Context, key string) (Claim, error) {
	if s.locks.Acquire(ctx, key, s.policy.LockWait) {
		return Claim{Key: key, Mode: ClaimLocked, store: s}, nil
	}
	if err := ctx.Err(); err != nil {
		return Claim{}, fmt.Errorf("claim %s: %w", key, err)
	}

	if path, ok, err := s.Lookup(ctx, key); err != nil {
		return Claim{}, err
	} else if ok {
		return Claim{Key: key, Mode: ClaimResolved, Path: path}, nil
	}

	s.logger.Info("resource busy, waiting for the other fetch", zap.String("key", key))
	if err := s.sleep(ctx, s.policy.RecheckDelay); err != nil {
		return Claim{}, err
	}
	if s.locks.Acquire(ctx, key, s.policy.SecondWait) {
		return Claim{Key: key, Mode: ClaimLocked, store: s}, nil
	}
	if err := ctx.Err(); err != nil {
		return Claim{}, fmt.Errorf("claim %s: %w", key, err)
	}

	if path, ok, err := s.Lookup(ctx, key); err != nil {
		return Claim{}, err
	} else if ok {
		return Claim{Key: key, Mode: ClaimResolved, Path: path}, nil
	}
	if !s.policy.ProceedWithoutLock {
		return Claim{}, fmt.Errorf("claim %s: %w", key, media.ErrLockTimeout)
	}
	s.logger.Warn("proceeding without resource lock", zap.String("key", key))
	return Claim{Key: key, Mode: ClaimUnlocked}, nil
}
