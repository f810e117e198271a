// Package contentstore implements the hash-keyed content store that keeps one
// copy of every fetched resource and links it into each consumer's folder.
//
// Layout: <root>/<key>/<artifact> plus sidecars sharing the artifact's stem.
// The registry maps key to artifact path; a registry entry whose file is gone
// is treated as absent so the resource is fetched again.
package contentstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/lock"
	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

var validKey = regexp.MustCompile(`^[0-9a-f]{16,128}$`)

// Policy controls how long Claim waits for a busy resource and whether it may
// proceed without the lock afterwards.
type Policy struct {
	LockWait           time.Duration
	RecheckDelay       time.Duration
	SecondWait         time.Duration
	ProceedWithoutLock bool
}

// Config configures a Store.
type Config struct {
	// Root is the directory holding one subdirectory per resource key.
	Root   string
	Policy Policy
}

// Store is the deduplicating content store.
type Store struct {
	fs       afero.Fs
	root     string
	policy   Policy
	registry media.ContentRegistry
	locks    *lock.Table
	hasher   media.Hasher
	clock    media.Clock
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// New constructs a Store. The lock table is owned by the caller so tests and
// the runner can share it.
func New(
	fs afero.Fs,
	cfg Config,
	registry media.ContentRegistry,
	locks *lock.Table,
	hasher media.Hasher,
	clock media.Clock,
	logger *zap.Logger,
) (*Store, error) {
	if fs == nil {
		return nil, errors.New("filesystem is required")
	}
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("content root is required")
	}
	if registry == nil || locks == nil || hasher == nil || clock == nil {
		return nil, errors.New("registry, locks, hasher and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := fs.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("create content root: %w", err)
	}
	return &Store{
		fs:       fs,
		root:     filepath.Clean(cfg.Root),
		policy:   cfg.Policy,
		registry: registry,
		locks:    locks,
		hasher:   hasher,
		clock:    clock,
		logger:   logger,
		sleep:    sleepCtx,
	}, nil
}

// Root returns the content directory.
func (s *Store) Root() string {
	return s.root
}

// ResourceKey derives the partition key for a resource URL. It is stable for
// a given URL and is not meant to resist tampering.
func (s *Store) ResourceKey(resourceURL string) (string, error) {
	trimmed := strings.TrimSpace(resourceURL)
	if trimmed == "" {
		return "", fmt.Errorf("resource url: %w", media.ErrInvalidInput)
	}
	key, err := s.hasher.Hash([]byte(trimmed))
	if err != nil {
		return "", fmt.Errorf("hash resource url: %w", err)
	}
	return key, nil
}

// KnownURLs returns the resource URLs of every stored artifact.
func (s *Store) KnownURLs(ctx context.Context) ([]string, error) {
	urls, err := s.registry.ListURLs(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry urls: %w", err)
	}
	return urls, nil
}

// Lookup returns the stored artifact for key. A registry entry whose file no
// longer exists is reported as absent, not as an error.
func (s *Store) Lookup(ctx context.Context, key string) (string, bool, error) {
	entry, err := s.registry.GetEntry(ctx, key)
	if errors.Is(err, media.ErrNotFound) {
		metrics.ObserveDedup("miss")
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry lookup: %w", err)
	}
	if _, err := s.fs.Stat(entry.Path); err != nil {
		if os.IsNotExist(err) {
			metrics.ObserveDedup("stale")
			s.logger.Warn("stale content entry ignored",
				zap.String("key", key),
				zap.String("path", entry.Path),
			)
			return "", false, nil
		}
		return "", false, fmt.Errorf("stat stored artifact: %w", err)
	}
	metrics.ObserveDedup("hit")
	return entry.Path, true, nil
}

// Store moves sourcePath and its sidecars into the key's directory and returns
// the canonical artifact path. If the artifact is already present the existing
// file wins and the source copies are discarded.
func (s *Store) Store(ctx context.Context, key, sourcePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	dir, err := s.keyDir(key)
	if err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create key dir: %w", err)
	}

	sidecars, err := s.siblingSidecars(sourcePath)
	if err != nil {
		return "", err
	}
	finalPath := filepath.Join(dir, filepath.Base(sourcePath))
	if err := s.place(sourcePath, finalPath); err != nil {
		return "", err
	}
	for _, sc := range sidecars {
		if err := s.place(sc, filepath.Join(dir, filepath.Base(sc))); err != nil {
			s.logger.Warn("sidecar not stored", zap.String("path", sc), zap.Error(err))
		}
	}
	s.logger.Debug("artifact stored", zap.String("key", key), zap.String("path", finalPath))
	return finalPath, nil
}

// place moves src to dst unless dst exists, in which case src is removed.
func (s *Store) place(src, dst string) error {
	exists, err := afero.Exists(s.fs, dst)
	if err != nil {
		return fmt.Errorf("check %s: %w", dst, err)
	}
	if exists {
		if err := s.fs.Remove(src); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("discard duplicate %s: %w", src, err)
		}
		return nil
	}
	return moveFile(s.fs, src, dst)
}

// Link makes the artifact at finalPath and its sidecars visible in destDir
// and returns the path of the artifact link. Symlinks are used when the
// filesystem supports them; otherwise files are copied.
func (s *Store) Link(ctx context.Context, finalPath, destDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("link artifact: %w", err)
	}
	if err := s.fs.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}
	sidecars, err := s.siblingSidecars(finalPath)
	if err != nil {
		return "", err
	}
	target := filepath.Join(destDir, filepath.Base(finalPath))
	if err := s.linkOne(finalPath, target); err != nil {
		return "", err
	}
	for _, sc := range sidecars {
		if err := s.linkOne(sc, filepath.Join(destDir, filepath.Base(sc))); err != nil {
			s.logger.Warn("sidecar not linked", zap.String("path", sc), zap.Error(err))
		}
	}
	return target, nil
}

func (s *Store) linkOne(src, dst string) error {
	if err := removeIfPresent(s.fs, dst); err != nil {
		return err
	}
	if linker, ok := s.fs.(afero.Linker); ok {
		if err := linker.SymlinkIfPossible(src, dst); err == nil {
			return nil
		}
	}
	return copyFile(s.fs, src, dst)
}

// CopyOut places a private copy of the artifact and its sidecars in destDir.
func (s *Store) CopyOut(ctx context.Context, finalPath, destDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := s.fs.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}
	sidecars, err := s.siblingSidecars(finalPath)
	if err != nil {
		return "", err
	}
	target := filepath.Join(destDir, filepath.Base(finalPath))
	for _, pair := range append([][2]string{{finalPath, target}}, sidecarPairs(sidecars, destDir)...) {
		if err := removeIfPresent(s.fs, pair[1]); err != nil {
			return "", err
		}
		if err := copyFile(s.fs, pair[0], pair[1]); err != nil {
			return "", err
		}
	}
	return target, nil
}

// MoveOut moves a freshly fetched artifact and its sidecars straight into
// destDir, bypassing the store. Used when the artifact is not shared.
func (s *Store) MoveOut(ctx context.Context, sourcePath, destDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("move artifact: %w", err)
	}
	if err := s.fs.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}
	sidecars, err := s.siblingSidecars(sourcePath)
	if err != nil {
		return "", err
	}
	target := filepath.Join(destDir, filepath.Base(sourcePath))
	for _, pair := range append([][2]string{{sourcePath, target}}, sidecarPairs(sidecars, destDir)...) {
		if err := removeIfPresent(s.fs, pair[1]); err != nil {
			return "", err
		}
		if err := moveFile(s.fs, pair[0], pair[1]); err != nil {
			return "", err
		}
	}
	return target, nil
}

// Record registers the artifact for key and, optionally, one consumer link.
func (s *Store) Record(ctx context.Context, entry media.ContentEntry, link *media.ContentLink) error {
	now := s.clock.Now()
	if entry.Created.IsZero() {
		entry.Created = now
	}
	if link != nil && link.Created.IsZero() {
		link.Created = now
	}
	if err := s.registry.RecordContent(ctx, entry, link); err != nil {
		return fmt.Errorf("record content: %w", err)
	}
	return nil
}

// Release frees the resource lock for key. It is safe to call for unheld keys.
func (s *Store) Release(key string) {
	s.locks.Release(key)
}

func (s *Store) keyDir(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("resource key %q: %w", key, media.ErrInvalidInput)
	}
	return filepath.Join(s.root, key), nil
}

// siblingSidecars lists files next to path that share its stem.
func (s *Store) siblingSidecars(path string) ([]string, error) {
	dir := filepath.Dir(path)
	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	stem := media.Stem(path)
	base := filepath.Base(path)
	var out []string
	for _, info := range infos {
		if info.IsDir() || info.Name() == base {
			continue
		}
		if media.IsSidecarOf(stem, info.Name()) {
			out = append(out, filepath.Join(dir, info.Name()))
		}
	}
	return out, nil
}

func sidecarPairs(sidecars []string, destDir string) [][2]string {
	pairs := make([][2]string, 0, len(sidecars))
	for _, sc := range sidecars {
		pairs = append(pairs, [2]string{sc, filepath.Join(destDir, filepath.Base(sc))})
	}
	return pairs
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("recheck wait: %w", ctx.Err())
	}
}
