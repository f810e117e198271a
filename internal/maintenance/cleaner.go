// Package maintenance implements housekeeping actions run by scheduled tasks.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
)

// Result summarizes one cleanup run.
type Result struct {
	FilesDeleted   int   `json:"files_deleted"`
	FoldersDeleted int   `json:"folders_deleted"`
	BytesFreed     int64 `json:"space_freed"`
}

// Cleaner removes old entries from a user's download folder. It never
// touches the shared content store: deleting a link only removes this
// user's view of an artifact.
type Cleaner struct {
	fs     afero.Fs
	users  media.UserDirectory
	clock  media.Clock
	logger *zap.Logger
}

// New constructs a Cleaner.
func New(fs afero.Fs, users media.UserDirectory, clock media.Clock, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{fs: fs, users: users, clock: clock, logger: logger}
}

type walkedDir struct {
	path    string
	depth   int
	modTime time.Time
}

// Run deletes files and links modified more than days ago, then removes
// directories that are empty and were already older than the cutoff before
// the run started, deepest first.
func (c *Cleaner) Run(ctx context.Context, userID string, days int) (Result, error) {
	var res Result
	if days <= 0 {
		return res, fmt.Errorf("days must be positive, got %d: %w", days, media.ErrInvalidInput)
	}
	root := filepath.Clean(c.users.DownloadDir(userID))
	exists, err := afero.DirExists(c.fs, root)
	if err != nil {
		return res, fmt.Errorf("stat %s: %w", root, err)
	}
	if !exists {
		return res, nil
	}
	cutoff := c.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)

	var dirs []walkedDir
	err = afero.Walk(c.fs, root, func(path string, info os.FileInfo, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if walkErr != nil {
			c.logger.Warn("cleanup walk error", zap.String("path", path), zap.Error(walkErr))
			return nil
		}
		if path == root {
			return nil
		}
		if info.IsDir() {
			dirs = append(dirs, walkedDir{path: path, depth: strings.Count(path, string(filepath.Separator)), modTime: info.ModTime()})
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := c.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("cleanup could not delete file", zap.String("path", path), zap.Error(err))
			return nil
		}
		res.FilesDeleted++
		if info.Mode().IsRegular() {
			res.BytesFreed += info.Size()
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("walk %s: %w", root, err)
	}

	sort.SliceStable(dirs, func(i, j int) bool { return dirs[i].depth > dirs[j].depth })
	for _, dir := range dirs {
		if !dir.modTime.Before(cutoff) {
			continue
		}
		empty, err := afero.IsEmpty(c.fs, dir.path)
		if err != nil || !empty {
			continue
		}
		if err := c.fs.Remove(dir.path); err != nil {
			c.logger.Warn("cleanup could not delete folder", zap.String("path", dir.path), zap.Error(err))
			continue
		}
		res.FoldersDeleted++
	}

	metrics.ObserveCleanup(res.BytesFreed)
	c.logger.Info("cleanup finished",
		zap.String("user", userID),
		zap.Int("days", days),
		zap.Int("files_deleted", res.FilesDeleted),
		zap.Int("folders_deleted", res.FoldersDeleted),
		zap.Int64("bytes_freed", res.BytesFreed))
	return res, nil
}
