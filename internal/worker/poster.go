package worker

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
	"github.com/JakeFAU/media-fetcher/internal/media"
)

const (
	posterStem       = "poster"
	folderStem       = "folder"
	untitledPrefix   = "NA - "
	untitledPosterAs = "poster.jpg"
)

// applyPoster gives dir a poster image when the config asks for one. An
// existing poster wins; otherwise a folder image is copied, an untitled
// thumbnail is renamed, or the first thumbnail is copied.
func (r *Runner) applyPoster(opts fetch.Options, dir string, logger *zap.Logger) {
	if !opts.Poster() {
		return
	}
	if err := ensurePoster(r.deps.FS, dir); err != nil {
		logger.Warn("poster not created", zap.String("dir", dir), zap.Error(err))
	}
}

func ensurePoster(fs afero.Fs, dir string) error {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}
	var images []string
	folderImage, untitled := "", ""
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !isThumbnail(name) {
			continue
		}
		switch stem := strings.ToLower(media.Stem(name)); {
		case stem == posterStem:
			return nil
		case stem == folderStem && folderImage == "":
			folderImage = name
		case strings.HasPrefix(name, untitledPrefix) && untitled == "":
			untitled = name
		}
		images = append(images, name)
	}

	switch {
	case folderImage != "":
		return copyInto(fs, dir, folderImage, posterStem+filepath.Ext(folderImage))
	case untitled != "":
		if err := fs.Rename(filepath.Join(dir, untitled), filepath.Join(dir, untitledPosterAs)); err != nil {
			return fmt.Errorf("rename %s: %w", untitled, err)
		}
		return nil
	case len(images) > 0:
		return copyInto(fs, dir, images[0], posterStem+filepath.Ext(images[0]))
	}
	return nil
}

func isThumbnail(name string) bool {
	return slices.Contains(media.ThumbnailExtensions, strings.ToLower(filepath.Ext(name)))
}

// copyInto reads through links so the poster is a real file.
func copyInto(fs afero.Fs, dir, src, dst string) error {
	data, err := afero.ReadFile(fs, filepath.Join(dir, src))
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, dst), data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
