package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/fetch"
)

// seedArchive appends an archive line for every stored artifact the engine
// can recognize, so playlist items another user already fetched are skipped
// by the engine itself. Failures only cost the shortcut and are logged.
func (r *Runner) seedArchive(ctx context.Context, path string, logger *zap.Logger) {
	if path == "" || !filepath.IsAbs(path) {
		return
	}
	added, err := r.appendArchive(ctx, path)
	if err != nil {
		logger.Warn("download archive not seeded", zap.String("path", path), zap.Error(err))
		return
	}
	if added > 0 {
		logger.Info("download archive seeded", zap.String("path", path), zap.Int("added", added))
	}
}

func (r *Runner) appendArchive(ctx context.Context, path string) (int, error) {
	urls, err := r.deps.Content.KnownURLs(ctx)
	if err != nil {
		return 0, err
	}

	existing := make(map[string]struct{})
	raw, err := afero.ReadFile(r.deps.FS, path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("read archive: %w", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			existing[line] = struct{}{}
		}
	}

	var buf bytes.Buffer
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		buf.WriteByte('\n')
	}
	added := 0
	for _, u := range urls {
		line, ok := fetch.ArchiveEntry(u)
		if !ok {
			continue
		}
		if _, dup := existing[line]; dup {
			continue
		}
		existing[line] = struct{}{}
		buf.WriteString(line)
		buf.WriteByte('\n')
		added++
	}
	if added == 0 {
		return 0, nil
	}

	if err := r.deps.FS.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, fmt.Errorf("create archive dir: %w", err)
	}
	f, err := r.deps.FS.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("append archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close archive: %w", err)
	}
	return added, nil
}
