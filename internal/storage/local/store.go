// Package local implements the per-user data directory: named option
// documents, named URL lists and the per-user output and log folders.
//
// Layout under the data root:
//
//	<root>/<user>/configs/<name>.json
//	<root>/<user>/urls/<name>.json
//	<root>/<user>/downloads/<folder>/...
//	<root>/<user>/logs/<job-id>.log
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

// Per-user subdirectories.
const (
	DirConfigs   = "configs"
	DirURLs      = "urls"
	DirDownloads = "downloads"
	DirLogs      = "logs"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._ -]*$`)

// Config captures the parameters for the data directory.
type Config struct {
	// Root is the directory holding one folder per user.
	Root string `mapstructure:"data_dir" yaml:"data_dir"`
}

// Store reads user documents from the data directory. It implements
// media.ConfigStore, media.ResourceListStore and media.UserDirectory.
type Store struct {
	fs     afero.Fs
	root   string
	logger *zap.Logger
}

// New creates the data root if needed and checks that it is writable.
func New(fs afero.Fs, cfg Config, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := fs.Stat(cfg.Root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := fs.MkdirAll(cfg.Root, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat data directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("data directory path is not a directory")
	}

	testFile := filepath.Join(cfg.Root, ".writable_test")
	if err := afero.WriteFile(fs, testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("data directory is not writable: %w", err)
	}
	if err := fs.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{fs: fs, root: filepath.Clean(cfg.Root), logger: logger}, nil
}

// Root returns the data root.
func (s *Store) Root() string {
	return s.root
}

// UserExists reports whether the user's folder exists.
func (s *Store) UserExists(_ context.Context, userID string) (bool, error) {
	if err := checkName("user", userID); err != nil {
		return false, err
	}
	ok, err := afero.DirExists(s.fs, filepath.Join(s.root, userID))
	if err != nil {
		return false, fmt.Errorf("stat user %s: %w", userID, err)
	}
	return ok, nil
}

// EnsureUser creates the user's folder tree.
func (s *Store) EnsureUser(_ context.Context, userID string) error {
	if err := checkName("user", userID); err != nil {
		return err
	}
	for _, dir := range []string{DirConfigs, DirURLs, DirDownloads, DirLogs} {
		if err := s.fs.MkdirAll(filepath.Join(s.root, userID, dir), 0o750); err != nil {
			return fmt.Errorf("create %s for %s: %w", dir, userID, err)
		}
	}
	return nil
}

// DownloadDir returns the user's output root.
func (s *Store) DownloadDir(userID string) string {
	return filepath.Join(s.root, userID, DirDownloads)
}

// ConfigDir returns the folder holding the user's option documents.
func (s *Store) ConfigDir(userID string) string {
	return filepath.Join(s.root, userID, DirConfigs)
}

// LogDir returns the folder receiving the user's per-job logs.
func (s *Store) LogDir(userID string) string {
	return filepath.Join(s.root, userID, DirLogs)
}

// LoadConfig returns the raw option document.
func (s *Store) LoadConfig(_ context.Context, userID, name string) ([]byte, error) {
	path, err := s.document(userID, DirConfigs, name)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, wrapRead("config", userID, name, err)
	}
	return data, nil
}

// LoadResourceList returns the folder to URL mapping. A folder whose value is
// a single string is treated as a one-element list. Other value types are
// skipped with a warning.
func (s *Store) LoadResourceList(_ context.Context, userID, name string) (media.ResourceList, error) {
	path, err := s.document(userID, DirURLs, name)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, wrapRead("url list", userID, name, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode url list %s/%s: %w: %w", userID, name, media.ErrInvalidInput, err)
	}
	list := make(media.ResourceList, len(raw))
	for folder, value := range raw {
		var one string
		if err := json.Unmarshal(value, &one); err == nil {
			list[folder] = []string{one}
			continue
		}
		var many []string
		if err := json.Unmarshal(value, &many); err == nil {
			list[folder] = many
			continue
		}
		s.logger.Warn("skipping folder with invalid url format",
			zap.String("user", userID), zap.String("list", name), zap.String("folder", folder))
	}
	return list, nil
}

// ListDocuments returns the names of the user's option documents or URL
// lists, sorted.
func (s *Store) ListDocuments(_ context.Context, userID, kind string) ([]string, error) {
	if err := checkName("user", userID); err != nil {
		return nil, err
	}
	if kind != DirConfigs && kind != DirURLs {
		return nil, fmt.Errorf("unknown document kind %q: %w", kind, media.ErrInvalidInput)
	}
	entries, err := afero.ReadDir(s.fs, filepath.Join(s.root, userID, kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s for %s: %w", kind, userID, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) document(userID, kind, name string) (string, error) {
	if err := checkName("user", userID); err != nil {
		return "", err
	}
	if err := checkName(kind, name); err != nil {
		return "", err
	}
	return filepath.Join(s.root, userID, kind, name+".json"), nil
}

func checkName(what, name string) error {
	if !validName.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%s name %q: %w", what, name, media.ErrInvalidInput)
	}
	return nil
}

func wrapRead(what, userID, name string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s %s/%s: %w", what, userID, name, media.ErrNotFound)
	}
	return fmt.Errorf("read %s %s/%s: %w", what, userID, name, err)
}
