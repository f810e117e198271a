package media

import (
	"path/filepath"
	"strings"
)

// MediaExtensions are the primary artifact types produced by the fetch engine.
var MediaExtensions = []string{".mkv", ".mp4", ".webm", ".flv"}

// SidecarExtensions are auxiliary files that travel with an artifact sharing
// its stem: thumbnails, metadata and subtitles.
var SidecarExtensions = []string{
	".jpg", ".jpeg", ".webp", ".png",
	".description", ".info.json", ".desktop",
	".srt", ".vtt", ".ass",
}

// ThumbnailExtensions is the subset of sidecars usable as a poster image.
var ThumbnailExtensions = []string{".jpg", ".jpeg", ".webp", ".png"}

// IsMediaFile reports whether name carries a primary media extension.
func IsMediaFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, m := range MediaExtensions {
		if ext == m {
			return true
		}
	}
	return false
}

// Stem strips the final extension from a file name.
func Stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsSidecarOf reports whether candidate is a sidecar of the artifact whose
// stem is given. Language-tagged subtitles such as "<stem>.en.vtt" match.
func IsSidecarOf(stem, candidate string) bool {
	base := filepath.Base(candidate)
	if !strings.HasPrefix(base, stem+".") {
		return false
	}
	lower := strings.ToLower(base)
	for _, ext := range SidecarExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
