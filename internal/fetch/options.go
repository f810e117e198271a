package fetch

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

// Section names of the sectioned option document.
const (
	sectionEngine = "yt-dlp"
	sectionCustom = "custom"
)

// Custom option keys understood by the adapter.
const (
	CustomDownloadTimeout = "download-timeout"
	CustomStallTimeout    = "stall-timeout"
	CustomPoster          = "poster"
	CustomRandomAgent     = "random-agent"
)

// FlagDownloadArchive names the engine's download archive file.
const FlagDownloadArchive = "download-archive"

// PathFlags are engine flags whose values name files kept in the user's
// config folder.
var PathFlags = []string{"cookies", FlagDownloadArchive}

// reservedFlags are owned by the adapter and dropped from user options.
var reservedFlags = map[string]struct{}{
	"o":        {},
	"output":   {},
	"paths":    {},
	"p":        {},
	"progress": {},
}

// subtitleLangFlags imply subtitle writing, mirroring how the engine treats
// an explicit language list.
var subtitleLangFlags = map[string]struct{}{
	"sub-langs":      {},
	"subtitleslangs": {},
}

// repeatableFlags take one value per occurrence. A list value emits the flag
// once per item instead of comma-joining.
var repeatableFlags = map[string]struct{}{
	"add-headers":         {},
	"download-sections":   {},
	"exec":                {},
	"extractor-args":      {},
	"match-filters":       {},
	"parse-metadata":      {},
	"postprocessor-args":  {},
	"ppa":                 {},
	"replace-in-metadata": {},
	"use-postprocessor":   {},
}

// Options is a declarative fetch configuration: engine flags plus adapter
// level settings.
type Options struct {
	Engine map[string]any `json:"yt-dlp"`
	Custom map[string]any `json:"custom"`
}

// ParseOptions decodes either the sectioned format
// {"yt-dlp": {...}, "custom": {...}}, where either section may be omitted, or
// the legacy flat format, where keys beginning with "_" are custom settings.
func ParseOptions(raw []byte) (Options, error) {
	opts := Options{Engine: map[string]any{}, Custom: map[string]any{}}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return opts, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Options{}, fmt.Errorf("decode options: %w: %w", media.ErrInvalidInput, err)
	}

	engineSection, sectioned := doc[sectionEngine]
	customSection, hasCustom := doc[sectionCustom]
	if sectioned || hasCustom {
		if sectioned {
			engine, ok := engineSection.(map[string]any)
			if !ok {
				return Options{}, fmt.Errorf("options section %q must be an object: %w", sectionEngine, media.ErrInvalidInput)
			}
			opts.Engine = engine
		}
		if hasCustom {
			custom, ok := customSection.(map[string]any)
			if !ok {
				return Options{}, fmt.Errorf("options section %q must be an object: %w", sectionCustom, media.ErrInvalidInput)
			}
			for k, v := range custom {
				opts.Custom[normalizeKey(k)] = v
			}
		}
		return opts, nil
	}

	for k, v := range doc {
		if strings.HasPrefix(k, "_") {
			opts.Custom[normalizeKey(k)] = v
			continue
		}
		opts.Engine[k] = v
	}
	return opts, nil
}

// Args renders the engine flags as an argument vector. Booleans toggle a
// flag and scalars become "--flag value". Lists are comma-joined, except for
// repeatable flags such as postprocessor-args, which are emitted once per
// item. Output is sorted by flag name.
func (o Options) Args() []string {
	keys := make([]string, 0, len(o.Engine))
	flags := make(map[string]any, len(o.Engine))
	for k, v := range o.Engine {
		name := normalizeKey(k)
		if name == "" {
			continue
		}
		if _, reserved := reservedFlags[name]; reserved {
			continue
		}
		if _, seen := flags[name]; !seen {
			keys = append(keys, name)
		}
		flags[name] = v
	}
	for name := range subtitleLangFlags {
		if _, ok := flags[name]; !ok {
			continue
		}
		for _, implied := range []string{"write-subs", "write-auto-subs"} {
			if _, ok := flags[implied]; !ok {
				flags[implied] = true
				keys = append(keys, implied)
			}
		}
	}
	sort.Strings(keys)

	var args []string
	for _, name := range keys {
		flag := "--" + name
		if len(name) == 1 {
			flag = "-" + name
		}
		switch v := flags[name].(type) {
		case nil:
		case bool:
			if v {
				args = append(args, flag)
			}
		case []any:
			if _, repeat := repeatableFlags[name]; repeat {
				for _, item := range v {
					args = append(args, flag, formatValue(item))
				}
				continue
			}
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, formatValue(item))
			}
			args = append(args, flag, strings.Join(parts, ","))
		default:
			args = append(args, flag, formatValue(v))
		}
	}
	return args
}

// ResolvePaths rewrites relative values of PathFlags. resolve receives the
// normalized flag and the value and returns the replacement path and whether
// to use it.
func (o Options) ResolvePaths(resolve func(flag, name string) (string, bool)) {
	for k, v := range o.Engine {
		flag := normalizeKey(k)
		if !slices.Contains(PathFlags, flag) {
			continue
		}
		name, ok := v.(string)
		if !ok || name == "" || filepath.IsAbs(name) {
			continue
		}
		if path, ok := resolve(flag, name); ok {
			o.Engine[k] = path
		}
	}
}

// DownloadTimeout returns the custom total timeout or def.
func (o Options) DownloadTimeout(def time.Duration) time.Duration {
	return o.seconds(CustomDownloadTimeout, def)
}

// StallTimeout returns the custom stall timeout or def.
func (o Options) StallTimeout(def time.Duration) time.Duration {
	return o.seconds(CustomStallTimeout, def)
}

// HasFlag reports whether the engine flags set name, in any spelling.
func (o Options) HasFlag(name string) bool {
	for k := range o.Engine {
		if normalizeKey(k) == name {
			return true
		}
	}
	return false
}

// DownloadArchive returns the download archive path, or "" when unset.
func (o Options) DownloadArchive() string {
	for k, v := range o.Engine {
		if normalizeKey(k) != FlagDownloadArchive {
			continue
		}
		if path, ok := v.(string); ok {
			return path
		}
	}
	return ""
}

// RandomAgent reports whether each fetch should present a random User-Agent.
func (o Options) RandomAgent() bool {
	return o.customBool(CustomRandomAgent)
}

// Poster reports whether a poster image should be ensured per folder.
func (o Options) Poster() bool {
	return o.customBool(CustomPoster)
}

func (o Options) customBool(key string) bool {
	v, ok := o.Custom[key]
	if !ok {
		return false
	}
	b, err := cast.ToBoolE(v)
	return err == nil && b
}

func (o Options) seconds(key string, def time.Duration) time.Duration {
	v, ok := o.Custom[key]
	if !ok {
		return def
	}
	if s, isString := v.(string); isString {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	secs, err := cast.ToFloat64E(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

func normalizeKey(k string) string {
	k = strings.TrimLeft(strings.TrimSpace(k), "-_")
	return strings.ReplaceAll(k, "_", "-")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return cast.ToString(x)
	}
}
