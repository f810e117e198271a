package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

// ContentRegistry is an in-memory media.ContentRegistry.
type ContentRegistry struct {
	mu      sync.RWMutex
	entries map[string]media.ContentEntry
	links   map[string][]media.ContentLink
}

// NewContentRegistry constructs an empty registry.
func NewContentRegistry() *ContentRegistry {
	return &ContentRegistry{
		entries: make(map[string]media.ContentEntry),
		links:   make(map[string][]media.ContentLink),
	}
}

// GetEntry returns the entry for key.
func (r *ContentRegistry) GetEntry(_ context.Context, key string) (media.ContentEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[key]
	if !ok {
		return media.ContentEntry{}, fmt.Errorf("content %s: %w", key, media.ErrNotFound)
	}
	return entry, nil
}

// RecordContent upserts the entry and appends the link under one lock. An
// existing entry keeps its original creator and creation time.
func (r *ContentRegistry) RecordContent(_ context.Context, entry media.ContentEntry, link *media.ContentLink) error {
	if entry.Key == "" || entry.Path == "" {
		return fmt.Errorf("content entry key and path: %w", media.ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[entry.Key]; ok {
		existing.Path = entry.Path
		existing.URL = entry.URL
		r.entries[entry.Key] = existing
	} else {
		r.entries[entry.Key] = entry
	}
	if link != nil {
		l := *link
		l.Key = entry.Key
		kept := r.links[entry.Key][:0:0]
		for _, prev := range r.links[entry.Key] {
			if prev.LinkPath != l.LinkPath {
				kept = append(kept, prev)
			}
		}
		r.links[entry.Key] = append(kept, l)
	}
	return nil
}

// ListLinks returns the consumer links recorded for key.
func (r *ContentRegistry) ListLinks(_ context.Context, key string) ([]media.ContentLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	links := r.links[key]
	out := make([]media.ContentLink, len(links))
	copy(out, links)
	return out, nil
}

// ListURLs returns the distinct entry URLs, sorted.
func (r *ContentRegistry) ListURLs(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.entries))
	urls := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.URL == "" {
			continue
		}
		if _, dup := seen[entry.URL]; dup {
			continue
		}
		seen[entry.URL] = struct{}{}
		urls = append(urls, entry.URL)
	}
	sort.Strings(urls)
	return urls, nil
}

// Len returns the number of registered entries.
func (r *ContentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
