package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/media-fetcher/internal/media"
)

// ContentRegistry stores content entries and consumer links.
type ContentRegistry struct {
	pool pool
}

// NewContentRegistry constructs a registry from an existing pool.
func NewContentRegistry(p pool) (*ContentRegistry, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ContentRegistry{pool: p}, nil
}

// GetEntry returns the entry for key or media.ErrNotFound.
func (r *ContentRegistry) GetEntry(ctx context.Context, key string) (media.ContentEntry, error) {
	var e media.ContentEntry
	err := r.pool.QueryRow(ctx, `
SELECT resource_key, url, path, user_id, created_at
FROM content_entries WHERE resource_key = $1`, key).Scan(
		&e.Key, &e.URL, &e.Path, &e.UserID, &e.Created,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return media.ContentEntry{}, fmt.Errorf("content %s: %w", key, media.ErrNotFound)
		}
		return media.ContentEntry{}, fmt.Errorf("get content entry: %w", err)
	}
	return e, nil
}

// RecordContent upserts the entry and the optional link in one transaction.
// A re-stored entry keeps its original creator and creation time.
func (r *ContentRegistry) RecordContent(ctx context.Context, entry media.ContentEntry, link *media.ContentLink) (err error) {
	if entry.Key == "" || entry.Path == "" {
		return fmt.Errorf("content entry key and path are required: %w", media.ErrInvalidInput)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin content tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `
INSERT INTO content_entries (resource_key, url, path, user_id, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (resource_key) DO UPDATE SET path = EXCLUDED.path, url = EXCLUDED.url`,
		entry.Key, entry.URL, entry.Path, entry.UserID, entry.Created,
	); err != nil {
		return fmt.Errorf("upsert content entry: %w", err)
	}
	if link != nil {
		if _, err = tx.Exec(ctx, `
INSERT INTO content_links (link_path, resource_key, user_id, job_id, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (link_path) DO UPDATE SET
	resource_key = EXCLUDED.resource_key,
	user_id = EXCLUDED.user_id,
	job_id = EXCLUDED.job_id,
	created_at = EXCLUDED.created_at`,
			link.LinkPath, entry.Key, link.UserID, link.JobID, link.Created,
		); err != nil {
			return fmt.Errorf("upsert content link: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit content tx: %w", err)
	}
	return nil
}

// ListURLs returns the distinct entry URLs, sorted.
func (r *ContentRegistry) ListURLs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
SELECT DISTINCT url FROM content_entries WHERE url <> '' ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("list content urls: %w", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan content urls: %w", err)
	}
	return urls, nil
}

// ListLinks returns the links recorded for key, oldest first.
func (r *ContentRegistry) ListLinks(ctx context.Context, key string) ([]media.ContentLink, error) {
	rows, err := r.pool.Query(ctx, `
SELECT resource_key, user_id, job_id, link_path, created_at
FROM content_links WHERE resource_key = $1
ORDER BY created_at, link_path`, key)
	if err != nil {
		return nil, fmt.Errorf("list content links: %w", err)
	}
	defer rows.Close()

	var links []media.ContentLink
	for rows.Next() {
		var l media.ContentLink
		if err := rows.Scan(&l.Key, &l.UserID, &l.JobID, &l.LinkPath, &l.Created); err != nil {
			return nil, fmt.Errorf("scan content link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list content links: %w", err)
	}
	return links, nil
}
