package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// MediaContent identifies a physical remote file independent of its URL.
type MediaContent struct {
	ContentID     string
	URL           string
	ETag          string
	LastModified  string
	ContentLength int64
	Mime          string
}

// ThumbnailEntry is one cached thumbnail variant of a content identity.
type ThumbnailEntry struct {
	ContentID    string
	Width        int
	Height       int
	Path         string
	LastAccessed time.Time
	AccessCount  int
}

// Area returns Width*Height.
func (e ThumbnailEntry) Area() int {
	return e.Width * e.Height
}

// GetContentIDForURL returns the content id mapped to url, or "" if none.
func (s *Store) GetContentIDForURL(ctx context.Context, url string) (string, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_content_id", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var id string
	err = s.db.QueryRowContext(ctx, "SELECT content_id FROM media_url_map WHERE url = ?", url).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return "", nil
	}
	return id, err
}

// CacheMediaContent upserts a content identity record.
func (s *Store) CacheMediaContent(ctx context.Context, c MediaContent) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("cache_media_content", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO media_content_cache (content_id, url, etag, last_modified, content_length, mime)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			etag = COALESCE(NULLIF(excluded.etag, ''), media_content_cache.etag),
			last_modified = COALESCE(NULLIF(excluded.last_modified, ''), media_content_cache.last_modified),
			content_length = CASE WHEN excluded.content_length > 0
				THEN excluded.content_length ELSE media_content_cache.content_length END,
			mime = COALESCE(NULLIF(excluded.mime, ''), media_content_cache.mime)
	`, c.ContentID, c.URL, c.ETag, c.LastModified, c.ContentLength, c.Mime)
	return err
}

// MapMediaURL points url at contentID, replacing any previous mapping.
func (s *Store) MapMediaURL(ctx context.Context, url, contentID string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("map_media_url", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO media_url_map (url, content_id) VALUES (?, ?)
		ON CONFLICT(url) DO UPDATE SET
			content_id = excluded.content_id,
			updated_at = strftime('%s', 'now')
	`, url, contentID)
	return err
}

// CacheThumbnailForContent records a thumbnail file for a content identity.
func (s *Store) CacheThumbnailForContent(ctx context.Context, contentID string, width, height int, path string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("cache_thumbnail", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO media_thumbnail_cache (content_id, width, height, thumbnail_path)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_id, width, height) DO UPDATE SET
			thumbnail_path = excluded.thumbnail_path,
			last_accessed = strftime('%s', 'now')
	`, contentID, width, height, path)
	return err
}

const thumbnailColumns = "content_id, width, height, thumbnail_path, last_accessed, access_count"

func scanThumbnail(row interface{ Scan(...any) error }) (ThumbnailEntry, error) {
	var e ThumbnailEntry
	var accessed int64
	err := row.Scan(&e.ContentID, &e.Width, &e.Height, &e.Path, &accessed, &e.AccessCount)
	e.LastAccessed = time.Unix(accessed, 0)
	return e, err
}

// GetCachedThumbnail returns the exact-size entry, or nil.
func (s *Store) GetCachedThumbnail(ctx context.Context, contentID string, width, height int) (*ThumbnailEntry, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_cached_thumbnail", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		"SELECT "+thumbnailColumns+" FROM media_thumbnail_cache WHERE content_id = ? AND width = ? AND height = ?",
		contentID, width, height)
	e, err := scanThumbnail(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetThumbnailVariants lists every cached size of contentID, largest area first.
func (s *Store) GetThumbnailVariants(ctx context.Context, contentID string) ([]ThumbnailEntry, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_thumbnail_variants", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+thumbnailColumns+" FROM media_thumbnail_cache WHERE content_id = ? ORDER BY width * height DESC",
		contentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ThumbnailEntry
	for rows.Next() {
		var e ThumbnailEntry
		e, err = scanThumbnail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	err = rows.Err()
	return out, err
}

// TouchThumbnailEntry bumps the access time and count of one variant.
func (s *Store) TouchThumbnailEntry(ctx context.Context, contentID string, width, height int) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("touch_thumbnail", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		UPDATE media_thumbnail_cache
		SET last_accessed = strftime('%s', 'now'), access_count = access_count + 1
		WHERE content_id = ? AND width = ? AND height = ?
	`, contentID, width, height)
	return err
}
