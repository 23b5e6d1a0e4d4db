package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// OversizedEntry records a URL whose size exceeded the limit in force when it
// was last attempted.
type OversizedEntry struct {
	URL       string
	Size      int64
	Limit     int64
	FlaggedAt time.Time
}

// IsFileOversized returns the flag for url, or nil when the URL is not
// flagged.
func (s *Store) IsFileOversized(ctx context.Context, url string) (*OversizedEntry, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("is_file_oversized", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var e OversizedEntry
	var flagged int64
	err = s.db.QueryRowContext(ctx,
		"SELECT url, file_size, size_limit, flagged_at FROM oversized_files WHERE url = ?", url,
	).Scan(&e.URL, &e.Size, &e.Limit, &flagged)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.FlaggedAt = time.Unix(flagged, 0)
	return &e, nil
}

// FlagFileAsOversized records that url has size bytes, above limit.
func (s *Store) FlagFileAsOversized(ctx context.Context, url string, size, limit int64) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("flag_file_oversized", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oversized_files (url, file_size, size_limit, flagged_at, checked_at)
		VALUES (?, ?, ?, strftime('%s', 'now'), strftime('%s', 'now'))
		ON CONFLICT(url) DO UPDATE SET
			file_size = excluded.file_size,
			size_limit = excluded.size_limit,
			checked_at = strftime('%s', 'now')
	`, url, size, limit)
	return err
}

// RemoveOversizedFlag clears any flag for url.
func (s *Store) RemoveOversizedFlag(ctx context.Context, url string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("remove_oversized_flag", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, "DELETE FROM oversized_files WHERE url = ?", url)
	return err
}

// ClearOldOversizedFlags removes flags set before now-olderThan and returns
// how many were removed.
func (s *Store) ClearOldOversizedFlags(ctx context.Context, olderThan time.Duration) (int64, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("clear_old_oversized", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cutoff := time.Now().Add(-olderThan).Unix()
	var result sql.Result
	result, err = s.db.ExecContext(ctx, "DELETE FROM oversized_files WHERE flagged_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
