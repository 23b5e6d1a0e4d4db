package mediacache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"media-thumbnailer/internal/logging"
)

const hashSearchTimeout = 8 * time.Second

var hashStemRe = regexp.MustCompile(`^[0-9a-f]{32,128}$`)

// hashFromURL returns the lowercased file stem of raw when it looks like a
// content hash.
func hashFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	stem := strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
	if !hashStemRe.MatchString(stem) {
		return ""
	}
	return stem
}

type hashSearchResponse struct {
	Size any `json:"size"`
}

// lookupHashSize asks the hash search API for the size of raw. Every failure
// yields 0.
func (m *Manager) lookupHashSize(ctx context.Context, raw string) int64 {
	if n, ok := m.cachedSize(raw); ok {
		return n
	}
	hash := hashFromURL(raw)
	if hash == "" || m.opts.HashSearchBase == "" {
		return 0
	}
	if v, ok := m.hashSizes.Get(hash); ok {
		n := v.(int64)
		m.sizes.Set(raw, n, cache.DefaultExpiration)
		return n
	}

	v, err, _ := m.lookups.Do("hash:"+hash, func() (any, error) {
		return m.searchHash(ctx, hash)
	})
	if err != nil {
		logging.Debug("Hash search failed for %s: %v", hash, err)
		return 0
	}
	n := v.(int64)
	m.hashSizes.Set(hash, n, cache.DefaultExpiration)
	m.sizes.Set(raw, n, cache.DefaultExpiration)
	m.recordRemoteContent(ctx, raw, http.Header{}, n)
	return n
}

func (m *Manager) searchHash(ctx context.Context, hash string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, hashSearchTimeout)
	defer cancel()

	endpoint := strings.TrimRight(m.opts.HashSearchBase, "/") + "/v1/search_hash/" + hash
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "media-thumbnailer")
	req.Header.Set("Accept", "text/css")

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("hash search returned HTTP %d", resp.StatusCode)
	}

	var body hashSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("invalid hash search response: %w", err)
	}

	var size int64
	switch v := body.Size.(type) {
	case float64:
		size = int64(v)
	case string:
		size, _ = strconv.ParseInt(v, 10, 64)
	}
	if size <= 0 {
		return 0, fmt.Errorf("hash search returned no size")
	}
	return size, nil
}
