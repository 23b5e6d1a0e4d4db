package config

import (
	"context"
	"strconv"
	"strings"
	"time"

	"media-thumbnailer/internal/logging"
)

// Keys in the settings table that override the environment.
const (
	SettingVideoMaxMB             = "video_thumb_max_mb"
	SettingVideoNonFaststartMaxMB = "video_thumb_non_faststart_mb"
	SettingVideoRetries           = "video_thumb_retries"
	SettingVideoRetryDelayMS      = "video_thumb_retry_delay_ms"
	SettingEnableRangeProxy       = "enable_range_proxy"
)

// SettingsReader is the part of the store ApplySettings needs.
type SettingsReader interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// ApplySettings overlays values persisted in the settings table. Unreadable
// or malformed values are logged and leave the current value in place. It
// returns the number of settings applied.
func (c *Config) ApplySettings(ctx context.Context, s SettingsReader) int {
	applied := 0
	read := func(key string, apply func(string) error) {
		value, ok, err := s.GetSetting(ctx, key)
		if err != nil {
			logging.Warn("Failed to read setting %s: %v", key, err)
			return
		}
		if !ok {
			return
		}
		if err := apply(strings.TrimSpace(value)); err != nil {
			logging.Warn("Ignoring invalid setting %s=%q: %v", key, value, err)
			return
		}
		logging.Debug("Setting %s=%s applied", key, value)
		applied++
	}

	read(SettingVideoMaxMB, func(v string) error {
		mb, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			c.VideoMaxBytes = megabytes(mb)
		}
		return err
	})
	read(SettingVideoNonFaststartMaxMB, func(v string) error {
		mb, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			c.VideoNonFaststartMaxBytes = megabytes(mb)
		}
		return err
	})
	read(SettingVideoRetries, func(v string) error {
		n, err := strconv.Atoi(v)
		if err == nil {
			c.VideoRetries = max(n, 0)
		}
		return err
	})
	read(SettingVideoRetryDelayMS, func(v string) error {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			c.VideoRetryDelay = time.Duration(max(ms, 0)) * time.Millisecond
		}
		return err
	})
	read(SettingEnableRangeProxy, func(v string) error {
		b, err := strconv.ParseBool(v)
		if err == nil {
			c.EnableRangeProxy = b
		}
		return err
	})

	return applied
}
