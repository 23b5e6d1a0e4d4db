package media

import (
	"errors"
	"fmt"
)

// Failures surfaced by the thumbnail pipeline. Callers match them with errors.Is.
var (
	ErrNotFound          = errors.New("media not found")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	ErrSizeLimitExceeded = errors.New("remote media exceeds size limit")
	ErrSizeUnknown       = errors.New("remote media size unknown while a size limit is configured")
	ErrDownloadsDisabled = errors.New("full video downloads are disabled")
	ErrDecode            = errors.New("decoder produced no usable image")
	ErrGenerationFailed  = errors.New("thumbnail generation failed")
	ErrTimedOut          = errors.New("thumbnail request timed out")
	ErrCancelled         = errors.New("thumbnail request cancelled")
	ErrShutdown          = errors.New("thumbnail manager is shut down")
)

// HTTPError is returned when an origin answers with an unexpected status.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d fetching %s", e.StatusCode, e.URL)
}
