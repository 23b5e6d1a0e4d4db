package rangeproxy

import (
	"strconv"
	"strings"
)

// byteRange is the first range of a Range header. end is -1 when the range
// is open ended. A suffix range asks for the last end bytes.
type byteRange struct {
	start  int64
	end    int64
	suffix bool
}

// parseRange understands bytes=a-b, bytes=a- and bytes=-n. Only the first
// range of a multi-range header is honored. ok is false for anything else,
// which the proxy hands to the origin untouched.
func parseRange(header string) (byteRange, bool) {
	set, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found {
		return byteRange{}, false
	}
	set, _, _ = strings.Cut(set, ",")
	startStr, endStr, found := strings.Cut(strings.TrimSpace(set), "-")
	if !found {
		return byteRange{}, false
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return byteRange{}, false
		}
		return byteRange{end: n, suffix: true}, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, false
	}
	if endStr == "" {
		return byteRange{start: start, end: -1}, true
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return byteRange{}, false
	}
	return byteRange{start: start, end: end}, true
}

// resolve clamps r to a resource of total bytes and returns the inclusive
// span to serve. ok is false when the range cannot be satisfied.
func (r byteRange) resolve(total int64) (start, end int64, ok bool) {
	if total <= 0 {
		return 0, 0, false
	}
	if r.suffix {
		if r.end == 0 {
			return 0, 0, false
		}
		return max(total-r.end, 0), total - 1, true
	}
	if r.start >= total {
		return 0, 0, false
	}
	end = r.end
	if end < 0 || end >= total {
		end = total - 1
	}
	return r.start, end, true
}
