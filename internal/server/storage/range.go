package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatRange renders an HTTP Range header value for [start, end]; end < 0
// means "to the end".
func FormatRange(start, end int64) string {
	if end < 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, end)
}

// ParseContentRange parses a "bytes a-b/N" Content-Range value.
func ParseContentRange(v string) (start, end, total int64, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed content-range %q", v)
	}
	rng, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed content-range %q", v)
	}
	a, b, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("malformed content-range %q", v)
	}
	if start, err = strconv.ParseInt(a, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed content-range %q: %w", v, err)
	}
	if end, err = strconv.ParseInt(b, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed content-range %q: %w", v, err)
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed content-range %q: %w", v, err)
	}
	if start < 0 || end < start || end >= total {
		return 0, 0, 0, fmt.Errorf("inconsistent content-range %q", v)
	}
	return start, end, total, nil
}
