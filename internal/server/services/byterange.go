package services

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/filevault/internal/common"
)

// ByteRange is an inclusive span of an object. An empty object read in
// full is {0, -1}.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRange resolves a Range header against an object of the given size.
// An empty header selects the whole object and partial is false. Only a
// single "bytes=" range is accepted; anything else, including ranges that
// start at or beyond size, yields *common.RangeNotSatisfiableError.
func ParseRange(header string, size int64) (r ByteRange, partial bool, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return ByteRange{Start: 0, End: size - 1}, false, nil
	}

	unsatisfiable := &common.RangeNotSatisfiableError{Size: size}

	set, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(set, ",") {
		return ByteRange{}, false, unsatisfiable
	}
	first, last, ok := strings.Cut(strings.TrimSpace(set), "-")
	if !ok {
		return ByteRange{}, false, unsatisfiable
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		// suffix form: the last n bytes
		n, ok := parsePos(last)
		if !ok || n <= 0 || size == 0 {
			return ByteRange{}, false, unsatisfiable
		}
		if n > size {
			n = size
		}
		return ByteRange{Start: size - n, End: size - 1}, true, nil
	}

	start, ok := parsePos(first)
	if !ok || start >= size {
		return ByteRange{}, false, unsatisfiable
	}
	end := size - 1
	if last != "" {
		end, ok = parsePos(last)
		if !ok || end < start {
			return ByteRange{}, false, unsatisfiable
		}
		if end >= size {
			end = size - 1
		}
	}
	return ByteRange{Start: start, End: end}, true, nil
}

// parsePos parses a byte position, which is one or more ASCII digits.
// Positions past the int64 range saturate.
func parsePos(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return math.MaxInt64, true
	}
	return n, err == nil
}
