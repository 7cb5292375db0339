package config

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// ByteSize decodes from JSON as either a plain number of bytes or a
// human readable string such as "8MiB" or "2 GB".
type ByteSize int64

func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		if val < 0 {
			return fmt.Errorf("negative byte size %v", val)
		}
		*b = ByteSize(val)
		return nil
	case string:
		n, err := parseBytes(val)
		if err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	default:
		return fmt.Errorf("invalid byte size: %s", string(data))
	}
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func parseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("byte size %q overflows", s)
	}
	return int64(n), nil
}
