// Package bytesize parses human-friendly byte size strings such as "512MB".
package bytesize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// 1024-based multipliers, despite the decimal-looking suffixes.
var multipliers = map[string]int64{
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// suffixes ordered longest first so "B" does not shadow "KB".
var suffixes = []string{"TB", "GB", "MB", "KB", "B"}

// Parse converts a size string like "512MB" or "1.5GB" to a byte count.
// Units are case-insensitive.
func Parse(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	var unit string
	for _, u := range suffixes {
		if strings.HasSuffix(s, u) {
			unit = u
			break
		}
	}
	if unit == "" {
		return 0, fmt.Errorf("invalid size %q: missing unit (supported: B, KB, MB, GB, TB)", s)
	}

	numPart := strings.TrimSpace(strings.TrimSuffix(s, unit))
	if numPart == "" {
		return 0, fmt.Errorf("invalid size %q: missing numeric value", s)
	}

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q in %q: %w", numPart, s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid size %q: negative value not allowed", s)
	}

	result := value * float64(multipliers[unit])
	if result > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(result), nil
}
