package export

import (
	"fmt"
	"strconv"
	"strings"
)

// unitScale maps size suffixes to binary multiples of a byte, matching
// how drive space reserves and split budgets are specified in config.
var unitScale = map[string]int64{
	"":   1,
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// ParseSize parses a human-readable size such as "25GB" or "512 MB"
// into bytes. Suffixes are case-insensitive; a bare number is bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	cut := len(s)
	for cut > 0 && s[cut-1] >= 'A' && s[cut-1] <= 'Z' {
		cut--
	}
	num, unit := strings.TrimSpace(s[:cut]), s[cut:]

	mult, ok := unitScale[unit]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}
	if num == "" {
		return 0, fmt.Errorf("missing number in size: %s", s)
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number in size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size: %s", s)
	}
	return n * mult, nil
}
