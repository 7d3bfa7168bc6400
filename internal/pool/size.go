package pool

import (
	"fmt"
	"regexp"
	"strconv"
)

var sizePattern = regexp.MustCompile(`(?i)^([0-9]+(?:\.[0-9]+)?)([bkmgt]?)$`)

var sizeUnits = map[string]int64{
	"":  1,
	"b": 1,
	"k": 1 << 10,
	"m": 1 << 20,
	"g": 1 << 30,
	"t": 1 << 40,
}

// ParseSize parses a byte count given as a plain number (integer or
// decimal), optionally followed by a single-letter B or K/M/G/T suffix
// (base 1024, case-insensitive; the result is truncated), the same
// grammar rsync itself accepts for --max-size/--bwlimit. It backs both
// the bucket byte threshold (--size) and the per-child --bwlimit value.
func ParseSize(s string) (int64, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q: want a number optionally followed by B/K/M/G/T", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	mult := sizeUnits[toLowerASCII(m[2])]
	return int64(n * float64(mult)), nil
}

func toLowerASCII(s string) string {
	if s == "" {
		return s
	}
	b := s[0]
	if b >= 'A' && b <= 'Z' {
		b += 'a' - 'A'
	}
	return string(b)
}
