package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseWindow parses a [lo, hi] duration pair and rejects inverted windows.
func ParseWindow(name, lo, hi string) (time.Duration, time.Duration, error) {
	l, err := ParseDurationField(name+"_min", lo)
	if err != nil {
		return 0, 0, err
	}
	h, err := ParseDurationField(name+"_max", hi)
	if err != nil {
		return 0, 0, err
	}
	if h < l {
		return 0, 0, fmt.Errorf("%s: max %s is below min %s", name, h, l)
	}
	return l, h, nil
}
