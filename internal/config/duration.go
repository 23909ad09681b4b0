package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBadDuration marks a duration field that is not a valid, non-negative
// Go duration string.
var ErrBadDuration = errors.New("bad duration")

// ParseDurationField parses raw as a Go duration ("500ms", "10s", "1m30s").
// An empty value is 0. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w: %q", path, ErrBadDuration, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: %w: %q is negative", path, ErrBadDuration, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
