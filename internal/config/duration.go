package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string from a YAML field.
// Config durations here are written like "2s" or "500ms"; blank means
// unset and yields zero. The field name goes into the error so a bad
// value in a nested pacing tier is still attributable.
func ParseDurationField(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for
// fields that must end up positive, like cache TTL or the sqlite busy
// timeout.
func ParseDurationOrDefault(field, value string, fallback time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, value)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return fallback, nil
	}
	return d, nil
}
