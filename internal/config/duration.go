package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can say "30m" or "5s".
type Duration struct {
	d time.Duration
}

// Seconds builds a Duration of n seconds.
func Seconds(n int) Duration {
	return Duration{d: time.Duration(n) * time.Second}
}

// Minutes builds a Duration of n minutes.
func Minutes(n int) Duration {
	return Duration{d: time.Duration(n) * time.Minute}
}

// Hours builds a Duration of n hours.
func Hours(n int) Duration {
	return Duration{d: time.Duration(n) * time.Hour}
}

// From wraps an existing time.Duration.
func From(d time.Duration) Duration {
	return Duration{d: d}
}

// Value returns the underlying time.Duration.
func (d Duration) Value() time.Duration {
	return d.d
}

// MarshalYAML renders the duration in Go syntax ("30m0s" style trimmed by
// time.Duration.String).
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.d.String(), nil
}

// UnmarshalYAML parses either a Go duration string or a bare number of
// seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		d.d = parsed
		return nil
	}

	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	d.d = time.Duration(n) * time.Second
	return nil
}
