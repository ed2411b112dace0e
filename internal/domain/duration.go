package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with support for JSON and YAML encoding.
type Duration struct {
	time.Duration
}

// NewDuration wraps a time.Duration with a Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// ParseDuration parses a duration string in the time.Duration format.
func ParseDuration(s string) (Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return Duration{}, err
	}

	return NewDuration(d), nil
}

// MustParseDuration parses a duration string in the time.Duration format.
// Panics if the string is invalid.
func MustParseDuration(s string) Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}

	return d
}

// String returns a string representing the duration in the form "72h3m0.5s".
func (d Duration) String() string {
	return d.Duration.String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case string:
		var err error
		if d.Duration, err = time.ParseDuration(value); err != nil {
			return err
		}

		return nil
	default:
		return fmt.Errorf("invalid duration type: %T", v)
	}
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration node at line %d", node.Line)
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Duration = parsed
	return nil
}
