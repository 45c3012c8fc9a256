package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations parses Go duration strings out of a config section, remembering
// the first failure so a whole block can be mapped before one error check.
//
//	var dp Durations
//	poll := dp.Field("queue.poll_interval", c.PollInterval)
//	lease := dp.Field("queue.lease", c.Lease)
//	if err := dp.Err(); err != nil { ... }
type Durations struct {
	err error
}

// Field parses an optional duration. An empty value yields zero; any call
// after a recorded failure yields zero too.
func (d *Durations) Field(path, raw string) time.Duration {
	if d.err != nil {
		return 0
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		d.err = fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
		return 0
	}
	if v < 0 {
		d.err = fmt.Errorf("%s: negative duration %q", path, raw)
		return 0
	}
	return v
}

// FieldDefault is Field with a fallback for omitted or zero values.
func (d *Durations) FieldDefault(path, raw string, def time.Duration) time.Duration {
	v := d.Field(path, raw)
	if v <= 0 && d.err == nil {
		return def
	}
	return v
}

// Err reports the first parse failure, or nil.
func (d *Durations) Err() error { return d.err }

// ParseDurationField parses a single optional duration field.
func ParseDurationField(path, raw string) (time.Duration, error) {
	var d Durations
	v := d.Field(path, raw)
	return v, d.Err()
}

// ParseDurationOrDefault parses a single field with a fallback.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	var d Durations
	v := d.FieldDefault(path, raw, def)
	return v, d.Err()
}
