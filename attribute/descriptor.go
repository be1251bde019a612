package attribute

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Descriptor keys
const (
	KeyDefinition  = "definition"
	KeyDescription = "description"
	KeyMeasurement = "measurement"
	KeyFilter      = "filter"
	KeyFrom        = "from"
	KeyTo          = "to"
	KeyChannels    = "channels"
	KeyCategory    = "category"
)

// Descriptor is the key/value configuration bag of one attribute or
// subscription.
type Descriptor map[string]string

// Get returns a trimmed value and whether it is non-empty
func (d Descriptor) Get(key string) (string, bool) {
	v := strings.TrimSpace(d[key])
	return v, v != ""
}

// Definition returns the grammar string, falling back to name so that a
// bare metric type can be used as the attribute name.
func (d Descriptor) Definition(name string) string {
	if v, ok := d.Get(KeyDefinition); ok {
		return v
	}
	return name
}

// Float parses a required float parameter
func (d Descriptor) Float(key string) (float64, bool, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, true, fmt.Errorf("parameter %s: %w", key, err)
	}
	return f, true, nil
}

// Duration parses a duration parameter. Plain numbers are milliseconds.
func (d Descriptor) Duration(key string) (time.Duration, bool, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false, nil
	}
	if ms, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(ms * float64(time.Millisecond)), true, nil
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return 0, true, fmt.Errorf("parameter %s: %w", key, err)
	}
	return dur, true, nil
}

// Int parses an integer parameter
func (d Descriptor) Int(key string) (int, bool, error) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("parameter %s: %w", key, err)
	}
	return n, true, nil
}

// Clone returns an independent copy
func (d Descriptor) Clone() Descriptor {
	out := make(Descriptor, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
