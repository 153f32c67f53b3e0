// ABOUTME: Typed accessors over a tool call's JSON arguments
// ABOUTME: Type mismatches surface as ValidationErrors naming the field

package tools

import (
	"bytes"
	"encoding/json"
	"math"
	"time"
)

// Args holds the raw top-level fields of a tool call's arguments.
type Args struct {
	fields map[string]json.RawMessage
}

// ParseArgs decodes input, which must be a JSON object, null, or empty.
func ParseArgs(input json.RawMessage) (Args, error) {
	a := Args{fields: map[string]json.RawMessage{}}
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return a, nil
	}
	if err := json.Unmarshal(trimmed, &a.fields); err != nil {
		return Args{}, invalid("arguments", "must be a JSON object")
	}
	if a.fields == nil {
		a.fields = map[string]json.RawMessage{}
	}
	return a, nil
}

// Canonical returns the arguments re-encoded with sorted keys, so equivalent
// calls share a memoisation key.
func (a Args) Canonical() string {
	data, err := json.Marshal(a.fields)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Has reports whether name is present and not null.
func (a Args) Has(name string) bool {
	raw, ok := a.fields[name]
	return ok && string(bytes.TrimSpace(raw)) != "null"
}

// String returns the string field name, or def when absent.
func (a Args) String(name, def string) (string, error) {
	if !a.Has(name) {
		return def, nil
	}
	var s string
	if err := json.Unmarshal(a.fields[name], &s); err != nil {
		return "", invalid(name, "must be a string")
	}
	return s, nil
}

// Int64 returns the integer field name, or def when absent. Whole-valued
// floats such as 5.0 are accepted.
func (a Args) Int64(name string, def int64) (int64, error) {
	v, err := a.OptionalInt64(name)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return def, nil
	}
	return *v, nil
}

// OptionalInt64 returns nil when name is absent.
func (a Args) OptionalInt64(name string) (*int64, error) {
	if !a.Has(name) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(a.fields[name]))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, invalid(name, "must be a number")
	}
	n, ok := raw.(json.Number)
	if !ok {
		return nil, invalid(name, "must be a number")
	}
	if v, err := n.Int64(); err == nil {
		return &v, nil
	}
	// Exponent or fraction forms such as 5.0 or 1e3. float64(1<<63) is the
	// first value past MaxInt64.
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f >= 1<<63 || f < math.MinInt64 {
		return nil, invalid(name, "must be an integer")
	}
	v := int64(f)
	return &v, nil
}

// StringSlice returns the string array field name, or nil when absent.
func (a Args) StringSlice(name string) ([]string, error) {
	if !a.Has(name) {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(a.fields[name], &out); err != nil {
		return nil, invalid(name, "must be an array of strings")
	}
	return out, nil
}

// TTL reads ttl_ms. Absent or zero means def; negative is invalid.
func (a Args) TTL(def time.Duration) (time.Duration, error) {
	ms, err := a.Int64("ttl_ms", 0)
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		return 0, invalid("ttl_ms", "must not be negative")
	}
	if ms == 0 {
		return def, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Window reads anchor_ts_ms and window_ms. A zero window_ms means the default.
func (a Args) Window() (anchor *int64, windowMs int64, err error) {
	anchor, err = a.OptionalInt64("anchor_ts_ms")
	if err != nil {
		return nil, 0, err
	}
	windowMs, err = a.Int64("window_ms", 0)
	if err != nil {
		return nil, 0, err
	}
	if windowMs < 0 {
		return nil, 0, invalid("window_ms", "must be positive")
	}
	return anchor, windowMs, nil
}
