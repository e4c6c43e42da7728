package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Section is one mapping of a decoded settings document. A lookup that
// misses, or finds a value of the wrong type, returns the caller's
// fallback, so a file only overrides the keys it names.
//
// Keys may be dotted paths into nested mappings: "store.postgres.dsn".
type Section struct {
	values map[string]any
}

// NewSection wraps a decoded mapping. A nil map yields an empty section.
func NewSection(values map[string]any) Section {
	return Section{values: values}
}

// ReadFile decodes a settings file. The format follows the extension:
// .yaml, .yml or .json.
func ReadFile(path string) (Section, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Section{}, fmt.Errorf("read %s: %w", path, err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return Parse(data, format)
}

// Parse decodes data in the given format ("yaml", "yml" or "json").
// JSON numbers are kept exact so large integers survive.
func Parse(data []byte, format string) (Section, error) {
	var values map[string]any
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &values); err != nil {
			return Section{}, fmt.Errorf("parse yaml: %w", err)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&values); err != nil {
			return Section{}, fmt.Errorf("parse json: %w", err)
		}
	default:
		return Section{}, fmt.Errorf("unsupported settings format %q", format)
	}
	return NewSection(values), nil
}

func (s Section) lookup(key string) (any, bool) {
	cur := s.values
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	v, ok := cur[parts[len(parts)-1]]
	return v, ok
}

// Section returns the nested mapping under key, or an empty section.
func (s Section) Section(key string) Section {
	if m, ok := s.get(key).(map[string]any); ok {
		return NewSection(m)
	}
	return Section{}
}

func (s Section) get(key string) any {
	v, _ := s.lookup(key)
	return v
}

// Keys returns the top-level keys in sorted order.
func (s Section) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// String returns the string at key, or fallback.
func (s Section) String(key, fallback string) string {
	if v, ok := s.get(key).(string); ok {
		return v
	}
	return fallback
}

// Bool returns the boolean at key, or fallback.
func (s Section) Bool(key string, fallback bool) bool {
	if v, ok := s.get(key).(bool); ok {
		return v
	}
	return fallback
}

// Float returns the number at key, or fallback.
func (s Section) Float(key string, fallback float64) float64 {
	if f, ok := number(s.get(key)); ok {
		return f
	}
	return fallback
}

// Int64 returns the whole number at key, or fallback. Fractional numbers
// fall back.
func (s Section) Int64(key string, fallback int64) int64 {
	switch v := s.get(key).(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	if f, ok := number(s.get(key)); ok && f == math.Trunc(f) {
		return int64(f)
	}
	return fallback
}

// Int is Int64 narrowed to int.
func (s Section) Int(key string, fallback int) int {
	return int(s.Int64(key, int64(fallback)))
}

// Duration returns the duration at key, or fallback. Strings use Go
// duration syntax ("90s", "1h30m"); bare numbers are seconds.
func (s Section) Duration(key string, fallback time.Duration) time.Duration {
	switch v := s.get(key).(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		return fallback
	case time.Duration:
		return v
	}
	if f, ok := number(s.get(key)); ok {
		return time.Duration(f * float64(time.Second))
	}
	return fallback
}

// number converts the numeric types produced by the YAML and JSON decoders.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
