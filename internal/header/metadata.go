package header

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMissingField is matched by every MissingFieldError.
var ErrMissingField = errors.New("missing metadata field")

// MissingFieldError names the header keyword a calibration step needed.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing metadata field %q", e.Field)
}

func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}

// Metadata is an image header: keyword to value. Values are float64, int,
// int64, bool or string. Keywords are matched case-insensitively.
type Metadata map[string]any

// Lookup returns the raw value stored under key.
func (m Metadata) Lookup(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	if v, ok := m[key]; ok {
		return v, true
	}
	upper := strings.ToUpper(key)
	if v, ok := m[upper]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether key is present.
func (m Metadata) Has(key string) bool {
	_, ok := m.Lookup(key)
	return ok
}

// Float returns key as a float64.
func (m Metadata) Float(key string) (float64, error) {
	v, ok := m.Lookup(key)
	if !ok {
		return 0, &MissingFieldError{Field: key}
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("metadata field %q: %w", key, err)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("metadata field %q is not numeric: %q", key, t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("metadata field %q has unsupported type %T", key, v)
	}
}

// Int returns key as an int. Floating values must be integral.
func (m Metadata) Int(key string) (int, error) {
	f, err := m.Float(key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("metadata field %q is not an integer: %v", key, f)
	}
	return int(f), nil
}

// String returns key as a string; numbers are formatted.
func (m Metadata) String(key string) (string, error) {
	v, ok := m.Lookup(key)
	if !ok {
		return "", &MissingFieldError{Field: key}
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	default:
		return fmt.Sprint(t), nil
	}
}

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
