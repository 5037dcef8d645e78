// Package intent decides, per user turn, whether to answer conversationally
// or to stage a structured log, and owns the type-directed extraction schemas
// and their boundary validation. It wraps the classification/extraction
// provider behind a policy layer: provider failures and ambiguous verdicts
// always degrade to chat, because a missed log is recoverable by restating
// the event while a phantom staged log is not.
package intent

import (
	"fmt"
	"time"
)

// Known log types.
const (
	LogTypeNutrition = "nutrition"
	LogTypeActivity  = "activity"
)

// FieldKind describes how a field value is validated at the boundary.
type FieldKind int

const (
	FieldString FieldKind = iota
	FieldNumber
	FieldTimestamp
)

// FieldSpec is one allowed field of a log type's schema. Numeric bounds are
// enforced here rather than trusted from the provider.
type FieldSpec struct {
	Kind FieldKind
	Min  float64
	Max  float64
	// Enum restricts string values when non-empty.
	Enum []string
}

// minutesPerDay bounds durations: anything longer than a day is rejected.
const minutesPerDay = 24 * 60

// schemas is the fixed allowed-field set per log type. Fields absent from a
// type's schema are dropped at the boundary regardless of what the provider
// returned.
var schemas = map[string]map[string]FieldSpec{
	LogTypeNutrition: {
		"description":   {Kind: FieldString},
		"meal":          {Kind: FieldString, Enum: []string{"breakfast", "lunch", "dinner", "snack"}},
		"quantity":      {Kind: FieldNumber, Min: 0, Max: 10000},
		"unit":          {Kind: FieldString},
		"calories":      {Kind: FieldNumber, Min: 0, Max: 20000},
		"protein_grams": {Kind: FieldNumber, Min: 0, Max: 2000},
		"logged_at":     {Kind: FieldTimestamp},
	},
	LogTypeActivity: {
		"activity":     {Kind: FieldString},
		"distance_km":  {Kind: FieldNumber, Min: 0, Max: 1000},
		"duration_min": {Kind: FieldNumber, Min: 0, Max: minutesPerDay},
		"calories":     {Kind: FieldNumber, Min: 0, Max: 20000},
		"logged_at":    {Kind: FieldTimestamp},
	},
}

// KnownLogType reports whether logType has a registered extraction schema.
func KnownLogType(logType string) bool {
	_, ok := schemas[logType]
	return ok
}

// LogTypes returns the registered log types.
func LogTypes() []string {
	out := make([]string, 0, len(schemas))
	for t := range schemas {
		out = append(out, t)
	}
	return out
}

// ValidateFields filters fields down to the allowed set for logType and
// checks every surviving value against its spec. Invalid values are reported
// per field; the returned map contains only keys that passed. A nil/empty
// input yields an empty map — "missing" is always acceptable, fabrication is
// what the schema exists to prevent.
func ValidateFields(logType string, fields map[string]any) (map[string]any, []error) {
	spec, ok := schemas[logType]
	if !ok {
		return nil, []error{fmt.Errorf("unknown log type %q", logType)}
	}

	out := make(map[string]any, len(fields))
	var errs []error
	for key, val := range fields {
		fs, allowed := spec[key]
		if !allowed {
			// Provider returned a field outside the schema: drop silently.
			continue
		}
		if val == nil {
			// Explicit null means "could not infer"; treat as missing.
			continue
		}
		switch fs.Kind {
		case FieldNumber:
			f, ok := asFloat(val)
			if !ok {
				errs = append(errs, fmt.Errorf("field %q: expected a number", key))
				continue
			}
			if f < fs.Min || f > fs.Max {
				errs = append(errs, fmt.Errorf("field %q: value %v out of bounds [%v, %v]", key, f, fs.Min, fs.Max))
				continue
			}
			out[key] = f
		case FieldTimestamp:
			s, ok := val.(string)
			if !ok {
				errs = append(errs, fmt.Errorf("field %q: expected an RFC3339 timestamp", key))
				continue
			}
			if _, err := time.Parse(time.RFC3339, s); err != nil {
				errs = append(errs, fmt.Errorf("field %q: invalid timestamp: %v", key, err))
				continue
			}
			out[key] = s
		case FieldString:
			s, ok := val.(string)
			if !ok || s == "" {
				errs = append(errs, fmt.Errorf("field %q: expected a non-empty string", key))
				continue
			}
			if len(fs.Enum) > 0 && !contains(fs.Enum, s) {
				errs = append(errs, fmt.Errorf("field %q: %q is not one of %v", key, s, fs.Enum))
				continue
			}
			out[key] = s
		}
	}
	return out, errs
}

// asFloat coerces JSON-decoded numeric representations to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
