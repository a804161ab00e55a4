package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// timestampLayouts are tried in order when parsing string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp converts assorted timestamp representations to UTC times.
// Supports ISO8601 strings, unix epoch seconds, and milliseconds.
func ParseTimestamp(value any) *time.Time {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		if v.IsZero() {
			return nil
		}
		utc := v.UTC()
		return &utc
	case *time.Time:
		if v == nil {
			return nil
		}
		utc := v.UTC()
		return &utc
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil
		}
		return fromEpoch(f)
	case float64:
		return fromEpoch(v)
	case float32:
		return fromEpoch(float64(v))
	case int:
		return fromEpoch(float64(v))
	case int64:
		return fromEpoch(float64(v))
	case []byte:
		return ParseTimestamp(string(v))
	case string:
		cleaned := strings.TrimSpace(v)
		if cleaned == "" {
			return nil
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, cleaned); err == nil {
				utc := parsed.UTC()
				return &utc
			}
		}
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return fromEpoch(f)
		}
	}
	return nil
}

func fromEpoch(seconds float64) *time.Time {
	if seconds > 1e12 { // treat as milliseconds
		seconds /= 1000.0
	}
	if seconds <= 0 || seconds > 1e11 {
		return nil
	}
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * 1e9)
	ts := time.Unix(sec, nsec).UTC()
	return &ts
}

// StringifyContent flattens content blobs from various provider formats into
// human readable text.
func StringifyContent(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case map[string]any:
		for _, key := range []string{"text", "content", "value"} {
			if nested, ok := v[key]; ok {
				return StringifyContent(nested)
			}
		}
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		chunks := make([]string, 0, len(keys))
		for _, key := range keys {
			chunks = append(chunks, StringifyContent(v[key]))
		}
		return strings.Join(chunks, " ")
	case []any:
		chunks := make([]string, 0, len(v))
		for _, item := range v {
			chunks = append(chunks, StringifyContent(item))
		}
		return strings.Join(chunks, " ")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Coalesce returns the first value that is neither nil nor a blank string.
func Coalesce(values ...any) any {
	for _, value := range values {
		if value == nil {
			continue
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		return value
	}
	return nil
}

// CoalesceString returns the first non-blank string, trimmed of whitespace.
func CoalesceString(values ...any) string {
	for _, value := range values {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// StripPrivateUse removes private-use Unicode characters (citation markers
// emitted by some providers) from text.
func StripPrivateUse(text string) string {
	return strings.Map(func(r rune) rune {
		if r >= 0xE000 && r < 0xF900 {
			return -1
		}
		return r
	}, text)
}

// SafeJSON renders an opaque value as compact JSON, falling back to the
// string form for values that cannot be encoded.
func SafeJSON(value any) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(encoded)
}
